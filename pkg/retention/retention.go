// Package retention prunes aged rows from the shared store. It never
// touches unclassified detections or checkpoints.
package retention

import (
	"context"
	"log"
	"time"
)

// Pruner is the slice of the store the sweeper needs.
type Pruner interface {
	DeleteEventsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteWindowsBefore(ctx context.Context, t time.Time) (int64, error)
	DeleteClassifiedBefore(ctx context.Context, t time.Time) (int64, error)
}

// Config sets the sweep cadence and per-table horizons.
type Config struct {
	SweepInterval    time.Duration
	EventHorizon     time.Duration
	WindowHorizon    time.Duration
	DetectionHorizon time.Duration
}

// Sweeper deletes rows older than their horizon on a fixed cadence.
type Sweeper struct {
	pruner Pruner
	cfg    Config
	now    func() time.Time
}

// New creates a retention sweeper.
func New(pruner Pruner, cfg Config) *Sweeper {
	return &Sweeper{pruner: pruner, cfg: cfg, now: time.Now}
}

// SweepOnce runs one pass over all three tables. Per-table errors are
// logged and do not stop the remaining deletions.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	now := s.now()

	if n, err := s.pruner.DeleteEventsBefore(ctx, now.Add(-s.cfg.EventHorizon)); err != nil {
		log.Printf("retention: prune events: %v", err)
	} else if n > 0 {
		log.Printf("retention: pruned %d raw events", n)
	}

	if n, err := s.pruner.DeleteWindowsBefore(ctx, now.Add(-s.cfg.WindowHorizon)); err != nil {
		log.Printf("retention: prune windows: %v", err)
	} else if n > 0 {
		log.Printf("retention: pruned %d feature windows", n)
	}

	if n, err := s.pruner.DeleteClassifiedBefore(ctx, now.Add(-s.cfg.DetectionHorizon)); err != nil {
		log.Printf("retention: prune detections: %v", err)
	} else if n > 0 {
		log.Printf("retention: pruned %d classified detections", n)
	}
}

// Loop runs the sweeper until the context is cancelled.
func (s *Sweeper) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("retention: stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
