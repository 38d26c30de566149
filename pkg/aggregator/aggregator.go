// Package aggregator turns the raw event log into fixed tumbling feature
// windows per (prefix, origin) key, checkpointed and safe to replay.
package aggregator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/metrics"
	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

const (
	// initialLookback bounds the first run when no checkpoint exists yet.
	initialLookback = 10 * time.Minute

	// maxWindowsPerRun bounds a single catch-up run.
	maxWindowsPerRun = 120
)

// EventSource reads the append-only raw event log.
type EventSource interface {
	EventsBetween(ctx context.Context, from, to time.Time) ([]models.RawEvent, error)
	CountEventsAfter(ctx context.Context, t time.Time) (int, error)
}

// WindowSink persists recomputed feature windows.
type WindowSink interface {
	UpsertWindows(ctx context.Context, windows []models.FeatureWindow) error
}

// CheckpointStore persists the aggregator's cursor.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, stage string) (models.Checkpoint, error)
	SetCheckpoint(ctx context.Context, stage string, cursor int64) error
}

// Config controls windowing and pacing.
type Config struct {
	WindowWidth      time.Duration
	GracePeriod      time.Duration
	MinInterval      time.Duration
	MaxInterval      time.Duration
	BacklogThreshold int
}

// Aggregator is the window aggregation stage.
type Aggregator struct {
	source      EventSource
	sink        WindowSink
	checkpoints CheckpointStore
	cfg         Config

	now func() time.Time

	windowsClosed uint64
	runsCompleted uint64
}

// New creates a window aggregator.
func New(source EventSource, sink WindowSink, checkpoints CheckpointStore, cfg Config) *Aggregator {
	return &Aggregator{
		source:      source,
		sink:        sink,
		checkpoints: checkpoints,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Run closes every complete window between cursor and the watermark and
// returns the advanced cursor. Windows whose end is still inside the grace
// period are left open for late events; that is a skip, not an error.
//
// Each window is recomputed from its full event range, so replaying the
// same range produces identical rows and a failed run can simply be rerun.
func (a *Aggregator) Run(ctx context.Context, cursor time.Time) (time.Time, error) {
	watermark := a.now().Add(-a.cfg.GracePeriod)

	start := cursor.Truncate(a.cfg.WindowWidth)
	var starts []time.Time
	for s := start; !s.Add(a.cfg.WindowWidth).After(watermark); s = s.Add(a.cfg.WindowWidth) {
		starts = append(starts, s)
		if len(starts) >= maxWindowsPerRun {
			break
		}
	}
	if len(starts) == 0 {
		return cursor, nil
	}

	rangeStart := starts[0]
	rangeEnd := starts[len(starts)-1].Add(a.cfg.WindowWidth)

	events, err := a.source.EventsBetween(ctx, rangeStart, rangeEnd)
	if err != nil {
		return cursor, fmt.Errorf("load events: %w", err)
	}

	windows := a.aggregate(events)
	if err := a.sink.UpsertWindows(ctx, windows); err != nil {
		return cursor, fmt.Errorf("upsert windows: %w", err)
	}

	a.windowsClosed += uint64(len(windows))
	a.runsCompleted++
	metrics.WindowsClosed.Add(float64(len(windows)))
	if len(windows) > 0 {
		log.Printf("aggregator: closed %d windows over [%s, %s)",
			len(windows), rangeStart.UTC().Format(time.RFC3339), rangeEnd.UTC().Format(time.RFC3339))
	}

	return rangeEnd, nil
}

// aggregate buckets events into tumbling windows and computes per-key
// aggregates. Deterministic for a given event slice.
func (a *Aggregator) aggregate(events []models.RawEvent) []models.FeatureWindow {
	type bucket struct {
		window   models.FeatureWindow
		peers    map[uint32]struct{}
		paths    map[string]struct{}
		pathSum  int
		pathObs  int
	}

	buckets := make(map[string]*bucket)
	for _, e := range events {
		ws := e.ObservedAt.Truncate(a.cfg.WindowWidth)
		key := ws.UTC().Format(time.RFC3339) + "|" + e.Prefix + "|" + strconv.FormatUint(uint64(e.OriginASN), 10)

		b, ok := buckets[key]
		if !ok {
			b = &bucket{
				window: models.FeatureWindow{
					WindowStart: ws,
					WindowEnd:   ws.Add(a.cfg.WindowWidth),
					Prefix:      e.Prefix,
					OriginASN:   e.OriginASN,
				},
				peers: make(map[uint32]struct{}),
				paths: make(map[string]struct{}),
			}
			buckets[key] = b
		}

		if e.IsWithdrawal {
			b.window.WithdrawCount++
		} else {
			b.window.AnnounceCount++
		}
		b.peers[e.PeerASN] = struct{}{}
		if len(e.ASPath) > 0 {
			b.paths[pathKey(e.ASPath)] = struct{}{}
			b.pathSum += len(e.ASPath)
			b.pathObs++
		}
		if e.ObservedAt.After(b.window.LastSeen) {
			b.window.LastSeen = e.ObservedAt
		}
	}

	windows := make([]models.FeatureWindow, 0, len(buckets))
	for _, b := range buckets {
		b.window.DistinctPeers = len(b.peers)
		b.window.DistinctPaths = len(b.paths)
		if b.pathObs > 0 {
			b.window.AvgPathLen = float64(b.pathSum) / float64(b.pathObs)
		}
		windows = append(windows, b.window)
	}

	// Stable output order keeps replays byte-identical.
	sort.Slice(windows, func(i, j int) bool {
		if !windows[i].WindowStart.Equal(windows[j].WindowStart) {
			return windows[i].WindowStart.Before(windows[j].WindowStart)
		}
		if windows[i].Prefix != windows[j].Prefix {
			return windows[i].Prefix < windows[j].Prefix
		}
		return windows[i].OriginASN < windows[j].OriginASN
	})
	return windows
}

func pathKey(path []uint32) string {
	parts := make([]string, len(path))
	for i, asn := range path {
		parts[i] = strconv.FormatUint(uint64(asn), 10)
	}
	return strings.Join(parts, " ")
}

// nextInterval adapts the poll cadence to the unprocessed backlog: large
// backlogs poll at MinInterval, an idle log at MaxInterval, linear between.
func (a *Aggregator) nextInterval(backlog int) time.Duration {
	if backlog <= 0 {
		return a.cfg.MaxInterval
	}
	if backlog >= a.cfg.BacklogThreshold {
		return a.cfg.MinInterval
	}
	span := a.cfg.MaxInterval - a.cfg.MinInterval
	scaled := time.Duration(float64(span) * float64(backlog) / float64(a.cfg.BacklogThreshold))
	return a.cfg.MaxInterval - scaled
}

// Loop runs the aggregator until the context is cancelled. The cursor lives
// in the checkpoint table as Unix seconds of the last closed window end; a
// crash before the checkpoint advances replays the same range safely.
func (a *Aggregator) Loop(ctx context.Context) {
	cp, err := a.checkpoints.Checkpoint(ctx, models.StageAggregator)
	if err != nil {
		log.Printf("aggregator: read checkpoint: %v", err)
		return
	}

	cursor := time.Unix(cp.Cursor, 0).UTC()
	if cp.Cursor == 0 {
		cursor = a.now().Add(-initialLookback).Truncate(a.cfg.WindowWidth)
		log.Printf("aggregator: no checkpoint, starting at %s", cursor.Format(time.RFC3339))
	}

	for {
		next, err := a.Run(ctx, cursor)
		if err != nil {
			// Cursor unchanged: the next run reprocesses the same range.
			log.Printf("aggregator: run failed: %v", err)
		} else if next.After(cursor) {
			if err := a.checkpoints.SetCheckpoint(ctx, models.StageAggregator, next.Unix()); err != nil {
				log.Printf("aggregator: advance checkpoint: %v", err)
			} else {
				cursor = next
			}
		}

		backlog, err := a.source.CountEventsAfter(ctx, cursor)
		if err != nil {
			log.Printf("aggregator: count backlog: %v", err)
			backlog = 0
		}

		select {
		case <-ctx.Done():
			log.Printf("aggregator: stopped (runs=%d, windows=%d)", a.runsCompleted, a.windowsClosed)
			return
		case <-time.After(a.nextInterval(backlog)):
		}
	}
}
