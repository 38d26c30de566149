// Package producer contains the three detection producers: rule-based,
// model-based and authority-based. Each is an independent polling loop that
// reads feature windows and appends detection records. Producers only ever
// insert; they never update or delete, and they need no coordination with
// each other or with the correlation engine.
package producer

import (
	"context"
	"log"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/metrics"
	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

// WindowSource reads feature windows past a cursor.
type WindowSource interface {
	WindowsAfter(ctx context.Context, t time.Time) ([]models.FeatureWindow, error)
}

// DetectionSink appends detection records.
type DetectionSink interface {
	InsertDetections(ctx context.Context, detections []models.Detection) error
}

// CheckpointStore persists the producer's cursor.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, stage string) (models.Checkpoint, error)
	SetCheckpoint(ctx context.Context, stage string, cursor int64) error
}

// Evaluator turns one feature window into zero or more detections.
type Evaluator interface {
	Stage() string
	Evaluate(ctx context.Context, w models.FeatureWindow) []models.Detection
}

// Poller drives an Evaluator on its own cadence with its own checkpoint
// (Unix seconds of the last seen window start).
type Poller struct {
	source      WindowSource
	sink        DetectionSink
	checkpoints CheckpointStore
	evaluator   Evaluator
	interval    time.Duration

	windowsSeen        uint64
	detectionsProduced uint64
}

// NewPoller wires an evaluator into a polling loop.
func NewPoller(source WindowSource, sink DetectionSink, checkpoints CheckpointStore, evaluator Evaluator, interval time.Duration) *Poller {
	return &Poller{
		source:      source,
		sink:        sink,
		checkpoints: checkpoints,
		evaluator:   evaluator,
		interval:    interval,
	}
}

// RunOnce processes all windows past cursor and returns the advanced
// cursor. Any storage error aborts without advancing, so the same windows
// are re-evaluated next poll; duplicate detections are tolerated downstream.
func (p *Poller) RunOnce(ctx context.Context, cursor time.Time) (time.Time, error) {
	windows, err := p.source.WindowsAfter(ctx, cursor)
	if err != nil {
		return cursor, err
	}
	if len(windows) == 0 {
		return cursor, nil
	}

	next := cursor
	var detections []models.Detection
	for _, w := range windows {
		detections = append(detections, p.evaluator.Evaluate(ctx, w)...)
		if w.WindowStart.After(next) {
			next = w.WindowStart
		}
	}

	if err := p.sink.InsertDetections(ctx, detections); err != nil {
		return cursor, err
	}

	p.windowsSeen += uint64(len(windows))
	p.detectionsProduced += uint64(len(detections))
	for _, d := range detections {
		metrics.DetectionsProduced.WithLabelValues(d.SourceKind).Inc()
	}
	if len(detections) > 0 {
		log.Printf("%s: %d detections from %d windows", p.evaluator.Stage(), len(detections), len(windows))
	}
	return next, nil
}

// Loop runs the producer until the context is cancelled.
func (p *Poller) Loop(ctx context.Context) {
	stage := p.evaluator.Stage()

	cp, err := p.checkpoints.Checkpoint(ctx, stage)
	if err != nil {
		log.Printf("%s: read checkpoint: %v", stage, err)
		return
	}
	cursor := time.Unix(cp.Cursor, 0).UTC()

	for {
		next, err := p.RunOnce(ctx, cursor)
		if err != nil {
			log.Printf("%s: run failed: %v", stage, err)
		} else if next.After(cursor) {
			if err := p.checkpoints.SetCheckpoint(ctx, stage, next.Unix()); err != nil {
				log.Printf("%s: advance checkpoint: %v", stage, err)
			} else {
				cursor = next
			}
		}

		select {
		case <-ctx.Done():
			log.Printf("%s: stopped (windows=%d, detections=%d)", stage, p.windowsSeen, p.detectionsProduced)
			return
		case <-time.After(p.interval):
		}
	}
}

// severityScore maps a severity level to a normalized score.
func severityScore(severity string) float64 {
	switch severity {
	case models.SeverityCritical:
		return 0.95
	case models.SeverityHigh:
		return 0.75
	case models.SeverityMedium:
		return 0.5
	default:
		return 0.25
	}
}
