package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

type fakeWindowSource struct {
	windows []models.FeatureWindow
}

func (f *fakeWindowSource) WindowsAfter(_ context.Context, t time.Time) ([]models.FeatureWindow, error) {
	var out []models.FeatureWindow
	for _, w := range f.windows {
		if w.WindowStart.After(t) {
			out = append(out, w)
		}
	}
	return out, nil
}

type fakeDetectionSink struct {
	inserted []models.Detection
	err      error
}

func (f *fakeDetectionSink) InsertDetections(_ context.Context, detections []models.Detection) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, detections...)
	return nil
}

// countingEvaluator emits one detection per window.
type countingEvaluator struct {
	evaluated int
}

func (e *countingEvaluator) Stage() string { return models.StageProducerRule }

func (e *countingEvaluator) Evaluate(_ context.Context, w models.FeatureWindow) []models.Detection {
	e.evaluated++
	return []models.Detection{{
		Prefix:      w.Prefix,
		OriginASN:   w.OriginASN,
		WindowStart: w.WindowStart,
		SourceKind:  models.SourceRule,
		Severity:    models.SeverityLow,
	}}
}

func TestPollerRunOnceAdvancesCursor(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	source := &fakeWindowSource{windows: []models.FeatureWindow{
		{WindowStart: base, Prefix: "10.0.0.0/8", OriginASN: 64500},
		{WindowStart: base.Add(time.Minute), Prefix: "10.0.0.0/8", OriginASN: 64500},
		{WindowStart: base.Add(2 * time.Minute), Prefix: "192.0.2.0/24", OriginASN: 64501},
	}}
	sink := &fakeDetectionSink{}
	eval := &countingEvaluator{}
	p := NewPoller(source, sink, nil, eval, time.Second)

	next, err := p.RunOnce(context.Background(), base.Add(-time.Second))
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if want := base.Add(2 * time.Minute); !next.Equal(want) {
		t.Errorf("cursor = %v, want %v", next, want)
	}
	if eval.evaluated != 3 {
		t.Errorf("evaluated %d windows, want 3", eval.evaluated)
	}
	if len(sink.inserted) != 3 {
		t.Errorf("inserted %d detections, want 3", len(sink.inserted))
	}

	// A second run from the advanced cursor sees nothing new.
	next2, err := p.RunOnce(context.Background(), next)
	if err != nil {
		t.Fatalf("second RunOnce failed: %v", err)
	}
	if !next2.Equal(next) {
		t.Errorf("cursor moved to %v on an empty run", next2)
	}
	if eval.evaluated != 3 {
		t.Errorf("evaluated %d windows after empty run, want still 3", eval.evaluated)
	}
}

func TestPollerRunOnceDoesNotAdvanceOnSinkError(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	source := &fakeWindowSource{windows: []models.FeatureWindow{
		{WindowStart: base, Prefix: "10.0.0.0/8", OriginASN: 64500},
	}}
	sink := &fakeDetectionSink{err: errors.New("insert failed")}
	p := NewPoller(source, sink, nil, &countingEvaluator{}, time.Second)

	cursor := base.Add(-time.Second)
	next, err := p.RunOnce(context.Background(), cursor)
	if err == nil {
		t.Fatal("expected error from failing sink")
	}
	if !next.Equal(cursor) {
		t.Errorf("cursor advanced to %v despite error, want unchanged %v", next, cursor)
	}
}

func TestSeverityScore(t *testing.T) {
	tests := []struct {
		severity string
		want     float64
	}{
		{models.SeverityCritical, 0.95},
		{models.SeverityHigh, 0.75},
		{models.SeverityMedium, 0.5},
		{models.SeverityLow, 0.25},
		{"unknown", 0.25},
	}
	for _, tt := range tests {
		if got := severityScore(tt.severity); got != tt.want {
			t.Errorf("severityScore(%q) = %v, want %v", tt.severity, got, tt.want)
		}
	}
}
