package retention

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePruner struct {
	eventCutoff     time.Time
	windowCutoff    time.Time
	detectionCutoff time.Time
	eventErr        error
	calls           int
}

func (f *fakePruner) DeleteEventsBefore(_ context.Context, t time.Time) (int64, error) {
	f.calls++
	f.eventCutoff = t
	if f.eventErr != nil {
		return 0, f.eventErr
	}
	return 10, nil
}

func (f *fakePruner) DeleteWindowsBefore(_ context.Context, t time.Time) (int64, error) {
	f.calls++
	f.windowCutoff = t
	return 5, nil
}

func (f *fakePruner) DeleteClassifiedBefore(_ context.Context, t time.Time) (int64, error) {
	f.calls++
	f.detectionCutoff = t
	return 2, nil
}

func TestSweepOnceUsesHorizons(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	pruner := &fakePruner{}
	s := New(pruner, Config{
		EventHorizon:     24 * time.Hour,
		WindowHorizon:    7 * 24 * time.Hour,
		DetectionHorizon: 30 * 24 * time.Hour,
	})
	s.now = func() time.Time { return now }

	s.SweepOnce(context.Background())

	if want := now.Add(-24 * time.Hour); !pruner.eventCutoff.Equal(want) {
		t.Errorf("event cutoff = %v, want %v", pruner.eventCutoff, want)
	}
	if want := now.Add(-7 * 24 * time.Hour); !pruner.windowCutoff.Equal(want) {
		t.Errorf("window cutoff = %v, want %v", pruner.windowCutoff, want)
	}
	if want := now.Add(-30 * 24 * time.Hour); !pruner.detectionCutoff.Equal(want) {
		t.Errorf("detection cutoff = %v, want %v", pruner.detectionCutoff, want)
	}
}

func TestSweepOnceContinuesPastErrors(t *testing.T) {
	pruner := &fakePruner{eventErr: errors.New("lock timeout")}
	s := New(pruner, Config{
		EventHorizon:     time.Hour,
		WindowHorizon:    time.Hour,
		DetectionHorizon: time.Hour,
	})

	s.SweepOnce(context.Background())

	if pruner.calls != 3 {
		t.Errorf("made %d prune calls, want all 3 despite the first failing", pruner.calls)
	}
}
