package producer

import (
	"context"
	"testing"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

func modelWindow(announce int, pathLen float64) models.FeatureWindow {
	return models.FeatureWindow{
		WindowStart:   time.Unix(1700000000, 0).UTC(),
		Prefix:        "203.0.113.0/24",
		OriginASN:     65001,
		AnnounceCount: announce,
		AvgPathLen:    pathLen,
	}
}

func TestModelProducerNeedsBaseline(t *testing.T) {
	p := NewModelProducer(3.0)

	// The first windows only build the baseline, whatever their volume.
	for i := 0; i < minObservations; i++ {
		if got := p.Evaluate(context.Background(), modelWindow(1000*(i+1), 4)); len(got) != 0 {
			t.Fatalf("window %d produced detections before the baseline settled: %+v", i, got)
		}
	}
}

func TestModelProducerFlagsVolumeSpike(t *testing.T) {
	p := NewModelProducer(3.0)
	ctx := context.Background()

	for _, vol := range []int{10, 12, 11, 13, 10, 12} {
		if got := p.Evaluate(ctx, modelWindow(vol, 4)); len(got) != 0 {
			t.Fatalf("baseline window produced detections: %+v", got)
		}
	}

	detections := p.Evaluate(ctx, modelWindow(5000, 4))
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(detections), detections)
	}

	d := detections[0]
	if d.EventType != "volume_anomaly" {
		t.Errorf("event type = %q, want volume_anomaly", d.EventType)
	}
	if d.SourceKind != models.SourceModel {
		t.Errorf("source kind = %q, want %q", d.SourceKind, models.SourceModel)
	}
	if d.Severity != models.SeverityCritical {
		t.Errorf("severity = %q, want critical for an extreme deviation", d.Severity)
	}
	if d.Score != 1.0 {
		t.Errorf("score = %v, want capped at 1.0", d.Score)
	}
	if _, ok := d.Metadata["z_score"]; !ok {
		t.Error("metadata missing z_score")
	}
}

func TestModelProducerFlagsPathSpike(t *testing.T) {
	p := NewModelProducer(3.0)
	ctx := context.Background()

	for _, pathLen := range []float64{4, 4.2, 3.8, 4.1, 3.9, 4} {
		if got := p.Evaluate(ctx, modelWindow(10, pathLen)); len(got) != 0 {
			t.Fatalf("baseline window produced detections: %+v", got)
		}
	}

	detections := p.Evaluate(ctx, modelWindow(10, 60))
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1: %+v", len(detections), detections)
	}
	if detections[0].EventType != "path_anomaly" {
		t.Errorf("event type = %q, want path_anomaly", detections[0].EventType)
	}
}

func TestModelProducerStableTrafficStaysQuiet(t *testing.T) {
	p := NewModelProducer(3.0)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		vol := 10 + i%3
		if got := p.Evaluate(ctx, modelWindow(vol, 4)); len(got) != 0 {
			t.Fatalf("stable traffic produced detections at window %d: %+v", i, got)
		}
	}
}

func TestModelProducerKeysAreIndependent(t *testing.T) {
	p := NewModelProducer(3.0)
	ctx := context.Background()

	// Train one key, then spike a different key: the fresh key has no
	// baseline yet and must stay quiet.
	for _, vol := range []int{10, 12, 11, 13, 10, 12} {
		p.Evaluate(ctx, modelWindow(vol, 4))
	}

	other := modelWindow(5000, 4)
	other.Prefix = "198.51.100.0/24"
	if got := p.Evaluate(ctx, other); len(got) != 0 {
		t.Errorf("untrained key produced detections: %+v", got)
	}
}

func TestZScore(t *testing.T) {
	tests := []struct {
		name     string
		value    float64
		mean     float64
		variance float64
		want     float64
	}{
		{"zero variance", 100, 10, 0, 0},
		{"on the mean", 10, 10, 4, 0},
		{"two sigma above", 14, 10, 4, 2},
		{"two sigma below", 6, 10, 4, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := zScore(tt.value, tt.mean, tt.variance); got != tt.want {
				t.Errorf("zScore(%v, %v, %v) = %v, want %v", tt.value, tt.mean, tt.variance, got, tt.want)
			}
		})
	}
}
