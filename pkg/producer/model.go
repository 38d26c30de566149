package producer

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

const (
	// ewmaAlpha weights new observations into the per-key baseline.
	ewmaAlpha = 0.3

	// minObservations is how many windows a key must have before the
	// baseline is trusted enough to score against.
	minObservations = 5

	// maxBaselines caps baseline memory; when hit the oldest-scored half
	// of the keys would be preferable, but a full reset is simple and the
	// baselines rebuild within minutes.
	maxBaselines = 200000
)

// baseline is an exponentially weighted mean/variance pair per key.
type baseline struct {
	volMean  float64
	volVar   float64
	pathMean float64
	pathVar  float64
	n        int
}

func (b *baseline) update(vol, pathLen float64) {
	if b.n == 0 {
		b.volMean, b.pathMean = vol, pathLen
		b.n = 1
		return
	}
	dv := vol - b.volMean
	b.volMean += ewmaAlpha * dv
	b.volVar = (1 - ewmaAlpha) * (b.volVar + ewmaAlpha*dv*dv)

	dp := pathLen - b.pathMean
	b.pathMean += ewmaAlpha * dp
	b.pathVar = (1 - ewmaAlpha) * (b.pathVar + ewmaAlpha*dp*dp)
	b.n++
}

func zScore(value, mean, variance float64) float64 {
	std := math.Sqrt(variance)
	if std < 1e-9 {
		return 0
	}
	return math.Abs(value-mean) / std
}

// ModelProducer scores windows against a per-key statistical baseline.
// It stands in for an externally trained model: same output contract, a
// streaming EWMA/z-score detector inside.
type ModelProducer struct {
	zThreshold float64
	baselines  map[string]*baseline
	runID      uuid.UUID
}

// NewModelProducer creates the model-based producer.
func NewModelProducer(zThreshold float64) *ModelProducer {
	return &ModelProducer{
		zThreshold: zThreshold,
		baselines:  make(map[string]*baseline),
		runID:      uuid.New(),
	}
}

// Stage implements Evaluator.
func (p *ModelProducer) Stage() string { return models.StageProducerModel }

// Evaluate implements Evaluator. The Poller is single-threaded, so the
// baseline map needs no locking.
func (p *ModelProducer) Evaluate(_ context.Context, w models.FeatureWindow) []models.Detection {
	if len(p.baselines) >= maxBaselines {
		p.baselines = make(map[string]*baseline)
	}

	key := w.Prefix + "|" + strconv.FormatUint(uint64(w.OriginASN), 10)
	b, ok := p.baselines[key]
	if !ok {
		b = &baseline{}
		p.baselines[key] = b
	}

	vol := float64(w.AnnounceCount + w.WithdrawCount)

	var detections []models.Detection
	if b.n >= minObservations {
		if z := zScore(vol, b.volMean, b.volVar); z >= p.zThreshold {
			detections = append(detections, p.detection(w, "volume_anomaly", z,
				fmt.Sprintf("update volume %.0f deviates %.1f sigma from baseline %.1f", vol, z, b.volMean)))
		}
		if w.AvgPathLen > 0 {
			if z := zScore(w.AvgPathLen, b.pathMean, b.pathVar); z >= p.zThreshold {
				detections = append(detections, p.detection(w, "path_anomaly", z,
					fmt.Sprintf("path length %.1f deviates %.1f sigma from baseline %.1f", w.AvgPathLen, z, b.pathMean)))
			}
		}
	}

	b.update(vol, w.AvgPathLen)
	return detections
}

func (p *ModelProducer) detection(w models.FeatureWindow, eventType string, z float64, reason string) models.Detection {
	severity := models.SeverityMedium
	switch {
	case z >= 2*p.zThreshold:
		severity = models.SeverityCritical
	case z >= 1.5*p.zThreshold:
		severity = models.SeverityHigh
	}

	score := z / (2 * p.zThreshold)
	if score > 1 {
		score = 1
	}

	return models.Detection{
		ProducedAt:  time.Now().UTC(),
		Prefix:      w.Prefix,
		OriginASN:   w.OriginASN,
		WindowStart: w.WindowStart,
		SourceKind:  models.SourceModel,
		EventType:   eventType,
		Severity:    severity,
		Score:       score,
		Metadata: map[string]interface{}{
			"reason":  reason,
			"z_score": z,
			"run_id":  p.runID.String(),
		},
	}
}
