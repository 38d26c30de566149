package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

// Per-window thresholds for the deterministic rules. Windows are one
// minute wide by default; the values are per-minute rates.
const (
	churnModerate = 20
	churnSevere   = 100
	churnCritical = 400

	flapMedium   = 2
	flapHigh     = 6
	flapCritical = 20

	withdrawalRatioHigh     = 0.70
	withdrawalRatioCritical = 0.90
	withdrawalFloor         = 5

	pathLenMild   = 16.0
	pathLenSevere = 25.0
)

// bogonASNRanges are private-use ASN ranges that must never originate a
// public route (RFC 6996).
var bogonASNRanges = [][2]uint32{
	{64512, 65534},
	{4200000000, 4294967294},
}

// ruleHit is one triggered rule for a window.
type ruleHit struct {
	rule     string
	severity string
	reason   string
}

// RuleProducer applies deterministic threshold rules to feature windows.
type RuleProducer struct{}

// NewRuleProducer creates the rule-based producer.
func NewRuleProducer() *RuleProducer {
	return &RuleProducer{}
}

// Stage implements Evaluator.
func (p *RuleProducer) Stage() string { return models.StageProducerRule }

// Evaluate implements Evaluator: one detection per triggered rule.
func (p *RuleProducer) Evaluate(_ context.Context, w models.FeatureWindow) []models.Detection {
	var hits []ruleHit
	for _, check := range []func(models.FeatureWindow) *ruleHit{
		checkChurn, checkFlapping, checkWithdrawalRatio, checkPathLength, checkBogonOrigin,
	} {
		if hit := check(w); hit != nil {
			hits = append(hits, *hit)
		}
	}

	now := time.Now().UTC()
	detections := make([]models.Detection, 0, len(hits))
	for _, hit := range hits {
		detections = append(detections, models.Detection{
			ProducedAt:  now,
			Prefix:      w.Prefix,
			OriginASN:   w.OriginASN,
			WindowStart: w.WindowStart,
			SourceKind:  models.SourceRule,
			EventType:   hit.rule,
			Severity:    hit.severity,
			Score:       severityScore(hit.severity),
			Metadata: map[string]interface{}{
				"reason":         hit.reason,
				"announce_count": w.AnnounceCount,
				"withdraw_count": w.WithdrawCount,
				"distinct_peers": w.DistinctPeers,
				"avg_path_len":   w.AvgPathLen,
			},
		})
	}
	return detections
}

func checkChurn(w models.FeatureWindow) *ruleHit {
	total := w.AnnounceCount + w.WithdrawCount
	switch {
	case total > churnCritical:
		return &ruleHit{"high_churn", models.SeverityCritical,
			fmt.Sprintf("%d updates exceeds critical threshold %d", total, churnCritical)}
	case total > churnSevere:
		return &ruleHit{"high_churn", models.SeverityHigh,
			fmt.Sprintf("%d updates exceeds severe threshold %d", total, churnSevere)}
	case total > churnModerate:
		return &ruleHit{"high_churn", models.SeverityMedium,
			fmt.Sprintf("%d updates exceeds moderate threshold %d", total, churnModerate)}
	}
	return nil
}

// checkFlapping treats paired announce/withdraw activity in one window as
// flapping; the flap count is the smaller of the two sides.
func checkFlapping(w models.FeatureWindow) *ruleHit {
	flaps := w.AnnounceCount
	if w.WithdrawCount < flaps {
		flaps = w.WithdrawCount
	}
	switch {
	case flaps > flapCritical:
		return &ruleHit{"route_flapping", models.SeverityCritical,
			fmt.Sprintf("%d flaps exceeds critical threshold %d", flaps, flapCritical)}
	case flaps > flapHigh:
		return &ruleHit{"route_flapping", models.SeverityHigh,
			fmt.Sprintf("%d flaps exceeds high threshold %d", flaps, flapHigh)}
	case flaps > flapMedium:
		return &ruleHit{"route_flapping", models.SeverityMedium,
			fmt.Sprintf("%d flaps exceeds medium threshold %d", flaps, flapMedium)}
	}
	return nil
}

func checkWithdrawalRatio(w models.FeatureWindow) *ruleHit {
	if w.WithdrawCount <= withdrawalFloor {
		return nil
	}
	announces := w.AnnounceCount
	if announces < 1 {
		announces = 1
	}
	ratio := float64(w.WithdrawCount) / float64(announces)
	switch {
	case ratio >= withdrawalRatioCritical:
		return &ruleHit{"withdrawal_storm", models.SeverityCritical,
			fmt.Sprintf("withdrawal ratio %.2f exceeds critical threshold %.2f", ratio, withdrawalRatioCritical)}
	case ratio >= withdrawalRatioHigh:
		return &ruleHit{"withdrawal_storm", models.SeverityHigh,
			fmt.Sprintf("withdrawal ratio %.2f exceeds high threshold %.2f", ratio, withdrawalRatioHigh)}
	}
	return nil
}

func checkPathLength(w models.FeatureWindow) *ruleHit {
	switch {
	case w.AvgPathLen > pathLenSevere:
		return &ruleHit{"long_as_path", models.SeverityHigh,
			fmt.Sprintf("average path length %.1f exceeds severe threshold %.0f", w.AvgPathLen, pathLenSevere)}
	case w.AvgPathLen > pathLenMild:
		return &ruleHit{"long_as_path", models.SeverityMedium,
			fmt.Sprintf("average path length %.1f exceeds mild threshold %.0f", w.AvgPathLen, pathLenMild)}
	}
	return nil
}

func checkBogonOrigin(w models.FeatureWindow) *ruleHit {
	for _, r := range bogonASNRanges {
		if w.OriginASN >= r[0] && w.OriginASN <= r[1] {
			return &ruleHit{"bogon_origin", models.SeverityHigh,
				fmt.Sprintf("origin AS%d is in private-use range %d-%d", w.OriginASN, r[0], r[1])}
		}
	}
	return nil
}
