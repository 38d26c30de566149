// Package correlator reconciles detector output into one authoritative
// classification per correlation key, exactly once, in bulk.
package correlator

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/metrics"
	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
	"github.com/hervehildenbrand/bgp-ensemble/pkg/store"
)

// DetectionStore is the slice of the shared store the engine needs.
type DetectionStore interface {
	UnclassifiedAfter(ctx context.Context, after int64) ([]models.Detection, error)
	ApplyClassifications(ctx context.Context, updates []store.ClassificationUpdate, stage string, cursor int64, chunkSize int) error
	Checkpoint(ctx context.Context, stage string) (models.Checkpoint, error)
}

// LeaseStore grants the single-writer lease. Only the lease holder runs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, stage string, holder uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, stage string, holder uuid.UUID) error
}

// Publisher fans classified groups out to downstream consumers.
type Publisher interface {
	PublishClassified(ctx context.Context, g ClassifiedGroup) error
}

// ClassifiedGroup is the downstream-facing record of one decision.
type ClassifiedGroup struct {
	Prefix         string    `json:"prefix"`
	OriginASN      uint32    `json:"origin_asn"`
	WindowStart    time.Time `json:"window_start"`
	Classification string    `json:"classification"`
	Severity       string    `json:"severity"`
	Confidence     float64   `json:"confidence"`
	SourceCount    int       `json:"source_count"`
	DetectionIDs   []int64   `json:"detection_ids"`
	Rule           string    `json:"rule"`
}

// Config controls the engine loop.
type Config struct {
	PollInterval time.Duration
	ChunkSize    int
	LeaseTTL     time.Duration
}

// Engine is the correlation and classification stage. Exactly one instance
// may run at a time, enforced by the stage lease.
type Engine struct {
	detections DetectionStore
	leases     LeaseStore
	publisher  Publisher
	policy     *Policy
	cfg        Config
	holder     uuid.UUID

	batchesCommitted uint64
	rowsClassified   uint64
	groupsClassified uint64
	malformedRows    uint64
}

// New creates a correlation engine. It fails when the decision table is
// invalid: the stage refuses to run on a broken configuration.
func New(detections DetectionStore, leases LeaseStore, publisher Publisher, policy *Policy, cfg Config) (*Engine, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		detections: detections,
		leases:     leases,
		publisher:  publisher,
		policy:     policy,
		cfg:        cfg,
		holder:     uuid.New(),
	}, nil
}

// Run processes one batch: select everything unclassified past the
// checkpoint, group by correlation key, classify in priority order, then
// commit all updates and the new checkpoint in one transaction. It returns
// the advanced checkpoint, or the input checkpoint unchanged on error.
//
// Re-running after a crash between commit and checkpoint advance is safe:
// the same rules on the same groups yield the same values, and already
// classified rows are never rewritten.
func (e *Engine) Run(ctx context.Context, checkpoint int64) (int64, error) {
	rows, err := e.detections.UnclassifiedAfter(ctx, checkpoint)
	if err != nil {
		return checkpoint, fmt.Errorf("select detections: %w", err)
	}
	if len(rows) == 0 {
		return checkpoint, nil
	}

	var updates []store.ClassificationUpdate
	groups := make(map[string]*Group)
	var order []string
	maxID := checkpoint

	for _, d := range rows {
		if d.ID > maxID {
			maxID = d.ID
		}
		if reason := malformedReason(d); reason != "" {
			// Poison-record isolation: classify it INVALID on its own and
			// keep the batch going.
			e.malformedRows++
			metrics.MalformedIsolated.Inc()
			log.Printf("correlator: malformed detection id=%d: %s", d.ID, reason)
			updates = append(updates, store.ClassificationUpdate{
				ID:             d.ID,
				Classification: models.ClassInvalid,
				Severity:       models.SeverityHigh,
				Confidence:     0,
			})
			continue
		}

		key := groupKey(d)
		g, ok := groups[key]
		if !ok {
			g = &Group{Key: d.Key()}
			groups[key] = g
			order = append(order, key)
		}
		g.Members = append(g.Members, d)
	}

	classified := make([]ClassifiedGroup, 0, len(order))
	for _, key := range order {
		g := groups[key]
		outcome, rule := e.policy.Classify(*g)

		ids := make([]int64, 0, len(g.Members))
		for _, d := range g.Members {
			// Classification is a property of the key: every member gets
			// the group's decision.
			updates = append(updates, store.ClassificationUpdate{
				ID:             d.ID,
				Classification: outcome.Classification,
				Severity:       outcome.Severity,
				Confidence:     outcome.Confidence,
			})
			ids = append(ids, d.ID)
		}
		classified = append(classified, ClassifiedGroup{
			Prefix:         g.Key.Prefix,
			OriginASN:      g.Key.OriginASN,
			WindowStart:    g.Key.WindowStart,
			Classification: outcome.Classification,
			Severity:       outcome.Severity,
			Confidence:     outcome.Confidence,
			SourceCount:    g.SourceKinds(),
			DetectionIDs:   ids,
			Rule:           rule,
		})
	}

	if err := e.detections.ApplyClassifications(ctx, updates, models.StageCorrelator, maxID, e.cfg.ChunkSize); err != nil {
		return checkpoint, fmt.Errorf("commit batch: %w", err)
	}

	e.batchesCommitted++
	e.rowsClassified += uint64(len(updates))
	e.groupsClassified += uint64(len(classified))
	metrics.RowsClassified.Add(float64(len(updates)))
	for _, g := range classified {
		metrics.GroupsClassified.WithLabelValues(g.Classification).Inc()
	}
	log.Printf("correlator: classified %d rows in %d groups, checkpoint %d -> %d",
		len(updates), len(classified), checkpoint, maxID)

	// Best-effort fanout; a publish failure never fails a committed batch.
	if e.publisher != nil {
		for _, g := range classified {
			if err := e.publisher.PublishClassified(ctx, g); err != nil {
				log.Printf("correlator: publish %s/%d: %v", g.Prefix, g.OriginASN, err)
			}
		}
	}

	return maxID, nil
}

func groupKey(d models.Detection) string {
	return strconv.FormatInt(d.WindowStart.Unix(), 10) + "|" + d.Prefix + "|" +
		strconv.FormatUint(uint64(d.OriginASN), 10)
}

// Loop runs the engine until the context is cancelled, taking the stage
// lease before every batch. No new batch starts after shutdown; an
// in-flight batch either commits whole or leaves the checkpoint untouched.
func (e *Engine) Loop(ctx context.Context) {
	log.Printf("correlator: starting (holder=%s)", e.holder)
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.leases.ReleaseLease(releaseCtx, models.StageCorrelator, e.holder); err != nil {
			log.Printf("correlator: release lease: %v", err)
		}
		log.Printf("correlator: stopped (batches=%d, rows=%d, groups=%d, malformed=%d)",
			e.batchesCommitted, e.rowsClassified, e.groupsClassified, e.malformedRows)
	}()

	for {
		acquired, err := e.leases.AcquireLease(ctx, models.StageCorrelator, e.holder, e.cfg.LeaseTTL)
		if err != nil {
			log.Printf("correlator: acquire lease: %v", err)
		} else if !acquired {
			log.Printf("correlator: lease held elsewhere, standing by")
		} else {
			cp, err := e.detections.Checkpoint(ctx, models.StageCorrelator)
			if err != nil {
				log.Printf("correlator: read checkpoint: %v", err)
			} else if _, err := e.Run(ctx, cp.Cursor); err != nil {
				// Checkpoint unchanged: the whole batch retries next poll.
				log.Printf("correlator: run failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.PollInterval):
		}
	}
}
