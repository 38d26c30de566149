// Package metrics exposes Prometheus instrumentation for the pipeline.
// A stalled stage shows up as a growing checkpoint age.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

var (
	// WindowsClosed counts feature windows closed by the aggregator.
	WindowsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgp_ensemble_windows_closed_total",
		Help: "Feature windows closed by the aggregator.",
	})

	// DetectionsProduced counts detections inserted, by source kind.
	DetectionsProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgp_ensemble_detections_produced_total",
		Help: "Detection records inserted by producers.",
	}, []string{"source"})

	// RowsClassified counts detection rows the engine classified.
	RowsClassified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgp_ensemble_rows_classified_total",
		Help: "Detection rows classified by the correlation engine.",
	})

	// GroupsClassified counts groups by resulting classification.
	GroupsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bgp_ensemble_groups_classified_total",
		Help: "Correlation groups classified, by outcome.",
	}, []string{"classification"})

	// MalformedIsolated counts poison records isolated by the engine.
	MalformedIsolated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bgp_ensemble_malformed_isolated_total",
		Help: "Malformed detections isolated to INVALID.",
	})

	// CheckpointAge is the staleness of each stage checkpoint in seconds.
	CheckpointAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bgp_ensemble_checkpoint_age_seconds",
		Help: "Seconds since each stage last advanced its checkpoint.",
	}, []string{"stage"})
)

// CheckpointReader reads stage checkpoints for the staleness gauge.
type CheckpointReader interface {
	Checkpoint(ctx context.Context, stage string) (models.Checkpoint, error)
}

// WatchCheckpoints refreshes the checkpoint age gauges until the context is
// cancelled.
func WatchCheckpoints(ctx context.Context, reader CheckpointReader, stages []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, stage := range stages {
			cp, err := reader.Checkpoint(ctx, stage)
			if err != nil {
				log.Printf("metrics: read checkpoint %s: %v", stage, err)
				continue
			}
			if cp.UpdatedAt.IsZero() {
				continue
			}
			CheckpointAge.WithLabelValues(stage).Set(time.Since(cp.UpdatedAt).Seconds())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Serve exposes /metrics on addr until the context is cancelled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("metrics: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics: server error: %v", err)
	}
}
