package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

type fakeSink struct {
	mu      sync.Mutex
	events  []models.RawEvent
	batches int
}

func (f *fakeSink) InsertEvents(_ context.Context, events []models.RawEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	f.batches++
	return nil
}

func TestEventWriterFlushesOnStop(t *testing.T) {
	sink := &fakeSink{}
	w := NewEventWriter(sink)
	w.Start()

	for i := 0; i < 25; i++ {
		w.Write(models.RawEvent{
			ObservedAt: time.Unix(1700000000+int64(i), 0).UTC(),
			Prefix:     "203.0.113.0/24",
			OriginASN:  65001,
		})
	}
	w.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 25 {
		t.Errorf("sink received %d events, want 25 (Stop must drain the queue)", len(sink.events))
	}
}

func TestEventWriterBatchesLargeBursts(t *testing.T) {
	sink := &fakeSink{}
	w := NewEventWriter(sink)
	w.Start()

	n := writerBatchSize*2 + 10
	for i := 0; i < n; i++ {
		w.Write(models.RawEvent{
			ObservedAt: time.Unix(1700000000, 0).UTC(),
			Prefix:     "10.0.0.0/8",
			OriginASN:  64500,
		})
	}
	w.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != n {
		t.Errorf("sink received %d events, want %d", len(sink.events), n)
	}
	if sink.batches < 2 {
		t.Errorf("burst written in %d batches, want at least 2", sink.batches)
	}
}

func TestEventWriterStopTwice(t *testing.T) {
	w := NewEventWriter(&fakeSink{})
	w.Start()
	w.Stop()
	w.Stop() // must not panic or block
}
