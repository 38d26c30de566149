package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

const (
	writerBatchSize = 200
	writerInterval  = 2 * time.Second
	writerQueueSize = 10000
)

// EventSink appends raw events to the event log.
type EventSink interface {
	InsertEvents(ctx context.Context, events []models.RawEvent) error
}

// EventWriter batches raw events into insert-only writes to the event log.
// The queue drops on overflow: the event log favors liveness over
// completeness under pressure, and drops are counted.
type EventWriter struct {
	sink  EventSink
	queue chan models.RawEvent
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool

	eventsWritten  uint64
	eventsDropped  uint64
	batchesWritten uint64
}

// NewEventWriter creates a batched event-log writer.
func NewEventWriter(sink EventSink) *EventWriter {
	return &EventWriter{
		sink:  sink,
		queue: make(chan models.RawEvent, writerQueueSize),
		done:  make(chan struct{}),
	}
}

// Start begins the background writer goroutine.
func (w *EventWriter) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.writerLoop()
	log.Printf("ingest: event writer started")
}

// Stop gracefully shuts down the writer, flushing queued events.
func (w *EventWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()
	log.Printf("ingest: event writer stopped (written=%d, dropped=%d, batches=%d)",
		w.eventsWritten, w.eventsDropped, w.batchesWritten)
}

// Write queues an event for batched insertion.
func (w *EventWriter) Write(event models.RawEvent) {
	select {
	case w.queue <- event:
	default:
		w.eventsDropped++
		if w.eventsDropped%1000 == 0 {
			log.Printf("ingest: event queue full, dropped %d events", w.eventsDropped)
		}
	}
}

func (w *EventWriter) writerLoop() {
	defer w.wg.Done()

	batch := make([]models.RawEvent, 0, writerBatchSize)
	ticker := time.NewTicker(writerInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-w.queue:
			batch = append(batch, event)
			if len(batch) >= writerBatchSize {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.writeBatch(batch)
				batch = batch[:0]
			}

		case <-w.done:
			close(w.queue)
			for event := range w.queue {
				batch = append(batch, event)
				if len(batch) >= writerBatchSize {
					w.writeBatch(batch)
					batch = batch[:0]
				}
			}
			if len(batch) > 0 {
				w.writeBatch(batch)
			}
			return
		}
	}
}

func (w *EventWriter) writeBatch(batch []models.RawEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := w.sink.InsertEvents(ctx, batch); err != nil {
		log.Printf("ingest: write batch of %d: %v", len(batch), err)
		return
	}
	w.eventsWritten += uint64(len(batch))
	w.batchesWritten++
}
