// Package ingest streams routing updates from RIPE RIS Live into the
// append-only event log.
package ingest

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hervehildenbrand/bgp-ensemble/pkg/models"
)

const (
	// RISLiveURL is the WebSocket endpoint for RIS Live.
	RISLiveURL = "wss://ris-live.ripe.net/v1/ws/"

	initialReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	reconnectBackoff      = 2.0
	pingInterval          = 30 * time.Second
	connectionTimeout     = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// Client is a WebSocket client for one RIS collector with automatic
// reconnection.
type Client struct {
	collector string
	events    chan<- models.RawEvent
	done      chan struct{}
	wg        sync.WaitGroup

	messagesReceived uint64
	eventsParsed     uint64
	errors           uint64
	reconnects       uint64

	running   atomic.Bool
	connected atomic.Bool
}

// NewClient creates a RIS Live client for a specific collector.
func NewClient(collector string, events chan<- models.RawEvent) *Client {
	return &Client{
		collector: collector,
		events:    events,
		done:      make(chan struct{}),
	}
}

// Start begins the WebSocket connection in a goroutine.
func (c *Client) Start() {
	if c.running.Swap(true) {
		return
	}
	c.wg.Add(1)
	go c.runLoop()
	log.Printf("ingest[%s]: client started", c.collector)
}

// Stop gracefully shuts down the client.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.done)
	c.wg.Wait()
	log.Printf("ingest[%s]: client stopped", c.collector)
}

func (c *Client) runLoop() {
	defer c.wg.Done()

	reconnectDelay := initialReconnectDelay
	for c.running.Load() {
		err := c.connectAndStream()
		if err != nil {
			atomic.AddUint64(&c.errors, 1)
			atomic.AddUint64(&c.reconnects, 1)
			log.Printf("ingest[%s]: connection error: %v, reconnecting in %v", c.collector, err, reconnectDelay)
		}

		select {
		case <-c.done:
			return
		case <-time.After(reconnectDelay):
			reconnectDelay = time.Duration(float64(reconnectDelay) * reconnectBackoff)
			if reconnectDelay > maxReconnectDelay {
				reconnectDelay = maxReconnectDelay
			}
		}
	}
}

func (c *Client) connectAndStream() error {
	dialer := websocket.Dialer{HandshakeTimeout: connectionTimeout}

	conn, _, err := dialer.Dial(RISLiveURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	subscribe := map[string]interface{}{
		"type": "ris_subscribe",
		"data": map[string]interface{}{
			"type": "UPDATE",
			"host": c.collector,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(subscribe); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	c.connected.Store(true)
	log.Printf("ingest[%s]: connected and subscribed", c.collector)

	conn.SetPongHandler(func(string) error { return nil })

	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingDone:
				return
			case <-c.done:
				// Close the connection to unblock ReadMessage.
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	for c.running.Load() {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		atomic.AddUint64(&c.messagesReceived, 1)

		events, err := ParseMessage(message)
		if err != nil {
			// Not all messages are updates; only worth noting early on.
			if atomic.LoadUint64(&c.messagesReceived) <= 10 {
				log.Printf("ingest[%s]: parse error: %v", c.collector, err)
			}
			continue
		}
		for _, event := range events {
			atomic.AddUint64(&c.eventsParsed, 1)
			select {
			case c.events <- event:
			default:
				if atomic.LoadUint64(&c.eventsParsed)%10000 == 0 {
					log.Printf("ingest[%s]: event channel full, dropping", c.collector)
				}
			}
		}
	}

	c.connected.Store(false)
	return nil
}

// MultiClient fans several collectors into one event channel.
type MultiClient struct {
	clients []*Client
	events  chan models.RawEvent
	running atomic.Bool
}

// NewMultiClient creates clients for each collector sharing one buffered
// channel.
func NewMultiClient(collectors []string, bufferSize int) *MultiClient {
	events := make(chan models.RawEvent, bufferSize)
	clients := make([]*Client, len(collectors))
	for i, collector := range collectors {
		clients[i] = NewClient(collector, events)
	}
	return &MultiClient{clients: clients, events: events}
}

// Events returns the channel of parsed raw events.
func (mc *MultiClient) Events() <-chan models.RawEvent {
	return mc.events
}

// Start begins all collector clients.
func (mc *MultiClient) Start() {
	if mc.running.Swap(true) {
		return
	}
	for _, client := range mc.clients {
		client.Start()
	}
	log.Printf("ingest: started %d collectors", len(mc.clients))
}

// Stop gracefully shuts down all clients and closes the event channel.
func (mc *MultiClient) Stop() {
	if !mc.running.Swap(false) {
		return
	}
	for _, client := range mc.clients {
		client.Stop()
	}
	close(mc.events)
	log.Printf("ingest: stopped")
}
