// Package live provides the in-process fan-out for the alert live feed.
// The Broadcaster delivers newly created and upgraded alerts to every
// connected WebSocket client without blocking the ingestion pipeline.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of JSON-encoded frames.
//     Sends are non-blocking, so a slow or disconnected client never applies
//     back-pressure to a pipeline worker.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot publish path.
//   - Unregistering a client closes its channel, which signals the
//     associated WebSocket write goroutine to exit.
package live

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/airaware/airaware/internal/storage"
)

// AlertEvent is the JSON envelope pushed to live feed clients. Type is
// always "alert".
type AlertEvent struct {
	Type string        `json:"type"`
	Data storage.Alert `json:"data"`
}

// Client is one connected live feed consumer. It is created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel of JSON-encoded alert frames. It is closed when
// the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans alert events out to every registered client. It is safe
// for concurrent use and implements the pipeline's Publisher.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	log     *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 means the default of 64.
func NewBroadcaster(log *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, log: log}
}

// Register creates a Client with the given id and stores it. The caller
// must call Unregister(id) when the client disconnects.
//
// If the broadcaster is already closed, the returned client's Send channel
// is already closed.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel.
// Unknown ids are a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Publish encodes alert as an AlertEvent and delivers it to every client
// with a non-blocking send. When a client's buffer is full the frame is
// dropped and the client's Dropped counter incremented.
func (b *Broadcaster) Publish(alert storage.Alert) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(AlertEvent{Type: "alert", Data: alert})
	if err != nil {
		b.log.Error("live: marshal alert failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.log.Warn("live: client buffer full, dropping alert",
				slog.String("client_id", c.id),
				slog.String("alert_id", alert.ID))
		}
		return true
	})
}

// Close unregisters every client and closes their channels. After Close
// returns, Publish is a no-op and Register returns closed clients.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
