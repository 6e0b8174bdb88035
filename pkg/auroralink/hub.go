// Package auroralink is a local pub/sub hub for supervised services. Clients
// broadcast JSON objects to every other connected client, in process or over
// websocket, and hubs on different hosts can be joined through NATS.
package auroralink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the per-client delivery queue length.
const DefaultBufferSize = 256

var (
	// ErrHubClosed is returned when connecting to or publishing on a closed hub
	ErrHubClosed = errors.New("auroralink: hub closed")
	// ErrClientClosed is returned when publishing from a disconnected client
	ErrClientClosed = errors.New("auroralink: client closed")
	// ErrNotObject is returned for payloads that are not a JSON object
	ErrNotObject = errors.New("auroralink: payload must be a JSON object")
)

// Message is one delivered payload. It lives only for the duration of
// delivery and is never persisted.
type Message struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"sender_id,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Stats reports hub counters
type Stats struct {
	Clients   int    `json:"clients"`
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Hub broadcasts JSON objects to every connected client except the sender.
//
// Delivery is best effort: a client whose queue is full misses the message
// and the drop is counted. Messages from one sender reach each receiver in
// publish order; there is no ordering across senders.
type Hub struct {
	mu      sync.RWMutex
	clients []*Client // connection order
	closed  bool

	bufferSize int
	logger     *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Hub
type Option func(*Hub)

// WithBufferSize sets the per-client queue length
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the hub logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "auroralink")
	return h
}

// Connect adds a client. The client is closed when ctx is done or when
// Close is called, whichever comes first.
func (h *Hub) Connect(ctx context.Context) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Client{
		id:    uuid.NewString(),
		hub:   h,
		queue: make(chan Message, h.bufferSize),
	}

	c.mu.Lock()
	c.stopCtx = context.AfterFunc(ctx, func() {
		c.Close()
	})
	c.mu.Unlock()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.stop()
		return nil, ErrHubClosed
	}
	// ctx may have ended between the check above and registration
	if c.closed.Load() {
		h.mu.Unlock()
		return nil, context.Cause(ctx)
	}
	h.clients = append(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug("client connected", "client_id", c.id, "clients", count)
	return c, nil
}

// Publish broadcasts payload on behalf of senderID. An empty senderID is
// delivered to every client.
func (h *Hub) Publish(senderID string, payload json.RawMessage) error {
	if !isJSONObject(payload) {
		return ErrNotObject
	}

	msg := Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return ErrHubClosed
	}

	h.published.Add(1)
	for _, c := range h.clients {
		if c.id == senderID {
			continue
		}
		select {
		case c.queue <- msg:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
			h.logger.Warn("client queue full, message dropped",
				"client_id", c.id,
				"message_id", msg.ID)
		}
	}
	return nil
}

// Stats returns a snapshot of the hub counters
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	clients := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		Clients:   clients,
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Close disconnects every client. It is safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := h.clients
	h.clients = nil
	for _, c := range clients {
		c.closeQueue()
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
	}
	h.logger.Debug("hub closed", "clients", len(clients))
	return nil
}

// remove drops c from the active set and closes its queue under the write
// lock so no publisher can send on a closed channel.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, existing := range h.clients {
		if existing == c {
			h.clients = append(h.clients[:i], h.clients[i+1:]...)
			break
		}
	}
	c.closeQueue()
}

// Client is one hub connection.
type Client struct {
	id    string
	hub   *Hub
	queue chan Message

	queueOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool

	mu      sync.Mutex
	stopCtx func() bool
}

// ID returns the client identifier used as Message.SenderID
func (c *Client) ID() string {
	return c.id
}

// Publish sends payload to every other connected client.
func (c *Client) Publish(payload json.RawMessage) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.hub.Publish(c.id, payload)
}

// Subscribe returns the client's message stream. The channel is closed when
// the client disconnects; reconnect to receive again.
func (c *Client) Subscribe() <-chan Message {
	return c.queue
}

// Close disconnects the client. Disconnecting is never an error for the hub.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.hub.remove(c)
		c.stop()
		c.hub.logger.Debug("client disconnected", "client_id", c.id)
	})
	return nil
}

// stop detaches the client from its connect context
func (c *Client) stop() {
	c.mu.Lock()
	stop := c.stopCtx
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Client) closeQueue() {
	c.queueOnce.Do(func() {
		c.closed.Store(true)
		close(c.queue)
	})
}

// isJSONObject reports whether data is a single valid JSON object
func isJSONObject(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}
