package auroralink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject bridged hubs share.
const DefaultSubject = "aurora.link"

// envelope is the NATS wire form; Origin identifies the bridge that relayed
// the message so it can ignore its own echo.
type envelope struct {
	Origin   string          `json:"origin"`
	SenderID string          `json:"sender_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// NATSConfig holds connection settings for ConnectNATS
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// ConnectNATS dials NATS with reconnect handling logged through logger.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("aurora-link"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to NATS", "url", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", "error", err)
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSBridge relays hub traffic to a NATS subject and injects messages from
// other bridges into the local hub.
type NATSBridge struct {
	hub     *Hub
	conn    *nats.Conn
	subject string
	origin  string
	logger  *slog.Logger
}

// BridgeOption configures a NATSBridge
type BridgeOption func(*NATSBridge)

// WithSubject overrides DefaultSubject
func WithSubject(subject string) BridgeOption {
	return func(b *NATSBridge) {
		b.subject = subject
	}
}

// WithBridgeLogger sets the bridge logger
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *NATSBridge) {
		b.logger = logger
	}
}

// NewNATSBridge creates a bridge over an established connection. The caller
// owns conn.
func NewNATSBridge(hub *Hub, conn *nats.Conn, opts ...BridgeOption) *NATSBridge {
	b := &NATSBridge{
		hub:     hub,
		conn:    conn,
		subject: DefaultSubject,
		origin:  uuid.NewString(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "auroralink-nats", "subject", b.subject)
	return b
}

// Origin returns the id stamped on relayed messages
func (b *NATSBridge) Origin() string {
	return b.origin
}

// Run relays in both directions until ctx is done or the hub closes.
func (b *NATSBridge) Run(ctx context.Context) error {
	client, err := b.hub.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect bridge to hub: %w", err)
	}
	defer client.Close()

	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping malformed NATS message", "error", err)
			return
		}
		if env.Origin == b.origin {
			return
		}
		// The bridge client is the sender, so the hub never hands the
		// message back to this bridge.
		if err := client.Publish(env.Payload); err != nil {
			b.logger.Debug("inject into hub failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", b.subject, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", "error", err)
		}
	}()

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}
	b.logger.Info("NATS bridge running", "origin", b.origin)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-client.Subscribe():
			if !ok {
				return nil
			}
			data, err := json.Marshal(envelope{
				Origin:   b.origin,
				SenderID: msg.SenderID,
				Payload:  msg.Payload,
			})
			if err != nil {
				b.logger.Warn("encode envelope failed", "error", err)
				continue
			}
			if err := b.conn.Publish(b.subject, data); err != nil {
				b.logger.Warn("NATS publish failed", "message_id", msg.ID, "error", err)
			}
		}
	}
}
