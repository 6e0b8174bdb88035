package auroralink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// LifecycleEvent is the payload LinkPublisher broadcasts
type LifecycleEvent struct {
	Type      string            `json:"type"`
	Event     string            `json:"event"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// EventsSenderID is the SenderID on messages from LinkPublisher
const EventsSenderID = "aurora-events"

// LinkPublisher broadcasts supervisor and updater events on the hub so
// connected services can react to them. It publishes without holding a
// client, so nothing queues up for it.
type LinkPublisher struct {
	hub *Hub
}

// NewLinkPublisher creates a publisher for hub
func NewLinkPublisher(hub *Hub) *LinkPublisher {
	return &LinkPublisher{hub: hub}
}

// ReportLifecycleEvent publishes one event as {"type": "lifecycle", ...}
func (p *LinkPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	data, err := json.Marshal(LifecycleEvent{
		Type:      "lifecycle",
		Event:     eventType,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode lifecycle event: %w", err)
	}
	return p.hub.Publish(EventsSenderID, data)
}
