// Package bus provides the event plane connecting agent sessions, the
// workspace lifecycle, and the WebSocket gateway. Subjects are dotted
// (workspace.chat.<id>, workspace.metadata) and map 1:1 onto wire channels.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Payload is kept as raw JSON
// so events pass through NATS and the in-memory bus without re-encoding.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"` // wire channel this event belongs to
	Source    string          `json:"source"`  // component that produced the event
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEvent creates a new event with a UUID and current timestamp. The payload
// is marshaled once here; a marshal failure returns an error rather than a
// half-built event.
func NewEvent(channel, source string, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Event{
		ID:        uuid.New().String(),
		Channel:   channel,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// NewRawEvent creates an event from an already-encoded payload.
func NewRawEvent(channel, source string, payload json.RawMessage) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Channel:   channel,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject. Delivery to subscribers on the
	// same process is synchronous and in publish order; stream deltas
	// depend on this.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	// (NATS-style wildcards: * for one token, > for the rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
