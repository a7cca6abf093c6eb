// Package bus provides the event bus the supervisor publishes to and
// presentation adapters subscribe to.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the event bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler consumes one event. Returned errors are logged, never propagated
// to the publisher.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe contract. Subjects are dot-separated;
// patterns support NATS-style wildcards: * matches one token, > matches the
// rest of the subject.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
