// Package pubsub provides a generic publish/subscribe event system.
package pubsub

import (
	"context"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event represents a published event with a typed payload.
//
// Sequence is assigned by the broker and increases per publish. Every
// subscriber sees the same sequence for one publish, so a consumer fed by
// more than one subscription can discard what it has already seen.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
	Sequence  uint64
}

// Subscriber provides a subscription channel for events.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}

// Publisher allows publishing events with a typed payload.
type Publisher[T any] interface {
	Publish(eventType EventType, payload T)
}

// Bus is both ends of a broker.
type Bus[T any] interface {
	Subscriber[T]
	Publisher[T]
}

var _ Bus[string] = (*Broker[string])(nil)
