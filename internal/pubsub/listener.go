package pubsub

import (
	"context"
)

// Next waits for the next event on ch.
// Returns false if the context is cancelled or the channel is closed.
func Next[T any](ctx context.Context, ch <-chan Event[T]) (Event[T], bool) {
	select {
	case <-ctx.Done():
		return Event[T]{}, false
	case event, ok := <-ch:
		return event, ok
	}
}

// ContinuousListener holds a broker subscription for a consumer loop.
type ContinuousListener[T any] struct {
	ctx context.Context
	ch  <-chan Event[T]
}

// NewContinuousListener creates a new listener that subscribes to the broker.
// The subscription is automatically cleaned up when the context is cancelled.
func NewContinuousListener[T any](ctx context.Context, broker Subscriber[T]) *ContinuousListener[T] {
	return &ContinuousListener[T]{
		ctx: ctx,
		ch:  broker.Subscribe(ctx),
	}
}

// Next blocks until the next event arrives.
// Returns false once the listener's context is done or the broker closed.
func (l *ContinuousListener[T]) Next() (Event[T], bool) {
	return Next(l.ctx, l.ch)
}

// Run calls fn for every event until the listener stops.
func (l *ContinuousListener[T]) Run(fn func(Event[T])) {
	for {
		event, ok := l.Next()
		if !ok {
			return
		}
		fn(event)
	}
}
