package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// Delivery selects what Publish does when a subscriber's buffer is full.
type Delivery int

const (
	// DropWhenFull never blocks the publisher; events for full subscribers are dropped.
	DropWhenFull Delivery = iota
	// BlockUntilDelivered blocks the publisher until every live subscriber has
	// accepted the event, the subscriber is cancelled, or the broker closes.
	BlockUntilDelivered
)

// Option configures a Broker.
type Option func(*brokerOptions)

type brokerOptions struct {
	bufferSize int
	delivery   Delivery
}

// WithBufferSize sets the per-subscriber channel buffer.
func WithBufferSize(size int) Option {
	return func(o *brokerOptions) {
		if size >= 0 {
			o.bufferSize = size
		}
	}
}

// WithDelivery sets the delivery mode.
func WithDelivery(d Delivery) Option {
	return func(o *brokerOptions) {
		o.delivery = d
	}
}

type subscription[T any] struct {
	ch  chan Event[T]
	ctx context.Context
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
type Broker[T any] struct {
	subs      map[chan Event[T]]*subscription[T]
	mu        sync.RWMutex
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64
	opts      brokerOptions
}

// NewBroker creates a new broker. Without options it buffers 64 events per
// subscriber and drops events for subscribers that fall behind.
func NewBroker[T any](opts ...Option) *Broker[T] {
	o := brokerOptions{bufferSize: defaultBufferSize, delivery: DropWhenFull}
	for _, opt := range opts {
		opt(&o)
	}
	return &Broker[T]{
		subs: make(map[chan Event[T]]*subscription[T]),
		done: make(chan struct{}),
		opts: o,
	}
}

// NewReliableBroker creates a broker that never drops events for live subscribers.
func NewReliableBroker[T any](bufferSize int) *Broker[T] {
	return NewBroker[T](WithBufferSize(bufferSize), WithDelivery(BlockUntilDelivered))
}

// Subscribe creates a new subscription channel.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := &subscription[T]{ch: make(chan Event[T], b.opts.bufferSize), ctx: ctx}
	b.subs[sub.ch] = sub

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
			return
		}
		b.mu.Lock()
		defer b.mu.Unlock()

		if _, ok := b.subs[sub.ch]; !ok {
			return
		}
		delete(b.subs, sub.ch)
		close(sub.ch)
	}()

	return sub.ch
}

// Publish sends an event to all subscribers using the broker's delivery mode.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		Sequence:  b.seq.Add(1),
	}

	for _, sub := range b.subs {
		if b.opts.delivery == DropWhenFull {
			select {
			case sub.ch <- event:
			default:
			}
			continue
		}
		select {
		case sub.ch <- event:
		case <-sub.ctx.Done():
		case <-b.done:
			return
		}
	}
}

// Close shuts down the broker and all subscriber channels.
// Publishers blocked on slow subscribers are released first.
func (b *Broker[T]) Close() {
	b.closeOnce.Do(func() { close(b.done) })

	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs {
		close(ch)
	}
	b.subs = map[chan Event[T]]*subscription[T]{}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
