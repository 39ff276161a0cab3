package workflow

import (
	"context"
	"fmt"
	"slices"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/pubsub"
)

// Listener receives repository change events. The engine drops events whose
// broker sequence it has already delivered, so a listener sees each publish
// once even while a subscription is being replaced. OnEvent runs on the
// engine's delivery goroutine and must return promptly; long work belongs in
// a goroutine.
type Listener interface {
	ID() string
	OnEvent(ctx context.Context, ev graph.ChangeEvent)
}

type listenerFunc struct {
	id string
	fn func(context.Context, graph.ChangeEvent)
}

func (l listenerFunc) ID() string { return l.id }

func (l listenerFunc) OnEvent(ctx context.Context, ev graph.ChangeEvent) { l.fn(ctx, ev) }

// ListenerFunc adapts a function to a Listener identified by id.
func ListenerFunc(id string, fn func(ctx context.Context, ev graph.ChangeEvent)) Listener {
	return listenerFunc{id: id, fn: fn}
}

// RegisterListener adds l. Registering an ID that is already present is a
// no-op. The subscription to the graph's change events is opened on the
// first registration.
func (e *Engine) RegisterListener(l Listener) error {
	if l == nil || l.ID() == "" {
		return errs.Invalid("listener needs an ID")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("register listener %s: engine closed", l.ID())
	}
	if slices.ContainsFunc(e.listeners, func(x Listener) bool { return x.ID() == l.ID() }) {
		return nil
	}
	e.listeners = append(e.listeners, l)
	if e.unsubscribe == nil {
		ctx, cancel := context.WithCancel(e.ctx)
		e.unsubscribe = cancel
		listener := pubsub.NewContinuousListener(ctx, e.graph.Events())
		e.wgEvents.Add(1)
		go func() {
			defer e.wgEvents.Done()
			listener.Run(func(ev pubsub.Event[graph.ChangeEvent]) { e.deliver(ctx, ev) })
		}()
		log.Debug(log.CatEvents, "change event subscription opened")
	}
	log.Debug(log.CatEvents, "listener registered", "id", l.ID())
	return nil
}

// UnregisterListener removes the listener with the given ID and reports
// whether it was registered. Removing the last listener closes the
// subscription.
func (e *Engine) UnregisterListener(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.IndexFunc(e.listeners, func(x Listener) bool { return x.ID() == id })
	if i < 0 {
		return false
	}
	e.listeners = slices.Delete(e.listeners, i, i+1)
	if len(e.listeners) == 0 && e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
		log.Debug(log.CatEvents, "change event subscription closed")
	}
	return true
}

func (e *Engine) deliver(ctx context.Context, ev pubsub.Event[graph.ChangeEvent]) {
	e.mu.Lock()
	if !e.delivered.add(ev.Sequence) {
		e.mu.Unlock()
		log.Debug(log.CatEvents, "duplicate change event dropped", "sequence", ev.Sequence, "kind", ev.Payload.Kind)
		return
	}
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()

	change := ev.Payload
	change.Sequence = ev.Sequence
	for _, l := range listeners {
		e.notify(ctx, l, change)
	}
}

func (e *Engine) notify(ctx context.Context, l Listener, ev graph.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatEvents, "listener panicked", "id", l.ID(), "kind", ev.Kind, "panic", r)
		}
	}()
	l.OnEvent(ctx, ev)
}

// dedupeWindow is how far behind the newest sequence a duplicate is still
// recognised. Concurrent publishers may deliver sequences out of order.
const dedupeWindow = 4096

// sequenceSet records recently delivered broker sequences.
type sequenceSet struct {
	newest uint64
	seen   map[uint64]struct{}
}

// add records seq and reports whether it was new.
func (s *sequenceSet) add(seq uint64) bool {
	if s.seen == nil {
		s.seen = make(map[uint64]struct{})
	}
	if _, ok := s.seen[seq]; ok {
		return false
	}
	s.seen[seq] = struct{}{}
	s.newest = max(s.newest, seq)
	if len(s.seen) > 2*dedupeWindow {
		for old := range s.seen {
			if old+dedupeWindow < s.newest {
				delete(s.seen, old)
			}
		}
	}
	return true
}

// listening reports whether the change event subscription is open.
func (e *Engine) listening() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unsubscribe != nil
}
