package workflow

import (
	"context"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/pubsub"
)

// Listening reports whether the engine holds a change event subscription.
func (e *Engine) Listening() bool { return e.listening() }

// Deliver hands ev to the registered listeners as the subscription would.
func (e *Engine) Deliver(ctx context.Context, ev pubsub.Event[graph.ChangeEvent]) { e.deliver(ctx, ev) }
