package workflow

import (
	"context"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
)

// TriggerListenerID identifies the listener EnableTriggers registers.
const TriggerListenerID = "workflow.triggers"

// EnableTriggers starts processes whose trigger matches repository changes.
// The changed instance becomes the request source and the action target;
// for relationship events the targets are the two ends. Changes made by
// the engine itself never trigger a process.
func (e *Engine) EnableTriggers() error {
	return e.RegisterListener(ListenerFunc(TriggerListenerID, e.onTrigger))
}

// DisableTriggers stops starting triggered processes. Running instances
// continue.
func (e *Engine) DisableTriggers() {
	e.UnregisterListener(TriggerListenerID)
}

func (e *Engine) onTrigger(_ context.Context, ev graph.ChangeEvent) {
	if ev.User == EngineUser {
		return
	}
	for _, proc := range e.catalog.Triggered(ev.Kind) {
		if !e.triggerMatches(proc.Trigger(), ev) {
			continue
		}
		req := StartRequest{Sources: []string{ev.GUID}, Targets: []string{ev.GUID}}
		if r := ev.Relationship; r != nil {
			req.Targets = []string{r.End1.GUID, r.End2.GUID}
		}
		name := proc.Name()
		log.Info(log.CatWorkflow, "process triggered", "process", name, "kind", ev.Kind, "guid", ev.GUID)
		// StartProcess writes to the graph, which publishes on the broker this
		// callback is draining. Instances outlive the subscription.
		go func() {
			if _, err := e.StartProcess(e.ctx, name, req); err != nil {
				log.ErrorErr(log.CatWorkflow, "failed to start triggered process", err, "process", name, "guid", ev.GUID)
			}
		}()
	}
}

func (e *Engine) triggerMatches(t *Trigger, ev graph.ChangeEvent) bool {
	if t.Type == "" {
		return true
	}
	types := e.graph.Types()
	want, err := types.Resolve(t.Type)
	if err != nil {
		log.Warn(log.CatWorkflow, "trigger names unknown type", "type", t.Type)
		return false
	}
	got, err := types.TypeDefByGUID(ev.Type.GUID)
	if err != nil {
		return false
	}
	return types.IsSubtypeOf(got, want.GUID)
}
