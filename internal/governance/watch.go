package governance

import (
	"context"
	"slices"
	"time"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/workflow"
)

const defaultWaitTimeout = 24 * time.Hour

// WaitForUpdateService holds the step open until a user other than the
// engine updates the properties of one of the targets ("updated"), or
// the "timeout" parameter elapses ("timed-out"). The updated entity becomes
// the only action target of the successors.
type WaitForUpdateService struct{}

func (s *WaitForUpdateService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	timeout := defaultWaitTimeout
	if v, ok := sc.Parameter(ParamTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return invalid(sc, GuardInvalidParameter, "timeout %q is not a positive duration", v)
		}
		timeout = d
	}
	targets := sc.ActionTargets()
	if len(targets) == 0 {
		return invalid(sc, GuardNoTargets, "no action targets")
	}

	updated := make(chan string, 1)
	id := "wait-for-update/" + sc.StepGUID()
	err := sc.RegisterListener(workflow.ListenerFunc(id, func(_ context.Context, ev graph.ChangeEvent) {
		if ev.Kind != graph.EntityUpdated || ev.User == workflow.EngineUser || !slices.Contains(targets, ev.GUID) {
			return
		}
		select {
		case updated <- ev.GUID:
		default:
		}
	}))
	if err != nil {
		return err
	}
	defer sc.UnregisterListener(id)
	log.Debug(log.CatWorkflow, "waiting for update", "step", sc.StepGUID(), "targets", targets, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case guid := <-updated:
		return sc.RecordCompletionStatus(workflow.StatusActioned, []string{GuardUpdated}, nil, []string{guid})
	case <-timer.C:
		return done(sc, workflow.StatusActioned, GuardTimedOut)
	case <-ctx.Done():
		return ctx.Err()
	}
}
