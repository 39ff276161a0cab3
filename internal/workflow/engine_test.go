package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/testutil"
	"github.com/zjrosen/strata/internal/workflow"
)

const waitTimeout = 5 * time.Second

// services maps request types to test services.
type services map[string]workflow.ServiceFunc

func newEngine(t *testing.T, svcs services, procs []*workflow.Process, opts ...workflow.Option) (*workflow.Engine, *graph.Graph) {
	t.Helper()
	g := testutil.NewGraph(t)
	return newEngineOver(t, g, svcs, procs, opts...), g
}

func newEngineOver(t *testing.T, g *graph.Graph, svcs services, procs []*workflow.Process, opts ...workflow.Option) *workflow.Engine {
	t.Helper()
	reg := workflow.NewServiceRegistry()
	for rt, fn := range svcs {
		reg.MustRegister(rt, fn)
	}
	cat, err := workflow.NewCatalog(procs...)
	require.NoError(t, err)
	e := workflow.New(g, reg, cat, opts...)
	t.Cleanup(e.Close)
	return e
}

func build(t *testing.T, b *workflow.ProcessBuilder) *workflow.Process {
	t.Helper()
	p, err := b.Build()
	require.NoError(t, err)
	return p
}

// complete returns a service that finishes with status and guards.
func complete(status workflow.StepStatus, guards ...string) workflow.ServiceFunc {
	return func(_ context.Context, sc *workflow.StepContext) error {
		return sc.RecordCompletionStatus(status, guards, nil, nil)
	}
}

func run(t *testing.T, e *workflow.Engine, name string, req workflow.StartRequest) []*workflow.Step {
	t.Helper()
	inst, err := e.StartProcess(context.Background(), name, req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, inst.Wait(ctx))
	steps, err := inst.Steps(context.Background())
	require.NoError(t, err)
	for _, s := range steps {
		require.Equal(t, inst.GUID, s.ProcessInstance)
	}
	return steps
}

func byKey(steps []*workflow.Step) map[string]*workflow.Step {
	out := make(map[string]*workflow.Step, len(steps))
	for _, s := range steps {
		out[s.Key] = s
	}
	return out
}

func chain(t *testing.T) *workflow.Process {
	return build(t, workflow.NewProcess("chain").
		Step("a", "first", workflow.Next("done", "b", nil)).
		Step("b", "second"))
}

func TestEngine_DoneGuardSpawnsSuccessor(t *testing.T) {
	e, _ := newEngine(t, services{
		"first":  complete(workflow.StatusActioned, "done"),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.Len(t, steps, 2)
	a, b := steps[0], steps[1]
	require.Equal(t, "a", a.Key)
	require.Equal(t, "b", b.Key)
	require.Equal(t, workflow.StatusActioned, a.Status)
	require.Equal(t, []string{"done"}, a.OutputGuards)
	require.Equal(t, workflow.StatusActioned, b.Status)
	require.Equal(t, []string{"done"}, b.ReceivedGuards)
	require.Equal(t, a.GUID, b.PredecessorGUID)
	require.Equal(t, "done", b.SpawnGuard)
	require.Equal(t, "second", b.RequestType)
	require.False(t, a.StartTime.IsZero())
	require.False(t, a.CompletionTime.Before(a.StartTime))
	require.Empty(t, a.Error)
}

func TestEngine_UnmatchedGuardEndsBranch(t *testing.T) {
	e, _ := newEngine(t, services{
		"first":  complete(workflow.StatusActioned, "skip"),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.Len(t, steps, 1)
	require.Equal(t, workflow.StatusActioned, steps[0].Status)
	require.Empty(t, steps[0].Error)
}

func TestEngine_IgnoredStillSpawns(t *testing.T) {
	e, _ := newEngine(t, services{
		"first":  complete(workflow.StatusIgnored, "done"),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.Len(t, steps, 2)
	require.Equal(t, workflow.StatusIgnored, steps[0].Status)
}

func TestEngine_InvalidCompletionRoutesGuards(t *testing.T) {
	e, _ := newEngine(t, services{
		"first":  complete(workflow.StatusInvalid, "done"),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.Len(t, steps, 2)
	require.Equal(t, workflow.StatusInvalid, steps[0].Status)
	require.Equal(t, "b", steps[1].Key)
	require.Equal(t, "done", steps[1].SpawnGuard)
}

// TestEngine_FailedCompletionRoutesGuards verifies that a service recording
// FAILED with a guard hands over to the failure branch.
func TestEngine_FailedCompletionRoutesGuards(t *testing.T) {
	proc := build(t, workflow.NewProcess("guarded").
		Step("a", "first", workflow.Next("done", "b", nil), workflow.Next("failed", "notify", nil)).
		Step("b", "second").
		Step("notify", "second"))
	e, _ := newEngine(t, services{
		"first":  complete(workflow.StatusFailed, "failed"),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{proc})

	steps := run(t, e, "guarded", workflow.StartRequest{})
	require.Len(t, steps, 2)
	a, notify := steps[0], steps[1]
	require.Equal(t, workflow.StatusFailed, a.Status)
	require.Equal(t, []string{"failed"}, a.OutputGuards)
	require.Equal(t, "notify", notify.Key)
	require.Equal(t, a.GUID, notify.PredecessorGUID)
	require.Equal(t, workflow.StatusActioned, notify.Status)
}

func TestEngine_FanOut(t *testing.T) {
	fork := func(t *testing.T, mode workflow.FanOut) *workflow.Process {
		return build(t, workflow.NewProcess("fork").
			FanOut(mode).
			Step("a", "first", workflow.Next("done", "b", nil), workflow.Next("done", "c", nil)).
			Step("b", "second").
			Step("c", "second"))
	}
	svcs := services{
		"first":  complete(workflow.StatusActioned, "done"),
		"second": complete(workflow.StatusActioned),
	}

	t.Run("all", func(t *testing.T) {
		e, _ := newEngine(t, svcs, []*workflow.Process{fork(t, "")})
		steps := byKey(run(t, e, "fork", workflow.StartRequest{}))
		require.Len(t, steps, 3)
		require.Contains(t, steps, "b")
		require.Contains(t, steps, "c")
	})

	t.Run("first by process", func(t *testing.T) {
		e, _ := newEngine(t, svcs, []*workflow.Process{fork(t, workflow.FanOutFirst)})
		steps := byKey(run(t, e, "fork", workflow.StartRequest{}))
		require.Len(t, steps, 2)
		require.Contains(t, steps, "b")
	})

	t.Run("first by engine", func(t *testing.T) {
		e, _ := newEngine(t, svcs, []*workflow.Process{fork(t, "")}, workflow.WithFanOut(workflow.FanOutFirst))
		steps := byKey(run(t, e, "fork", workflow.StartRequest{}))
		require.Len(t, steps, 2)
		require.Contains(t, steps, "b")
	})

	t.Run("process overrides engine", func(t *testing.T) {
		e, _ := newEngine(t, svcs, []*workflow.Process{fork(t, workflow.FanOutAll)}, workflow.WithFanOut(workflow.FanOutFirst))
		require.Len(t, run(t, e, "fork", workflow.StartRequest{}), 3)
	})
}

func TestEngine_BranchesRunConcurrently(t *testing.T) {
	proc := build(t, workflow.NewProcess("fork").
		Step("a", "first", workflow.Next("done", "b", nil), workflow.Next("done", "c", nil)).
		Step("b", "barrier").
		Step("c", "barrier"))

	var arrived sync.WaitGroup
	arrived.Add(2)
	released := make(chan struct{})
	go func() {
		arrived.Wait()
		close(released)
	}()

	e, _ := newEngine(t, services{
		"first": complete(workflow.StatusActioned, "done"),
		"barrier": func(ctx context.Context, sc *workflow.StepContext) error {
			arrived.Done()
			select {
			case <-released:
				return sc.RecordCompletionStatus(workflow.StatusActioned, nil, nil, nil)
			case <-time.After(waitTimeout):
				return errors.New("sibling branch never started")
			}
		},
	}, []*workflow.Process{proc})

	for _, s := range run(t, e, "fork", workflow.StartRequest{}) {
		require.Equal(t, workflow.StatusActioned, s.Status, s.Error)
	}
}

func TestEngine_ParameterLayers(t *testing.T) {
	proc := build(t, workflow.NewProcess("params").
		Step("a", "first",
			workflow.Params(map[string]string{"x": "tmpl", "y": "tmpl"}),
			workflow.Next("done", "b", map[string]string{"b": "edge", "c": "edge"})).
		Step("b", "second", workflow.Params(map[string]string{"a": "tmpl", "b": "tmpl", "c": "tmpl"})))

	e, _ := newEngine(t, services{
		"first": func(_ context.Context, sc *workflow.StepContext) error {
			return sc.RecordCompletionStatus(workflow.StatusActioned, []string{"done"}, map[string]string{"c": "new"}, nil)
		},
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{proc})

	steps := byKey(run(t, e, "params", workflow.StartRequest{Parameters: map[string]string{"y": "req", "z": "req"}}))
	require.Equal(t, map[string]string{"x": "tmpl", "y": "req", "z": "req"}, steps["a"].RequestParameters)
	require.Equal(t, map[string]string{"a": "tmpl", "b": "edge", "c": "new"}, steps["b"].RequestParameters)
	require.Equal(t, map[string]string{"c": "new"}, steps["a"].NewRequestParameters)
}

func TestEngine_TargetsAndSources(t *testing.T) {
	proc := build(t, workflow.NewProcess("targets").
		Step("a", "first", workflow.Next("keep", "b", nil), workflow.Next("move", "c", nil)).
		Step("b", "leaf").
		Step("c", "first", workflow.Next("keep", "d", nil)).
		Step("d", "leaf"))

	seen := make(chan []string, 4)
	e, _ := newEngine(t, services{
		"first": func(_ context.Context, sc *workflow.StepContext) error {
			if len(sc.ReceivedGuards()) == 0 {
				return sc.RecordCompletionStatus(workflow.StatusActioned, []string{"keep", "move"}, nil, nil)
			}
			return sc.RecordCompletionStatus(workflow.StatusActioned, []string{"keep"}, nil, []string{"t3"})
		},
		"leaf": func(_ context.Context, sc *workflow.StepContext) error {
			seen <- sc.ActionTargets()
			return sc.RecordCompletionStatus(workflow.StatusActioned, nil, nil, nil)
		},
	}, []*workflow.Process{proc})

	steps := byKey(run(t, e, "targets", workflow.StartRequest{Sources: []string{"s1"}, Targets: []string{"t1", "t2"}}))
	require.Len(t, steps, 4)
	require.Equal(t, []string{"t1", "t2"}, steps["b"].ActionTargets, "targets carry forward without new targets")
	require.Equal(t, []string{"t1", "t2"}, steps["c"].ActionTargets)
	require.Equal(t, []string{"t3"}, steps["d"].ActionTargets, "new targets replace the predecessor's")
	for _, s := range steps {
		require.Equal(t, []string{"s1"}, s.RequestSources)
	}
	require.Len(t, seen, 2)
}

func TestEngine_FailureModes(t *testing.T) {
	tests := []struct {
		name       string
		svc        workflow.ServiceFunc
		wantStatus workflow.StepStatus
		wantErr    string
		spawned    bool
	}{
		{
			name:       "error before completion",
			svc:        func(context.Context, *workflow.StepContext) error { return errors.New("catalog unreachable") },
			wantStatus: workflow.StatusFailed,
			wantErr:    "catalog unreachable",
		},
		{
			name:       "panic",
			svc:        func(context.Context, *workflow.StepContext) error { panic("boom") },
			wantStatus: workflow.StatusFailed,
			wantErr:    "panicked: boom",
		},
		{
			name:       "returns without completing",
			svc:        func(context.Context, *workflow.StepContext) error { return nil },
			wantStatus: workflow.StatusFailed,
			wantErr:    errs.ErrCompletionNotRecorded.Error(),
		},
		{
			name: "error after completion keeps the recorded status",
			svc: func(_ context.Context, sc *workflow.StepContext) error {
				if err := sc.RecordCompletionStatus(workflow.StatusActioned, []string{"done"}, nil, nil); err != nil {
					return err
				}
				return errors.New("cleanup failed")
			},
			wantStatus: workflow.StatusActioned,
			wantErr:    "cleanup failed",
			spawned:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newEngine(t, services{
				"first":  tt.svc,
				"second": complete(workflow.StatusActioned),
			}, []*workflow.Process{chain(t)})

			steps := run(t, e, "chain", workflow.StartRequest{})
			require.Equal(t, tt.wantStatus, steps[0].Status)
			require.Contains(t, steps[0].Error, tt.wantErr)
			if tt.spawned {
				require.Len(t, steps, 2)
			} else {
				require.Len(t, steps, 1)
			}
		})
	}
}

func TestEngine_UnknownRequestTypeIsInvalid(t *testing.T) {
	e, _ := newEngine(t, services{"second": complete(workflow.StatusActioned)}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.Len(t, steps, 1)
	require.Equal(t, workflow.StatusInvalid, steps[0].Status)
	require.Contains(t, steps[0].Error, errs.ErrStepResolution.Error())
	require.True(t, steps[0].StartTime.IsZero())
	require.False(t, steps[0].CompletionTime.IsZero())
}

func TestStepContext_RecordCompletionStatus(t *testing.T) {
	results := make(chan error, 2)
	e, _ := newEngine(t, services{
		"first": func(_ context.Context, sc *workflow.StepContext) error {
			results <- sc.RecordCompletionStatus(workflow.StatusInProgress, nil, nil, nil)
			if err := sc.RecordCompletionStatus(workflow.StatusActioned, []string{"done"}, nil, nil); err != nil {
				return err
			}
			results <- sc.RecordCompletionStatus(workflow.StatusFailed, nil, nil, nil)
			return nil
		},
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	steps := run(t, e, "chain", workflow.StartRequest{})
	require.ErrorIs(t, <-results, errs.ErrInvalidParameter)
	require.ErrorIs(t, <-results, errs.ErrCompletionAlreadyRecorded)
	require.Equal(t, workflow.StatusActioned, steps[0].Status, "the first completion wins")
	require.Len(t, steps, 2)
}

func TestStepContext_ExposesCopies(t *testing.T) {
	proc := build(t, workflow.NewProcess("copies").Step("a", "first", workflow.Params(map[string]string{"k": "v"})))
	e, _ := newEngine(t, services{
		"first": func(_ context.Context, sc *workflow.StepContext) error {
			sc.RequestParameters()["k"] = "changed"
			sc.ActionTargets()[0] = "changed"
			if v, _ := sc.Parameter("k"); v != "v" {
				return errors.New("parameters were aliased")
			}
			if sc.ActionTargets()[0] != "t1" {
				return errors.New("targets were aliased")
			}
			if sc.ProcessName() != "copies" || sc.RequestType() != "first" || sc.StepGUID() == "" || sc.ProcessInstance() == "" {
				return errors.New("identity accessors are wrong")
			}
			if sc.Graph() == nil || sc.Search() == nil {
				return errors.New("handles are missing")
			}
			return sc.RecordCompletionStatus(workflow.StatusActioned, nil, nil, nil)
		},
	}, []*workflow.Process{proc})

	steps := run(t, e, "copies", workflow.StartRequest{Targets: []string{"t1"}})
	require.Equal(t, workflow.StatusActioned, steps[0].Status, steps[0].Error)
}

// blocking returns a service that reports its step GUID, then waits for
// its context.
func blocking(started chan<- string, recordFirst bool) workflow.ServiceFunc {
	return func(ctx context.Context, sc *workflow.StepContext) error {
		if recordFirst {
			if err := sc.RecordCompletionStatus(workflow.StatusActioned, []string{"done"}, nil, nil); err != nil {
				return err
			}
		}
		started <- sc.StepGUID()
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestEngine_DisconnectStep(t *testing.T) {
	started := make(chan string, 1)
	e, _ := newEngine(t, services{
		"first":  blocking(started, false),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	inst, err := e.StartProcess(context.Background(), "chain", workflow.StartRequest{})
	require.NoError(t, err)
	guid := <-started
	require.NoError(t, e.DisconnectStep(guid))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, inst.Wait(ctx))

	steps, err := inst.Steps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, workflow.StatusFailed, steps[0].Status)
	require.Contains(t, steps[0].Error, errs.ErrStepDisconnected.Error())

	require.ErrorIs(t, e.DisconnectStep(guid), errs.ErrStepNotFound, "a finished step is no longer running")
}

func TestEngine_DisconnectAfterCompletionKeepsStatus(t *testing.T) {
	started := make(chan string, 1)
	e, _ := newEngine(t, services{
		"first":  blocking(started, true),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	inst, err := e.StartProcess(context.Background(), "chain", workflow.StartRequest{})
	require.NoError(t, err)
	require.NoError(t, e.DisconnectStep(<-started))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, inst.Wait(ctx))
	steps, err := inst.Steps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 1, "a disconnected step dispatches no successors")
	require.Equal(t, workflow.StatusActioned, steps[0].Status)
}

func TestProcessInstance_Cancel(t *testing.T) {
	started := make(chan string, 2)
	proc := build(t, workflow.NewProcess("pair").Step("a", "block").Step("b", "block"))
	e, _ := newEngine(t, services{"block": blocking(started, false)}, []*workflow.Process{proc})

	inst, err := e.StartProcess(context.Background(), "pair", workflow.StartRequest{})
	require.NoError(t, err)
	<-started
	<-started
	inst.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, inst.Wait(ctx))
	steps, err := inst.Steps(ctx)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for _, s := range steps {
		require.Equal(t, workflow.StatusFailed, s.Status)
		require.Contains(t, s.Error, errs.ErrStepDisconnected.Error())
	}
}

func TestEngine_CallerContextBoundsInstance(t *testing.T) {
	started := make(chan string, 1)
	e, _ := newEngine(t, services{
		"first":  blocking(started, false),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	ctx, cancel := context.WithCancel(context.Background())
	inst, err := e.StartProcess(ctx, "chain", workflow.StartRequest{})
	require.NoError(t, err)
	<-started
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), waitTimeout)
	defer wcancel()
	require.NoError(t, inst.Wait(wctx))
	steps, err := inst.Steps(wctx)
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, steps[0].Status)
	require.Contains(t, steps[0].Error, context.Canceled.Error())
}

func TestEngine_StartProcessErrors(t *testing.T) {
	e, _ := newEngine(t, services{}, []*workflow.Process{chain(t)})

	_, err := e.StartProcess(context.Background(), "missing", workflow.StartRequest{})
	require.ErrorIs(t, err, errs.ErrProcessNotFound)

	e.Close()
	_, err = e.StartProcess(context.Background(), "chain", workflow.StartRequest{})
	require.ErrorContains(t, err, "engine closed")
	e.Close()
}

func TestEngine_CloseDisconnectsRunningSteps(t *testing.T) {
	started := make(chan string, 1)
	e, _ := newEngine(t, services{
		"first":  blocking(started, false),
		"second": complete(workflow.StatusActioned),
	}, []*workflow.Process{chain(t)})

	inst, err := e.StartProcess(context.Background(), "chain", workflow.StartRequest{})
	require.NoError(t, err)
	<-started
	e.Close()

	steps, err := inst.Steps(context.Background())
	require.NoError(t, err)
	require.Equal(t, workflow.StatusFailed, steps[0].Status)
}

func TestServiceRegistry(t *testing.T) {
	reg := workflow.NewServiceRegistry()
	require.NoError(t, reg.Register("b", complete(workflow.StatusActioned)))
	require.NoError(t, reg.Register("a", complete(workflow.StatusActioned)))
	require.ErrorIs(t, reg.Register("a", complete(workflow.StatusIgnored)), workflow.ErrDuplicateService)
	require.Error(t, reg.Register("", complete(workflow.StatusActioned)))
	require.Error(t, reg.Register("c", nil))
	require.Panics(t, func() { reg.MustRegister("a", complete(workflow.StatusActioned)) })

	_, ok := reg.Lookup("a")
	require.True(t, ok)
	_, ok = reg.Lookup("z")
	require.False(t, ok)
	require.Equal(t, []string{"a", "b"}, reg.RequestTypes())
}
