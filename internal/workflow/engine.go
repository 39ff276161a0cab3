// Package workflow runs governance processes: directed graphs of steps,
// each executed by the governance service registered for its request type.
// A finished step emits guards that select the edges to its successors.
//
// Step lifecycle:
//
//	REQUESTED -> ACTIVATING -> IN_PROGRESS -> ACTIONED | INVALID | IGNORED | FAILED
//
// Every step runs on its own goroutine; branches of a process run
// concurrently and are never joined implicitly.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/metrics"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/tracing"
)

// Engine starts process instances and drives their steps.
type Engine struct {
	graph    *graph.Graph
	search   *search.Engine
	services *ServiceRegistry
	catalog  *Catalog
	store    StepStore
	fanOut   FanOut
	now      func() time.Time
	tracer   trace.Tracer
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	running     map[string]*runningStep
	listeners   []Listener
	unsubscribe context.CancelFunc
	delivered   sequenceSet

	wgSteps  sync.WaitGroup
	wgEvents sync.WaitGroup
}

type runningStep struct {
	cancel       context.CancelFunc
	disconnected bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the step store. The default is a MemoryStepStore.
func WithStore(s StepStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithSearch sets the search engine handed to services. The default
// searches the engine's graph with default options.
func WithSearch(s *search.Engine) Option {
	return func(e *Engine) { e.search = s }
}

// WithFanOut sets the fan-out mode for processes that do not choose one.
func WithFanOut(f FanOut) Option {
	return func(e *Engine) {
		if f != "" {
			e.fanOut = f
		}
	}
}

// WithClock sets the clock used for step times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTracer sets the tracer for step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates an engine running the processes of catalog with services.
func New(g *graph.Graph, services *ServiceRegistry, catalog *Catalog, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		graph:    g,
		services: services,
		catalog:  catalog,
		fanOut:   FanOutAll,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]*runningStep),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = NewMemoryStepStore()
	}
	if e.search == nil {
		e.search = search.New(g)
	}
	e.tracer = tracing.OrNoop(e.tracer)
	return e
}

// Catalog returns the engine's process catalog.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// Store returns the engine's step store.
func (e *Engine) Store() StepStore { return e.store }

// Close cancels every running step, closes the event subscription and
// waits for step goroutines to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wgSteps.Wait()
	e.wgEvents.Wait()
}

// StartRequest carries the inputs of a new process instance.
type StartRequest struct {
	Parameters map[string]string
	Sources    []string
	Targets    []string
}

// ProcessInstance is one run of a process.
type ProcessInstance struct {
	GUID    string
	Process *Process

	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	seq int
}

// Wait blocks until every step of the instance has settled or ctx is done.
func (p *ProcessInstance) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Steps returns the instance's steps in creation order.
func (p *ProcessInstance) Steps(ctx context.Context) ([]*Step, error) {
	return p.engine.store.ListSteps(ctx, p.GUID)
}

// Cancel disconnects every running step of the instance. Steps already
// finished keep their effects; no further successors are spawned.
func (p *ProcessInstance) Cancel() {
	p.cancel()
}

func (p *ProcessInstance) nextName(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("%s/%s/%s#%d", p.Process.Name(), p.GUID, key, p.seq)
}

// StartProcess creates the entry steps of the named process and runs them.
// ctx bounds the whole instance: cancelling it disconnects every step.
func (e *Engine) StartProcess(ctx context.Context, name string, req StartRequest) (*ProcessInstance, error) {
	proc, err := e.catalog.Get(name)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("start process %s: engine closed", name)
	}
	e.wgSteps.Add(1)
	e.mu.Unlock()
	defer e.wgSteps.Done()

	instCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	inst := &ProcessInstance{
		GUID:    uuid.NewString(),
		Process: proc,
		engine:  e,
		ctx:     instCtx,
		cancel: func() {
			stop()
			cancel()
		},
	}

	var entries []*Step
	for _, key := range proc.Entries() {
		tmpl, _ := proc.Step(key)
		s := &Step{
			QualifiedName:     inst.nextName(key),
			ProcessName:       proc.Name(),
			ProcessInstance:   inst.GUID,
			Key:               key,
			RequestType:       tmpl.RequestType,
			RequestParameters: mergeParams(tmpl.Params, req.Parameters),
			RequestSources:    slices.Clone(req.Sources),
			ActionTargets:     slices.Clone(req.Targets),
			Status:            StatusRequested,
		}
		if err := e.store.CreateStep(ctx, s); err != nil {
			inst.cancel()
			return nil, fmt.Errorf("failed to start process %s: %w", name, err)
		}
		entries = append(entries, s)
	}
	log.Info(log.CatWorkflow, "process started", "process", name, "instance", inst.GUID, "entries", len(entries))
	for _, s := range entries {
		e.launch(inst, s)
	}
	go func() {
		inst.wg.Wait()
		inst.cancel()
	}()
	return inst, nil
}

// DisconnectStep cancels a running step. Its service sees ctx cancelled;
// whatever it already committed stays, and no successors are spawned.
func (e *Engine) DisconnectStep(guid string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.running[guid]
	if !ok {
		return errs.Wrap(errs.ErrStepNotFound, "%s is not running", guid)
	}
	rs.disconnected = true
	rs.cancel()
	log.Info(log.CatWorkflow, "step disconnected", "step", guid)
	return nil
}

func (e *Engine) launch(inst *ProcessInstance, s *Step) {
	stepCtx, cancel := context.WithCancel(inst.ctx)
	rs := &runningStep{cancel: cancel}
	e.mu.Lock()
	e.running[s.GUID] = rs
	e.wgSteps.Add(1)
	e.mu.Unlock()
	inst.wg.Add(1)

	go func() {
		defer inst.wg.Done()
		defer e.wgSteps.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, s.GUID)
			e.mu.Unlock()
			cancel()
		}()
		e.runStep(stepCtx, inst, s, rs)
	}()
}

// runStep drives s to a terminal status and spawns its successors.
func (e *Engine) runStep(ctx context.Context, inst *ProcessInstance, s *Step, rs *runningStep) {
	ctx, span := tracing.Start(ctx, e.tracer, tracing.SpanPrefixWorkflow+"step",
		attribute.String(tracing.AttrProcessName, s.ProcessName),
		attribute.String(tracing.AttrProcessInstance, s.ProcessInstance),
		attribute.String(tracing.AttrStepKey, s.Key),
		attribute.String(tracing.AttrStepGUID, s.GUID),
		attribute.String(tracing.AttrRequestType, s.RequestType))
	var stepErr error
	defer func() {
		span.SetAttributes(
			attribute.String(tracing.AttrStepStatus, s.Status.String()),
			attribute.StringSlice(tracing.AttrGuards, s.OutputGuards))
		tracing.End(span, stepErr)
	}()

	// The store outlives a disconnect, so bookkeeping uses the engine's
	// context rather than the step's.
	storeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		stepErr = e.disconnected(ctx, rs)
		e.finish(storeCtx, s, StatusFailed, stepErr)
		return
	}

	svc, ok := e.services.Lookup(s.RequestType)
	if !ok {
		stepErr = errs.Wrap(errs.ErrStepResolution, "%s", s.RequestType)
		e.finish(storeCtx, s, StatusInvalid, stepErr)
		return
	}
	if err := e.transition(storeCtx, s, StatusActivating); err != nil {
		stepErr = err
		return
	}

	sc := newStepContext(e, s)
	s.StartTime = e.now()
	if err := e.transition(storeCtx, s, StatusInProgress); err != nil {
		stepErr = err
		return
	}

	e.metrics.StepStarted()
	err := e.execute(ctx, svc, sc)
	e.metrics.StepFinished()

	completion, recorded := sc.Completed()
	switch {
	case !recorded && ctx.Err() != nil:
		stepErr = errors.Join(e.disconnected(ctx, rs), err)
		e.finish(storeCtx, s, StatusFailed, stepErr)
		return
	case !recorded && err != nil:
		stepErr = err
		e.finish(storeCtx, s, StatusFailed, stepErr)
		return
	case !recorded:
		stepErr = errs.Wrap(errs.ErrCompletionNotRecorded, "%s returned without completing", s.RequestType)
		e.finish(storeCtx, s, StatusFailed, stepErr)
		return
	}
	if err != nil {
		log.Warn(log.CatWorkflow, "service failed after recording completion",
			"step", s.GUID, "status", completion.Status, "error", err)
	}

	s.OutputGuards = completion.Guards
	s.NewRequestParameters = completion.NewParameters
	s.NewActionTargets = completion.NewTargets
	e.finish(storeCtx, s, completion.Status, err)

	if ctx.Err() != nil {
		log.Info(log.CatWorkflow, "step disconnected after completion, successors skipped", "step", s.GUID)
		return
	}
	// A recorded completion routes on its guards whatever its status, so
	// processes may follow edges such as failed -> notify.
	e.spawnSuccessors(storeCtx, inst, s)
}

// execute runs svc on its own goroutine and converts a panic into an error.
func (e *Engine) execute(ctx context.Context, svc Service, sc *StepContext) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("governance service panicked: %v", r)
			}
		}()
		done <- svc.Execute(ctx, sc)
	}()
	return <-done
}

func (e *Engine) disconnected(ctx context.Context, rs *runningStep) error {
	e.mu.Lock()
	byCall := rs.disconnected
	e.mu.Unlock()
	if byCall {
		return errs.ErrStepDisconnected
	}
	return fmt.Errorf("%w: %w", errs.ErrStepDisconnected, context.Cause(ctx))
}

func (e *Engine) transition(ctx context.Context, s *Step, next StepStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return fmt.Errorf("step %s: illegal transition %s -> %s", s.GUID, s.Status, next)
	}
	s.Status = next
	if err := e.store.UpdateStep(ctx, s); err != nil {
		log.ErrorErr(log.CatWorkflow, "failed to record step status", err, "step", s.GUID, "status", next)
		return err
	}
	return nil
}

// finish moves s to a terminal status and records it.
func (e *Engine) finish(ctx context.Context, s *Step, status StepStatus, cause error) {
	s.Status = status
	s.CompletionTime = e.now()
	if cause != nil {
		s.Error = cause.Error()
	}
	if err := e.store.UpdateStep(ctx, s); err != nil {
		log.ErrorErr(log.CatWorkflow, "failed to record step completion", err, "step", s.GUID, "status", status)
	}
	e.metrics.ObserveStep(s.RequestType, status.String())
	if status == StatusFailed || status == StatusInvalid {
		log.Warn(log.CatWorkflow, "step ended", "step", s.GUID, "key", s.Key, "status", status, "error", s.Error)
	} else {
		log.Debug(log.CatWorkflow, "step ended", "step", s.GUID, "key", s.Key, "status", status, "guards", s.OutputGuards)
	}
}

// spawnSuccessors creates and launches a step for every edge selected by
// the guards s emitted.
func (e *Engine) spawnSuccessors(ctx context.Context, inst *ProcessInstance, s *Step) {
	mode := inst.Process.FanOut()
	if mode == "" {
		mode = e.fanOut
	}
	edges := inst.Process.Successors(s.Key, s.OutputGuards, mode)
	if len(edges) == 0 {
		log.Debug(log.CatWorkflow, "branch ended", "step", s.GUID, "guards", s.OutputGuards)
		return
	}
	targets := s.NewActionTargets
	if len(targets) == 0 {
		targets = s.ActionTargets
	}
	for _, edge := range edges {
		tmpl, _ := inst.Process.Step(edge.Target)
		next := &Step{
			QualifiedName:     inst.nextName(edge.Target),
			ProcessName:       s.ProcessName,
			ProcessInstance:   s.ProcessInstance,
			Key:               edge.Target,
			RequestType:       tmpl.RequestType,
			RequestParameters: mergeParams(tmpl.Params, edge.Params, s.NewRequestParameters),
			RequestSources:    slices.Clone(s.RequestSources),
			ActionTargets:     slices.Clone(targets),
			ReceivedGuards:    slices.Clone(s.OutputGuards),
			PredecessorGUID:   s.GUID,
			SpawnGuard:        edge.Guard,
			Status:            StatusRequested,
		}
		if err := e.store.CreateStep(ctx, next); err != nil {
			log.ErrorErr(log.CatWorkflow, "failed to spawn successor", err, "step", s.GUID, "target", edge.Target)
			continue
		}
		log.Debug(log.CatWorkflow, "successor spawned", "from", s.GUID, "to", next.GUID, "guard", edge.Guard)
		e.launch(inst, next)
	}
}

// mergeParams layers parameter maps; later maps win on the same key.
func mergeParams(layers ...map[string]string) map[string]string {
	var out map[string]string
	for _, l := range layers {
		if len(l) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		maps.Copy(out, l)
	}
	return out
}
