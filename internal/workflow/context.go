package workflow

import (
	"maps"
	"slices"
	"sync"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/search"
)

// Completion is what a service reports when it finishes.
type Completion struct {
	Status        StepStatus
	Guards        []string
	NewParameters map[string]string
	NewTargets    []string
}

// StepContext is a governance service's view of its step. The request
// accessors return copies; the graph and search handles are shared.
type StepContext struct {
	step   *Step
	engine *Engine

	mu         sync.Mutex
	completion *Completion
}

func newStepContext(e *Engine, step *Step) *StepContext {
	return &StepContext{step: step.Clone(), engine: e}
}

// StepGUID returns the GUID of the step.
func (c *StepContext) StepGUID() string { return c.step.GUID }

// ProcessName returns the name of the running process.
func (c *StepContext) ProcessName() string { return c.step.ProcessName }

// ProcessInstance returns the GUID of the running process instance.
func (c *StepContext) ProcessInstance() string { return c.step.ProcessInstance }

// RequestType returns the request type that selected the service.
func (c *StepContext) RequestType() string { return c.step.RequestType }

// RequestParameters returns a copy of the request parameters.
func (c *StepContext) RequestParameters() map[string]string {
	return maps.Clone(c.step.RequestParameters)
}

// Parameter returns one request parameter.
func (c *StepContext) Parameter(name string) (string, bool) {
	v, ok := c.step.RequestParameters[name]
	return v, ok
}

// RequestSources returns the GUIDs of the elements that caused the step.
func (c *StepContext) RequestSources() []string { return slices.Clone(c.step.RequestSources) }

// ActionTargets returns the GUIDs of the elements the step acts on.
func (c *StepContext) ActionTargets() []string { return slices.Clone(c.step.ActionTargets) }

// ReceivedGuards returns the guards emitted by the predecessor.
func (c *StepContext) ReceivedGuards() []string { return slices.Clone(c.step.ReceivedGuards) }

// Graph returns the instance graph.
func (c *StepContext) Graph() *graph.Graph { return c.engine.graph }

// Search returns the search engine.
func (c *StepContext) Search() *search.Engine { return c.engine.search }

// RegisterListener registers l with the engine. See Engine.RegisterListener.
func (c *StepContext) RegisterListener(l Listener) error {
	return c.engine.RegisterListener(l)
}

// UnregisterListener removes a listener registered through RegisterListener.
func (c *StepContext) UnregisterListener(id string) bool {
	return c.engine.UnregisterListener(id)
}

// RecordCompletionStatus reports the step's outcome. status must be
// terminal. Only the first call counts; later calls fail with
// errs.ErrCompletionAlreadyRecorded.
func (c *StepContext) RecordCompletionStatus(status StepStatus, guards []string, newParams map[string]string, newTargets []string) error {
	if !status.IsTerminal() {
		return errs.Invalid("completion status %s is not terminal", status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completion != nil {
		return errs.Wrap(errs.ErrCompletionAlreadyRecorded, "step %s already completed as %s", c.step.GUID, c.completion.Status)
	}
	c.completion = &Completion{
		Status:        status,
		Guards:        slices.Clone(guards),
		NewParameters: maps.Clone(newParams),
		NewTargets:    slices.Clone(newTargets),
	}
	return nil
}

// Completed returns the recorded completion, if any.
func (c *StepContext) Completed() (Completion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.completion == nil {
		return Completion{}, false
	}
	return *c.completion, true
}
