package workflow

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/zjrosen/strata/internal/graph"
)

// Validation errors returned by ProcessBuilder.Build.
var (
	ErrProcessEmpty   = errors.New("process must have at least one step")
	ErrProcessName    = errors.New("process name cannot be empty")
	ErrDuplicateStep  = errors.New("duplicate step key")
	ErrStepIncomplete = errors.New("step needs a key and a request type")
	ErrUnknownTarget  = errors.New("edge targets unknown step")
	ErrEmptyGuard     = errors.New("edge guard cannot be empty")
	ErrUnknownEntry   = errors.New("entry names unknown step")
	ErrCycleDetected  = errors.New("cycle detected in process graph")
	ErrUnknownFanOut  = errors.New("unknown fan_out mode")
	ErrUnknownTrigger = errors.New("trigger names unknown event")
)

// FanOut selects how many edges a shared guard fires.
type FanOut string

const (
	// FanOutAll spawns a successor for every matching edge.
	FanOutAll FanOut = "all"
	// FanOutFirst spawns only the first matching edge in definition order.
	FanOutFirst FanOut = "first"
)

// IsValid reports whether f is known. Empty defers to the engine.
func (f FanOut) IsValid() bool {
	return f == "" || f == FanOutAll || f == FanOutFirst
}

// Edge leads from a step to a successor when its guard is emitted.
type Edge struct {
	Guard  string
	Target string
	Params map[string]string
}

// StepTemplate is one node of a process definition.
type StepTemplate struct {
	Key         string
	RequestType string
	Description string
	Params      map[string]string
	Next        []Edge
}

func (s *StepTemplate) clone() StepTemplate {
	c := *s
	c.Params = maps.Clone(s.Params)
	c.Next = make([]Edge, len(s.Next))
	for i, e := range s.Next {
		c.Next[i] = Edge{Guard: e.Guard, Target: e.Target, Params: maps.Clone(e.Params)}
	}
	return c
}

// Trigger starts a process when a change of the given kind happens to an
// instance of Type or one of its subtypes. An empty Type matches all.
type Trigger struct {
	Event graph.ChangeKind
	Type  string
}

// StepOption configures a StepTemplate during building.
type StepOption func(*StepTemplate)

// Params sets the default request parameters of a step.
func Params(params map[string]string) StepOption {
	return func(s *StepTemplate) {
		if s.Params == nil {
			s.Params = make(map[string]string, len(params))
		}
		maps.Copy(s.Params, params)
	}
}

// Description documents a step.
func Description(d string) StepOption {
	return func(s *StepTemplate) { s.Description = d }
}

// Next adds an outgoing edge. params are merged over the target's defaults.
func Next(guard, target string, params map[string]string) StepOption {
	return func(s *StepTemplate) {
		s.Next = append(s.Next, Edge{Guard: guard, Target: target, Params: maps.Clone(params)})
	}
}

// ProcessBuilder provides a fluent API for constructing process definitions.
type ProcessBuilder struct {
	name        string
	description string
	fanOut      FanOut
	trigger     *Trigger
	entries     []string
	steps       []*StepTemplate
	source      Source
}

// NewProcess creates a builder for the named process.
func NewProcess(name string) *ProcessBuilder {
	return &ProcessBuilder{name: name}
}

// Step adds a step template.
func (b *ProcessBuilder) Step(key, requestType string, opts ...StepOption) *ProcessBuilder {
	s := &StepTemplate{Key: key, RequestType: requestType}
	for _, opt := range opts {
		opt(s)
	}
	b.steps = append(b.steps, s)
	return b
}

// Entry names the steps created when the process starts. Without it, every
// step no edge points at is an entry.
func (b *ProcessBuilder) Entry(keys ...string) *ProcessBuilder {
	b.entries = append(b.entries, keys...)
	return b
}

// Describe sets the process description.
func (b *ProcessBuilder) Describe(d string) *ProcessBuilder {
	b.description = d
	return b
}

// FanOut overrides the engine's fan-out mode for this process.
func (b *ProcessBuilder) FanOut(f FanOut) *ProcessBuilder {
	b.fanOut = f
	return b
}

// Trigger makes the process start on matching change events.
func (b *ProcessBuilder) Trigger(event graph.ChangeKind, typeName string) *ProcessBuilder {
	b.trigger = &Trigger{Event: event, Type: typeName}
	return b
}

func (b *ProcessBuilder) withSource(s Source) *ProcessBuilder {
	b.source = s
	return b
}

// Build validates the definition and returns an immutable Process.
// Returns validation errors for: empty name or process, incomplete or
// duplicate steps, empty guards, unknown edge targets or entries, and cycles.
func (b *ProcessBuilder) Build() (*Process, error) {
	if b.name == "" {
		return nil, ErrProcessName
	}
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrProcessEmpty, b.name)
	}
	if !b.fanOut.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFanOut, b.fanOut)
	}
	if b.trigger != nil && !b.trigger.Event.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTrigger, b.trigger.Event)
	}

	byKey := make(map[string]*StepTemplate, len(b.steps))
	for _, s := range b.steps {
		if s.Key == "" || s.RequestType == "" {
			return nil, fmt.Errorf("%w: %q", ErrStepIncomplete, s.Key)
		}
		if _, exists := byKey[s.Key]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, s.Key)
		}
		byKey[s.Key] = s
	}

	targeted := make(map[string]bool)
	for _, s := range b.steps {
		for _, e := range s.Next {
			if e.Guard == "" {
				return nil, fmt.Errorf("%w: %s -> %s", ErrEmptyGuard, s.Key, e.Target)
			}
			if _, exists := byKey[e.Target]; !exists {
				return nil, fmt.Errorf("%w: %s (from %s on %q)", ErrUnknownTarget, e.Target, s.Key, e.Guard)
			}
			targeted[e.Target] = true
		}
	}

	entries := slices.Clone(b.entries)
	for _, key := range entries {
		if _, exists := byKey[key]; !exists {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, key)
		}
	}
	if len(entries) == 0 {
		for _, s := range b.steps {
			if !targeted[s.Key] {
				entries = append(entries, s.Key)
			}
		}
	}

	p := &Process{
		name:        b.name,
		description: b.description,
		fanOut:      b.fanOut,
		entries:     entries,
		steps:       slices.Clone(b.steps),
		byKey:       byKey,
		source:      b.source,
	}
	if b.trigger != nil {
		t := *b.trigger
		p.trigger = &t
	}
	if err := p.detectCycles(); err != nil {
		return nil, err
	}
	return p, nil
}

// Process is an immutable process definition.
type Process struct {
	name        string
	description string
	fanOut      FanOut
	trigger     *Trigger
	entries     []string
	steps       []*StepTemplate
	byKey       map[string]*StepTemplate
	source      Source
}

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Description returns the process description.
func (p *Process) Description() string { return p.description }

// FanOut returns the process's fan-out mode, empty when it defers to the
// engine.
func (p *Process) FanOut() FanOut { return p.fanOut }

// Trigger returns the process trigger, or nil.
func (p *Process) Trigger() *Trigger {
	if p.trigger == nil {
		return nil
	}
	t := *p.trigger
	return &t
}

// Source returns where the definition was loaded from.
func (p *Process) Source() Source { return p.source }

// Entries returns the keys of the entry steps.
func (p *Process) Entries() []string { return slices.Clone(p.entries) }

// Steps returns the step templates in definition order.
func (p *Process) Steps() []StepTemplate {
	out := make([]StepTemplate, len(p.steps))
	for i, s := range p.steps {
		out[i] = s.clone()
	}
	return out
}

// Step returns the template with the given key.
func (p *Process) Step(key string) (StepTemplate, bool) {
	s, ok := p.byKey[key]
	if !ok {
		return StepTemplate{}, false
	}
	return s.clone(), true
}

// Successors returns the edges from key selected by guards. With FanOutAll
// every edge whose guard is in guards fires; with FanOutFirst only the
// first such edge in definition order.
func (p *Process) Successors(key string, guards []string, mode FanOut) []Edge {
	s, ok := p.byKey[key]
	if !ok || len(guards) == 0 {
		return nil
	}
	var out []Edge
	for _, e := range s.Next {
		if !slices.Contains(guards, e.Guard) {
			continue
		}
		out = append(out, Edge{Guard: e.Guard, Target: e.Target, Params: maps.Clone(e.Params)})
		if mode == FanOutFirst {
			break
		}
	}
	return out
}

func (p *Process) detectCycles() error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var dfs func(key string) error
	dfs = func(key string) error {
		visited[key] = true
		onStack[key] = true
		for _, e := range p.byKey[key].Next {
			if !visited[e.Target] {
				if err := dfs(e.Target); err != nil {
					return err
				}
			} else if onStack[e.Target] {
				return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, key, e.Target)
			}
		}
		onStack[key] = false
		return nil
	}

	for _, s := range p.steps {
		if !visited[s.Key] {
			if err := dfs(s.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
