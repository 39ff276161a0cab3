package workflow

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/strata/internal/errs"
)

// StepStore records steps as they move through their lifecycle.
type StepStore interface {
	// CreateStep stores a new step and assigns its GUID. A step with a
	// PredecessorGUID is linked to it under SpawnGuard.
	CreateStep(ctx context.Context, s *Step) error
	// UpdateStep replaces a stored step.
	UpdateStep(ctx context.Context, s *Step) error
	// GetStep returns the step with guid or errs.ErrStepNotFound.
	GetStep(ctx context.Context, guid string) (*Step, error)
	// ListSteps returns the steps of a process instance in creation order,
	// or nil when there are none.
	ListSteps(ctx context.Context, processInstance string) ([]*Step, error)
}

// MemoryStepStore keeps steps in memory.
type MemoryStepStore struct {
	mu         sync.RWMutex
	steps      map[string]*Step
	byInstance map[string][]string
}

var _ StepStore = (*MemoryStepStore)(nil)

// NewMemoryStepStore creates an empty store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{
		steps:      make(map[string]*Step),
		byInstance: make(map[string][]string),
	}
}

func (m *MemoryStepStore) CreateStep(_ context.Context, s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.PredecessorGUID != "" {
		if _, ok := m.steps[s.PredecessorGUID]; !ok {
			return errs.Wrap(errs.ErrStepNotFound, "predecessor %s", s.PredecessorGUID)
		}
	}
	if s.GUID == "" {
		s.GUID = uuid.NewString()
	}
	if _, exists := m.steps[s.GUID]; exists {
		return errs.Wrap(errs.ErrDuplicateInstance, "step %s", s.GUID)
	}
	m.steps[s.GUID] = s.Clone()
	m.byInstance[s.ProcessInstance] = append(m.byInstance[s.ProcessInstance], s.GUID)
	return nil
}

func (m *MemoryStepStore) UpdateStep(_ context.Context, s *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[s.GUID]; !ok {
		return errs.Wrap(errs.ErrStepNotFound, "%s", s.GUID)
	}
	m.steps[s.GUID] = s.Clone()
	return nil
}

func (m *MemoryStepStore) GetStep(_ context.Context, guid string) (*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.steps[guid]
	if !ok {
		return nil, errs.Wrap(errs.ErrStepNotFound, "%s", guid)
	}
	return s.Clone(), nil
}

func (m *MemoryStepStore) ListSteps(_ context.Context, processInstance string) ([]*Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	guids := m.byInstance[processInstance]
	if len(guids) == 0 {
		return nil, nil
	}
	out := make([]*Step, 0, len(guids))
	for _, g := range guids {
		out = append(out, m.steps[g].Clone())
	}
	return out, nil
}
