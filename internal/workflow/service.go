package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrDuplicateService is returned when a request type is registered twice.
var ErrDuplicateService = errors.New("governance service already registered")

// Service runs the domain logic of one request type. It must finish by
// calling sc.RecordCompletionStatus exactly once; returning without doing so
// fails the step.
type Service interface {
	Execute(ctx context.Context, sc *StepContext) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, sc *StepContext) error

// Execute calls f.
func (f ServiceFunc) Execute(ctx context.Context, sc *StepContext) error {
	return f(ctx, sc)
}

// ServiceRegistry maps request types to services. Services are registered
// during start-up and only looked up afterwards.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]Service)}
}

// Register binds requestType to svc.
func (r *ServiceRegistry) Register(requestType string, svc Service) error {
	if requestType == "" || svc == nil {
		return fmt.Errorf("register service: request type and service are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.services[requestType]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, requestType)
	}
	r.services[requestType] = svc
	return nil
}

// MustRegister is Register that panics on error, for init-time wiring.
func (r *ServiceRegistry) MustRegister(requestType string, svc Service) {
	if err := r.Register(requestType, svc); err != nil {
		panic(err)
	}
}

// Lookup returns the service for requestType.
func (r *ServiceRegistry) Lookup(requestType string) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[requestType]
	return svc, ok
}

// RequestTypes returns the registered request types, sorted.
func (r *ServiceRegistry) RequestTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.services))
	for rt := range r.services {
		out = append(out, rt)
	}
	slices.Sort(out)
	return out
}
