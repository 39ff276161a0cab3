// Package metrics holds the Prometheus collectors for the graph, search and
// workflow engines. Collectors live on a private registry so tests and
// multiple engines in one process never collide on the default registry.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zjrosen/strata/internal/errs"
)

const namespace = "strata"

// Outcome labels.
const (
	OutcomeOK       = "ok"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Metrics is the set of strata collectors.
type Metrics struct {
	registry *prometheus.Registry

	// MutationsTotal counts graph mutations. Labels: op, outcome.
	MutationsTotal *prometheus.CounterVec

	// RetriesTotal counts mutations retried after a concurrent update. Labels: op.
	RetriesTotal *prometheus.CounterVec

	// SearchesTotal counts searches. Labels: op, outcome.
	SearchesTotal *prometheus.CounterVec

	// SearchDuration measures search latency. Labels: op.
	SearchDuration *prometheus.HistogramVec

	// StepsTotal counts workflow steps by terminal status. Labels: request_type, status.
	StepsTotal *prometheus.CounterVec

	// ActiveSteps is the number of steps whose service is running.
	ActiveSteps prometheus.Gauge

	// EventsPublished counts graph change events. Labels: kind.
	EventsPublished *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		MutationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graph", Name: "mutations_total",
			Help: "Graph mutations by operation and outcome.",
		}, []string{"op", "outcome"}),
		RetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graph", Name: "retries_total",
			Help: "Mutations retried after a concurrent update.",
		}, []string{"op"}),
		SearchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "requests_total",
			Help: "Searches by operation and outcome.",
		}, []string{"op", "outcome"}),
		SearchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "duration_seconds",
			Help:    "Search latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"op"}),
		StepsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "steps_total",
			Help: "Workflow steps by request type and terminal status.",
		}, []string{"request_type", "status"}),
		ActiveSteps: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "workflow", Name: "active_steps",
			Help: "Steps whose governance service is running.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "published_total",
			Help: "Graph change events published.",
		}, []string{"kind"}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Outcome maps an operation error to an outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errs.ErrConcurrentUpdate):
		return OutcomeConflict
	}
	return OutcomeError
}

// ObserveMutation counts one graph mutation. A nil receiver is a no-op.
func (m *Metrics) ObserveMutation(op string, err error) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(op, Outcome(err)).Inc()
}

// ObserveRetry counts one retry of op.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(op).Inc()
}

// ObserveSearch counts one search and its latency.
func (m *Metrics) ObserveSearch(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(op, Outcome(err)).Inc()
	m.SearchDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// StepStarted and StepFinished bracket a running governance service.
func (m *Metrics) StepStarted() {
	if m == nil {
		return
	}
	m.ActiveSteps.Inc()
}

func (m *Metrics) StepFinished() {
	if m == nil {
		return
	}
	m.ActiveSteps.Dec()
}

// ObserveStep counts a step reaching a terminal status.
func (m *Metrics) ObserveStep(requestType, status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(requestType, status).Inc()
}

// ObserveEvent counts one published change event.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(kind).Inc()
}
