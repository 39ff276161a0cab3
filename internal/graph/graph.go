package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/strata/internal/cachemanager"
	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/metrics"
	"github.com/zjrosen/strata/internal/pubsub"
	"github.com/zjrosen/strata/internal/tracing"
	"github.com/zjrosen/strata/internal/typedef"
)

// Defaults applied by New.
const (
	DefaultMaxUpdateRetries = 3
	DefaultRetryBackoff     = 10 * time.Millisecond
	DefaultSummaryCacheTTL  = time.Minute
	defaultEventBuffer      = 256
)

// Graph is the versioned instance graph. It validates every write against
// the type registry, serialises writes per instance GUID and publishes one
// ChangeEvent per committed mutation. Reads never take locks.
type Graph struct {
	types *typedef.Registry
	store Store
	locks *lockTable

	collection  Collection
	history     bool
	maxRetries  int
	backoff     time.Duration
	summaryTTL  time.Duration
	eventBuffer int

	events    *pubsub.Broker[ChangeEvent]
	summaries *cachemanager.ReadThroughCache[string, *EntitySummary, string]
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	now       func() time.Time
	newGUID   func() string
	lockMode  LockMode
	skipCache bool
}

// Option configures a Graph.
type Option func(*Graph)

// WithCollection sets the metadata collection new instances are homed in.
func WithCollection(c Collection) Option {
	return func(g *Graph) { g.collection = c }
}

// WithHistory enables or disables history recording. When disabled, as-of
// reads and history queries fail with errs.ErrFunctionNotSupported.
func WithHistory(enabled bool) Option {
	return func(g *Graph) { g.history = enabled }
}

// WithLockMode selects block or reject behaviour for contended instances.
func WithLockMode(m LockMode) Option {
	return func(g *Graph) { g.lockMode = m }
}

// WithRetry bounds the transparent retries of errs.ErrConcurrentUpdate.
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(g *Graph) {
		g.maxRetries = maxRetries
		g.backoff = backoff
	}
}

// WithEventBuffer sets the per-subscriber buffer of the change broker.
func WithEventBuffer(n int) Option {
	return func(g *Graph) { g.eventBuffer = n }
}

// WithSummaryCache sets the TTL of cached entity summaries. A negative TTL
// disables the cache.
func WithSummaryCache(ttl time.Duration) Option {
	return func(g *Graph) {
		g.summaryTTL = ttl
		g.skipCache = ttl < 0
	}
}

// WithTracer sets the tracer for mutation spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Graph) { g.tracer = t }
}

// WithMetrics sets the collectors mutations are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Graph) { g.metrics = m }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// WithGUIDs replaces the GUID generator, mainly for tests.
func WithGUIDs(next func() string) Option {
	return func(g *Graph) { g.newGUID = next }
}

// New builds a graph over store.
func New(types *typedef.Registry, store Store, opts ...Option) *Graph {
	g := &Graph{
		types:       types,
		store:       store,
		collection:  Collection{ID: "local", Name: "local"},
		history:     true,
		maxRetries:  DefaultMaxUpdateRetries,
		backoff:     DefaultRetryBackoff,
		summaryTTL:  DefaultSummaryCacheTTL,
		eventBuffer: defaultEventBuffer,
		now:         time.Now,
		newGUID:     uuid.NewString,
		lockMode:    LockBlock,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.tracer = tracing.OrNoop(g.tracer)
	g.locks = newLockTable(g.lockMode)
	g.events = pubsub.NewReliableBroker[ChangeEvent](g.eventBuffer)

	cache := cachemanager.NewInMemoryCacheManager[string, *EntitySummary]("entity-summaries", g.summaryTTL, cachemanager.DefaultCleanupInterval)
	g.summaries = cachemanager.NewReadThroughCache(cache, g.loadSummary, g.skipCache)
	return g
}

// Types returns the registry the graph validates against.
func (g *Graph) Types() *typedef.Registry { return g.types }

// Collection returns the home collection of locally created instances.
func (g *Graph) Collection() Collection { return g.collection }

// HistoryEnabled reports whether versions are recorded in history.
func (g *Graph) HistoryEnabled() bool { return g.history }

// Events returns the change event subscription point. Delivery is reliable:
// a slow subscriber delays publishers rather than losing events.
func (g *Graph) Events() pubsub.Subscriber[ChangeEvent] { return g.events }

// Close stops event delivery and closes the store.
func (g *Graph) Close() error {
	g.events.Close()
	return g.store.Close()
}

// stamp returns the version time for a write following prev. Times are UTC
// and strictly increase per instance so history orders by time as by version.
func (g *Graph) stamp(prev time.Time) time.Time {
	now := g.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func (g *Graph) saveOptions(expected int64) SaveOptions {
	return SaveOptions{ExpectedVersion: expected, History: g.history}
}

// mutate runs fn with the given GUIDs locked, retrying concurrent update
// failures, and publishes the events fn returns once the locks are released.
func (g *Graph) mutate(ctx context.Context, op string, guids []string, fn func(context.Context) ([]ChangeEvent, error)) (err error) {
	ctx, span := tracing.Start(ctx, g.tracer, tracing.SpanPrefixGraph+op)
	if len(guids) > 0 {
		span.SetAttributes(attribute.String(tracing.AttrInstanceGUID, guids[0]))
	}
	defer func() {
		g.metrics.ObserveMutation(op, err)
		tracing.End(span, err)
	}()

	for attempt := 0; ; attempt++ {
		var events []ChangeEvent
		events, err = g.locked(ctx, guids, fn)
		if err == nil {
			g.publish(ctx, events)
			return nil
		}
		if !errs.IsRetryable(err) || attempt >= g.maxRetries {
			return err
		}
		g.metrics.ObserveRetry(op)
		span.AddEvent(tracing.EventRetry, trace.WithAttributes(attribute.Int("attempt", attempt+1)))
		log.Debug(log.CatGraph, "retrying mutation", "op", op, "attempt", attempt+1, "error", err)

		timer := time.NewTimer(g.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (retry abandoned: %v)", err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (g *Graph) locked(ctx context.Context, guids []string, fn func(context.Context) ([]ChangeEvent, error)) ([]ChangeEvent, error) {
	release, err := g.locks.acquire(ctx, guids...)
	if err != nil {
		return nil, err
	}
	defer release()
	trace.SpanFromContext(ctx).AddEvent(tracing.EventLockAcquired)
	return fn(ctx)
}

func (g *Graph) publish(ctx context.Context, events []ChangeEvent) {
	for _, ev := range events {
		if !ev.Kind.IsRelationship() {
			g.summaries.Invalidate(ctx, ev.GUID)
		}
		g.events.Publish(ev.Kind.EventType(), ev)
		g.metrics.ObserveEvent(string(ev.Kind))
		log.Debug(log.CatEvents, "change published", "kind", ev.Kind, "guid", ev.GUID, "version", ev.Version)
	}
}

// resolveType looks up a type by GUID or name and checks its category.
func (g *Graph) resolveType(guidOrName string, want typedef.Category) (*typedef.TypeDef, error) {
	if guidOrName == "" {
		return nil, errs.Invalid("type is required")
	}
	def, err := g.types.Resolve(guidOrName)
	if err != nil {
		return nil, err
	}
	if def.Category != want {
		return nil, errs.Wrap(errs.ErrType, "%s is a %s, want %s", def.Name, def.Category, want)
	}
	return def, nil
}

// typeOf returns the current TypeDef of an instance header.
func (g *Graph) typeOf(h InstanceHeader) (*typedef.TypeDef, error) {
	return g.types.TypeDefByGUID(h.Type.GUID)
}

func requireGUID(guid string) error {
	if guid == "" {
		return errs.Invalid("guid is required")
	}
	return nil
}
