// Package search finds entities and relationships in the instance graph by
// property conditions, classifications and free-text patterns. Searches
// read snapshots and never take graph locks.
package search

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/metrics"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/tracing"
	"github.com/zjrosen/strata/internal/typedef"
)

// Engine runs searches over a graph.
type Engine struct {
	graph       *graph.Graph
	types       *typedef.Registry
	matcher     *matcher
	maxPageSize int
	regexTTL    time.Duration
	tracer      trace.Tracer
	metrics     *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxPageSize caps PageSize; zero leaves it unbounded.
func WithMaxPageSize(n int) Option {
	return func(e *Engine) { e.maxPageSize = n }
}

// WithRegexCacheTTL sets how long compiled patterns are cached.
func WithRegexCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.regexTTL = ttl }
}

// WithTracer sets the tracer for search spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics sets the collectors searches are counted on.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an engine over g.
func New(g *graph.Graph, opts ...Option) *Engine {
	e := &Engine{
		graph:    g,
		types:    g.Types(),
		regexTTL: DefaultRegexCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracer = tracing.OrNoop(e.tracer)
	e.matcher = newMatcher(e.regexTTL)
	return e
}

// Window holds the filter and paging parameters every search shares.
type Window struct {
	// Statuses restricts results; empty means every status but DELETED.
	Statuses []typedef.InstanceStatus
	AsOf     *time.Time
	// SequencingProperty orders by a property value. With Order unset it
	// implies PropertyAscending.
	SequencingProperty string
	Order              Order
	Offset             int
	// PageSize zero returns every match from Offset on.
	PageSize int
}

// ClassificationCondition requires a named classification whose properties
// satisfy Match; a nil Match only requires the classification.
type ClassificationCondition struct {
	Name  string
	Match Condition
}

// ClassificationMatch combines classification conditions.
type ClassificationMatch struct {
	Conditions []ClassificationCondition
	Criteria   Criteria
}

// EntityQuery is the general entity search.
type EntityQuery struct {
	// TypeGUID scopes results to an entity type and its subtypes. A type
	// name is accepted too.
	TypeGUID string
	// SubtypeGUIDs narrows TypeGUID to these subtypes and their descendants.
	SubtypeGUIDs    []string
	Match           Condition
	Classifications *ClassificationMatch
	Window
}

// PropertyQuery is the flat property search.
type PropertyQuery struct {
	TypeGUID string
	Match    property.Properties
	Criteria Criteria
	// LimitToClassifications admits only entities carrying at least one
	// of the named classifications.
	LimitToClassifications []string
	Window
}

// ClassificationQuery finds entities by one classification's properties.
type ClassificationQuery struct {
	TypeGUID           string
	ClassificationName string
	Match              property.Properties
	Criteria           Criteria
	Window
}

// ValueQuery matches Pattern, unanchored, against every string held in an
// instance's properties, nested arrays and maps included. An empty pattern
// matches every instance in scope.
type ValueQuery struct {
	TypeGUID               string
	Pattern                string
	LimitToClassifications []string
	Window
}

// RelationshipQuery is the general relationship search.
type RelationshipQuery struct {
	TypeGUID     string
	SubtypeGUIDs []string
	Match        Condition
	Window
}

// entityFilter is a compiled entity search.
type entityFilter struct {
	types  map[string]bool
	match  func(*graph.EntityDetail) bool
	window Window
}

func (e *Engine) run(ctx context.Context, op string, fn func(ctx context.Context) (int, error)) (err error) {
	started := time.Now()
	ctx, span := tracing.Start(ctx, e.tracer, tracing.SpanPrefixSearch+op,
		attribute.String(tracing.AttrSearchOp, op))
	n := 0
	defer func() {
		span.SetAttributes(attribute.Int(tracing.AttrSearchResults, n))
		e.metrics.ObserveSearch(op, started, err)
		tracing.End(span, err)
		if err != nil {
			log.Debug(log.CatSearch, "search failed", "op", op, "error", err)
		} else {
			log.Debug(log.CatSearch, "search done", "op", op, "results", n, "took", time.Since(started))
		}
	}()
	n, err = fn(ctx)
	return err
}

// FindEntities returns a page of entities matching q. It returns nil when
// nothing matches and an empty slice for a page past the last match.
func (e *Engine) FindEntities(ctx context.Context, q EntityQuery) ([]*graph.EntityDetail, error) {
	var out []*graph.EntityDetail
	err := e.run(ctx, "FindEntities", func(ctx context.Context) (int, error) {
		if err := Validate(q.Match); err != nil {
			return 0, err
		}
		classes, err := e.classificationMatcher(q.Classifications)
		if err != nil {
			return 0, err
		}
		f, err := e.entityFilter(q.TypeGUID, q.SubtypeGUIDs, q.Window)
		if err != nil {
			return 0, err
		}
		f.match = func(d *graph.EntityDetail) bool {
			return (q.Match == nil || q.Match.eval(e.matcher, d.Properties)) && classes(d)
		}
		out, err = e.scanEntities(ctx, f)
		return len(out), err
	})
	return out, err
}

// FindEntitiesByProperty is the flat form of FindEntities: ALL requires
// every property to match, ANY at least one, NONE none.
func (e *Engine) FindEntitiesByProperty(ctx context.Context, q PropertyQuery) ([]*graph.EntityDetail, error) {
	var out []*graph.EntityDetail
	err := e.run(ctx, "FindEntitiesByProperty", func(ctx context.Context) (int, error) {
		cond, err := e.flatCondition(q.Match, q.Criteria)
		if err != nil {
			return 0, err
		}
		limit, err := e.classificationLimit(q.LimitToClassifications)
		if err != nil {
			return 0, err
		}
		f, err := e.entityFilter(q.TypeGUID, nil, q.Window)
		if err != nil {
			return 0, err
		}
		f.match = func(d *graph.EntityDetail) bool {
			return limit(d) && (cond == nil || cond.eval(e.matcher, d.Properties))
		}
		out, err = e.scanEntities(ctx, f)
		return len(out), err
	})
	return out, err
}

// FindEntitiesByClassification returns entities carrying the named
// classification whose classification properties match.
func (e *Engine) FindEntitiesByClassification(ctx context.Context, q ClassificationQuery) ([]*graph.EntityDetail, error) {
	var out []*graph.EntityDetail
	err := e.run(ctx, "FindEntitiesByClassification", func(ctx context.Context) (int, error) {
		if q.ClassificationName == "" {
			return 0, errs.Invalid("classification name is required")
		}
		if _, err := e.classificationType(q.ClassificationName); err != nil {
			return 0, err
		}
		cond, err := e.flatCondition(q.Match, q.Criteria)
		if err != nil {
			return 0, err
		}
		f, err := e.entityFilter(q.TypeGUID, nil, q.Window)
		if err != nil {
			return 0, err
		}
		f.match = func(d *graph.EntityDetail) bool {
			c, ok := d.Classification(q.ClassificationName)
			return ok && (cond == nil || cond.eval(e.matcher, c.Properties))
		}
		out, err = e.scanEntities(ctx, f)
		return len(out), err
	})
	return out, err
}

// FindEntitiesByPropertyValue returns entities with any string property
// matching q.Pattern.
func (e *Engine) FindEntitiesByPropertyValue(ctx context.Context, q ValueQuery) ([]*graph.EntityDetail, error) {
	var out []*graph.EntityDetail
	err := e.run(ctx, "FindEntitiesByPropertyValue", func(ctx context.Context) (int, error) {
		if err := checkPattern(q.Pattern); err != nil {
			return 0, err
		}
		limit, err := e.classificationLimit(q.LimitToClassifications)
		if err != nil {
			return 0, err
		}
		f, err := e.entityFilter(q.TypeGUID, nil, q.Window)
		if err != nil {
			return 0, err
		}
		f.match = func(d *graph.EntityDetail) bool {
			return limit(d) && e.matcher.matchAnyText(d.Properties, q.Pattern)
		}
		out, err = e.scanEntities(ctx, f)
		return len(out), err
	})
	return out, err
}

// FindRelationships is FindEntities for relationships.
func (e *Engine) FindRelationships(ctx context.Context, q RelationshipQuery) ([]*graph.Relationship, error) {
	var out []*graph.Relationship
	err := e.run(ctx, "FindRelationships", func(ctx context.Context) (int, error) {
		if err := Validate(q.Match); err != nil {
			return 0, err
		}
		types, err := e.scope(q.TypeGUID, q.SubtypeGUIDs, typedef.CategoryRelationship)
		if err != nil {
			return 0, err
		}
		out, err = e.scanRelationships(ctx, types, q.Window, func(r *graph.Relationship) bool {
			return q.Match == nil || q.Match.eval(e.matcher, r.Properties)
		})
		return len(out), err
	})
	return out, err
}

// FindRelationshipsByProperty is FindEntitiesByProperty for relationships.
// Relationships carry no classifications, so LimitToClassifications must
// be empty.
func (e *Engine) FindRelationshipsByProperty(ctx context.Context, q PropertyQuery) ([]*graph.Relationship, error) {
	var out []*graph.Relationship
	err := e.run(ctx, "FindRelationshipsByProperty", func(ctx context.Context) (int, error) {
		if len(q.LimitToClassifications) > 0 {
			return 0, errs.Invalid("relationships cannot be limited by classification")
		}
		cond, err := e.flatCondition(q.Match, q.Criteria)
		if err != nil {
			return 0, err
		}
		types, err := e.scope(q.TypeGUID, nil, typedef.CategoryRelationship)
		if err != nil {
			return 0, err
		}
		out, err = e.scanRelationships(ctx, types, q.Window, func(r *graph.Relationship) bool {
			return cond == nil || cond.eval(e.matcher, r.Properties)
		})
		return len(out), err
	})
	return out, err
}

// FindRelationshipsByPropertyValue is FindEntitiesByPropertyValue for
// relationships.
func (e *Engine) FindRelationshipsByPropertyValue(ctx context.Context, q ValueQuery) ([]*graph.Relationship, error) {
	var out []*graph.Relationship
	err := e.run(ctx, "FindRelationshipsByPropertyValue", func(ctx context.Context) (int, error) {
		if len(q.LimitToClassifications) > 0 {
			return 0, errs.Invalid("relationships cannot be limited by classification")
		}
		if err := checkPattern(q.Pattern); err != nil {
			return 0, err
		}
		types, err := e.scope(q.TypeGUID, nil, typedef.CategoryRelationship)
		if err != nil {
			return 0, err
		}
		out, err = e.scanRelationships(ctx, types, q.Window, func(r *graph.Relationship) bool {
			return e.matcher.matchAnyText(r.Properties, q.Pattern)
		})
		return len(out), err
	})
	return out, err
}

func (e *Engine) entityFilter(typeGUID string, subtypes []string, w Window) (*entityFilter, error) {
	types, err := e.scope(typeGUID, subtypes, typedef.CategoryEntity)
	if err != nil {
		return nil, err
	}
	if err := e.checkWindow(w); err != nil {
		return nil, err
	}
	return &entityFilter{types: types, window: w}, nil
}

func (e *Engine) scanEntities(ctx context.Context, f *entityFilter) ([]*graph.EntityDetail, error) {
	var matched []*graph.EntityDetail
	err := e.graph.ScanEntities(ctx, f.window.AsOf, func(d *graph.EntityDetail) bool {
		if d.Proxy {
			return true
		}
		if f.types != nil && !f.types[d.Type.GUID] {
			return true
		}
		if !graph.StatusMatches(d.Status, f.window.Statuses) {
			return true
		}
		if f.match(d) {
			matched = append(matched, d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	sortInstances(matched, func(d *graph.EntityDetail) sortKey {
		return sortKey{header: d.InstanceHeader, props: d.Properties}
	}, f.window)
	return graph.Page(matched, f.window.Offset, f.window.PageSize), nil
}

func (e *Engine) scanRelationships(ctx context.Context, types map[string]bool, w Window, match func(*graph.Relationship) bool) ([]*graph.Relationship, error) {
	if err := e.checkWindow(w); err != nil {
		return nil, err
	}
	var matched []*graph.Relationship
	err := e.graph.ScanRelationships(ctx, w.AsOf, func(r *graph.Relationship) bool {
		if types != nil && !types[r.Type.GUID] {
			return true
		}
		if graph.StatusMatches(r.Status, w.Statuses) && match(r) {
			matched = append(matched, r)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, nil
	}
	sortInstances(matched, func(r *graph.Relationship) sortKey {
		return sortKey{header: r.InstanceHeader, props: r.Properties}
	}, w)
	return graph.Page(matched, w.Offset, w.PageSize), nil
}

func (e *Engine) checkWindow(w Window) error {
	if w.Offset < 0 || w.PageSize < 0 {
		return errs.Wrap(errs.ErrPaging, "offset %d, page size %d", w.Offset, w.PageSize)
	}
	if e.maxPageSize > 0 && w.PageSize > e.maxPageSize {
		return errs.Wrap(errs.ErrPaging, "page size %d exceeds the maximum of %d", w.PageSize, e.maxPageSize)
	}
	if !w.Order.IsValid() {
		return errs.Wrap(errs.ErrPaging, "unknown order %q", w.Order)
	}
	if w.Order.byProperty() && w.SequencingProperty == "" {
		return errs.Wrap(errs.ErrPaging, "order %s needs a sequencing property", w.Order)
	}
	for _, s := range w.Statuses {
		if !s.IsValid() {
			return errs.Invalid("unknown status %q", s)
		}
	}
	return nil
}

// scope resolves the type GUIDs a search admits; nil admits every type.
func (e *Engine) scope(typeGUID string, subtypes []string, want typedef.Category) (map[string]bool, error) {
	var root *typedef.TypeDef
	if typeGUID != "" {
		def, err := e.resolve(typeGUID, want)
		if err != nil {
			return nil, err
		}
		root = def
	}
	if len(subtypes) == 0 {
		if root == nil {
			return nil, nil
		}
		return setOf(e.types.Subtypes(root.GUID)), nil
	}
	out := make(map[string]bool)
	for _, guid := range subtypes {
		def, err := e.resolve(guid, want)
		if err != nil {
			return nil, err
		}
		if root != nil && !e.types.IsSubtypeOf(def, root.GUID) {
			return nil, errs.Invalid("%s is not a subtype of %s", def.Name, root.Name)
		}
		for _, g := range e.types.Subtypes(def.GUID) {
			out[g] = true
		}
	}
	return out, nil
}

func (e *Engine) resolve(guidOrName string, want typedef.Category) (*typedef.TypeDef, error) {
	def, err := e.types.Resolve(guidOrName)
	if err != nil {
		return nil, err
	}
	if def.Category != want {
		return nil, errs.Wrap(errs.ErrType, "%s is a %s, want %s", def.Name, def.Category, want)
	}
	return def, nil
}

func (e *Engine) classificationType(name string) (*typedef.TypeDef, error) {
	return e.resolve(name, typedef.CategoryClassification)
}

// classificationLimit admits entities carrying any of names.
func (e *Engine) classificationLimit(names []string) (func(*graph.EntityDetail) bool, error) {
	for _, n := range names {
		if _, err := e.classificationType(n); err != nil {
			return nil, err
		}
	}
	return func(d *graph.EntityDetail) bool {
		if len(names) == 0 {
			return true
		}
		for _, n := range names {
			if _, ok := d.Classification(n); ok {
				return true
			}
		}
		return false
	}, nil
}

func (e *Engine) classificationMatcher(cm *ClassificationMatch) (func(*graph.EntityDetail) bool, error) {
	if cm == nil || len(cm.Conditions) == 0 {
		return func(*graph.EntityDetail) bool { return true }, nil
	}
	if !cm.Criteria.IsValid() {
		return nil, errs.Invalid("unknown match criteria %q", cm.Criteria)
	}
	for _, c := range cm.Conditions {
		if c.Name == "" {
			return nil, errs.Invalid("classification condition needs a name")
		}
		if _, err := e.classificationType(c.Name); err != nil {
			return nil, err
		}
		if err := Validate(c.Match); err != nil {
			return nil, err
		}
	}
	return func(d *graph.EntityDetail) bool {
		return cm.Criteria.combine(len(cm.Conditions), func(i int) bool {
			c := cm.Conditions[i]
			found, ok := d.Classification(c.Name)
			return ok && (c.Match == nil || c.Match.eval(e.matcher, found.Properties))
		})
	}, nil
}

// flatCondition builds and validates the condition of a flat match.
func (e *Engine) flatCondition(match property.Properties, criteria Criteria) (Condition, error) {
	cond, err := FromProperties(match, criteria)
	if err != nil {
		return nil, err
	}
	if err := Validate(cond); err != nil {
		return nil, err
	}
	return cond, nil
}

func setOf(guids []string) map[string]bool {
	out := make(map[string]bool, len(guids))
	for _, g := range guids {
		out[g] = true
	}
	return out
}
