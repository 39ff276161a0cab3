package search_test

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/metrics"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/testutil"
	"github.com/zjrosen/strata/internal/tracing"
	"github.com/zjrosen/strata/internal/typedef"
)

// fixture holds the widget line and the lineage of testutil's presets.
// Entities are created w1..w5, orders, etl, report.
func fixture(t *testing.T, opts ...search.Option) (*search.Engine, *graph.Graph, map[string]string) {
	t.Helper()
	g := testutil.NewGraph(t)
	guids := testutil.NewBuilder(t, g).WithWidgetLine().WithLineage().Build()
	return search.New(g, opts...), g, guids
}

func keys(entities []*graph.EntityDetail) []string {
	if entities == nil {
		return nil
	}
	out := []string{}
	for _, e := range entities {
		s, _ := e.Properties["qualifiedName"].Text()
		out = append(out, s)
	}
	return out
}

func labels(rels []*graph.Relationship) []string {
	if rels == nil {
		return nil
	}
	out := []string{}
	for _, r := range rels {
		s, ok := r.Properties["label"].Text()
		if !ok {
			s = r.Type.Name
		}
		out = append(out, s)
	}
	return out
}

func where(t *testing.T, query string) search.Condition {
	t.Helper()
	c, err := search.Parse(query)
	require.NoError(t, err)
	return c
}

func TestFindEntities_Match(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	tests := []struct {
		query string
		want  []string
	}{
		{"color = 'red'", []string{"w1", "w3", "w5"}},
		{"name = 'f.*'", []string{"w1", "w4", "w5"}},
		{"name ~ 'ir'", []string{"w1", "w3"}},
		{"size >= 2 and size < 4", []string{"w2", "w3"}},
		{"color = 'blue' or tags = 'beta'", []string{"w2", "w3", "w4"}},
		{"tags is null", []string{"w2", "w4", "w5"}},
		{"name = 'ir'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget", Match: where(t, tt.query)})
			require.NoError(t, err)
			require.Equal(t, tt.want, keys(got))
		})
	}
}

func TestFindEntities_TypeScope(t *testing.T) {
	e, g, _ := fixture(t)
	ctx := context.Background()

	all, err := e.FindEntities(ctx, search.EntityQuery{})
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w2", "w3", "w4", "w5", "orders", "etl", "report"}, keys(all))

	assets, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Asset"})
	require.NoError(t, err)
	require.Len(t, assets, 8, "subtypes are in scope")

	dataSet, err := g.Types().TypeDefByName("DataSet")
	require.NoError(t, err)
	sets, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Asset", SubtypeGUIDs: []string{dataSet.GUID}})
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "report"}, keys(sets))

	sets, err = e.FindEntities(ctx, search.EntityQuery{SubtypeGUIDs: []string{"DataSet", "Process"}})
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "etl", "report"}, keys(sets))

	_, err = e.FindEntities(ctx, search.EntityQuery{TypeGUID: "DataSet", SubtypeGUIDs: []string{"Widget"}})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)

	_, err = e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Wired"})
	require.ErrorIs(t, err, errs.ErrType)

	_, err = e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Asset", SubtypeGUIDs: []string{"Painted"}})
	require.ErrorIs(t, err, errs.ErrType)

	_, err = e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Sprocket"})
	require.ErrorIs(t, err, errs.ErrTypeNotFound)
}

func TestFindEntities_Statuses(t *testing.T) {
	e, g, guids := fixture(t)
	ctx := context.Background()

	_, err := g.DeleteEntity(ctx, guids["w5"], true)
	require.NoError(t, err)

	q := search.EntityQuery{TypeGUID: "Widget", Match: where(t, "color = 'red'")}
	got, err := e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w3"}, keys(got), "deleted entities are excluded by default")

	q.Statuses = []typedef.InstanceStatus{typedef.StatusDeleted}
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w5"}, keys(got))

	q.Statuses = []typedef.InstanceStatus{"ASLEEP"}
	_, err = e.FindEntities(ctx, q)
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestFindEntities_SkipsProxies(t *testing.T) {
	e, g, _ := fixture(t)
	ctx := context.Background()

	_, err := g.AddEntityProxy(ctx, graph.NewEntityProxy{
		GUID:             "remote-1",
		Type:             "Widget",
		UniqueProperties: property.Properties{"qualifiedName": property.String("remote")},
		Collection:       graph.Collection{ID: "elsewhere"},
	})
	require.NoError(t, err)

	got, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget"})
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w2", "w3", "w4", "w5"}, keys(got))

	got, err = e.FindEntitiesByPropertyValue(ctx, search.ValueQuery{Pattern: "remote"})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFindEntities_Orders(t *testing.T) {
	e, g, guids := fixture(t)
	ctx := context.Background()

	_, err := g.UpdateEntityProperties(ctx, guids["w2"], property.Properties{
		"qualifiedName": property.String("w2"),
		"color":         property.String("green"),
		"size":          property.Int(2),
	})
	require.NoError(t, err)

	byGUID := []string{"w1", "w2", "w3", "w4", "w5"}
	slices.SortFunc(byGUID, func(a, b string) int { return strings.Compare(guids[a], guids[b]) })

	tests := []struct {
		name   string
		window search.Window
		want   []string
	}{
		{"default is creation", search.Window{}, []string{"w1", "w2", "w3", "w4", "w5"}},
		{"any", search.Window{Order: search.OrderAny}, []string{"w1", "w2", "w3", "w4", "w5"}},
		{"guid", search.Window{Order: search.OrderGUID}, byGUID},
		{"creation recent", search.Window{Order: search.OrderCreationRecent}, []string{"w5", "w4", "w3", "w2", "w1"}},
		{"creation oldest", search.Window{Order: search.OrderCreationOldest}, []string{"w1", "w2", "w3", "w4", "w5"}},
		{"update recent", search.Window{Order: search.OrderLastUpdateRecent}, []string{"w2", "w5", "w4", "w3", "w1"}},
		{"update oldest", search.Window{Order: search.OrderLastUpdateOldest}, []string{"w1", "w3", "w4", "w5", "w2"}},
		{"property descending", search.Window{Order: search.OrderPropertyDescending, SequencingProperty: "size"}, []string{"w5", "w4", "w3", "w2", "w1"}},
		// w2 lost its name in the update and sorts last.
		{"sequencing property alone ascends", search.Window{SequencingProperty: "name"}, []string{"w5", "w1", "w4", "w3", "w2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget", Window: tt.window})
			require.NoError(t, err)
			require.Equal(t, tt.want, keys(got))
		})
	}
}

func TestFindEntities_Paging(t *testing.T) {
	e, _, _ := fixture(t, search.WithMaxPageSize(3))
	ctx := context.Background()
	q := search.EntityQuery{TypeGUID: "Widget"}

	q.Offset, q.PageSize = 1, 3
	got, err := e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w2", "w3", "w4"}, keys(got))

	q.Offset, q.PageSize = 3, 3
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w4", "w5"}, keys(got))

	q.Offset, q.PageSize = 5, 3
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.NotNil(t, got, "a page past the end is empty, not nil")
	require.Empty(t, got)

	q.Offset, q.PageSize = 0, 0
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Len(t, got, 5, "page size zero is unbounded")

	for _, w := range []search.Window{
		{Offset: -1},
		{PageSize: -1},
		{PageSize: 4},
		{Order: "SIDEWAYS"},
		{Order: search.OrderPropertyAscending},
	} {
		_, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget", Window: w})
		require.ErrorIs(t, err, errs.ErrPaging, "%+v", w)
	}
}

func TestFindEntities_Classifications(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	painted := search.ClassificationCondition{Name: "Painted"}
	gloss := search.ClassificationCondition{Name: "Painted", Match: where(t, "finish = 'Gloss'")}

	tests := []struct {
		name  string
		match *search.ClassificationMatch
		want  []string
	}{
		{"present", &search.ClassificationMatch{Conditions: []search.ClassificationCondition{painted}}, []string{"w2", "w4"}},
		{"by property", &search.ClassificationMatch{Conditions: []search.ClassificationCondition{gloss}}, []string{"w2"}},
		{"none", &search.ClassificationMatch{Conditions: []search.ClassificationCondition{painted}, Criteria: search.CriteriaNone}, []string{"w1", "w3", "w5"}},
		{"any", &search.ClassificationMatch{Conditions: []search.ClassificationCondition{gloss, {Name: "Confidentiality"}}, Criteria: search.CriteriaAny}, []string{"w2"}},
		{"empty", &search.ClassificationMatch{}, []string{"w1", "w2", "w3", "w4", "w5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget", Classifications: tt.match})
			require.NoError(t, err)
			require.Equal(t, tt.want, keys(got))
		})
	}

	_, err := e.FindEntities(ctx, search.EntityQuery{Classifications: &search.ClassificationMatch{
		Conditions: []search.ClassificationCondition{{Name: "Widget"}},
	}})
	require.ErrorIs(t, err, errs.ErrType)

	_, err = e.FindEntities(ctx, search.EntityQuery{Classifications: &search.ClassificationMatch{
		Conditions: []search.ClassificationCondition{{}},
	}})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestFindEntities_AsOf(t *testing.T) {
	clock := testutil.NewClock()
	g := testutil.NewGraph(t, graph.WithClock(clock.Now))
	guids := testutil.NewBuilder(t, g).WithWidgetLine().Build()
	e := search.New(g)
	ctx := context.Background()

	before := clock.Now()
	_, err := g.UpdateEntityProperties(ctx, guids["w1"], property.Properties{
		"qualifiedName": property.String("w1"),
		"color":         property.String("blue"),
	})
	require.NoError(t, err)

	q := search.EntityQuery{TypeGUID: "Widget", Match: where(t, "color = 'red'")}
	got, err := e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w3", "w5"}, keys(got))

	q.AsOf = &before
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Equal(t, []string{"w1", "w3", "w5"}, keys(got))

	epoch := testutil.Epoch.Add(-1)
	q.AsOf = &epoch
	got, err = e.FindEntities(ctx, q)
	require.NoError(t, err)
	require.Nil(t, got, "nothing was known before the first write")
}

func TestFindEntities_AsOfWithoutHistory(t *testing.T) {
	g := testutil.NewGraph(t, graph.WithHistory(false))
	e := search.New(g)
	now := testutil.Epoch
	_, err := e.FindEntities(context.Background(), search.EntityQuery{Window: search.Window{AsOf: &now}})
	require.ErrorIs(t, err, errs.ErrFunctionNotSupported)
}

func TestFindEntitiesByProperty(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()
	match := property.Properties{"color": property.String("red"), "size": property.Long(3)}

	tests := []struct {
		criteria search.Criteria
		limit    []string
		match    property.Properties
		want     []string
	}{
		{search.CriteriaAll, nil, match, []string{"w3"}},
		{"", nil, match, []string{"w3"}},
		{search.CriteriaAny, nil, match, []string{"w1", "w3", "w5"}},
		{search.CriteriaNone, nil, match, []string{"w2", "w4"}},
		{search.CriteriaAll, []string{"Painted"}, property.Properties{"color": property.String("b.*")}, []string{"w2", "w4"}},
		{search.CriteriaAll, nil, nil, []string{"w1", "w2", "w3", "w4", "w5"}},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprintf("%d/%s", i, tt.criteria), func(t *testing.T) {
			got, err := e.FindEntitiesByProperty(ctx, search.PropertyQuery{
				TypeGUID: "Widget", Match: tt.match, Criteria: tt.criteria, LimitToClassifications: tt.limit,
			})
			require.NoError(t, err)
			require.Equal(t, tt.want, keys(got))
		})
	}

	_, err := e.FindEntitiesByProperty(ctx, search.PropertyQuery{Match: match, Criteria: "MOST"})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)

	_, err = e.FindEntitiesByProperty(ctx, search.PropertyQuery{Match: property.Properties{"name": property.String("(")}})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)

	_, err = e.FindEntitiesByProperty(ctx, search.PropertyQuery{LimitToClassifications: []string{"Glossy"}})
	require.ErrorIs(t, err, errs.ErrTypeNotFound)
}

func TestFindEntitiesByClassification(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	got, err := e.FindEntitiesByClassification(ctx, search.ClassificationQuery{ClassificationName: "Painted"})
	require.NoError(t, err)
	require.Equal(t, []string{"w2", "w4"}, keys(got))

	got, err = e.FindEntitiesByClassification(ctx, search.ClassificationQuery{
		TypeGUID:           "Widget",
		ClassificationName: "Painted",
		Match:              property.Properties{"finish": property.String("Matte")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"w4"}, keys(got))

	got, err = e.FindEntitiesByClassification(ctx, search.ClassificationQuery{
		ClassificationName: "Painted",
		Match:              property.Properties{"finish": property.String("Matte")},
		Criteria:           search.CriteriaNone,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"w2"}, keys(got), "only classified entities are candidates")

	got, err = e.FindEntitiesByClassification(ctx, search.ClassificationQuery{ClassificationName: "Confidentiality"})
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = e.FindEntitiesByClassification(ctx, search.ClassificationQuery{})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)

	_, err = e.FindEntitiesByClassification(ctx, search.ClassificationQuery{ClassificationName: "Wired"})
	require.ErrorIs(t, err, errs.ErrType)
}

func TestFindEntitiesByPropertyValue(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		q    search.ValueQuery
		want []string
	}{
		{"nested array strings", search.ValueQuery{Pattern: "alpha"}, []string{"w1", "w3"}},
		{"regex", search.ValueQuery{Pattern: "^(first|report)$"}, []string{"w1", "report"}},
		{"unanchored", search.ValueQuery{Pattern: "ales"}, []string{"report"}},
		{"empty matches the type", search.ValueQuery{TypeGUID: "DataSet"}, []string{"orders", "report"}},
		{"limited", search.ValueQuery{Pattern: "ou", LimitToClassifications: []string{"Painted"}}, []string{"w4"}},
		{"none", search.ValueQuery{Pattern: "zzz"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.FindEntitiesByPropertyValue(ctx, tt.q)
			require.NoError(t, err)
			require.Equal(t, tt.want, keys(got))
		})
	}

	_, err := e.FindEntitiesByPropertyValue(ctx, search.ValueQuery{Pattern: "("})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestFindRelationships(t *testing.T) {
	e, g, guids := fixture(t)
	ctx := context.Background()

	got, err := e.FindRelationships(ctx, search.RelationshipQuery{TypeGUID: "Wired", Match: where(t, "label in ('a', 'd')")})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "d"}, labels(got))

	got, err = e.FindRelationships(ctx, search.RelationshipQuery{TypeGUID: "DataFlow"})
	require.NoError(t, err)
	require.Equal(t, []string{"DataFlow", "DataFlow"}, labels(got))

	got, err = e.FindRelationships(ctx, search.RelationshipQuery{
		Match:  where(t, "weight is not null"),
		Window: search.Window{Order: search.OrderPropertyDescending, SequencingProperty: "weight"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "d", "b"}, labels(got))

	_, err = g.DeleteRelationship(ctx, guids["w1-w2"])
	require.NoError(t, err)
	got, err = e.FindRelationships(ctx, search.RelationshipQuery{TypeGUID: "Wired"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, labels(got))

	_, err = e.FindRelationships(ctx, search.RelationshipQuery{TypeGUID: "Widget"})
	require.ErrorIs(t, err, errs.ErrType)
}

func TestFindRelationshipsByProperty(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	got, err := e.FindRelationshipsByProperty(ctx, search.PropertyQuery{Match: property.Properties{"weight": property.Long(1)}})
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, labels(got))

	got, err = e.FindRelationshipsByProperty(ctx, search.PropertyQuery{
		TypeGUID: "Wired",
		Match:    property.Properties{"label": property.String("[ab]")},
		Criteria: search.CriteriaNone,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, labels(got))

	_, err = e.FindRelationshipsByProperty(ctx, search.PropertyQuery{LimitToClassifications: []string{"Painted"}})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestFindRelationshipsByPropertyValue(t *testing.T) {
	e, _, _ := fixture(t)
	ctx := context.Background()

	got, err := e.FindRelationshipsByPropertyValue(ctx, search.ValueQuery{Pattern: "^[bc]$"})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, labels(got))

	got, err = e.FindRelationshipsByPropertyValue(ctx, search.ValueQuery{TypeGUID: "DataFlow", Window: search.Window{PageSize: 1}})
	require.NoError(t, err)
	require.Len(t, got, 1)

	_, err = e.FindRelationshipsByPropertyValue(ctx, search.ValueQuery{LimitToClassifications: []string{"Painted"}})
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestEngine_Observability(t *testing.T) {
	m := metrics.New()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	e, _, _ := fixture(t, search.WithMetrics(m), search.WithTracer(tp.Tracer("test")))
	ctx := context.Background()

	_, err := e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Widget"})
	require.NoError(t, err)
	_, err = e.FindEntities(ctx, search.EntityQuery{TypeGUID: "Nope"})
	require.Error(t, err)

	require.Equal(t, 1.0, promtest.ToFloat64(m.SearchesTotal.WithLabelValues("FindEntities", metrics.OutcomeOK)))
	require.Equal(t, 1.0, promtest.ToFloat64(m.SearchesTotal.WithLabelValues("FindEntities", metrics.OutcomeError)))

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, tracing.SpanPrefixSearch+"FindEntities", spans[0].Name())
	var results int64 = -1
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == tracing.AttrSearchResults {
			results = kv.Value.AsInt64()
		}
	}
	require.Equal(t, int64(5), results)
}
