package governance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/governance"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/testutil"
	"github.com/zjrosen/strata/internal/typedef"
	"github.com/zjrosen/strata/internal/workflow"
)

// newBuiltinEngine returns an engine running the shipped processes.
func newBuiltinEngine(t *testing.T, g *graph.Graph, opts ...workflow.Option) *workflow.Engine {
	t.Helper()
	reg := workflow.NewServiceRegistry()
	require.NoError(t, governance.Register(reg))
	cat, err := workflow.LoadCatalog("")
	require.NoError(t, err)
	e := workflow.New(g, reg, cat, opts...)
	t.Cleanup(e.Close)
	return e
}

func classifiedEventually(t *testing.T, g *graph.Graph, guid, name string) graph.Classification {
	t.Helper()
	var c graph.Classification
	require.Eventually(t, func() bool {
		e, err := g.GetEntity(context.Background(), guid, nil)
		if err != nil {
			return false
		}
		var ok bool
		c, ok = e.Classification(name)
		return ok
	}, waitTimeout, 5*time.Millisecond)
	return c
}

func stepsByKey(t *testing.T, inst *workflow.ProcessInstance) map[string]*workflow.Step {
	t.Helper()
	steps, err := inst.Steps(context.Background())
	require.NoError(t, err)
	out := make(map[string]*workflow.Step, len(steps))
	for _, s := range steps {
		out[s.Key] = s
	}
	return out
}

func TestOnboarding_TriggeredByNewDataSet(t *testing.T) {
	g := testutil.NewGraph(t)
	e := newBuiltinEngine(t, g, workflow.WithStore(workflow.NewGraphStepStore(g, search.New(g))))
	require.NoError(t, e.EnableTriggers())
	ctx := graph.WithUser(context.Background(), "alice")

	ds, err := g.AddEntity(ctx, graph.NewEntity{
		Type: "DataSet",
		Properties: property.Properties{
			"qualifiedName": property.String("sales.orders"),
			"name":          property.String("orders"),
			"owner":         property.String("sales"),
		},
	})
	require.NoError(t, err)

	c := classifiedEventually(t, g, ds.GUID, "Verified")
	require.Equal(t, property.String(workflow.EngineUser), c.Properties["verifiedBy"])
	require.Equal(t, property.PrimitiveDate, c.Properties["verifiedTime"].Primitive)
	require.Equal(t, workflow.EngineUser, c.CreatedBy)

	// The steps were recorded as governance actions acting on the data set.
	require.Eventually(t, func() bool {
		rels, err := g.GetRelationshipsForEntity(context.Background(), ds.GUID, graph.RelationshipQuery{TypeGUID: "TargetForAction"})
		return err == nil && len(rels) == 2
	}, waitTimeout, 5*time.Millisecond)
}

func TestOnboarding_WidgetsAreNotDataSets(t *testing.T) {
	g := testutil.NewGraph(t)
	e := newBuiltinEngine(t, g)
	require.NoError(t, e.EnableTriggers())
	ctx := context.Background()

	w, err := g.AddEntity(ctx, graph.NewEntity{
		Type:       "Widget",
		Properties: property.Properties{"qualifiedName": property.String("w"), "name": property.String("w"), "owner": property.String("o")},
	})
	require.NoError(t, err)
	ds, err := g.AddEntity(ctx, graph.NewEntity{
		Type:       "DataSet",
		Properties: property.Properties{"qualifiedName": property.String("d"), "name": property.String("d"), "owner": property.String("o")},
	})
	require.NoError(t, err)

	// Once the data set is verified the widget event has long been handled.
	classifiedEventually(t, g, ds.GUID, "Verified")
	_, ok := entity(t, g, w.GUID).Classification("Verified")
	require.False(t, ok)
}

func TestOnboarding_IncompleteWaitsForUpdate(t *testing.T) {
	g := testutil.NewGraph(t)
	guids := testutil.NewBuilder(t, g).WithEntity("orders", "DataSet", testutil.Name("orders")).Build()
	e := newBuiltinEngine(t, g)
	ctx := context.Background()

	inst, err := e.StartProcess(ctx, "asset-onboarding", workflow.StartRequest{
		Sources: []string{guids["orders"]},
		Targets: []string{guids["orders"]},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := stepsByKey(t, inst)["await-update"]
		return ok && s.Status == workflow.StatusInProgress
	}, waitTimeout, 5*time.Millisecond)
	verify := stepsByKey(t, inst)["verify"]
	requireOutcome(t, verify, workflow.StatusActioned, governance.GuardIncomplete)
	require.Equal(t, "owner", verify.NewRequestParameters[governance.ParamMissing])
	_, ok := entity(t, g, guids["orders"]).Classification("Verified")
	require.False(t, ok)

	complete := property.Properties{
		"qualifiedName": property.String("orders"),
		"name":          property.String("orders"),
		"owner":         property.String("sales"),
	}
	require.Eventually(t, func() bool {
		if _, err := g.UpdateEntityProperties(graph.WithUser(ctx, "alice"), guids["orders"], complete); err != nil {
			return false
		}
		_, ok := stepsByKey(t, inst)["reverify"]
		return ok
	}, waitTimeout, 10*time.Millisecond)

	wctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	require.NoError(t, inst.Wait(wctx))

	steps := stepsByKey(t, inst)
	require.Len(t, steps, 4)
	requireOutcome(t, steps["await-update"], workflow.StatusActioned, governance.GuardUpdated)
	requireOutcome(t, steps["reverify"], workflow.StatusActioned, governance.GuardVerified)
	requireOutcome(t, steps["mark-verified-after-update"], workflow.StatusActioned, governance.GuardClassified)
	_, ok = entity(t, g, guids["orders"]).Classification("Verified")
	require.True(t, ok)
}

func TestLineageClassification_FollowsNewFlows(t *testing.T) {
	g := testutil.NewGraph(t)
	confidential := property.Properties{"level": property.Enum(3, "Sensitive")}
	guids := testutil.NewBuilder(t, g).
		WithEntity("orders", "DataSet", testutil.Classified("Confidentiality", confidential)).
		WithEntity("etl", "Process").
		WithEntity("report", "DataSet").
		Build()
	e := newBuiltinEngine(t, g)
	require.NoError(t, e.EnableTriggers())
	ctx := graph.WithUser(context.Background(), "alice")

	_, err := g.AddRelationship(ctx, graph.NewRelationship{Type: "DataFlow", End1GUID: guids["orders"], End2GUID: guids["etl"]})
	require.NoError(t, err)
	c := classifiedEventually(t, g, guids["etl"], "Confidentiality")
	require.True(t, confidential.Equal(c.Properties))

	_, err = g.AddRelationship(ctx, graph.NewRelationship{Type: "DataFlow", End1GUID: guids["etl"], End2GUID: guids["report"]})
	require.NoError(t, err)
	classifiedEventually(t, g, guids["report"], "Confidentiality")
}

func TestAssetRetirement(t *testing.T) {
	g := testutil.NewGraph(t)
	guids := testutil.NewBuilder(t, g).
		WithEntity("orders", "DataSet", testutil.Classified("Verified", nil)).
		WithEntity("report", "DataSet").
		Build()
	e := newBuiltinEngine(t, g)

	steps := byKeyOf(runAll(t, e, "asset-retirement", workflow.StartRequest{Targets: []string{guids["orders"]}}))
	require.Len(t, steps, 2)
	requireOutcome(t, steps["deprecate"], workflow.StatusActioned, governance.GuardStatusChanged)
	requireOutcome(t, steps["withdraw-verification"], workflow.StatusActioned, governance.GuardDeclassified)
	orders := entity(t, g, guids["orders"])
	require.Equal(t, typedef.StatusDeprecated, orders.Status)
	_, ok := orders.Classification("Verified")
	require.False(t, ok)

	// Already deprecated: the branch stops at the first step.
	steps = byKeyOf(runAll(t, e, "asset-retirement", workflow.StartRequest{Targets: []string{guids["orders"]}}))
	require.Len(t, steps, 1)
	requireOutcome(t, steps["deprecate"], workflow.StatusIgnored, governance.GuardStatusUnchanged)

	// Never verified: deprecation still succeeds and withdrawal is ignored.
	steps = byKeyOf(runAll(t, e, "asset-retirement", workflow.StartRequest{Targets: []string{guids["report"]}}))
	require.Len(t, steps, 2)
	requireOutcome(t, steps["withdraw-verification"], workflow.StatusIgnored, governance.GuardNotClassified)
}

func TestTermAssignment_CreatesMissingTerm(t *testing.T) {
	g := testutil.NewGraph(t)
	guids := testutil.NewBuilder(t, g).WithLineage().Build()
	e := newBuiltinEngine(t, g)
	req := workflow.StartRequest{
		Parameters: map[string]string{"term": "revenue"},
		Targets:    []string{guids["report"]},
	}

	steps := byKeyOf(runAll(t, e, "term-assignment", req))
	require.Len(t, steps, 2)
	requireOutcome(t, steps["assign"], workflow.StatusActioned, governance.GuardTermNotFound)
	propose := steps["propose-term"]
	requireOutcome(t, propose, workflow.StatusActioned, governance.GuardTermCreated, governance.GuardAssigned)
	require.Equal(t, "revenue", propose.RequestParameters["term"])

	rels, err := g.GetRelationshipsForEntity(context.Background(), guids["report"], graph.RelationshipQuery{TypeGUID: "SemanticAssignment"})
	require.NoError(t, err)
	require.Len(t, rels, 1)

	steps = byKeyOf(runAll(t, e, "term-assignment", req))
	require.Len(t, steps, 1)
	requireOutcome(t, steps["assign"], workflow.StatusIgnored, governance.GuardAlreadyAssigned)
}

func byKeyOf(steps []*workflow.Step) map[string]*workflow.Step {
	out := make(map[string]*workflow.Step, len(steps))
	for _, s := range steps {
		out[s.Key] = s
	}
	return out
}
