package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/search"
)

// Type names the graph store writes.
const (
	governanceActionType = "GovernanceAction"
	nextActionType       = "NextGovernanceAction"
	targetForActionType  = "TargetForAction"
)

// EngineUser is recorded as the author of step instances.
const EngineUser = "governance-engine"

// GraphStepStore records each step as a GovernanceAction entity in the
// graph. Successors are linked by NextGovernanceAction relationships
// carrying the guard, and action targets held in the graph by
// TargetForAction relationships.
type GraphStepStore struct {
	graph  *graph.Graph
	search *search.Engine
}

var _ StepStore = (*GraphStepStore)(nil)

// NewGraphStepStore creates a store over g, listing steps through s.
func NewGraphStepStore(g *graph.Graph, s *search.Engine) *GraphStepStore {
	return &GraphStepStore{graph: g, search: s}
}

func (g *GraphStepStore) CreateStep(ctx context.Context, s *Step) error {
	ctx = graph.WithUser(ctx, EngineUser)
	e, err := g.graph.AddEntity(ctx, graph.NewEntity{Type: governanceActionType, Properties: stepProperties(s)})
	if err != nil {
		return fmt.Errorf("failed to record step %s: %w", s.Key, err)
	}
	s.GUID = e.GUID

	if s.PredecessorGUID != "" {
		var props property.Properties
		if s.SpawnGuard != "" {
			props = property.Properties{"guard": property.String(s.SpawnGuard)}
		}
		if _, err := g.graph.AddRelationship(ctx, graph.NewRelationship{
			Type: nextActionType, End1GUID: s.PredecessorGUID, End2GUID: s.GUID, Properties: props,
		}); err != nil {
			return fmt.Errorf("failed to link step %s to %s: %w", s.GUID, s.PredecessorGUID, err)
		}
	}
	for _, target := range s.ActionTargets {
		_, err := g.graph.AddRelationship(ctx, graph.NewRelationship{
			Type: targetForActionType, End1GUID: s.GUID, End2GUID: target,
		})
		switch {
		case errors.Is(err, errs.ErrEntityNotFound), errors.Is(err, errs.ErrType):
			log.Debug(log.CatWorkflow, "action target not linked", "step", s.GUID, "target", target, "error", err)
		case err != nil:
			return fmt.Errorf("failed to link step %s to target %s: %w", s.GUID, target, err)
		}
	}
	return nil
}

func (g *GraphStepStore) UpdateStep(ctx context.Context, s *Step) error {
	ctx = graph.WithUser(ctx, EngineUser)
	if _, err := g.entity(ctx, s.GUID); err != nil {
		return err
	}
	if _, err := g.graph.UpdateEntityProperties(ctx, s.GUID, stepProperties(s)); err != nil {
		return fmt.Errorf("failed to update step %s: %w", s.GUID, err)
	}
	return nil
}

func (g *GraphStepStore) GetStep(ctx context.Context, guid string) (*Step, error) {
	e, err := g.entity(ctx, guid)
	if err != nil {
		return nil, err
	}
	return stepFromEntity(e), nil
}

func (g *GraphStepStore) ListSteps(ctx context.Context, processInstance string) ([]*Step, error) {
	found, err := g.search.FindEntitiesByProperty(ctx, search.PropertyQuery{
		TypeGUID: governanceActionType,
		Match:    property.Properties{"processInstance": property.String(regexp.QuoteMeta(processInstance))},
		Window:   search.Window{Order: search.OrderCreationOldest},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list steps of %s: %w", processInstance, err)
	}
	if found == nil {
		return nil, nil
	}
	out := make([]*Step, 0, len(found))
	for _, e := range found {
		out = append(out, stepFromEntity(e))
	}
	return out, nil
}

func (g *GraphStepStore) entity(ctx context.Context, guid string) (*graph.EntityDetail, error) {
	e, err := g.graph.GetEntity(ctx, guid, nil)
	if errors.Is(err, errs.ErrEntityNotFound) {
		return nil, errs.Wrap(errs.ErrStepNotFound, "%s", guid)
	}
	if err != nil {
		return nil, err
	}
	if e.Type.Name != governanceActionType {
		return nil, errs.Wrap(errs.ErrStepNotFound, "%s is a %s", guid, e.Type.Name)
	}
	return e, nil
}

func stepProperties(s *Step) property.Properties {
	p := property.Properties{
		"qualifiedName":   property.String(s.QualifiedName),
		"processName":     property.String(s.ProcessName),
		"processInstance": property.String(s.ProcessInstance),
		"stepKey":         property.String(s.Key),
		"requestType":     property.String(s.RequestType),
		"actionStatus":    property.Enum(s.Status.ordinal(), s.Status.String()),
	}
	setText(p, "predecessor", s.PredecessorGUID)
	setText(p, "spawnGuard", s.SpawnGuard)
	setText(p, "completionMessage", s.Error)
	setStrings(p, "requestSources", s.RequestSources)
	setStrings(p, "actionTargets", s.ActionTargets)
	setStrings(p, "receivedGuards", s.ReceivedGuards)
	setStrings(p, "completionGuards", s.OutputGuards)
	setStrings(p, "newActionTargets", s.NewActionTargets)
	if len(s.RequestParameters) > 0 {
		p["requestParameters"] = property.StringMap(s.RequestParameters)
	}
	if len(s.NewRequestParameters) > 0 {
		p["newRequestParameters"] = property.StringMap(s.NewRequestParameters)
	}
	if !s.StartTime.IsZero() {
		p["startTime"] = property.Date(s.StartTime)
	}
	if !s.CompletionTime.IsZero() {
		p["completionTime"] = property.Date(s.CompletionTime)
	}
	return p
}

func setText(p property.Properties, name, v string) {
	if v != "" {
		p[name] = property.String(v)
	}
}

func setStrings(p property.Properties, name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	elems := make([]property.Value, len(vs))
	for i, v := range vs {
		elems[i] = property.String(v)
	}
	p[name] = property.Array(elems...)
}

func stepFromEntity(e *graph.EntityDetail) *Step {
	p := e.Properties
	text := func(name string) string {
		s, _ := p[name].Text()
		return s
	}
	s := &Step{
		GUID:                 e.GUID,
		QualifiedName:        text("qualifiedName"),
		ProcessName:          text("processName"),
		ProcessInstance:      text("processInstance"),
		Key:                  text("stepKey"),
		RequestType:          text("requestType"),
		PredecessorGUID:      text("predecessor"),
		SpawnGuard:           text("spawnGuard"),
		Error:                text("completionMessage"),
		Status:               StepStatus(p["actionStatus"].Symbol),
		StartTime:            p["startTime"].Time,
		CompletionTime:       p["completionTime"].Time,
		RequestParameters:    stringMap(p["requestParameters"]),
		NewRequestParameters: stringMap(p["newRequestParameters"]),
		RequestSources:       p["requestSources"].Texts(),
		ActionTargets:        p["actionTargets"].Texts(),
		ReceivedGuards:       p["receivedGuards"].Texts(),
		OutputGuards:         p["completionGuards"].Texts(),
		NewActionTargets:     p["newActionTargets"].Texts(),
	}
	return s
}

func stringMap(v property.Value) map[string]string {
	if len(v.Map) == 0 {
		return nil
	}
	out := make(map[string]string, len(v.Map))
	for k, e := range v.Map {
		out[k], _ = e.Text()
	}
	return out
}
