package governance

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/workflow"
)

const (
	glossaryTermType       = "GlossaryTerm"
	semanticAssignmentType = "SemanticAssignment"
)

// findTerm returns the live GlossaryTerm whose qualifiedName is name, or nil.
func findTerm(ctx context.Context, s *search.Engine, name string) (*graph.EntityDetail, error) {
	found, err := s.FindEntitiesByProperty(ctx, search.PropertyQuery{
		TypeGUID: glossaryTermType,
		Match:    property.Properties{"qualifiedName": property.String(regexp.QuoteMeta(name))},
		Window:   search.Window{PageSize: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find glossary term %s: %w", name, err)
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// assignTerm links every target to term with a SemanticAssignment unless
// the link already exists, returning how many links were added.
func assignTerm(ctx context.Context, g *graph.Graph, term *graph.EntityDetail, targets []*graph.EntityDetail) (int, error) {
	wctx := asEngine(ctx)
	added := 0
	for _, e := range targets {
		existing, err := g.GetRelationshipsForEntity(ctx, e.GUID, graph.RelationshipQuery{TypeGUID: semanticAssignmentType})
		if err != nil {
			return added, err
		}
		linked := false
		for _, r := range existing {
			if r.End1.GUID == e.GUID && r.End2.GUID == term.GUID {
				linked = true
				break
			}
		}
		if linked {
			continue
		}
		if _, err := g.AddRelationship(wctx, graph.NewRelationship{
			Type: semanticAssignmentType, End1GUID: e.GUID, End2GUID: term.GUID,
		}); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// AssignGlossaryTermService assigns the GlossaryTerm whose qualifiedName is
// the "term" parameter to every target. When no such term exists the step
// is ACTIONED with "term-not-found" and the term carried forward as a new
// parameter, so a process can branch to create it.
type AssignGlossaryTermService struct{}

func (s *AssignGlossaryTermService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	name, ok, err := requireParam(sc, ParamTerm)
	if !ok {
		return err
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}
	term, err := findTerm(ctx, sc.Search(), name)
	if err != nil {
		return err
	}
	if term == nil {
		return sc.RecordCompletionStatus(workflow.StatusActioned, []string{GuardTermNotFound},
			map[string]string{ParamTerm: name}, nil)
	}
	added, err := assignTerm(ctx, sc.Graph(), term, entities)
	if err != nil {
		return err
	}
	if added == 0 {
		return done(sc, workflow.StatusIgnored, GuardAlreadyAssigned)
	}
	return done(sc, workflow.StatusActioned, GuardAssigned)
}

// CreateGlossaryTermService creates the GlossaryTerm named by the "term"
// parameter as a draft, unless it exists, and assigns it to every target.
type CreateGlossaryTermService struct{}

func (s *CreateGlossaryTermService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	name, ok, err := requireParam(sc, ParamTerm)
	if !ok {
		return err
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}
	guards := []string{GuardAssigned}
	term, err := findTerm(ctx, sc.Search(), name)
	if err != nil {
		return err
	}
	if term == nil {
		term, err = sc.Graph().AddEntity(asEngine(ctx), graph.NewEntity{
			Type: glossaryTermType,
			Properties: property.Properties{
				"qualifiedName": property.String(name),
				"displayName":   property.String(name),
			},
		})
		if errors.Is(err, errs.ErrProperty) {
			// Lost a race with another creator; the unique name now exists.
			term, err = findTerm(ctx, sc.Search(), name)
			if err == nil && term == nil {
				err = fmt.Errorf("glossary term %s vanished after conflicting create", name)
			}
		} else if err == nil {
			guards = append([]string{GuardTermCreated}, guards...)
		}
		if err != nil {
			return err
		}
	}
	if _, err := assignTerm(ctx, sc.Graph(), term, entities); err != nil {
		return err
	}
	return sc.RecordCompletionStatus(workflow.StatusActioned, guards, nil, nil)
}
