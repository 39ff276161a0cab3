package governance

import (
	"context"
	"errors"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/workflow"
)

const defaultPropagated = "Confidentiality"

// PropagateClassificationService copies a classification (parameter
// "classification", default Confidentiality) from a data supplier to its
// consumer. Pairs come from request sources that are relationships (end1
// supplies end2); without such sources the two action targets form the
// pair. Consumers that already carry the classification, or whose type
// cannot take it, are skipped. The consumers that received it become the
// new action targets.
type PropagateClassificationService struct{}

type flow struct{ supplier, consumer string }

func (s *PropagateClassificationService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	name := defaultPropagated
	if v, ok := sc.Parameter(ParamClassification); ok && v != "" {
		name = v
	}
	flows, err := s.flows(ctx, sc)
	if err != nil {
		return err
	}
	if len(flows) == 0 {
		return invalid(sc, GuardNoTargets, "no supplier and consumer to propagate between")
	}

	g := sc.Graph()
	wctx := asEngine(ctx)
	var reached []string
	for _, f := range flows {
		supplier, err := g.GetEntity(ctx, f.supplier, nil)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrEntityProxyOnly) {
				continue
			}
			return err
		}
		c, ok := supplier.Classification(name)
		if !ok {
			continue
		}
		consumer, err := g.GetEntity(ctx, f.consumer, nil)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrEntityProxyOnly) {
				continue
			}
			return err
		}
		if _, has := consumer.Classification(name); has || consumer.Deleted() {
			continue
		}
		_, err = g.ClassifyEntity(wctx, consumer.GUID, graph.NewClassification{Name: name, Properties: c.Properties})
		if errors.Is(err, errs.ErrType) {
			log.Debug(log.CatWorkflow, "consumer cannot carry classification", "consumer", consumer.GUID, "classification", name)
			continue
		}
		if err != nil {
			return err
		}
		reached = append(reached, consumer.GUID)
	}
	if len(reached) == 0 {
		return done(sc, workflow.StatusIgnored, GuardNothingToPropagate)
	}
	return sc.RecordCompletionStatus(workflow.StatusActioned, []string{GuardPropagated}, nil, reached)
}

func (s *PropagateClassificationService) flows(ctx context.Context, sc *workflow.StepContext) ([]flow, error) {
	var out []flow
	for _, guid := range sc.RequestSources() {
		r, err := sc.Graph().GetRelationship(ctx, guid, nil)
		if errors.Is(err, errs.ErrRelationshipNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !r.Deleted() {
			out = append(out, flow{supplier: r.End1.GUID, consumer: r.End2.GUID})
		}
	}
	if len(out) == 0 {
		if t := sc.ActionTargets(); len(t) == 2 {
			out = append(out, flow{supplier: t[0], consumer: t[1]})
		}
	}
	return out, nil
}
