// Package governance provides the built-in governance services: the domain
// logic the shipped processes run against the instance graph.
//
// Every service reports its outcome through guards. Problems with the
// request itself (missing parameters, unknown targets) complete the step as
// INVALID; only repository failures are returned as errors, which fail the
// step.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/workflow"
)

// Request types served by this package.
const (
	RequestVerifyAsset             = "verify-asset"
	RequestClassifyAsset           = "classify-asset"
	RequestDeclassifyAsset         = "declassify-asset"
	RequestSetAssetStatus          = "set-asset-status"
	RequestPropagateClassification = "propagate-classification"
	RequestAssignGlossaryTerm      = "assign-glossary-term"
	RequestCreateGlossaryTerm      = "create-glossary-term"
	RequestWaitForUpdate           = "wait-for-update"
)

// Guards emitted by the services.
const (
	GuardVerified           = "verified"
	GuardIncomplete         = "incomplete"
	GuardClassified         = "classified"
	GuardAlreadyClassified  = "already-classified"
	GuardDeclassified       = "declassified"
	GuardNotClassified      = "not-classified"
	GuardStatusChanged      = "status-changed"
	GuardStatusUnchanged    = "status-unchanged"
	GuardPropagated         = "propagated"
	GuardNothingToPropagate = "nothing-to-propagate"
	GuardAssigned           = "assigned"
	GuardAlreadyAssigned    = "already-assigned"
	GuardTermNotFound       = "term-not-found"
	GuardTermCreated        = "term-created"
	GuardUpdated            = "updated"
	GuardTimedOut           = "timed-out"

	// Guards of INVALID completions.
	GuardMissingParameter = "missing-parameter"
	GuardInvalidParameter = "invalid-parameter"
	GuardNoTargets        = "no-targets"
	GuardTargetNotFound   = "target-not-found"
	GuardNotSupported     = "not-supported"
)

// Parameter names read by the services.
const (
	ParamRequired       = "required"
	ParamClassification = "classification"
	ParamStatus         = "status"
	ParamTerm           = "term"
	ParamTimeout        = "timeout"
	ParamStamp          = "stamp"
	// ParamMissing is set in the new parameters of an incomplete verification.
	ParamMissing = "missing"
	// PropertyParamPrefix marks parameters that carry property values, as
	// in "property.steward: data-office".
	PropertyParamPrefix = "property."
)

// Option configures the services created by Register.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for stamped dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Register adds every built-in service to reg.
func Register(reg *workflow.ServiceRegistry, opts ...Option) error {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	services := map[string]workflow.Service{
		RequestVerifyAsset:             &VerifyAssetService{},
		RequestClassifyAsset:           &ClassifyAssetService{now: o.now},
		RequestDeclassifyAsset:         &DeclassifyAssetService{},
		RequestSetAssetStatus:          &SetAssetStatusService{},
		RequestPropagateClassification: &PropagateClassificationService{},
		RequestAssignGlossaryTerm:      &AssignGlossaryTermService{},
		RequestCreateGlossaryTerm:      &CreateGlossaryTermService{},
		RequestWaitForUpdate:           &WaitForUpdateService{},
	}
	for rt, svc := range services {
		if err := reg.Register(rt, svc); err != nil {
			return fmt.Errorf("register %s: %w", rt, err)
		}
	}
	return nil
}

// ===========================================================================
// Helpers shared by the services
// ===========================================================================

// asEngine attributes graph writes to the governance engine.
func asEngine(ctx context.Context) context.Context {
	return graph.WithUser(ctx, workflow.EngineUser)
}

func done(sc *workflow.StepContext, status workflow.StepStatus, guards ...string) error {
	return sc.RecordCompletionStatus(status, guards, nil, nil)
}

func invalid(sc *workflow.StepContext, guard, reason string, args ...any) error {
	log.Info(log.CatWorkflow, "governance request rejected",
		"step", sc.StepGUID(), "request", sc.RequestType(), "reason", fmt.Sprintf(reason, args...))
	return sc.RecordCompletionStatus(workflow.StatusInvalid, []string{guard},
		map[string]string{"reason": fmt.Sprintf(reason, args...)}, nil)
}

// requireParam returns a non-empty parameter or completes the step INVALID.
func requireParam(sc *workflow.StepContext, name string) (string, bool, error) {
	v, _ := sc.Parameter(name)
	if v = strings.TrimSpace(v); v == "" {
		return "", false, invalid(sc, GuardMissingParameter, "parameter %q is required", name)
	}
	return v, true, nil
}

// propertyParams returns the parameters carrying property values, with the
// prefix removed.
func propertyParams(sc *workflow.StepContext) map[string]string {
	var out map[string]string
	for k, v := range sc.RequestParameters() {
		name, ok := strings.CutPrefix(k, PropertyParamPrefix)
		if !ok || name == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[name] = v
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadTargets fetches every action target. A target that is unknown or only
// held as a proxy completes the step INVALID; ok is false in that case.
func loadTargets(ctx context.Context, sc *workflow.StepContext) (entities []*graph.EntityDetail, ok bool, err error) {
	targets := sc.ActionTargets()
	if len(targets) == 0 {
		return nil, false, invalid(sc, GuardNoTargets, "no action targets")
	}
	for _, guid := range targets {
		e, err := sc.Graph().GetEntity(ctx, guid, nil)
		switch {
		case errors.Is(err, errs.ErrEntityNotFound), errors.Is(err, errs.ErrEntityProxyOnly):
			return nil, false, invalid(sc, GuardTargetNotFound, "target %s: %v", guid, err)
		case err != nil:
			return nil, false, err
		case e.Deleted():
			return nil, false, invalid(sc, GuardTargetNotFound, "target %s is deleted", guid)
		}
		entities = append(entities, e)
	}
	return entities, true, nil
}
