package governance

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
	"github.com/zjrosen/strata/internal/workflow"
)

// ===========================================================================
// VerifyAssetService
// ===========================================================================

// VerifyAssetService checks that every action target carries the properties
// named by the comma separated "required" parameter (default "name").
// Emits "verified", or "incomplete" with the missing names in the "missing"
// new parameter.
type VerifyAssetService struct{}

func (s *VerifyAssetService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	required := []string{"name"}
	if v, ok := sc.Parameter(ParamRequired); ok {
		required = splitList(v)
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}

	var missing []string
	for _, e := range entities {
		for _, name := range required {
			if blank(e.Properties[name]) && !slices.Contains(missing, name) {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return sc.RecordCompletionStatus(workflow.StatusActioned, []string{GuardIncomplete},
			map[string]string{ParamMissing: strings.Join(missing, ",")}, nil)
	}
	return done(sc, workflow.StatusActioned, GuardVerified)
}

// blank reports whether v is absent, an empty or whitespace string, or an
// empty collection.
func blank(v property.Value) bool {
	switch v.Kind {
	case "":
		return true
	case property.KindArray:
		return len(v.Array) == 0
	case property.KindMap:
		return len(v.Map) == 0
	}
	if s, ok := v.Text(); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// ===========================================================================
// ClassifyAssetService
// ===========================================================================

// ClassifyAssetService attaches the classification named by the
// "classification" parameter to every target. "property.*" parameters give
// its properties; "stamp" names date properties set to the current time.
// Targets already carrying the classification are left alone; when all of
// them do the step is IGNORED with "already-classified".
type ClassifyAssetService struct {
	now func() time.Time
}

func (s *ClassifyAssetService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	name, ok, err := requireParam(sc, ParamClassification)
	if !ok {
		return err
	}
	types := sc.Graph().Types()
	def, err := types.TypeDefByName(name)
	if err != nil || def.Category != typedef.CategoryClassification {
		return invalid(sc, GuardInvalidParameter, "%s is not a classification type", name)
	}
	props, err := types.ParseProperties(def, propertyParams(sc))
	if err != nil {
		return invalid(sc, GuardInvalidParameter, "%v", err)
	}
	if stamp, ok := sc.Parameter(ParamStamp); ok {
		for _, p := range splitList(stamp) {
			if props == nil {
				props = property.Properties{}
			}
			props[p] = property.Date(s.clock()())
		}
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}

	ctx = asEngine(ctx)
	classified := 0
	for _, e := range entities {
		if _, has := e.Classification(name); has {
			continue
		}
		_, err := sc.Graph().ClassifyEntity(ctx, e.GUID, graph.NewClassification{Name: name, Properties: props})
		switch {
		case errors.Is(err, errs.ErrType), errors.Is(err, errs.ErrProperty):
			return invalid(sc, GuardNotSupported, "%v", err)
		case err != nil:
			return err
		}
		classified++
	}
	if classified == 0 {
		return done(sc, workflow.StatusIgnored, GuardAlreadyClassified)
	}
	return done(sc, workflow.StatusActioned, GuardClassified)
}

func (s *ClassifyAssetService) clock() func() time.Time {
	if s.now == nil {
		return time.Now
	}
	return s.now
}

// ===========================================================================
// DeclassifyAssetService
// ===========================================================================

// DeclassifyAssetService removes the classification named by the
// "classification" parameter from every target.
type DeclassifyAssetService struct{}

func (s *DeclassifyAssetService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	name, ok, err := requireParam(sc, ParamClassification)
	if !ok {
		return err
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}

	ctx = asEngine(ctx)
	removed := 0
	for _, e := range entities {
		if _, has := e.Classification(name); !has {
			continue
		}
		if _, err := sc.Graph().DeclassifyEntity(ctx, e.GUID, name); err != nil {
			if errors.Is(err, errs.ErrClassificationNotFound) {
				continue
			}
			return err
		}
		removed++
	}
	if removed == 0 {
		return done(sc, workflow.StatusIgnored, GuardNotClassified)
	}
	return done(sc, workflow.StatusActioned, GuardDeclassified)
}

// ===========================================================================
// SetAssetStatusService
// ===========================================================================

// SetAssetStatusService moves every target to the status named by the
// "status" parameter. Statuses a target's type does not allow make the step
// INVALID before any target changes.
type SetAssetStatusService struct{}

func (s *SetAssetStatusService) Execute(ctx context.Context, sc *workflow.StepContext) error {
	raw, ok, err := requireParam(sc, ParamStatus)
	if !ok {
		return err
	}
	status := typedef.InstanceStatus(strings.ToUpper(raw))
	if !status.IsValid() || status == typedef.StatusDeleted {
		return invalid(sc, GuardInvalidParameter, "%q is not an assignable status", raw)
	}
	entities, ok, err := loadTargets(ctx, sc)
	if !ok {
		return err
	}
	types := sc.Graph().Types()
	for _, e := range entities {
		def, err := types.TypeDefByGUID(e.Type.GUID)
		if err != nil {
			return err
		}
		if err := types.ValidateStatus(def, status); err != nil {
			return invalid(sc, GuardNotSupported, "%v", err)
		}
	}

	ctx = asEngine(ctx)
	changed := 0
	for _, e := range entities {
		if e.Status == status {
			continue
		}
		if _, err := sc.Graph().UpdateEntityStatus(ctx, e.GUID, status); err != nil {
			return err
		}
		changed++
	}
	if changed == 0 {
		return done(sc, workflow.StatusIgnored, GuardStatusUnchanged)
	}
	return done(sc, workflow.StatusActioned, GuardStatusChanged)
}
