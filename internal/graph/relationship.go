package graph

import (
	"context"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// NewRelationship describes a relationship to create between two existing
// entities or proxies.
type NewRelationship struct {
	// Type is the relationship type's GUID or name.
	Type       string
	End1GUID   string
	End2GUID   string
	Properties property.Properties
	Status     typedef.InstanceStatus
}

// AddRelationship creates a relationship at version 1. Both ends are locked
// for the duration so neither can be deleted underneath it.
func (g *Graph) AddRelationship(ctx context.Context, req NewRelationship) (*Relationship, error) {
	def, err := g.resolveType(req.Type, typedef.CategoryRelationship)
	if err != nil {
		return nil, err
	}
	if req.End1GUID == "" || req.End2GUID == "" {
		return nil, errs.Invalid("relationship %s needs both ends", def.Name)
	}
	if req.End1GUID == req.End2GUID && !def.Reflexive {
		return nil, errs.Wrap(errs.ErrType, "%s does not allow an entity to relate to itself", def.Name)
	}
	if err := g.types.ValidateProperties(def, req.Properties); err != nil {
		return nil, err
	}
	status := def.InitialStatus
	if req.Status != "" {
		if req.Status == typedef.StatusDeleted {
			return nil, errs.Invalid("a relationship cannot be created deleted")
		}
		if err := g.types.ValidateStatus(def, req.Status); err != nil {
			return nil, err
		}
		status = req.Status
	}

	var out *Relationship
	err = g.mutate(ctx, "AddRelationship", []string{req.End1GUID, req.End2GUID}, func(ctx context.Context) ([]ChangeEvent, error) {
		end1, err := g.relationshipEnd(ctx, def, def.End1, req.End1GUID)
		if err != nil {
			return nil, err
		}
		end2, err := g.relationshipEnd(ctx, def, def.End2, req.End2GUID)
		if err != nil {
			return nil, err
		}
		if err := g.checkCardinality(ctx, def, req.End1GUID, req.End2GUID, ""); err != nil {
			return nil, err
		}

		user := UserFrom(ctx)
		now := g.stamp(time.Time{})
		r := &Relationship{
			InstanceHeader: InstanceHeader{
				GUID:       g.newGUID(),
				Type:       def.Link(),
				Status:     status,
				Version:    1,
				CreatedBy:  user,
				UpdatedBy:  user,
				CreateTime: now,
				UpdateTime: now,
				Collection: g.collection,
			},
			Properties: req.Properties.Clone(),
			End1:       *end1,
			End2:       *end2,
		}
		if err := g.store.SaveRelationship(ctx, r, g.saveOptions(0)); err != nil {
			return nil, err
		}
		out = r.Clone()
		return []ChangeEvent{relationshipEvent(RelationshipAdded, r)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRelationshipProperties replaces the property bag of a relationship.
func (g *Graph) UpdateRelationshipProperties(ctx context.Context, guid string, props property.Properties) (*Relationship, error) {
	return g.updateRelationship(ctx, "UpdateRelationshipProperties", guid, func(def *typedef.TypeDef, r *Relationship) (ChangeKind, error) {
		if r.Deleted() {
			return "", errs.Wrap(errs.ErrInstanceDeleted, "relationship %s", guid)
		}
		if err := g.types.ValidateProperties(def, props); err != nil {
			return "", err
		}
		r.Properties = props.Clone()
		return RelationshipUpdated, nil
	})
}

// UpdateRelationshipStatus moves a relationship to a new non-deleted status.
func (g *Graph) UpdateRelationshipStatus(ctx context.Context, guid string, status typedef.InstanceStatus) (*Relationship, error) {
	if status == typedef.StatusDeleted {
		return nil, errs.Invalid("use DeleteRelationship to delete a relationship")
	}
	return g.updateRelationship(ctx, "UpdateRelationshipStatus", guid, func(def *typedef.TypeDef, r *Relationship) (ChangeKind, error) {
		if r.Deleted() {
			return "", errs.Wrap(errs.ErrInstanceDeleted, "relationship %s", guid)
		}
		if err := g.types.ValidateStatus(def, status); err != nil {
			return "", err
		}
		r.Status = status
		return RelationshipStatus, nil
	})
}

// DeleteRelationship soft-deletes a relationship.
func (g *Graph) DeleteRelationship(ctx context.Context, guid string) (*Relationship, error) {
	return g.updateRelationship(ctx, "DeleteRelationship", guid, func(_ *typedef.TypeDef, r *Relationship) (ChangeKind, error) {
		if r.Deleted() {
			return "", errs.Wrap(errs.ErrInstanceDeleted, "relationship %s", guid)
		}
		r.StatusOnDelete = r.Status
		r.Status = typedef.StatusDeleted
		return RelationshipDeleted, nil
	})
}

// RestoreRelationship brings a soft-deleted relationship back. Both ends
// must still be live.
func (g *Graph) RestoreRelationship(ctx context.Context, guid string) (*Relationship, error) {
	return g.updateRelationship(ctx, "RestoreRelationship", guid, func(def *typedef.TypeDef, r *Relationship) (ChangeKind, error) {
		if !r.Deleted() {
			return "", errs.Wrap(errs.ErrInstanceNotDeleted, "relationship %s", guid)
		}
		for _, end := range []string{r.End1.GUID, r.End2.GUID} {
			e, err := g.store.LoadEntity(ctx, end)
			if err != nil {
				return "", err
			}
			if e.Deleted() {
				return "", errs.Wrap(errs.ErrInstanceDeleted, "end entity %s of relationship %s", end, guid)
			}
		}
		if err := g.checkCardinality(ctx, def, r.End1.GUID, r.End2.GUID, r.GUID); err != nil {
			return "", err
		}
		r.Status = r.StatusOnDelete
		if r.Status == "" {
			r.Status = typedef.StatusActive
		}
		r.StatusOnDelete = ""
		return RelationshipRestored, nil
	})
}

// PurgeRelationship permanently removes a soft-deleted relationship and its history.
func (g *Graph) PurgeRelationship(ctx context.Context, guid string) error {
	if err := requireGUID(guid); err != nil {
		return err
	}
	return g.mutate(ctx, "PurgeRelationship", []string{guid}, func(ctx context.Context) ([]ChangeEvent, error) {
		r, err := g.store.LoadRelationship(ctx, guid)
		if err != nil {
			return nil, err
		}
		if !r.Deleted() {
			return nil, errs.Wrap(errs.ErrInstanceNotDeleted, "relationship %s must be deleted before it is purged", guid)
		}
		if err := g.store.PurgeRelationship(ctx, guid); err != nil {
			return nil, err
		}
		return []ChangeEvent{g.purgedRelationship(ctx, r)}, nil
	})
}

func (g *Graph) updateRelationship(ctx context.Context, op, guid string, change func(*typedef.TypeDef, *Relationship) (ChangeKind, error)) (*Relationship, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	var out *Relationship
	err := g.mutate(ctx, op, []string{guid}, func(ctx context.Context) ([]ChangeEvent, error) {
		r, err := g.store.LoadRelationship(ctx, guid)
		if err != nil {
			return nil, err
		}
		def, err := g.typeOf(r.InstanceHeader)
		if err != nil {
			return nil, err
		}
		expected := r.Version
		kind, err := change(def, r)
		if err != nil {
			return nil, err
		}
		g.advance(ctx, &r.InstanceHeader)
		if err := g.store.SaveRelationship(ctx, r, g.saveOptions(expected)); err != nil {
			return nil, err
		}
		out = r.Clone()
		return []ChangeEvent{relationshipEvent(kind, r)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deleteRelationshipLocked soft-deletes a relationship while the caller
// holds the lock of one of its ends.
func (g *Graph) deleteRelationshipLocked(ctx context.Context, guid string) (ChangeEvent, error) {
	release, err := g.locks.acquire(ctx, guid)
	if err != nil {
		return ChangeEvent{}, err
	}
	defer release()

	r, err := g.store.LoadRelationship(ctx, guid)
	if err != nil {
		return ChangeEvent{}, err
	}
	expected := r.Version
	r.StatusOnDelete = r.Status
	r.Status = typedef.StatusDeleted
	g.advance(ctx, &r.InstanceHeader)
	if err := g.store.SaveRelationship(ctx, r, g.saveOptions(expected)); err != nil {
		return ChangeEvent{}, err
	}
	return relationshipEvent(RelationshipDeleted, r), nil
}

// purgeRelationshipLocked removes a relationship while the caller holds the
// lock of one of its ends.
func (g *Graph) purgeRelationshipLocked(ctx context.Context, guid string) (ChangeEvent, error) {
	release, err := g.locks.acquire(ctx, guid)
	if err != nil {
		return ChangeEvent{}, err
	}
	defer release()

	r, err := g.store.LoadRelationship(ctx, guid)
	if err != nil {
		return ChangeEvent{}, err
	}
	if err := g.store.PurgeRelationship(ctx, guid); err != nil {
		return ChangeEvent{}, err
	}
	return g.purgedRelationship(ctx, r), nil
}

func (g *Graph) purgedRelationship(ctx context.Context, r *Relationship) ChangeEvent {
	return ChangeEvent{
		Kind: RelationshipPurged, GUID: r.GUID, Type: r.Type, Version: r.Version,
		Status: r.Status, User: UserFrom(ctx), Time: g.now().UTC(),
	}
}

// relationshipEnd loads the entity at one end and checks it against the
// end definition. Proxies are acceptable ends.
func (g *Graph) relationshipEnd(ctx context.Context, def *typedef.TypeDef, end *typedef.RelationshipEnd, guid string) (*EntityProxy, error) {
	e, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if e.Deleted() {
		return nil, errs.Wrap(errs.ErrInstanceDeleted, "end entity %s", guid)
	}
	etype, err := g.typeOf(e.InstanceHeader)
	if err != nil {
		return nil, err
	}
	if !g.types.IsSubtypeOf(etype, end.EntityType.GUID) {
		return nil, errs.Wrap(errs.ErrType, "%s end %s must be a %s, got %s", def.Name, end.AttributeName, end.EntityType.Name, etype.Name)
	}
	return g.proxyOf(e), nil
}

// checkCardinality enforces AT_MOST_ONE ends: when End2 is AT_MOST_ONE an
// end1 entity may have only one live relationship of the type, and the
// reverse for End1. except names a relationship to ignore.
func (g *Graph) checkCardinality(ctx context.Context, def *typedef.TypeDef, end1, end2, except string) error {
	check := func(entity string, asEnd1 bool) error {
		rels, err := g.store.RelationshipsForEntity(ctx, entity)
		if err != nil {
			return err
		}
		for _, r := range rels {
			if r.GUID == except || r.Deleted() || r.Type.GUID != def.GUID {
				continue
			}
			if (asEnd1 && r.End1.GUID == entity) || (!asEnd1 && r.End2.GUID == entity) {
				return errs.Wrap(errs.ErrType, "%s allows at most one relationship for %s", def.Name, entity)
			}
		}
		return nil
	}
	if def.End2.Cardinality == typedef.AtMostOne {
		if err := check(end1, true); err != nil {
			return err
		}
	}
	if def.End1.Cardinality == typedef.AtMostOne {
		return check(end2, false)
	}
	return nil
}
