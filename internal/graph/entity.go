package graph

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// NewClassification attaches a classification when an entity is created or
// classified. Name is the classification type's name or GUID.
type NewClassification struct {
	Name       string
	Properties property.Properties
}

// NewEntity describes an entity to create.
type NewEntity struct {
	// Type is the entity type's GUID or name.
	Type       string
	Properties property.Properties
	// Status overrides the type's initial status.
	Status          typedef.InstanceStatus
	Classifications []NewClassification
}

// NewEntityProxy describes a proxy for an entity homed in another collection.
type NewEntityProxy struct {
	GUID             string
	Type             string
	UniqueProperties property.Properties
	Collection       Collection
}

// AddEntity creates an entity at version 1.
func (g *Graph) AddEntity(ctx context.Context, req NewEntity) (*EntityDetail, error) {
	def, err := g.resolveType(req.Type, typedef.CategoryEntity)
	if err != nil {
		return nil, err
	}
	if err := g.types.ValidateProperties(def, req.Properties); err != nil {
		return nil, err
	}
	status := def.InitialStatus
	if req.Status != "" {
		if req.Status == typedef.StatusDeleted {
			return nil, errs.Invalid("an entity cannot be created deleted")
		}
		if err := g.types.ValidateStatus(def, req.Status); err != nil {
			return nil, err
		}
		status = req.Status
	}

	guid := g.newGUID()
	user := UserFrom(ctx)
	now := g.stamp(time.Time{})
	e := firstVersion(guid, def, req.Properties, user, now)
	e.Status = status
	e.UpdatedBy = user
	e.Collection = g.collection

	for _, nc := range req.Classifications {
		c, err := g.newClassification(def, nc, user, now)
		if err != nil {
			return nil, err
		}
		if _, dup := e.Classification(c.Name); dup {
			return nil, errs.Invalid("classification %s given twice", c.Name)
		}
		e.Classifications = append(e.Classifications, c)
	}

	var out *EntityDetail
	locks := append([]string{guid}, g.uniqueLocks(def, e.Properties)...)
	err = g.mutate(ctx, "AddEntity", locks, func(ctx context.Context) ([]ChangeEvent, error) {
		if err := g.checkUnique(ctx, def, e); err != nil {
			return nil, err
		}
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(0)); err != nil {
			return nil, err
		}
		out = e.Clone()
		return []ChangeEvent{entityEvent(EntityAdded, e)}, nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatGraph, "entity added", "guid", guid, "type", def.Name)
	return out, nil
}

// AddEntityProxy records a reference to an entity homed elsewhere so
// relationships can point at it. Only unique properties are kept.
func (g *Graph) AddEntityProxy(ctx context.Context, req NewEntityProxy) (*EntityProxy, error) {
	if err := requireGUID(req.GUID); err != nil {
		return nil, err
	}
	def, err := g.resolveType(req.Type, typedef.CategoryEntity)
	if err != nil {
		return nil, err
	}
	unique := g.types.UniqueProperties(def, req.UniqueProperties)
	if len(unique) != len(req.UniqueProperties) {
		return nil, errs.Wrap(errs.ErrProperty, "proxy of %s may only carry unique properties", def.Name)
	}
	if err := g.types.ValidatePropertyValues(def, unique); err != nil {
		return nil, err
	}
	collection := req.Collection
	if collection.ID == "" {
		return nil, errs.Invalid("proxy %s needs its home collection", req.GUID)
	}

	user := UserFrom(ctx)
	e := firstVersion(req.GUID, def, unique, user, g.stamp(time.Time{}))
	e.UpdatedBy = user
	e.Collection = collection
	e.Proxy = true

	var out *EntityProxy
	err = g.mutate(ctx, "AddEntityProxy", []string{req.GUID}, func(ctx context.Context) ([]ChangeEvent, error) {
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(0)); err != nil {
			return nil, err
		}
		out = g.proxyOf(e)
		return []ChangeEvent{entityEvent(EntityProxyAdded, e)}, nil
	})
	return out, err
}

// UpdateEntityProperties replaces the property bag of an entity.
func (g *Graph) UpdateEntityProperties(ctx context.Context, guid string, props property.Properties) (*EntityDetail, error) {
	locks, err := g.propertyLocks(ctx, guid, props)
	if err != nil {
		return nil, err
	}
	return g.updateEntity(ctx, "UpdateEntityProperties", guid, locks, func(def *typedef.TypeDef, e *EntityDetail) (ChangeKind, error) {
		return g.replaceProperties(ctx, def, e, props.Clone())
	})
}

// PatchEntityProperties sets and removes individual properties, keeping the
// rest of the current bag. The merge happens under the entity's lock, so
// concurrent patches of different properties all survive.
func (g *Graph) PatchEntityProperties(ctx context.Context, guid string, set property.Properties, unset []string) (*EntityDetail, error) {
	if len(set) == 0 && len(unset) == 0 {
		return nil, errs.Invalid("nothing to change on %s", guid)
	}
	locks, err := g.propertyLocks(ctx, guid, set)
	if err != nil {
		return nil, err
	}
	return g.updateEntity(ctx, "PatchEntityProperties", guid, locks, func(def *typedef.TypeDef, e *EntityDetail) (ChangeKind, error) {
		props := e.Properties.Clone()
		if props == nil {
			props = property.Properties{}
		}
		maps.Copy(props, set.Clone())
		for _, name := range unset {
			delete(props, name)
		}
		return g.replaceProperties(ctx, def, e, props)
	})
}

func (g *Graph) replaceProperties(ctx context.Context, def *typedef.TypeDef, e *EntityDetail, props property.Properties) (ChangeKind, error) {
	if err := g.types.ValidateProperties(def, props); err != nil {
		return "", err
	}
	next := e.Clone()
	next.Properties = props
	if err := g.checkUnique(ctx, def, next); err != nil {
		return "", err
	}
	e.Properties = props
	return EntityUpdated, nil
}

// propertyLocks returns the unique value locks needed to write props to
// guid. An entity's type never changes, so it is read before locking.
func (g *Graph) propertyLocks(ctx context.Context, guid string, props property.Properties) ([]string, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	current, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	def, err := g.typeOf(current.InstanceHeader)
	if err != nil {
		return nil, err
	}
	return g.uniqueLocks(def, props), nil
}

// UpdateEntityStatus moves an entity to a new non-deleted status.
func (g *Graph) UpdateEntityStatus(ctx context.Context, guid string, status typedef.InstanceStatus) (*EntityDetail, error) {
	if status == typedef.StatusDeleted {
		return nil, errs.Invalid("use DeleteEntity to delete an entity")
	}
	return g.updateEntity(ctx, "UpdateEntityStatus", guid, nil, func(def *typedef.TypeDef, e *EntityDetail) (ChangeKind, error) {
		if err := g.types.ValidateStatus(def, status); err != nil {
			return "", err
		}
		e.Status = status
		return EntityStatusChanged, nil
	})
}

// ClassifyEntity attaches a classification. Proxies may be classified.
func (g *Graph) ClassifyEntity(ctx context.Context, guid string, nc NewClassification) (*EntityDetail, error) {
	return g.classify(ctx, "ClassifyEntity", guid, func(def *typedef.TypeDef, e *EntityDetail, now time.Time) (ChangeKind, string, error) {
		c, err := g.newClassification(def, nc, UserFrom(ctx), now)
		if err != nil {
			return "", "", err
		}
		if _, exists := e.Classification(c.Name); exists {
			return "", "", errs.Invalid("entity %s is already classified as %s", e.GUID, c.Name)
		}
		e.Classifications = append(e.Classifications, c)
		return EntityClassified, c.Name, nil
	})
}

// UpdateClassification replaces the properties of an attached classification
// and increments its version.
func (g *Graph) UpdateClassification(ctx context.Context, guid, name string, props property.Properties) (*EntityDetail, error) {
	return g.classify(ctx, "UpdateClassification", guid, func(_ *typedef.TypeDef, e *EntityDetail, now time.Time) (ChangeKind, string, error) {
		i, err := classificationIndex(e, name)
		if err != nil {
			return "", "", err
		}
		c := &e.Classifications[i]
		cdef, err := g.types.TypeDefByGUID(c.Type.GUID)
		if err != nil {
			return "", "", err
		}
		if err := g.types.ValidateProperties(cdef, props); err != nil {
			return "", "", err
		}
		c.Properties = props.Clone()
		c.Version++
		c.UpdatedBy = UserFrom(ctx)
		c.UpdateTime = now
		return EntityReclassified, c.Name, nil
	})
}

// DeclassifyEntity removes an attached classification.
func (g *Graph) DeclassifyEntity(ctx context.Context, guid, name string) (*EntityDetail, error) {
	return g.classify(ctx, "DeclassifyEntity", guid, func(_ *typedef.TypeDef, e *EntityDetail, _ time.Time) (ChangeKind, string, error) {
		i, err := classificationIndex(e, name)
		if err != nil {
			return "", "", err
		}
		removed := e.Classifications[i].Name
		e.Classifications = slices.Delete(e.Classifications, i, i+1)
		return EntityDeclassified, removed, nil
	})
}

// DeleteEntity soft-deletes an entity. Without cascade, any relationship not
// yet deleted fails the call with errs.ErrDependentsExist; with cascade
// those relationships are deleted first, each as its own new version.
func (g *Graph) DeleteEntity(ctx context.Context, guid string, cascade bool) (*EntityDetail, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	var out *EntityDetail
	err := g.mutate(ctx, "DeleteEntity", []string{guid}, func(ctx context.Context) ([]ChangeEvent, error) {
		e, err := g.loadMutable(ctx, guid)
		if err != nil {
			return nil, err
		}
		rels, err := g.store.RelationshipsForEntity(ctx, guid)
		if err != nil {
			return nil, err
		}
		var live []*Relationship
		for _, r := range rels {
			if !r.Deleted() {
				live = append(live, r)
			}
		}
		if len(live) > 0 && !cascade {
			return nil, errs.Wrap(errs.ErrDependentsExist, "entity %s has %d relationships", guid, len(live))
		}

		var events []ChangeEvent
		for _, r := range live {
			ev, err := g.deleteRelationshipLocked(ctx, r.GUID)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}

		expected := e.Version
		g.advance(ctx, &e.InstanceHeader)
		e.StatusOnDelete = e.Status
		e.Status = typedef.StatusDeleted
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(expected)); err != nil {
			return nil, err
		}
		out = e.Clone()
		return append(events, entityEvent(EntityDeleted, e)), nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreEntity brings a soft-deleted entity back to the status it held when
// it was deleted, as a new version.
func (g *Graph) RestoreEntity(ctx context.Context, guid string) (*EntityDetail, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	deleted, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	def, err := g.typeOf(deleted.InstanceHeader)
	if err != nil {
		return nil, err
	}
	locks := g.uniqueLocks(def, deleted.Properties)
	var out *EntityDetail
	err = g.mutate(ctx, "RestoreEntity", append([]string{guid}, locks...), func(ctx context.Context) ([]ChangeEvent, error) {
		e, err := g.store.LoadEntity(ctx, guid)
		if err != nil {
			return nil, err
		}
		if e.Proxy {
			return nil, errs.Wrap(errs.ErrEntityProxyOnly, "%s", guid)
		}
		if !e.Deleted() {
			return nil, errs.Wrap(errs.ErrInstanceNotDeleted, "entity %s", guid)
		}
		// A value released by the delete may have been taken since.
		if err := g.checkUnique(ctx, def, e); err != nil {
			return nil, err
		}
		expected := e.Version
		g.advance(ctx, &e.InstanceHeader)
		e.Status = e.StatusOnDelete
		if e.Status == "" {
			e.Status = typedef.StatusActive
		}
		e.StatusOnDelete = ""
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(expected)); err != nil {
			return nil, err
		}
		out = e.Clone()
		return []ChangeEvent{entityEvent(EntityRestored, e)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeEntity permanently removes a soft-deleted entity, its history and any
// deleted relationships still pointing at it. A proxy may be purged without
// first being deleted.
func (g *Graph) PurgeEntity(ctx context.Context, guid string) error {
	if err := requireGUID(guid); err != nil {
		return err
	}
	return g.mutate(ctx, "PurgeEntity", []string{guid}, func(ctx context.Context) ([]ChangeEvent, error) {
		e, err := g.store.LoadEntity(ctx, guid)
		if err != nil {
			return nil, err
		}
		if !e.Deleted() && !e.Proxy {
			return nil, errs.Wrap(errs.ErrInstanceNotDeleted, "entity %s must be deleted before it is purged", guid)
		}
		rels, err := g.store.RelationshipsForEntity(ctx, guid)
		if err != nil {
			return nil, err
		}
		var events []ChangeEvent
		for _, r := range rels {
			if !r.Deleted() {
				return nil, errs.Wrap(errs.ErrDependentsExist, "relationship %s still references %s", r.GUID, guid)
			}
		}
		for _, r := range rels {
			ev, err := g.purgeRelationshipLocked(ctx, r.GUID)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		if err := g.store.PurgeEntity(ctx, guid); err != nil {
			return nil, err
		}
		return append(events, ChangeEvent{
			Kind: EntityPurged, GUID: guid, Type: e.Type, Version: e.Version,
			Status: e.Status, User: UserFrom(ctx), Time: g.now().UTC(),
		}), nil
	})
}

// updateEntity applies change to the current version of a full, live entity
// and commits the result as the next version. locks are held alongside guid.
func (g *Graph) updateEntity(ctx context.Context, op, guid string, locks []string, change func(*typedef.TypeDef, *EntityDetail) (ChangeKind, error)) (*EntityDetail, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	var out *EntityDetail
	err := g.mutate(ctx, op, append([]string{guid}, locks...), func(ctx context.Context) ([]ChangeEvent, error) {
		e, err := g.loadMutable(ctx, guid)
		if err != nil {
			return nil, err
		}
		def, err := g.typeOf(e.InstanceHeader)
		if err != nil {
			return nil, err
		}
		expected := e.Version
		kind, err := change(def, e)
		if err != nil {
			return nil, err
		}
		g.advance(ctx, &e.InstanceHeader)
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(expected)); err != nil {
			return nil, err
		}
		out = e.Clone()
		return []ChangeEvent{entityEvent(kind, e)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// classify is updateEntity for classification changes, which proxies allow.
func (g *Graph) classify(ctx context.Context, op, guid string, change func(*typedef.TypeDef, *EntityDetail, time.Time) (ChangeKind, string, error)) (*EntityDetail, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	var out *EntityDetail
	err := g.mutate(ctx, op, []string{guid}, func(ctx context.Context) ([]ChangeEvent, error) {
		e, err := g.store.LoadEntity(ctx, guid)
		if err != nil {
			return nil, err
		}
		if e.Deleted() {
			return nil, errs.Wrap(errs.ErrInstanceDeleted, "entity %s", guid)
		}
		def, err := g.typeOf(e.InstanceHeader)
		if err != nil {
			return nil, err
		}
		expected := e.Version
		now := g.stamp(e.VersionTime())
		kind, name, err := change(def, e, now)
		if err != nil {
			return nil, err
		}
		e.Version++
		e.UpdatedBy = UserFrom(ctx)
		e.UpdateTime = now
		if err := g.store.SaveEntity(ctx, e, g.saveOptions(expected)); err != nil {
			return nil, err
		}
		out = e.Clone()
		ev := entityEvent(kind, e)
		ev.Classification = name
		return []ChangeEvent{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadMutable loads an entity that may take property and status changes.
func (g *Graph) loadMutable(ctx context.Context, guid string) (*EntityDetail, error) {
	e, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	if e.Proxy {
		return nil, errs.Wrap(errs.ErrEntityProxyOnly, "%s", guid)
	}
	if e.Deleted() {
		return nil, errs.Wrap(errs.ErrInstanceDeleted, "entity %s", guid)
	}
	return e, nil
}

// advance moves h to its next version.
func (g *Graph) advance(ctx context.Context, h *InstanceHeader) {
	h.Version++
	h.UpdatedBy = UserFrom(ctx)
	h.UpdateTime = g.stamp(h.VersionTime())
}

func (g *Graph) newClassification(entity *typedef.TypeDef, nc NewClassification, user string, now time.Time) (Classification, error) {
	cdef, err := g.resolveType(nc.Name, typedef.CategoryClassification)
	if err != nil {
		return Classification{}, err
	}
	if err := g.types.ValidateClassification(cdef, entity); err != nil {
		return Classification{}, err
	}
	if err := g.types.ValidateProperties(cdef, nc.Properties); err != nil {
		return Classification{}, err
	}
	return Classification{
		Name:       cdef.Name,
		Type:       cdef.Link(),
		Properties: nc.Properties.Clone(),
		Version:    1,
		CreatedBy:  user,
		UpdatedBy:  user,
		CreateTime: now,
		UpdateTime: now,
	}, nil
}

func classificationIndex(e *EntityDetail, name string) (int, error) {
	i := slices.IndexFunc(e.Classifications, func(c Classification) bool {
		return c.Name == name || c.Type.GUID == name
	})
	if i < 0 {
		return -1, errs.Wrap(errs.ErrClassificationNotFound, "entity %s has no classification %s", e.GUID, name)
	}
	return i, nil
}

// uniqueScope maps each unique property of props to the type that declares
// it. Values are unique among the subtypes of that type.
func (g *Graph) uniqueScope(def *typedef.TypeDef, props property.Properties) map[string]*typedef.TypeDef {
	unique := g.types.UniqueProperties(def, props)
	if len(unique) == 0 {
		return nil
	}
	scope := make(map[string]*typedef.TypeDef, len(unique))
	for _, t := range g.types.SuperTypes(def) {
		for _, p := range t.Properties {
			if _, ok := unique[p.Name]; ok {
				scope[p.Name] = t
			}
		}
	}
	return scope
}

// uniqueLocks names a lock per unique value in props so that writers of the
// same value serialise their checks. Names cannot collide with GUIDs.
func (g *Graph) uniqueLocks(def *typedef.TypeDef, props property.Properties) []string {
	var locks []string
	for name, declaring := range g.uniqueScope(def, props) {
		key, ok := props[name].Key()
		if !ok {
			key = props[name].String()
		}
		locks = append(locks, "unique:"+declaring.GUID+":"+name+":"+key)
	}
	return locks
}

// checkUnique rejects e when another live entity already holds one of e's
// unique property values. Callers hold the locks from uniqueLocks.
func (g *Graph) checkUnique(ctx context.Context, def *typedef.TypeDef, e *EntityDetail) error {
	for name, declaring := range g.uniqueScope(def, e.Properties) {
		v := e.Properties[name]
		types := g.types.Subtypes(declaring.GUID)
		taken := func(other *EntityDetail) error {
			if other.GUID == e.GUID || other.Deleted() || !slices.Contains(types, other.Type.GUID) {
				return nil
			}
			if ov, ok := other.Properties[name]; ok && ov.Equal(v) {
				return errs.Wrap(errs.ErrProperty, "%s value %s is already used by %s", name, v, other.GUID)
			}
			return nil
		}

		if _, ok := v.Key(); !ok {
			if err := g.store.ScanEntities(ctx, taken); err != nil {
				return err
			}
			continue
		}
		holders, err := g.store.EntitiesByProperty(ctx, types, name, v)
		if err != nil {
			return err
		}
		for _, other := range holders {
			if err := taken(other); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) proxyOf(e *EntityDetail) *EntityProxy {
	p := &EntityProxy{InstanceHeader: e.InstanceHeader}
	if def, err := g.typeOf(e.InstanceHeader); err == nil {
		p.UniqueProperties = g.types.UniqueProperties(def, e.Properties)
	}
	if len(p.UniqueProperties) == 0 {
		p.UniqueProperties = nil
	}
	return p
}
