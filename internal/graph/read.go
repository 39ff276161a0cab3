package graph

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// SortOrder is the direction of an ordered read.
type SortOrder string

const (
	Ascending  SortOrder = "ASCENDING"
	Descending SortOrder = "DESCENDING"
)

// IsValid reports whether o is a known order; empty defaults to Ascending.
func (o SortOrder) IsValid() bool {
	return o == "" || o == Ascending || o == Descending
}

// HistoryQuery selects versions from an instance's history. From and To
// bound the half-open interval [From, To) over version times; nil is open.
type HistoryQuery struct {
	From     *time.Time
	To       *time.Time
	Offset   int
	PageSize int
	Order    SortOrder
}

func (q HistoryQuery) validate() error {
	if q.Offset < 0 || q.PageSize < 0 {
		return errs.Wrap(errs.ErrPaging, "offset %d, page size %d", q.Offset, q.PageSize)
	}
	if !q.Order.IsValid() {
		return errs.Wrap(errs.ErrPaging, "unknown order %q", q.Order)
	}
	if q.From != nil && q.To != nil && !q.From.Before(*q.To) {
		return errs.Invalid("history range start %s is not before end %s", q.From, q.To)
	}
	return nil
}

// RelationshipQuery filters GetRelationshipsForEntity.
type RelationshipQuery struct {
	// TypeGUID restricts results to a relationship type and its subtypes.
	TypeGUID string
	// Statuses restricts results; empty means every status but DELETED.
	Statuses []typedef.InstanceStatus
	AsOf     *time.Time
	// SequencingProperty orders by a property value, missing values last.
	// Empty orders by creation time.
	SequencingProperty string
	Order              SortOrder
	Offset             int
	PageSize           int
}

// GetEntity returns an entity's current version, or the version in force at
// asOf. Proxies fail with errs.ErrEntityProxyOnly.
func (g *Graph) GetEntity(ctx context.Context, guid string, asOf *time.Time) (*EntityDetail, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	var e *EntityDetail
	var err error
	if asOf == nil {
		e, err = g.store.LoadEntity(ctx, guid)
	} else {
		e, err = g.entityAsOf(ctx, guid, *asOf)
	}
	if err != nil {
		return nil, err
	}
	if e.Proxy {
		return nil, errs.Wrap(errs.ErrEntityProxyOnly, "%s is homed in collection %s", guid, e.Collection.ID)
	}
	return e, nil
}

// GetEntitySummary returns the header and classifications of an entity or
// proxy. Summaries are cached until the entity next changes.
func (g *Graph) GetEntitySummary(ctx context.Context, guid string) (*EntitySummary, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	s, err := g.summaries.Get(ctx, guid, guid, g.summaryTTL)
	if err != nil {
		return nil, err
	}
	out := *s
	out.Classifications = slices.Clone(s.Classifications)
	for i := range out.Classifications {
		out.Classifications[i] = out.Classifications[i].clone()
	}
	return &out, nil
}

func (g *Graph) loadSummary(ctx context.Context, guid string) (*EntitySummary, error) {
	e, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	return e.Summary(), nil
}

// GetEntityProxy returns a proxy of an entity or stored proxy.
func (g *Graph) GetEntityProxy(ctx context.Context, guid string) (*EntityProxy, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	e, err := g.store.LoadEntity(ctx, guid)
	if err != nil {
		return nil, err
	}
	return g.proxyOf(e), nil
}

// GetEntityHistory returns versions of an entity, ascending by version
// unless q.Order is Descending.
func (g *Graph) GetEntityHistory(ctx context.Context, guid string, q HistoryQuery) ([]*EntityDetail, error) {
	if err := g.historyGuard(guid, q); err != nil {
		return nil, err
	}
	records, err := g.store.EntityHistory(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := g.store.LoadEntity(ctx, guid); err != nil {
			return nil, err
		}
	}
	return pageHistory(records, q), nil
}

// GetRelationship returns a relationship's current version, or the version
// in force at asOf.
func (g *Graph) GetRelationship(ctx context.Context, guid string, asOf *time.Time) (*Relationship, error) {
	if err := requireGUID(guid); err != nil {
		return nil, err
	}
	if asOf == nil {
		return g.store.LoadRelationship(ctx, guid)
	}
	return g.relationshipAsOf(ctx, guid, *asOf)
}

// GetRelationshipHistory is GetEntityHistory for relationships.
func (g *Graph) GetRelationshipHistory(ctx context.Context, guid string, q HistoryQuery) ([]*Relationship, error) {
	if err := g.historyGuard(guid, q); err != nil {
		return nil, err
	}
	records, err := g.store.RelationshipHistory(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := g.store.LoadRelationship(ctx, guid); err != nil {
			return nil, err
		}
	}
	return pageHistory(records, q), nil
}

// GetRelationshipsForEntity returns a page of the relationships attached to
// an entity. Returns nil when the entity has none.
func (g *Graph) GetRelationshipsForEntity(ctx context.Context, entityGUID string, q RelationshipQuery) ([]*Relationship, error) {
	if err := requireGUID(entityGUID); err != nil {
		return nil, err
	}
	if q.Offset < 0 || q.PageSize < 0 || !q.Order.IsValid() {
		return nil, errs.Wrap(errs.ErrPaging, "offset %d, page size %d, order %q", q.Offset, q.PageSize, q.Order)
	}
	if q.AsOf != nil {
		if !g.history {
			return nil, errs.Wrap(errs.ErrFunctionNotSupported, "as-of reads need history")
		}
		if _, err := g.entityAsOf(ctx, entityGUID, *q.AsOf); err != nil {
			return nil, err
		}
	} else if _, err := g.store.LoadEntity(ctx, entityGUID); err != nil {
		return nil, err
	}

	var types map[string]bool
	if q.TypeGUID != "" {
		def, err := g.resolveType(q.TypeGUID, typedef.CategoryRelationship)
		if err != nil {
			return nil, err
		}
		types = make(map[string]bool)
		for _, guid := range g.types.Subtypes(def.GUID) {
			types[guid] = true
		}
	}

	current, err := g.store.RelationshipsForEntity(ctx, entityGUID)
	if err != nil {
		return nil, err
	}
	var matched []*Relationship
	for _, r := range current {
		if q.AsOf != nil {
			r, err = g.relationshipAsOf(ctx, r.GUID, *q.AsOf)
			if errs.IsNotKnownAtTime(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
		}
		if types != nil && !types[r.Type.GUID] {
			continue
		}
		if !StatusMatches(r.Status, q.Statuses) {
			continue
		}
		matched = append(matched, r)
	}
	if len(matched) == 0 {
		return nil, nil
	}

	SortRelationships(matched, q.SequencingProperty, q.Order)
	return Page(matched, q.Offset, q.PageSize), nil
}

// PruneHistory applies the retention policy: history records older than
// cutoff are removed, keeping the newest record of each instance.
func (g *Graph) PruneHistory(ctx context.Context, cutoff time.Time) (int, error) {
	if !g.history {
		return 0, errs.Wrap(errs.ErrFunctionNotSupported, "history is disabled")
	}
	n, err := g.store.PruneHistory(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info(log.CatGraph, "history pruned", "before", cutoff.Format(time.RFC3339), "removed", n)
	return n, nil
}

// ScanEntities calls fn with every entity, proxies included, at its current
// version or the version in force at asOf. Entities unknown at asOf are
// skipped. Returning false from fn stops the scan.
func (g *Graph) ScanEntities(ctx context.Context, asOf *time.Time, fn func(*EntityDetail) bool) error {
	if asOf != nil && !g.history {
		return errs.Wrap(errs.ErrFunctionNotSupported, "as-of reads need history")
	}
	// Collected first so history lookups never run inside a store cursor.
	var all []*EntityDetail
	if err := g.store.ScanEntities(ctx, func(e *EntityDetail) error {
		all = append(all, e)
		return nil
	}); err != nil {
		return err
	}
	for _, e := range all {
		if asOf != nil {
			var err error
			e, err = g.entityAsOf(ctx, e.GUID, *asOf)
			if errs.IsNotKnownAtTime(err) {
				continue
			}
			if err != nil {
				return err
			}
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// ScanRelationships is ScanEntities for relationships.
func (g *Graph) ScanRelationships(ctx context.Context, asOf *time.Time, fn func(*Relationship) bool) error {
	if asOf != nil && !g.history {
		return errs.Wrap(errs.ErrFunctionNotSupported, "as-of reads need history")
	}
	var all []*Relationship
	if err := g.store.ScanRelationships(ctx, func(r *Relationship) error {
		all = append(all, r)
		return nil
	}); err != nil {
		return err
	}
	for _, r := range all {
		if asOf != nil {
			var err error
			r, err = g.relationshipAsOf(ctx, r.GUID, *asOf)
			if errs.IsNotKnownAtTime(err) {
				continue
			}
			if err != nil {
				return err
			}
		}
		if !fn(r) {
			return nil
		}
	}
	return nil
}

func (g *Graph) historyGuard(guid string, q HistoryQuery) error {
	if err := requireGUID(guid); err != nil {
		return err
	}
	if !g.history {
		return errs.Wrap(errs.ErrFunctionNotSupported, "history is disabled")
	}
	return q.validate()
}

func (g *Graph) entityAsOf(ctx context.Context, guid string, asOf time.Time) (*EntityDetail, error) {
	if !g.history {
		return nil, errs.Wrap(errs.ErrFunctionNotSupported, "as-of reads need history")
	}
	records, err := g.store.EntityHistory(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := g.store.LoadEntity(ctx, guid); err != nil {
			return nil, err
		}
	}
	if e := atTime(records, asOf); e != nil {
		return e, nil
	}
	return nil, errs.Wrap(errs.ErrEntityNotKnownAtTime, "%s at %s", guid, asOf.Format(time.RFC3339Nano))
}

func (g *Graph) relationshipAsOf(ctx context.Context, guid string, asOf time.Time) (*Relationship, error) {
	if !g.history {
		return nil, errs.Wrap(errs.ErrFunctionNotSupported, "as-of reads need history")
	}
	records, err := g.store.RelationshipHistory(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := g.store.LoadRelationship(ctx, guid); err != nil {
			return nil, err
		}
	}
	if r := atTime(records, asOf); r != nil {
		return r, nil
	}
	return nil, errs.Wrap(errs.ErrRelationshipNotKnownAtTime, "%s at %s", guid, asOf.Format(time.RFC3339Nano))
}

type versioned interface {
	VersionTime() time.Time
}

// atTime returns the newest record whose version time is not after t.
// records are in ascending version order.
func atTime[T versioned](records []T, t time.Time) T {
	var zero T
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].VersionTime().After(t) {
			return records[i]
		}
	}
	return zero
}

func pageHistory[T versioned](records []T, q HistoryQuery) []T {
	var out []T
	for _, r := range records {
		vt := r.VersionTime()
		if q.From != nil && vt.Before(*q.From) {
			continue
		}
		if q.To != nil && !vt.Before(*q.To) {
			continue
		}
		out = append(out, r)
	}
	if q.Order == Descending {
		slices.Reverse(out)
	}
	return Page(out, q.Offset, q.PageSize)
}

// Page slices items by offset and size; size 0 means the rest. A page past
// the end is empty but not nil when items is non-empty.
func Page[T any](items []T, offset, size int) []T {
	if items == nil {
		return nil
	}
	if offset >= len(items) {
		return []T{}
	}
	end := len(items)
	if size > 0 && offset+size < end {
		end = offset + size
	}
	return items[offset:end:end]
}

// StatusMatches applies a status filter; an empty filter admits every
// status but DELETED.
func StatusMatches(s typedef.InstanceStatus, filter []typedef.InstanceStatus) bool {
	if len(filter) == 0 {
		return s != typedef.StatusDeleted
	}
	return slices.Contains(filter, s)
}

// SortRelationships orders relationships by a sequencing property, missing
// values last in either direction, else by creation time; GUID breaks ties.
func SortRelationships(rels []*Relationship, sequencingProperty string, order SortOrder) {
	slices.SortStableFunc(rels, func(a, b *Relationship) int {
		if c := CompareSequencing(a.InstanceHeader, b.InstanceHeader, a.Properties, b.Properties, sequencingProperty, order); c != 0 {
			return c
		}
		return cmp.Compare(a.GUID, b.GUID)
	})
}

// CompareSequencing compares two instances by the named property, or by
// creation time when name is empty. Instances lacking the property sort
// after those that have it regardless of order.
func CompareSequencing(a, b InstanceHeader, ap, bp property.Properties, name string, order SortOrder) int {
	var c int
	if name == "" {
		c = a.CreateTime.Compare(b.CreateTime)
	} else {
		av, aok := ap[name]
		bv, bok := bp[name]
		switch {
		case aok && bok:
			c = av.Compare(bv)
		case aok:
			return -1
		case bok:
			return 1
		}
	}
	if order == Descending {
		return -c
	}
	return c
}
