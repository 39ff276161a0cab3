// Package memory provides a graph.Store held entirely in process memory.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
)

// table holds the current version and history of one instance kind.
type table[T any] struct {
	current  map[string]T
	history  map[string][]T
	order    []string
	clone    func(T) T
	header   func(T) graph.InstanceHeader
	notFound error
}

func newTable[T any](clone func(T) T, header func(T) graph.InstanceHeader, notFound error) *table[T] {
	return &table[T]{
		current:  make(map[string]T),
		history:  make(map[string][]T),
		clone:    clone,
		header:   header,
		notFound: notFound,
	}
}

func (t *table[T]) load(guid string) (T, error) {
	v, ok := t.current[guid]
	if !ok {
		var zero T
		return zero, errs.Wrap(t.notFound, "%s", guid)
	}
	return t.clone(v), nil
}

func (t *table[T]) save(v T, opts graph.SaveOptions) error {
	h := t.header(v)
	prev, exists := t.current[h.GUID]
	switch {
	case opts.ExpectedVersion == 0 && exists:
		return errs.Wrap(errs.ErrDuplicateInstance, "%s", h.GUID)
	case opts.ExpectedVersion != 0 && !exists:
		return errs.Wrap(t.notFound, "%s", h.GUID)
	case exists && t.header(prev).Version != opts.ExpectedVersion:
		return errs.Wrap(errs.ErrConcurrentUpdate, "%s is at version %d, expected %d",
			h.GUID, t.header(prev).Version, opts.ExpectedVersion)
	}
	if !exists {
		t.order = append(t.order, h.GUID)
	}
	t.current[h.GUID] = t.clone(v)
	if opts.History {
		t.history[h.GUID] = append(t.history[h.GUID], t.clone(v))
	}
	return nil
}

func (t *table[T]) purge(guid string) error {
	if _, ok := t.current[guid]; !ok {
		return errs.Wrap(t.notFound, "%s", guid)
	}
	delete(t.current, guid)
	delete(t.history, guid)
	t.order = slices.DeleteFunc(t.order, func(g string) bool { return g == guid })
	return nil
}

func (t *table[T]) snapshot() []T {
	out := make([]T, 0, len(t.order))
	for _, guid := range t.order {
		out = append(out, t.clone(t.current[guid]))
	}
	return out
}

func (t *table[T]) versions(guid string) ([]T, error) {
	if _, ok := t.current[guid]; !ok {
		return nil, errs.Wrap(t.notFound, "%s", guid)
	}
	records := t.history[guid]
	out := make([]T, len(records))
	for i, r := range records {
		out[i] = t.clone(r)
	}
	return out, nil
}

func (t *table[T]) prune(cutoff time.Time) int {
	removed := 0
	for guid, records := range t.history {
		if len(records) < 2 {
			continue
		}
		newest := records[len(records)-1]
		kept := slices.DeleteFunc(records[:len(records)-1], func(r T) bool {
			return t.header(r).VersionTime().Before(cutoff)
		})
		removed += len(records) - 1 - len(kept)
		t.history[guid] = append(kept, newest)
	}
	return removed
}

// propertyIndex maps a property name and value key to the entities whose
// current version holds that value.
type propertyIndex map[string]map[string]struct{}

func indexKey(name, key string) string { return name + "\x00" + key }

func (ix propertyIndex) add(e *graph.EntityDetail) {
	for name, v := range e.Properties {
		key, ok := v.Key()
		if !ok {
			continue
		}
		k := indexKey(name, key)
		if ix[k] == nil {
			ix[k] = make(map[string]struct{})
		}
		ix[k][e.GUID] = struct{}{}
	}
}

func (ix propertyIndex) remove(e *graph.EntityDetail) {
	for name, v := range e.Properties {
		key, ok := v.Key()
		if !ok {
			continue
		}
		k := indexKey(name, key)
		delete(ix[k], e.GUID)
		if len(ix[k]) == 0 {
			delete(ix, k)
		}
	}
}

// Store is an in-memory graph.Store. It is safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	entities      *table[*graph.EntityDetail]
	relationships *table[*graph.Relationship]
	byProperty    propertyIndex
}

var _ graph.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		entities: newTable(
			(*graph.EntityDetail).Clone,
			func(e *graph.EntityDetail) graph.InstanceHeader { return e.InstanceHeader },
			errs.ErrEntityNotFound,
		),
		relationships: newTable(
			(*graph.Relationship).Clone,
			func(r *graph.Relationship) graph.InstanceHeader { return r.InstanceHeader },
			errs.ErrRelationshipNotFound,
		),
		byProperty: make(propertyIndex),
	}
}

func (s *Store) LoadEntity(_ context.Context, guid string) (*graph.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities.load(guid)
}

func (s *Store) SaveEntity(_ context.Context, e *graph.EntityDetail, opts graph.SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.entities.current[e.GUID]
	if err := s.entities.save(e, opts); err != nil {
		return err
	}
	if exists {
		s.byProperty.remove(prev)
	}
	s.byProperty.add(e)
	return nil
}

func (s *Store) PurgeEntity(_ context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.entities.current[guid]
	if err := s.entities.purge(guid); err != nil {
		return err
	}
	if exists {
		s.byProperty.remove(prev)
	}
	return nil
}

func (s *Store) EntitiesByProperty(_ context.Context, typeGUIDs []string, name string, v property.Value) ([]*graph.EntityDetail, error) {
	key, ok := v.Key()
	if !ok {
		return nil, errs.Invalid("property %s: only scalar values are indexed", name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.EntityDetail
	for guid := range s.byProperty[indexKey(name, key)] {
		e := s.entities.current[guid]
		if slices.Contains(typeGUIDs, e.Type.GUID) {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

// ScanEntities iterates over a snapshot, so fn may call back into the store.
func (s *Store) ScanEntities(ctx context.Context, fn func(*graph.EntityDetail) error) error {
	s.mu.RLock()
	all := s.entities.snapshot()
	s.mu.RUnlock()
	return scan(ctx, all, fn)
}

func (s *Store) EntityHistory(_ context.Context, guid string) ([]*graph.EntityDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities.versions(guid)
}

func (s *Store) LoadRelationship(_ context.Context, guid string) (*graph.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relationships.load(guid)
}

func (s *Store) SaveRelationship(_ context.Context, r *graph.Relationship, opts graph.SaveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relationships.save(r, opts)
}

func (s *Store) PurgeRelationship(_ context.Context, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relationships.purge(guid)
}

func (s *Store) ScanRelationships(ctx context.Context, fn func(*graph.Relationship) error) error {
	s.mu.RLock()
	all := s.relationships.snapshot()
	s.mu.RUnlock()
	return scan(ctx, all, fn)
}

func (s *Store) RelationshipHistory(_ context.Context, guid string) ([]*graph.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.relationships.versions(guid)
}

func (s *Store) RelationshipsForEntity(_ context.Context, entityGUID string) ([]*graph.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*graph.Relationship
	for _, guid := range s.relationships.order {
		if r := s.relationships.current[guid]; r.Touches(entityGUID) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) PruneHistory(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities.prune(cutoff) + s.relationships.prune(cutoff), nil
}

// Close is a no-op; the store stays readable so tests can inspect it.
func (s *Store) Close() error { return nil }

func scan[T any](ctx context.Context, items []T, fn func(T) error) error {
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
