package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
)

// Key layout, per kind prefix ("e/" entities, "r/" relationships):
//
//	<p>c/<guid>             current version
//	<p>h/<guid>/<version>   history record, version zero padded
//	<p>o/<seq>              creation order -> guid
//	<p>s/<guid>             guid -> seq
//	x/<entity>/<rel>        relationship end index
//	p/<name>\0<key>\0<guid>  entity scalar property index -> type guid
const (
	seqKey         = "!seq"
	propertyMarker = "!pidx"
	propertyPrefix = "p/"
	propertySep    = "\x00"
)

func pad(n uint64) string { return fmt.Sprintf("%020d", n) }

type kind[T any] struct {
	prefix   string
	header   func(T) graph.InstanceHeader
	notFound error
}

var (
	entities = kind[*graph.EntityDetail]{
		prefix:   "e/",
		header:   func(e *graph.EntityDetail) graph.InstanceHeader { return e.InstanceHeader },
		notFound: errs.ErrEntityNotFound,
	}
	relationships = kind[*graph.Relationship]{
		prefix:   "r/",
		header:   func(r *graph.Relationship) graph.InstanceHeader { return r.InstanceHeader },
		notFound: errs.ErrRelationshipNotFound,
	}
)

func (k kind[T]) current(guid string) []byte { return []byte(k.prefix + "c/" + guid) }
func (k kind[T]) historyPrefix(guid string) []byte {
	return []byte(k.prefix + "h/" + guid + "/")
}
func (k kind[T]) historyKey(guid string, version int64) []byte {
	return append(k.historyPrefix(guid), pad(uint64(version))...)
}
func (k kind[T]) orderKey(seq string) []byte { return []byte(k.prefix + "o/" + seq) }
func (k kind[T]) seqOf(guid string) []byte   { return []byte(k.prefix + "s/" + guid) }

func endKey(entityGUID, relGUID string) []byte { return []byte("x/" + entityGUID + "/" + relGUID) }

func propertyValuePrefix(name, key string) []byte {
	return []byte(propertyPrefix + name + propertySep + key + propertySep)
}

// propertyKeys lists the index entries of e's scalar properties.
func propertyKeys(e *graph.EntityDetail) [][]byte {
	var keys [][]byte
	for name, v := range e.Properties {
		if key, ok := v.Key(); ok {
			keys = append(keys, append(propertyValuePrefix(name, key), e.GUID...))
		}
	}
	return keys
}

func indexProperties(txn *badger.Txn, prev, next *graph.EntityDetail) error {
	if prev != nil {
		for _, key := range propertyKeys(prev) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
	}
	if next != nil {
		for _, key := range propertyKeys(next) {
			if err := txn.Set(key, []byte(next.Type.GUID)); err != nil {
				return err
			}
		}
	}
	return nil
}

func decode[T any](item *badger.Item) (T, error) {
	var v T
	err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) })
	return v, err
}

func (k kind[T]) load(txn *badger.Txn, guid string) (T, error) {
	item, err := txn.Get(k.current(guid))
	if errors.Is(err, badger.ErrKeyNotFound) {
		var zero T
		return zero, errs.Wrap(k.notFound, "%s", guid)
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return decode[T](item)
}

// saveTxn checks the stored version and writes v. It reports whether v was
// newly created.
func (k kind[T]) saveTxn(txn *badger.Txn, v T, opts graph.SaveOptions, nextSeq func() (uint64, error)) (bool, error) {
	h := k.header(v)
	prev, err := k.load(txn, h.GUID)
	exists := err == nil
	if err != nil && !errors.Is(err, k.notFound) {
		return false, err
	}
	switch {
	case opts.ExpectedVersion == 0 && exists:
		return false, errs.Wrap(errs.ErrDuplicateInstance, "%s", h.GUID)
	case opts.ExpectedVersion != 0 && !exists:
		return false, errs.Wrap(k.notFound, "%s", h.GUID)
	case exists && k.header(prev).Version != opts.ExpectedVersion:
		return false, errs.Wrap(errs.ErrConcurrentUpdate, "%s is at version %d, expected %d",
			h.GUID, k.header(prev).Version, opts.ExpectedVersion)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s: %w", h.GUID, err)
	}
	if err := txn.Set(k.current(h.GUID), data); err != nil {
		return false, err
	}
	if opts.History {
		if err := txn.Set(k.historyKey(h.GUID, h.Version), data); err != nil {
			return false, err
		}
	}
	if !exists {
		n, err := nextSeq()
		if err != nil {
			return false, fmt.Errorf("failed to allocate sequence: %w", err)
		}
		seq := pad(n)
		if err := txn.Set(k.orderKey(seq), []byte(h.GUID)); err != nil {
			return false, err
		}
		if err := txn.Set(k.seqOf(h.GUID), []byte(seq)); err != nil {
			return false, err
		}
	}
	return !exists, nil
}

func (k kind[T]) purgeTxn(txn *badger.Txn, guid string) error {
	if _, err := k.load(txn, guid); err != nil {
		return err
	}
	item, err := txn.Get(k.seqOf(guid))
	if err != nil {
		return fmt.Errorf("failed to read sequence of %s: %w", guid, err)
	}
	seq, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	keys := [][]byte{k.current(guid), k.seqOf(guid), k.orderKey(string(seq))}
	keys = append(keys, keysWithPrefix(txn, k.historyPrefix(guid))...)
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (k kind[T]) scanTxn(txn *badger.Txn) ([]T, error) {
	var out []T
	for _, key := range keysWithPrefix(txn, []byte(k.prefix+"o/")) {
		item, err := txn.Get(key)
		if err != nil {
			return nil, err
		}
		guid, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		v, err := k.load(txn, string(guid))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (k kind[T]) historyTxn(txn *badger.Txn, guid string) ([]T, error) {
	if _, err := k.load(txn, guid); err != nil {
		return nil, err
	}
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	var out []T
	p := k.historyPrefix(guid)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v, err := decode[T](it.Item())
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// prunable lists history keys older than cutoff, sparing the newest record
// of every instance. Keys of one instance are adjacent and version ordered.
func (k kind[T]) prunable(txn *badger.Txn, cutoff time.Time) ([][]byte, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	type record struct {
		key []byte
		old bool
	}
	var out [][]byte
	var run []record
	var last string
	flush := func() {
		for _, r := range run[:max(len(run)-1, 0)] {
			if r.old {
				out = append(out, r.key)
			}
		}
		run = run[:0]
	}
	p := []byte(k.prefix + "h/")
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		guid := string(key[len(p):bytes.LastIndexByte(key, '/')])
		if guid != last {
			flush()
			last = guid
		}
		var h graph.InstanceHeader
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &h) }); err != nil {
			return nil, err
		}
		run = append(run, record{key: key, old: h.VersionTime().Before(cutoff)})
	}
	flush()
	return out, nil
}

func keysWithPrefix(txn *badger.Txn, p []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	var keys [][]byte
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// Store implements graph.Store over a DB.
type Store struct {
	db *DB
}

var _ graph.Store = (*Store)(nil)

func (s *Store) update(fn func(txn *badger.Txn) error) error {
	err := s.db.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return errs.Wrap(errs.ErrConcurrentUpdate, "transaction conflict")
	}
	return err
}

func (s *Store) LoadEntity(_ context.Context, guid string) (*graph.EntityDetail, error) {
	var e *graph.EntityDetail
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = entities.load(txn, guid)
		return err
	})
	return e, err
}

func (s *Store) SaveEntity(_ context.Context, e *graph.EntityDetail, opts graph.SaveOptions) error {
	return s.update(func(txn *badger.Txn) error {
		prev, err := entities.load(txn, e.GUID)
		if err != nil && !errors.Is(err, errs.ErrEntityNotFound) {
			return err
		}
		if _, err := entities.saveTxn(txn, e, opts, s.db.seq.Next); err != nil {
			return err
		}
		return indexProperties(txn, prev, e)
	})
}

func (s *Store) PurgeEntity(_ context.Context, guid string) error {
	return s.update(func(txn *badger.Txn) error {
		prev, err := entities.load(txn, guid)
		if err != nil {
			return err
		}
		if err := entities.purgeTxn(txn, guid); err != nil {
			return err
		}
		return indexProperties(txn, prev, nil)
	})
}

func (s *Store) EntitiesByProperty(_ context.Context, typeGUIDs []string, name string, v property.Value) ([]*graph.EntityDetail, error) {
	key, ok := v.Key()
	if !ok {
		return nil, errs.Invalid("property %s: only scalar values are indexed", name)
	}
	var out []*graph.EntityDetail
	err := s.db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := propertyValuePrefix(name, key)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			typeGUID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !slices.Contains(typeGUIDs, string(typeGUID)) {
				continue
			}
			e, err := entities.load(txn, string(item.Key()[len(p):]))
			if errors.Is(err, errs.ErrEntityNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find entities by %s: %w", name, err)
	}
	return out, nil
}

func (s *Store) ScanEntities(ctx context.Context, fn func(*graph.EntityDetail) error) error {
	var all []*graph.EntityDetail
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = entities.scanTxn(txn)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scan entities: %w", err)
	}
	return each(ctx, all, fn)
}

func (s *Store) EntityHistory(_ context.Context, guid string) ([]*graph.EntityDetail, error) {
	var records []*graph.EntityDetail
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		records, err = entities.historyTxn(txn, guid)
		return err
	})
	return records, err
}

func (s *Store) LoadRelationship(_ context.Context, guid string) (*graph.Relationship, error) {
	var r *graph.Relationship
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = relationships.load(txn, guid)
		return err
	})
	return r, err
}

func (s *Store) SaveRelationship(_ context.Context, r *graph.Relationship, opts graph.SaveOptions) error {
	return s.update(func(txn *badger.Txn) error {
		created, err := relationships.saveTxn(txn, r, opts, s.db.seq.Next)
		if err != nil || !created {
			return err
		}
		if err := txn.Set(endKey(r.End1.GUID, r.GUID), nil); err != nil {
			return err
		}
		return txn.Set(endKey(r.End2.GUID, r.GUID), nil)
	})
}

func (s *Store) PurgeRelationship(_ context.Context, guid string) error {
	return s.update(func(txn *badger.Txn) error {
		r, err := relationships.load(txn, guid)
		if err != nil {
			return err
		}
		if err := relationships.purgeTxn(txn, guid); err != nil {
			return err
		}
		if err := txn.Delete(endKey(r.End1.GUID, guid)); err != nil {
			return err
		}
		return txn.Delete(endKey(r.End2.GUID, guid))
	})
}

func (s *Store) ScanRelationships(ctx context.Context, fn func(*graph.Relationship) error) error {
	var all []*graph.Relationship
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		all, err = relationships.scanTxn(txn)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to scan relationships: %w", err)
	}
	return each(ctx, all, fn)
}

func (s *Store) RelationshipHistory(_ context.Context, guid string) ([]*graph.Relationship, error) {
	var records []*graph.Relationship
	err := s.db.db.View(func(txn *badger.Txn) error {
		var err error
		records, err = relationships.historyTxn(txn, guid)
		return err
	})
	return records, err
}

// RelationshipsForEntity returns the relationships touching entityGUID in
// creation order.
func (s *Store) RelationshipsForEntity(_ context.Context, entityGUID string) ([]*graph.Relationship, error) {
	type ordered struct {
		seq string
		rel *graph.Relationship
	}
	var found []ordered
	err := s.db.db.View(func(txn *badger.Txn) error {
		p := []byte("x/" + entityGUID + "/")
		for _, key := range keysWithPrefix(txn, p) {
			guid := string(key[len(p):])
			r, err := relationships.load(txn, guid)
			if err != nil {
				return err
			}
			item, err := txn.Get(relationships.seqOf(guid))
			if err != nil {
				return err
			}
			seq, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			found = append(found, ordered{seq: string(seq), rel: r})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships for entity: %w", err)
	}
	slices.SortFunc(found, func(a, b ordered) int { return strings.Compare(a.seq, b.seq) })
	out := make([]*graph.Relationship, len(found))
	for i, f := range found {
		out[i] = f.rel
	}
	return out, nil
}

func (s *Store) PruneHistory(_ context.Context, cutoff time.Time) (int, error) {
	var keys [][]byte
	err := s.db.db.View(func(txn *badger.Txn) error {
		ek, err := entities.prunable(txn, cutoff)
		if err != nil {
			return err
		}
		rk, err := relationships.prunable(txn, cutoff)
		if err != nil {
			return err
		}
		keys = append(ek, rk...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find prunable history: %w", err)
	}

	wb := s.db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, fmt.Errorf("failed to prune history: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return len(keys), nil
}

// indexExisting builds the property index of a database written before the
// index existed. The marker key records that it is complete.
func (d *DB) indexExisting() error {
	var done bool
	var all []*graph.EntityDetail
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(propertyMarker))
		if err == nil {
			done = true
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		all, err = entities.scanTxn(txn)
		return err
	})
	if err != nil || done {
		return err
	}

	wb := d.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range all {
		for _, key := range propertyKeys(e) {
			if err := wb.Set(key, []byte(e.Type.GUID)); err != nil {
				return err
			}
		}
	}
	if err := wb.Set([]byte(propertyMarker), nil); err != nil {
		return err
	}
	return wb.Flush()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func each[T any](ctx context.Context, items []T, fn func(T) error) error {
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
