package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
)

const headerColumns = `guid, type_guid, type_name, status, status_on_delete, version,
	created_by, updated_by, create_time, update_time, collection_id, collection_name`

const entityColumns = headerColumns + `, proxy, properties, classifications`

const relationshipColumns = headerColumns + `, properties, end1_guid, end2_guid, end1, end2`

// Store implements graph.Store over a DB.
type Store struct {
	db *DB
}

var _ graph.Store = (*Store)(nil)

type scanner interface{ Scan(...any) error }

func (m *headerModel) targets() []any {
	return []any{
		&m.GUID, &m.TypeGUID, &m.TypeName, &m.Status, &m.StatusOnDelete, &m.Version,
		&m.CreatedBy, &m.UpdatedBy, &m.CreateTime, &m.UpdateTime, &m.CollectionID, &m.CollectionName,
	}
}

func (m *headerModel) values() []any {
	return []any{
		m.GUID, m.TypeGUID, m.TypeName, m.Status, m.StatusOnDelete, m.Version,
		m.CreatedBy, m.UpdatedBy, m.CreateTime, m.UpdateTime, m.CollectionID, m.CollectionName,
	}
}

// scanEntity scans a row into an EntityModel.
func scanEntity(s scanner) (*graph.EntityDetail, error) {
	var m EntityModel
	if err := s.Scan(append(m.targets(), &m.Proxy, &m.Properties, &m.Classifications)...); err != nil {
		return nil, err
	}
	return m.toDomain()
}

// scanRelationship scans a row into a RelationshipModel.
func scanRelationship(s scanner) (*graph.Relationship, error) {
	var m RelationshipModel
	if err := s.Scan(append(m.targets(), &m.Properties, &m.End1GUID, &m.End2GUID, &m.End1, &m.End2)...); err != nil {
		return nil, err
	}
	return m.toDomain()
}

func (s *Store) LoadEntity(ctx context.Context, guid string) (*graph.EntityDetail, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE guid = ?`, guid)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrEntityNotFound, "%s", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}
	return e, nil
}

func (s *Store) SaveEntity(ctx context.Context, e *graph.EntityDetail, opts graph.SaveOptions) error {
	m, err := toEntityModel(e)
	if err != nil {
		return err
	}
	values := append(m.values(), m.Proxy, m.Properties, m.Classifications)
	return s.write(ctx, "entities", e.GUID, opts, errs.ErrEntityNotFound, func(tx *sql.Tx, create bool) error {
		if create {
			_, err := tx.ExecContext(ctx, `INSERT INTO entities (`+entityColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, values...)
			if err != nil {
				return fmt.Errorf("failed to insert entity: %w", err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `UPDATE entities SET
				type_guid = ?, type_name = ?, status = ?, status_on_delete = ?, version = ?,
				created_by = ?, updated_by = ?, create_time = ?, update_time = ?,
				collection_id = ?, collection_name = ?, proxy = ?, properties = ?, classifications = ?
				WHERE guid = ?`, append(values[1:], m.GUID)...)
			if err != nil {
				return fmt.Errorf("failed to update entity: %w", err)
			}
		}
		if err := writePropertyKeys(ctx, tx, e); err != nil {
			return err
		}
		if !opts.History {
			return nil
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO entity_history (version_time, `+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, append([]any{m.versionTime()}, values...)...)
		if err != nil {
			return fmt.Errorf("failed to insert entity history: %w", err)
		}
		return nil
	})
}

func (s *Store) PurgeEntity(ctx context.Context, guid string) error {
	return s.purge(ctx, "entities", guid, errs.ErrEntityNotFound, "entity_history", "entity_property_keys")
}

func (s *Store) EntitiesByProperty(ctx context.Context, typeGUIDs []string, name string, v property.Value) ([]*graph.EntityDetail, error) {
	key, ok := v.Key()
	if !ok {
		return nil, errs.Invalid("property %s: only scalar values are indexed", name)
	}
	if len(typeGUIDs) == 0 {
		return nil, nil
	}
	args := []any{name, key}
	for _, t := range typeGUIDs {
		args = append(args, t)
	}
	query := `SELECT ` + prefixed("e.", entityColumns) + ` FROM entity_property_keys k
		JOIN entities e ON e.guid = k.guid
		WHERE k.name = ? AND k.value_key = ? AND k.type_guid IN (?` + strings.Repeat(", ?", len(typeGUIDs)-1) + `)
		ORDER BY e.seq`
	out, err := queryAll(ctx, s.db.conn, scanEntity, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find entities by %s: %w", name, err)
	}
	return out, nil
}

// writePropertyKeys replaces the indexed scalar properties of e.
func writePropertyKeys(ctx context.Context, tx *sql.Tx, e *graph.EntityDetail) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_property_keys WHERE guid = ?`, e.GUID); err != nil {
		return fmt.Errorf("failed to clear property keys: %w", err)
	}
	for name, v := range e.Properties {
		key, ok := v.Key()
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entity_property_keys (guid, type_guid, name, value_key)
			VALUES (?, ?, ?, ?)`, e.GUID, e.Type.GUID, name, key); err != nil {
			return fmt.Errorf("failed to index property %s: %w", name, err)
		}
	}
	return nil
}

// reindexProperties rebuilds entity_property_keys from the current versions.
func (s *Store) reindexProperties(ctx context.Context) error {
	all, err := queryAll(ctx, s.db.conn, scanEntity, `SELECT `+entityColumns+` FROM entities ORDER BY seq`)
	if err != nil {
		return err
	}
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range all {
		if err := writePropertyKeys(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// prefixed qualifies every column in a comma separated list.
func prefixed(prefix, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func (s *Store) ScanEntities(ctx context.Context, fn func(*graph.EntityDetail) error) error {
	all, err := queryAll(ctx, s.db.conn, scanEntity, `SELECT `+entityColumns+` FROM entities ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to scan entities: %w", err)
	}
	return each(all, fn)
}

func (s *Store) EntityHistory(ctx context.Context, guid string) ([]*graph.EntityDetail, error) {
	if _, err := s.LoadEntity(ctx, guid); err != nil {
		return nil, err
	}
	records, err := queryAll(ctx, s.db.conn, scanEntity,
		`SELECT `+entityColumns+` FROM entity_history WHERE guid = ? ORDER BY version`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to list entity history: %w", err)
	}
	return records, nil
}

func (s *Store) LoadRelationship(ctx context.Context, guid string) (*graph.Relationship, error) {
	row := s.db.conn.QueryRowContext(ctx, `SELECT `+relationshipColumns+` FROM relationships WHERE guid = ?`, guid)
	r, err := scanRelationship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Wrap(errs.ErrRelationshipNotFound, "%s", guid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load relationship: %w", err)
	}
	return r, nil
}

func (s *Store) SaveRelationship(ctx context.Context, r *graph.Relationship, opts graph.SaveOptions) error {
	m, err := toRelationshipModel(r)
	if err != nil {
		return err
	}
	values := append(m.values(), m.Properties, m.End1GUID, m.End2GUID, m.End1, m.End2)
	return s.write(ctx, "relationships", r.GUID, opts, errs.ErrRelationshipNotFound, func(tx *sql.Tx, create bool) error {
		if create {
			_, err := tx.ExecContext(ctx, `INSERT INTO relationships (`+relationshipColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, values...)
			if err != nil {
				return fmt.Errorf("failed to insert relationship: %w", err)
			}
		} else {
			_, err := tx.ExecContext(ctx, `UPDATE relationships SET
				type_guid = ?, type_name = ?, status = ?, status_on_delete = ?, version = ?,
				created_by = ?, updated_by = ?, create_time = ?, update_time = ?,
				collection_id = ?, collection_name = ?, properties = ?,
				end1_guid = ?, end2_guid = ?, end1 = ?, end2 = ?
				WHERE guid = ?`, append(values[1:], m.GUID)...)
			if err != nil {
				return fmt.Errorf("failed to update relationship: %w", err)
			}
		}
		if !opts.History {
			return nil
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO relationship_history (version_time, `+relationshipColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, append([]any{m.versionTime()}, values...)...)
		if err != nil {
			return fmt.Errorf("failed to insert relationship history: %w", err)
		}
		return nil
	})
}

func (s *Store) PurgeRelationship(ctx context.Context, guid string) error {
	return s.purge(ctx, "relationships", guid, errs.ErrRelationshipNotFound, "relationship_history")
}

func (s *Store) ScanRelationships(ctx context.Context, fn func(*graph.Relationship) error) error {
	all, err := queryAll(ctx, s.db.conn, scanRelationship, `SELECT `+relationshipColumns+` FROM relationships ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("failed to scan relationships: %w", err)
	}
	return each(all, fn)
}

func (s *Store) RelationshipHistory(ctx context.Context, guid string) ([]*graph.Relationship, error) {
	if _, err := s.LoadRelationship(ctx, guid); err != nil {
		return nil, err
	}
	records, err := queryAll(ctx, s.db.conn, scanRelationship,
		`SELECT `+relationshipColumns+` FROM relationship_history WHERE guid = ? ORDER BY version`, guid)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationship history: %w", err)
	}
	return records, nil
}

func (s *Store) RelationshipsForEntity(ctx context.Context, entityGUID string) ([]*graph.Relationship, error) {
	rels, err := queryAll(ctx, s.db.conn, scanRelationship,
		`SELECT `+relationshipColumns+` FROM relationships WHERE end1_guid = ? OR end2_guid = ? ORDER BY seq`,
		entityGUID, entityGUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list relationships for entity: %w", err)
	}
	return rels, nil
}

func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	total := 0
	for _, table := range []string{"entity_history", "relationship_history"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE version_time < ?
			AND version < (SELECT MAX(h.version) FROM `+table+` h WHERE h.guid = `+table+`.guid)`,
			toUnix(cutoff))
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}
	return total, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// write checks the stored version of guid against opts inside a transaction
// and runs apply with create set when the row does not exist yet.
func (s *Store) write(ctx context.Context, table, guid string, opts graph.SaveOptions, notFound error, apply func(tx *sql.Tx, create bool) error) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var stored int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM `+table+` WHERE guid = ?`, guid).Scan(&stored)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read stored version: %w", err)
	}
	switch {
	case opts.ExpectedVersion == 0 && exists:
		return errs.Wrap(errs.ErrDuplicateInstance, "%s", guid)
	case opts.ExpectedVersion != 0 && !exists:
		return errs.Wrap(notFound, "%s", guid)
	case exists && stored != opts.ExpectedVersion:
		return errs.Wrap(errs.ErrConcurrentUpdate, "%s is at version %d, expected %d", guid, stored, opts.ExpectedVersion)
	}

	if err := apply(tx, !exists); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// purge deletes guid from table and every row keyed by it in dependents.
func (s *Store) purge(ctx context.Context, table, guid string, notFound error, dependents ...string) error {
	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE guid = ?`, guid)
	if err != nil {
		return fmt.Errorf("failed to purge %s: %w", guid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return errs.Wrap(notFound, "%s", guid)
	}
	for _, dep := range dependents {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+dep+` WHERE guid = ?`, guid); err != nil {
			return fmt.Errorf("failed to purge %s rows of %s: %w", dep, guid, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// queryAll reads every row before returning so callers never hold a cursor
// open on the single connection.
func queryAll[T any](ctx context.Context, conn *sql.DB, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func each[T any](items []T, fn func(T) error) error {
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}
