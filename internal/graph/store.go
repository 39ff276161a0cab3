package graph

import (
	"context"
	"time"

	"github.com/zjrosen/strata/internal/property"
)

// SaveOptions qualifies a Store write.
type SaveOptions struct {
	// ExpectedVersion is the version the stored instance must currently have.
	// Zero means the instance must not exist yet.
	ExpectedVersion int64

	// History appends the written version to the instance's history in the
	// same transaction as the current-version write.
	History bool
}

// Store is the persistence port of the graph. Implementations hold the
// current version of every instance plus its history records.
//
// Load and history calls return copies the caller may modify. A write whose
// ExpectedVersion does not match fails with errs.ErrConcurrentUpdate; a create
// over an existing GUID fails with errs.ErrDuplicateInstance. Misses return
// errs.ErrEntityNotFound or errs.ErrRelationshipNotFound.
type Store interface {
	LoadEntity(ctx context.Context, guid string) (*EntityDetail, error)
	SaveEntity(ctx context.Context, e *EntityDetail, opts SaveOptions) error
	// PurgeEntity removes the current version and every history record.
	PurgeEntity(ctx context.Context, guid string) error
	// ScanEntities calls fn with the current version of every entity in
	// creation order. Returning a non-nil error stops the scan.
	ScanEntities(ctx context.Context, fn func(*EntityDetail) error) error
	// EntitiesByProperty returns the current version of every entity, in any
	// status, whose type is one of typeGUIDs and whose property name holds a
	// value with v's key. v must be a scalar (see property.Value.Key).
	EntitiesByProperty(ctx context.Context, typeGUIDs []string, name string, v property.Value) ([]*EntityDetail, error)
	// EntityHistory returns every recorded version in ascending version order.
	EntityHistory(ctx context.Context, guid string) ([]*EntityDetail, error)

	LoadRelationship(ctx context.Context, guid string) (*Relationship, error)
	SaveRelationship(ctx context.Context, r *Relationship, opts SaveOptions) error
	PurgeRelationship(ctx context.Context, guid string) error
	ScanRelationships(ctx context.Context, fn func(*Relationship) error) error
	RelationshipHistory(ctx context.Context, guid string) ([]*Relationship, error)
	// RelationshipsForEntity returns the current version of every
	// relationship with entityGUID at either end, in any status.
	RelationshipsForEntity(ctx context.Context, entityGUID string) ([]*Relationship, error)

	// PruneHistory removes history records whose version time is before
	// cutoff, always keeping the newest record of each instance. It returns
	// the number of records removed.
	PruneHistory(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
