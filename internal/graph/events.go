package graph

import (
	"slices"
	"time"

	"github.com/zjrosen/strata/internal/pubsub"
	"github.com/zjrosen/strata/internal/typedef"
)

// ChangeKind names what a committed mutation did.
type ChangeKind string

const (
	EntityAdded          ChangeKind = "EntityAdded"
	EntityProxyAdded     ChangeKind = "EntityProxyAdded"
	EntityUpdated        ChangeKind = "EntityUpdated"
	EntityStatusChanged  ChangeKind = "EntityStatusChanged"
	EntityClassified     ChangeKind = "EntityClassified"
	EntityReclassified   ChangeKind = "EntityReclassified"
	EntityDeclassified   ChangeKind = "EntityDeclassified"
	EntityDeleted        ChangeKind = "EntityDeleted"
	EntityRestored       ChangeKind = "EntityRestored"
	EntityPurged         ChangeKind = "EntityPurged"
	RelationshipAdded    ChangeKind = "RelationshipAdded"
	RelationshipUpdated  ChangeKind = "RelationshipUpdated"
	RelationshipStatus   ChangeKind = "RelationshipStatusChanged"
	RelationshipDeleted  ChangeKind = "RelationshipDeleted"
	RelationshipRestored ChangeKind = "RelationshipRestored"
	RelationshipPurged   ChangeKind = "RelationshipPurged"
)

// ChangeKinds lists every kind of change event.
var ChangeKinds = []ChangeKind{
	EntityAdded, EntityProxyAdded, EntityUpdated, EntityStatusChanged,
	EntityClassified, EntityReclassified, EntityDeclassified, EntityDeleted,
	EntityRestored, EntityPurged, RelationshipAdded, RelationshipUpdated,
	RelationshipStatus, RelationshipDeleted, RelationshipRestored, RelationshipPurged,
}

// IsValid reports whether k is a known kind.
func (k ChangeKind) IsValid() bool { return slices.Contains(ChangeKinds, k) }

// IsRelationship reports whether k concerns a relationship.
func (k ChangeKind) IsRelationship() bool {
	switch k {
	case RelationshipAdded, RelationshipUpdated, RelationshipStatus,
		RelationshipDeleted, RelationshipRestored, RelationshipPurged:
		return true
	}
	return false
}

// EventType maps k onto the broker's coarse event types.
func (k ChangeKind) EventType() pubsub.EventType {
	switch k {
	case EntityAdded, EntityProxyAdded, RelationshipAdded:
		return pubsub.CreatedEvent
	case EntityDeleted, EntityPurged, RelationshipDeleted, RelationshipPurged:
		return pubsub.DeletedEvent
	}
	return pubsub.UpdatedEvent
}

// ChangeEvent describes one committed mutation. Entity or Relationship holds
// the committed version; both are nil for purges.
type ChangeEvent struct {
	Kind           ChangeKind             `json:"kind"`
	GUID           string                 `json:"guid"`
	Type           typedef.Link           `json:"type"`
	Version        int64                  `json:"version"`
	Status         typedef.InstanceStatus `json:"status"`
	Classification string                 `json:"classification,omitempty"`
	User           string                 `json:"user,omitempty"`
	Time           time.Time              `json:"time"`
	Entity         *EntityDetail          `json:"entity,omitempty"`
	Relationship   *Relationship          `json:"relationship,omitempty"`
	// Sequence is the broker's publish sequence, filled in on delivery.
	Sequence uint64 `json:"sequence,omitempty"`
}

func entityEvent(kind ChangeKind, e *EntityDetail) ChangeEvent {
	return ChangeEvent{
		Kind:    kind,
		GUID:    e.GUID,
		Type:    e.Type,
		Version: e.Version,
		Status:  e.Status,
		User:    e.UpdatedBy,
		Time:    e.VersionTime(),
		Entity:  e.Clone(),
	}
}

func relationshipEvent(kind ChangeKind, r *Relationship) ChangeEvent {
	return ChangeEvent{
		Kind:         kind,
		GUID:         r.GUID,
		Type:         r.Type,
		Version:      r.Version,
		Status:       r.Status,
		User:         r.UpdatedBy,
		Time:         r.VersionTime(),
		Relationship: r.Clone(),
	}
}
