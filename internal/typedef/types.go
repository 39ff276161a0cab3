// Package typedef is the schema catalog: TypeDefs for entities,
// relationships and classifications, and the AttributeTypeDefs their
// properties are declared with.
//
// A Registry is built once from one or more archives through a Builder and
// is immutable afterwards, so lookups need no locking. Values returned by the
// Registry are shared and must not be modified by callers.
package typedef

import (
	"github.com/zjrosen/strata/internal/property"
)

// Category classifies a TypeDef or AttributeTypeDef.
type Category string

const (
	CategoryEntity         Category = "ENTITY_DEF"
	CategoryRelationship   Category = "RELATIONSHIP_DEF"
	CategoryClassification Category = "CLASSIFICATION_DEF"
	CategoryEnum           Category = "ENUM_DEF"
	CategoryCollection     Category = "COLLECTION_DEF"
	CategoryPrimitive      Category = "PRIMITIVE_DEF"
)

// IsTypeDef reports whether c is an instance-type category.
func (c Category) IsTypeDef() bool {
	switch c {
	case CategoryEntity, CategoryRelationship, CategoryClassification:
		return true
	}
	return false
}

// IsAttributeTypeDef reports whether c is a property value-type category.
func (c Category) IsAttributeTypeDef() bool {
	switch c {
	case CategoryEnum, CategoryCollection, CategoryPrimitive:
		return true
	}
	return false
}

// InstanceStatus is the lifecycle status of an entity or relationship.
type InstanceStatus string

const (
	StatusDraft      InstanceStatus = "DRAFT"
	StatusPrepared   InstanceStatus = "PREPARED"
	StatusProposed   InstanceStatus = "PROPOSED"
	StatusApproved   InstanceStatus = "APPROVED"
	StatusRejected   InstanceStatus = "REJECTED"
	StatusActive     InstanceStatus = "ACTIVE"
	StatusDeprecated InstanceStatus = "DEPRECATED"
	StatusOther      InstanceStatus = "OTHER"
	StatusDeleted    InstanceStatus = "DELETED"
)

// IsValid returns true if the status is a known value.
func (s InstanceStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusPrepared, StatusProposed, StatusApproved, StatusRejected,
		StatusActive, StatusDeprecated, StatusOther, StatusDeleted:
		return true
	}
	return false
}

func (s InstanceStatus) String() string { return string(s) }

// Link is a by-reference pointer to another definition.
type Link struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// IsZero reports whether the link is unset.
func (l Link) IsZero() bool { return l.GUID == "" && l.Name == "" }

// PropertyDef declares one property of a TypeDef.
type PropertyDef struct {
	Name              string `json:"name"`
	AttributeTypeGUID string `json:"attributeTypeGUID"`
	AttributeTypeName string `json:"attributeTypeName"`
	Description       string `json:"description,omitempty"`
	Required          bool   `json:"required,omitempty"`
	Unique            bool   `json:"unique,omitempty"`
}

// ExternalStandardMapping ties a type to a term in an external standard.
type ExternalStandardMapping struct {
	Standard     string `json:"standard,omitempty"`
	Organization string `json:"organization,omitempty"`
	Identifier   string `json:"identifier,omitempty"`
}

// Cardinality of a relationship end.
type Cardinality string

const (
	AtMostOne Cardinality = "AT_MOST_ONE"
	AnyNumber Cardinality = "ANY_NUMBER"
)

// RelationshipEnd describes one end of a relationship type.
type RelationshipEnd struct {
	EntityType    Link        `json:"entityType"`
	AttributeName string      `json:"attributeName"`
	Cardinality   Cardinality `json:"cardinality"`
}

// TypeDef is the schema of an entity, relationship or classification.
type TypeDef struct {
	GUID              string                    `json:"guid"`
	Name              string                    `json:"name"`
	Category          Category                  `json:"category"`
	Version           int64                     `json:"version"`
	Description       string                    `json:"description,omitempty"`
	SuperType         *Link                     `json:"superType,omitempty"`
	Properties        []PropertyDef             `json:"properties,omitempty"`
	ExternalStandards []ExternalStandardMapping `json:"externalStandards,omitempty"`
	ValidStatuses     []InstanceStatus          `json:"validStatuses,omitempty"`
	InitialStatus     InstanceStatus            `json:"initialStatus,omitempty"`

	// Relationship types only.
	End1      *RelationshipEnd `json:"end1,omitempty"`
	End2      *RelationshipEnd `json:"end2,omitempty"`
	Reflexive bool             `json:"reflexive,omitempty"`

	// Classification types only. Empty ValidEntityTypes means any entity type.
	ValidEntityTypes []Link `json:"validEntityTypes,omitempty"`
	Propagatable     bool   `json:"propagatable,omitempty"`
}

// Link returns a reference to this TypeDef.
func (d *TypeDef) Link() Link { return Link{GUID: d.GUID, Name: d.Name} }

// EnumElement is one symbol of an enum AttributeTypeDef.
type EnumElement struct {
	Ordinal     int    `json:"ordinal"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

// CollectionKind distinguishes array and map collections.
type CollectionKind string

const (
	CollectionArray CollectionKind = "array"
	CollectionMap   CollectionKind = "map"
)

// AttributeTypeDef is the value type of a property.
type AttributeTypeDef struct {
	GUID        string   `json:"guid"`
	Name        string   `json:"name"`
	Category    Category `json:"category"`
	Description string   `json:"description,omitempty"`

	// PRIMITIVE_DEF
	Primitive property.Primitive `json:"primitive,omitempty"`

	// ENUM_DEF
	Elements       []EnumElement `json:"elements,omitempty"`
	DefaultOrdinal *int          `json:"defaultOrdinal,omitempty"`

	// COLLECTION_DEF: arrays hold Element values, maps hold Element values under string keys.
	Collection CollectionKind     `json:"collection,omitempty"`
	Element    property.Primitive `json:"element,omitempty"`
}

// Link returns a reference to this AttributeTypeDef.
func (d *AttributeTypeDef) Link() Link { return Link{GUID: d.GUID, Name: d.Name} }

// EnumElement returns the enum element with the given ordinal.
func (d *AttributeTypeDef) EnumElement(ordinal int) (EnumElement, bool) {
	for _, e := range d.Elements {
		if e.Ordinal == ordinal {
			return e, true
		}
	}
	return EnumElement{}, false
}

// Gallery is the result of the multi-kind finders.
type Gallery struct {
	TypeDefs          []*TypeDef          `json:"typeDefs,omitempty"`
	AttributeTypeDefs []*AttributeTypeDef `json:"attributeTypeDefs,omitempty"`
}

// Empty reports whether the gallery holds no definitions.
func (g Gallery) Empty() bool {
	return len(g.TypeDefs) == 0 && len(g.AttributeTypeDefs) == 0
}
