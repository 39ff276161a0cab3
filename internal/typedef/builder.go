package typedef

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zjrosen/strata/internal/property"
)

// Build validation errors.
var (
	ErrRegistryEmpty        = errors.New("registry must have at least one type")
	ErrIncompleteDefinition = errors.New("definition is missing a required field")
	ErrDuplicateGUID        = errors.New("duplicate definition GUID")
	ErrDuplicateName        = errors.New("duplicate definition name")
	ErrUnknownReference     = errors.New("unknown definition reference")
	ErrSuperTypeCategory    = errors.New("supertype has a different category")
	ErrInheritanceCycle     = errors.New("cycle detected in supertype chain")
	ErrDuplicateProperty    = errors.New("property declared more than once in type hierarchy")
	ErrInvalidAttributeType = errors.New("invalid attribute type")
	ErrInvalidStatus        = errors.New("invalid instance status")
)

// Builder collects definitions for a Registry.
// It is not safe for concurrent use; Build is the only way to publish them.
type Builder struct {
	attrs    []*AttributeTypeDef
	typeDefs []*TypeDef
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddAttributeTypeDef queues an attribute type. The definition is copied.
func (b *Builder) AddAttributeTypeDef(def AttributeTypeDef) *Builder {
	def.Elements = slices.Clone(def.Elements)
	b.attrs = append(b.attrs, &def)
	return b
}

// AddTypeDef queues a type. The definition is copied; links may be given by
// GUID or name and are completed during Build.
func (b *Builder) AddTypeDef(def TypeDef) *Builder {
	def.Properties = slices.Clone(def.Properties)
	def.ExternalStandards = slices.Clone(def.ExternalStandards)
	def.ValidStatuses = slices.Clone(def.ValidStatuses)
	def.ValidEntityTypes = slices.Clone(def.ValidEntityTypes)
	if def.SuperType != nil {
		st := *def.SuperType
		def.SuperType = &st
	}
	if def.End1 != nil {
		e := *def.End1
		def.End1 = &e
	}
	if def.End2 != nil {
		e := *def.End2
		def.End2 = &e
	}
	b.typeDefs = append(b.typeDefs, &def)
	return b
}

// Build validates the collected definitions and returns an immutable Registry.
func (b *Builder) Build() (*Registry, error) {
	if len(b.typeDefs) == 0 {
		return nil, ErrRegistryEmpty
	}

	r := &Registry{
		typeDefs:      b.typeDefs,
		byGUID:        make(map[string]*TypeDef, len(b.typeDefs)),
		byName:        make(map[string]*TypeDef, len(b.typeDefs)),
		attrs:         b.attrs,
		attrByGUID:    make(map[string]*AttributeTypeDef, len(b.attrs)),
		attrByName:    make(map[string]*AttributeTypeDef, len(b.attrs)),
		ancestors:     make(map[string][]*TypeDef, len(b.typeDefs)),
		allProps:      make(map[string][]PropertyDef, len(b.typeDefs)),
		subtypes:      make(map[string][]string, len(b.typeDefs)),
		validStatuses: make(map[string][]InstanceStatus, len(b.typeDefs)),
	}

	// Names and GUIDs are unique across both kinds of definition.
	names := make(map[string]bool)
	guids := make(map[string]bool)
	claim := func(guid, name string) error {
		if guid == "" || name == "" {
			return fmt.Errorf("%w: guid and name are required (got %q/%q)", ErrIncompleteDefinition, guid, name)
		}
		if guids[guid] {
			return fmt.Errorf("%w: %s", ErrDuplicateGUID, guid)
		}
		if names[name] {
			return fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		guids[guid] = true
		names[name] = true
		return nil
	}

	for _, a := range b.attrs {
		if err := claim(a.GUID, a.Name); err != nil {
			return nil, err
		}
		if err := validateAttributeTypeDef(a); err != nil {
			return nil, err
		}
		r.attrByGUID[a.GUID] = a
		r.attrByName[a.Name] = a
	}
	for _, d := range b.typeDefs {
		if err := claim(d.GUID, d.Name); err != nil {
			return nil, err
		}
		if !d.Category.IsTypeDef() {
			return nil, fmt.Errorf("%w: %s has category %q", ErrIncompleteDefinition, d.Name, d.Category)
		}
		if d.Version == 0 {
			d.Version = 1
		}
		r.byGUID[d.GUID] = d
		r.byName[d.Name] = d
	}

	for _, d := range b.typeDefs {
		if err := r.resolveLinks(d); err != nil {
			return nil, err
		}
	}
	for _, d := range b.typeDefs {
		if err := r.indexHierarchy(d); err != nil {
			return nil, err
		}
	}
	for _, d := range b.typeDefs {
		if err := r.indexStatuses(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func validateAttributeTypeDef(a *AttributeTypeDef) error {
	switch a.Category {
	case CategoryPrimitive:
		if !a.Primitive.IsValid() {
			return fmt.Errorf("%w: %s has unknown primitive %q", ErrInvalidAttributeType, a.Name, a.Primitive)
		}
	case CategoryEnum:
		if len(a.Elements) == 0 {
			return fmt.Errorf("%w: enum %s has no elements", ErrInvalidAttributeType, a.Name)
		}
		seen := make(map[int]bool, len(a.Elements))
		for _, e := range a.Elements {
			if seen[e.Ordinal] {
				return fmt.Errorf("%w: enum %s repeats ordinal %d", ErrInvalidAttributeType, a.Name, e.Ordinal)
			}
			seen[e.Ordinal] = true
		}
		if a.DefaultOrdinal != nil && !seen[*a.DefaultOrdinal] {
			return fmt.Errorf("%w: enum %s default ordinal %d is not an element", ErrInvalidAttributeType, a.Name, *a.DefaultOrdinal)
		}
	case CategoryCollection:
		if a.Collection != CollectionArray && a.Collection != CollectionMap {
			return fmt.Errorf("%w: collection %s has kind %q", ErrInvalidAttributeType, a.Name, a.Collection)
		}
		if !a.Element.IsValid() {
			return fmt.Errorf("%w: collection %s has unknown element %q", ErrInvalidAttributeType, a.Name, a.Element)
		}
	default:
		return fmt.Errorf("%w: %s has category %q", ErrInvalidAttributeType, a.Name, a.Category)
	}
	return nil
}

// resolveTypeLink completes l against the TypeDefs, requiring category want.
func (r *Registry) resolveTypeLink(l *Link, want Category, owner string) error {
	var target *TypeDef
	if l.GUID != "" {
		target = r.byGUID[l.GUID]
	} else {
		target = r.byName[l.Name]
	}
	if target == nil {
		return fmt.Errorf("%w: %s references type %q", ErrUnknownReference, owner, l.Name+l.GUID)
	}
	if target.Category != want {
		return fmt.Errorf("%w: %s references %s (%s), want %s", ErrSuperTypeCategory, owner, target.Name, target.Category, want)
	}
	*l = target.Link()
	return nil
}

func (r *Registry) resolveLinks(d *TypeDef) error {
	if d.SuperType != nil {
		if err := r.resolveTypeLink(d.SuperType, d.Category, d.Name); err != nil {
			return err
		}
	}

	for i := range d.Properties {
		p := &d.Properties[i]
		if p.Name == "" {
			return fmt.Errorf("%w: %s has an unnamed property", ErrIncompleteDefinition, d.Name)
		}
		var attr *AttributeTypeDef
		if p.AttributeTypeGUID != "" {
			attr = r.attrByGUID[p.AttributeTypeGUID]
		} else {
			attr = r.attrByName[p.AttributeTypeName]
		}
		if attr == nil {
			return fmt.Errorf("%w: %s.%s has attribute type %q", ErrUnknownReference, d.Name, p.Name, p.AttributeTypeName+p.AttributeTypeGUID)
		}
		p.AttributeTypeGUID = attr.GUID
		p.AttributeTypeName = attr.Name
	}

	switch d.Category {
	case CategoryRelationship:
		if d.End1 == nil || d.End2 == nil {
			return fmt.Errorf("%w: relationship %s needs both ends", ErrIncompleteDefinition, d.Name)
		}
		for _, end := range []*RelationshipEnd{d.End1, d.End2} {
			if err := r.resolveTypeLink(&end.EntityType, CategoryEntity, d.Name); err != nil {
				return err
			}
			if end.Cardinality == "" {
				end.Cardinality = AnyNumber
			}
		}
	case CategoryClassification:
		for i := range d.ValidEntityTypes {
			if err := r.resolveTypeLink(&d.ValidEntityTypes[i], CategoryEntity, d.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexHierarchy computes the supertype chain, the inherited property list
// and the reverse subtype index for d.
func (r *Registry) indexHierarchy(d *TypeDef) error {
	var chain []*TypeDef
	seen := make(map[string]bool)
	for cur := d; cur != nil; {
		if seen[cur.GUID] {
			return fmt.Errorf("%w: %s -> %s", ErrInheritanceCycle, d.Name, cur.Name)
		}
		seen[cur.GUID] = true
		chain = append(chain, cur)
		if cur.SuperType == nil {
			break
		}
		cur = r.byGUID[cur.SuperType.GUID]
	}
	r.ancestors[d.GUID] = chain

	var props []PropertyDef
	declared := make(map[string]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for _, p := range chain[i].Properties {
			if owner, dup := declared[p.Name]; dup {
				return fmt.Errorf("%w: %s.%s (already declared by %s)", ErrDuplicateProperty, chain[i].Name, p.Name, owner)
			}
			declared[p.Name] = chain[i].Name
			props = append(props, p)
		}
	}
	r.allProps[d.GUID] = props

	if d.SuperType != nil {
		r.subtypes[d.SuperType.GUID] = append(r.subtypes[d.SuperType.GUID], d.GUID)
	}
	return nil
}

// indexStatuses records the effective valid statuses: the nearest declared
// list in the supertype chain, or every status when none declares one.
func (r *Registry) indexStatuses(d *TypeDef) error {
	var valid []InstanceStatus
	for _, t := range r.ancestors[d.GUID] {
		if len(t.ValidStatuses) > 0 {
			valid = t.ValidStatuses
			break
		}
	}
	for _, s := range valid {
		if !s.IsValid() {
			return fmt.Errorf("%w: %s lists %q", ErrInvalidStatus, d.Name, s)
		}
	}
	if d.InitialStatus == "" {
		d.InitialStatus = StatusActive
		if len(valid) > 0 && !slices.Contains(valid, StatusActive) {
			d.InitialStatus = valid[0]
		}
	}
	if !d.InitialStatus.IsValid() || d.InitialStatus == StatusDeleted {
		return fmt.Errorf("%w: %s initial status %q", ErrInvalidStatus, d.Name, d.InitialStatus)
	}
	if len(valid) > 0 && !slices.Contains(valid, d.InitialStatus) {
		return fmt.Errorf("%w: %s initial status %q is not a valid status", ErrInvalidStatus, d.Name, d.InitialStatus)
	}
	r.validStatuses[d.GUID] = valid
	return nil
}

// primitiveOf is a convenience for archives that name a primitive directly.
func primitiveOf(name string) (property.Primitive, bool) {
	p := property.Primitive(name)
	return p, p.IsValid()
}
