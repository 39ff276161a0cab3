package typedef

import (
	"regexp"
	"slices"

	"github.com/zjrosen/strata/internal/errs"
)

// Registry is the immutable type catalog.
type Registry struct {
	typeDefs []*TypeDef
	byGUID   map[string]*TypeDef
	byName   map[string]*TypeDef

	attrs      []*AttributeTypeDef
	attrByGUID map[string]*AttributeTypeDef
	attrByName map[string]*AttributeTypeDef

	ancestors     map[string][]*TypeDef // guid -> self, parent, grandparent...
	allProps      map[string][]PropertyDef
	subtypes      map[string][]string // guid -> direct subtype GUIDs
	validStatuses map[string][]InstanceStatus
}

// AllTypes returns every definition in archive order.
func (r *Registry) AllTypes() Gallery {
	return Gallery{
		TypeDefs:          slices.Clone(r.typeDefs),
		AttributeTypeDefs: slices.Clone(r.attrs),
	}
}

// FindTypesByName returns the definitions whose name matches a wildcard
// pattern where * matches any run of characters and ? one character.
func (r *Registry) FindTypesByName(pattern string) (Gallery, error) {
	if pattern == "" {
		return Gallery{}, errs.Invalid("type name pattern is empty")
	}
	re := compileWildcard(pattern)

	var g Gallery
	for _, d := range r.typeDefs {
		if re.MatchString(d.Name) {
			g.TypeDefs = append(g.TypeDefs, d)
		}
	}
	for _, a := range r.attrs {
		if re.MatchString(a.Name) {
			g.AttributeTypeDefs = append(g.AttributeTypeDefs, a)
		}
	}
	return g, nil
}

// FindTypeDefsByCategory returns the TypeDefs of an instance-type category.
func (r *Registry) FindTypeDefsByCategory(category Category) ([]*TypeDef, error) {
	if !category.IsTypeDef() {
		return nil, errs.Invalid("%q is not a type definition category", category)
	}
	var out []*TypeDef
	for _, d := range r.typeDefs {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindAttributeTypeDefsByCategory returns the AttributeTypeDefs of a value-type category.
func (r *Registry) FindAttributeTypeDefsByCategory(category Category) ([]*AttributeTypeDef, error) {
	if !category.IsAttributeTypeDef() {
		return nil, errs.Invalid("%q is not an attribute type category", category)
	}
	var out []*AttributeTypeDef
	for _, a := range r.attrs {
		if a.Category == category {
			out = append(out, a)
		}
	}
	return out, nil
}

// FindTypeDefsByProperty returns the TypeDefs whose properties, including
// inherited ones, contain every name in propertyNames.
func (r *Registry) FindTypeDefsByProperty(propertyNames []string) ([]*TypeDef, error) {
	if len(propertyNames) == 0 {
		return nil, errs.Invalid("property matcher is empty")
	}
	var out []*TypeDef
	for _, d := range r.typeDefs {
		props := r.allProps[d.GUID]
		matched := true
		for _, name := range propertyNames {
			if !slices.ContainsFunc(props, func(p PropertyDef) bool { return p.Name == name }) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, d)
		}
	}
	return out, nil
}

// FindTypesByExternalStandard returns the TypeDefs mapped to an external
// standard. An empty argument matches any value; at least one is required.
func (r *Registry) FindTypesByExternalStandard(standard, organization, identifier string) ([]*TypeDef, error) {
	if standard == "" && organization == "" && identifier == "" {
		return nil, errs.Invalid("at least one of standard, organization or identifier is required")
	}
	matches := func(want, got string) bool { return want == "" || want == got }

	var out []*TypeDef
	for _, d := range r.typeDefs {
		for _, m := range d.ExternalStandards {
			if matches(standard, m.Standard) && matches(organization, m.Organization) && matches(identifier, m.Identifier) {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

// SearchForTypeDefs returns the TypeDefs whose name or description matches a
// regular expression.
func (r *Registry) SearchForTypeDefs(expr string) ([]*TypeDef, error) {
	if expr == "" {
		return nil, errs.Invalid("search criteria is empty")
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, errs.Invalid("search criteria %q: %v", expr, err)
	}
	var out []*TypeDef
	for _, d := range r.typeDefs {
		if re.MatchString(d.Name) || re.MatchString(d.Description) {
			out = append(out, d)
		}
	}
	return out, nil
}

// TypeDefByGUID looks up a TypeDef by GUID.
func (r *Registry) TypeDefByGUID(guid string) (*TypeDef, error) {
	if guid == "" {
		return nil, errs.Invalid("type GUID is empty")
	}
	d, ok := r.byGUID[guid]
	if !ok {
		return nil, errs.Wrap(errs.ErrTypeNotFound, "guid %s", guid)
	}
	return d, nil
}

// TypeDefByName looks up a TypeDef by name.
func (r *Registry) TypeDefByName(name string) (*TypeDef, error) {
	if name == "" {
		return nil, errs.Invalid("type name is empty")
	}
	d, ok := r.byName[name]
	if !ok {
		return nil, errs.Wrap(errs.ErrTypeNotFound, "name %s", name)
	}
	return d, nil
}

// AttributeTypeDefByGUID looks up an AttributeTypeDef by GUID.
func (r *Registry) AttributeTypeDefByGUID(guid string) (*AttributeTypeDef, error) {
	if guid == "" {
		return nil, errs.Invalid("attribute type GUID is empty")
	}
	a, ok := r.attrByGUID[guid]
	if !ok {
		return nil, errs.Wrap(errs.ErrTypeNotFound, "attribute type guid %s", guid)
	}
	return a, nil
}

// AttributeTypeDefByName looks up an AttributeTypeDef by name.
func (r *Registry) AttributeTypeDefByName(name string) (*AttributeTypeDef, error) {
	if name == "" {
		return nil, errs.Invalid("attribute type name is empty")
	}
	a, ok := r.attrByName[name]
	if !ok {
		return nil, errs.Wrap(errs.ErrTypeNotFound, "attribute type name %s", name)
	}
	return a, nil
}

// Resolve looks up a TypeDef by GUID when one is given, else by name.
func (r *Registry) Resolve(guidOrName string) (*TypeDef, error) {
	if d, ok := r.byGUID[guidOrName]; ok {
		return d, nil
	}
	return r.TypeDefByName(guidOrName)
}

// AllProperties returns the property definitions of d including inherited
// ones, root supertype first.
func (r *Registry) AllProperties(d *TypeDef) []PropertyDef {
	return r.allProps[d.GUID]
}

// Property finds a property definition of d, including inherited ones.
func (r *Registry) Property(d *TypeDef, name string) (PropertyDef, bool) {
	for _, p := range r.allProps[d.GUID] {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDef{}, false
}

// IsSubtypeOf reports whether d is ancestorGUID or descends from it.
func (r *Registry) IsSubtypeOf(d *TypeDef, ancestorGUID string) bool {
	for _, a := range r.ancestors[d.GUID] {
		if a.GUID == ancestorGUID {
			return true
		}
	}
	return false
}

// Subtypes returns guid and the GUIDs of every type that descends from it.
// Returns nil when guid is unknown.
func (r *Registry) Subtypes(guid string) []string {
	if _, ok := r.byGUID[guid]; !ok {
		return nil
	}
	out := []string{guid}
	for i := 0; i < len(out); i++ {
		out = append(out, r.subtypes[out[i]]...)
	}
	return out
}

// SuperTypes returns the supertype chain of d, starting with d itself.
func (r *Registry) SuperTypes(d *TypeDef) []*TypeDef {
	return slices.Clone(r.ancestors[d.GUID])
}
