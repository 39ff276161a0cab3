package typedef

import (
	"fmt"
	"slices"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
)

// ValidateProperties checks a property bag against d. Unknown names, values
// whose kind disagrees with the declared attribute type and missing required
// properties are reported as errs.ErrProperty.
func (r *Registry) ValidateProperties(d *TypeDef, props property.Properties) error {
	if err := r.ValidatePropertyValues(d, props); err != nil {
		return err
	}
	for _, pd := range r.allProps[d.GUID] {
		if pd.Required {
			if _, ok := props[pd.Name]; !ok {
				return errs.Wrap(errs.ErrProperty, "%s.%s is required", d.Name, pd.Name)
			}
		}
	}
	return nil
}

// ValidatePropertyValues checks names and value kinds like ValidateProperties
// but does not require any property to be present.
func (r *Registry) ValidatePropertyValues(d *TypeDef, props property.Properties) error {
	for _, name := range props.Names() {
		pd, ok := r.Property(d, name)
		if !ok {
			return errs.Wrap(errs.ErrProperty, "%s has no property %q", d.Name, name)
		}
		attr := r.attrByGUID[pd.AttributeTypeGUID]
		if err := checkValue(attr, props[name]); err != nil {
			return errs.Wrap(errs.ErrProperty, "%s.%s: %v", d.Name, name, err)
		}
	}
	return nil
}

func checkValue(attr *AttributeTypeDef, v property.Value) error {
	switch attr.Category {
	case CategoryPrimitive:
		return checkPrimitive(attr.Primitive, v)
	case CategoryEnum:
		if v.Kind != property.KindEnum {
			return fmt.Errorf("want enum %s, got %s", attr.Name, v.Kind)
		}
		e, ok := attr.EnumElement(v.Ordinal)
		if !ok || e.Value != v.Symbol {
			return fmt.Errorf("%d/%s is not an element of %s", v.Ordinal, v.Symbol, attr.Name)
		}
	case CategoryCollection:
		var elems []property.Value
		switch attr.Collection {
		case CollectionArray:
			if v.Kind != property.KindArray {
				return fmt.Errorf("want array %s, got %s", attr.Name, v.Kind)
			}
			elems = v.Array
		case CollectionMap:
			if v.Kind != property.KindMap {
				return fmt.Errorf("want map %s, got %s", attr.Name, v.Kind)
			}
			for _, e := range v.Map {
				elems = append(elems, e)
			}
		}
		for _, e := range elems {
			if err := checkPrimitive(attr.Element, e); err != nil {
				return fmt.Errorf("element of %s: %w", attr.Name, err)
			}
		}
	}
	return nil
}

func checkPrimitive(declared property.Primitive, v property.Value) error {
	if v.Kind != property.KindPrimitive {
		return fmt.Errorf("want %s, got %s", declared, v.Kind)
	}
	if !v.Primitive.Compatible(declared) {
		return fmt.Errorf("want %s, got %s", declared, v.Primitive)
	}
	return nil
}

// ValidStatuses returns the statuses instances of d may take, nil meaning any.
func (r *Registry) ValidStatuses(d *TypeDef) []InstanceStatus {
	return r.validStatuses[d.GUID]
}

// ValidateStatus checks that status may be assigned to an instance of d.
// DELETED is always permitted; it is reached through delete operations.
func (r *Registry) ValidateStatus(d *TypeDef, status InstanceStatus) error {
	if !status.IsValid() {
		return errs.Invalid("unknown status %q", status)
	}
	if status == StatusDeleted {
		return nil
	}
	valid := r.validStatuses[d.GUID]
	if len(valid) > 0 && !slices.Contains(valid, status) {
		return errs.Wrap(errs.ErrStatusNotSupported, "%s for %s", status, d.Name)
	}
	return nil
}

// ValidateClassification checks that classification c may be attached to an
// entity of type entity.
func (r *Registry) ValidateClassification(c, entity *TypeDef) error {
	if c.Category != CategoryClassification {
		return errs.Wrap(errs.ErrType, "%s is not a classification type", c.Name)
	}
	var valid []Link
	for _, t := range r.ancestors[c.GUID] {
		if len(t.ValidEntityTypes) > 0 {
			valid = t.ValidEntityTypes
			break
		}
	}
	if len(valid) == 0 {
		return nil
	}
	for _, l := range valid {
		if r.IsSubtypeOf(entity, l.GUID) {
			return nil
		}
	}
	return errs.Wrap(errs.ErrType, "classification %s is not valid for entity type %s", c.Name, entity.Name)
}

// UniqueProperties returns the subset of props declared unique by d; proxies
// carry these to identify the remote entity.
func (r *Registry) UniqueProperties(d *TypeDef, props property.Properties) property.Properties {
	out := property.Properties{}
	for _, pd := range r.allProps[d.GUID] {
		if v, ok := props[pd.Name]; ok && pd.Unique {
			out[pd.Name] = v
		}
	}
	return out
}
