package typedef

import (
	"strconv"
	"strings"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
)

// ParseProperties converts text values into properties typed by the
// declarations of d. Enums accept a symbol (case-insensitive) or an ordinal.
// Arrays are comma separated; maps are comma separated key:value pairs.
// The result is not checked for required properties.
func (r *Registry) ParseProperties(d *TypeDef, raw map[string]string) (property.Properties, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(property.Properties, len(raw))
	for name, text := range raw {
		pd, ok := r.Property(d, name)
		if !ok {
			return nil, errs.Wrap(errs.ErrProperty, "%s has no property %q", d.Name, name)
		}
		v, err := parseValue(r.attrByGUID[pd.AttributeTypeGUID], text)
		if err != nil {
			return nil, errs.Wrap(errs.ErrProperty, "%s.%s: %v", d.Name, name, err)
		}
		out[name] = v
	}
	return out, nil
}

func parseValue(attr *AttributeTypeDef, text string) (property.Value, error) {
	switch attr.Category {
	case CategoryEnum:
		if n, err := strconv.Atoi(text); err == nil {
			if e, ok := attr.EnumElement(n); ok {
				return property.Enum(e.Ordinal, e.Value), nil
			}
		}
		for _, e := range attr.Elements {
			if strings.EqualFold(e.Value, text) {
				return property.Enum(e.Ordinal, e.Value), nil
			}
		}
		return property.Value{}, errs.Invalid("%q is not an element of %s", text, attr.Name)
	case CategoryCollection:
		parts := splitList(text)
		if attr.Collection == CollectionMap {
			m := make(map[string]property.Value, len(parts))
			for _, part := range parts {
				k, v, ok := strings.Cut(part, ":")
				if !ok {
					return property.Value{}, errs.Invalid("map entry %q needs key:value", part)
				}
				ev, err := property.ParsePrimitive(attr.Element, strings.TrimSpace(v))
				if err != nil {
					return property.Value{}, err
				}
				m[strings.TrimSpace(k)] = ev
			}
			return property.Map(m), nil
		}
		elems := make([]property.Value, 0, len(parts))
		for _, part := range parts {
			ev, err := property.ParsePrimitive(attr.Element, part)
			if err != nil {
				return property.Value{}, err
			}
			elems = append(elems, ev)
		}
		return property.Array(elems...), nil
	default:
		return property.ParsePrimitive(attr.Primitive, text)
	}
}

func splitList(text string) []string {
	var out []string
	for _, p := range strings.Split(text, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
