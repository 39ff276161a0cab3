package property

import (
	"maps"
	"slices"
	"strings"
)

// Properties is a named bag of values.
type Properties map[string]Value

// Clone returns a copy that shares no maps or slices with p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.Kind {
	case KindArray:
		if v.Array != nil {
			elems := make([]Value, len(v.Array))
			for i, e := range v.Array {
				elems[i] = e.clone()
			}
			v.Array = elems
		}
	case KindMap:
		if v.Map != nil {
			m := make(map[string]Value, len(v.Map))
			for k, e := range v.Map {
				m[k] = e.clone()
			}
			v.Map = m
		}
	}
	return v
}

// Equal reports whether both bags hold the same names with equal values.
// A nil bag equals an empty one.
func (p Properties) Equal(o Properties) bool {
	return maps.EqualFunc(p, o, Value.Equal)
}

// Names returns the property names in sorted order.
func (p Properties) Names() []string {
	return slices.Sorted(maps.Keys(p))
}

// Get returns the named value.
func (p Properties) Get(name string) (Value, bool) {
	v, ok := p[name]
	return v, ok
}

// Native converts the bag for JSON presentation.
func (p Properties) Native() map[string]any {
	if len(p) == 0 {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Native()
	}
	return out
}

func (p Properties) String() string {
	names := p.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + p[n].String()
	}
	return strings.Join(parts, " ")
}
