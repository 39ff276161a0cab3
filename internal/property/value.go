// Package property holds the tagged-variant value model used for every
// property bag in the metadata graph: entity, relationship and
// classification properties all share Properties.
package property

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind is the variant tag of a Value. It mirrors the AttributeTypeDef
// categories a property may be declared with.
type Kind string

const (
	KindPrimitive Kind = "primitive"
	KindEnum      Kind = "enum"
	KindArray     Kind = "array"
	KindMap       Kind = "map"
)

// Primitive names the primitive type of a KindPrimitive value.
type Primitive string

const (
	PrimitiveString     Primitive = "string"
	PrimitiveChar       Primitive = "char"
	PrimitiveBoolean    Primitive = "boolean"
	PrimitiveByte       Primitive = "byte"
	PrimitiveShort      Primitive = "short"
	PrimitiveInt        Primitive = "int"
	PrimitiveLong       Primitive = "long"
	PrimitiveFloat      Primitive = "float"
	PrimitiveDouble     Primitive = "double"
	PrimitiveBigInteger Primitive = "biginteger"
	PrimitiveBigDecimal Primitive = "bigdecimal"
	PrimitiveDate       Primitive = "date"
)

// IsValid reports whether p is a known primitive.
func (p Primitive) IsValid() bool {
	switch p {
	case PrimitiveString, PrimitiveChar, PrimitiveBoolean, PrimitiveByte, PrimitiveShort,
		PrimitiveInt, PrimitiveLong, PrimitiveFloat, PrimitiveDouble,
		PrimitiveBigInteger, PrimitiveBigDecimal, PrimitiveDate:
		return true
	}
	return false
}

// family groups primitives that may be stored interchangeably.
func (p Primitive) family() string {
	switch p {
	case PrimitiveByte, PrimitiveShort, PrimitiveInt, PrimitiveLong:
		return "integer"
	case PrimitiveFloat, PrimitiveDouble:
		return "float"
	case PrimitiveString, PrimitiveChar, PrimitiveBigInteger, PrimitiveBigDecimal:
		return "text"
	}
	return string(p)
}

// Compatible reports whether a value of primitive p may be stored in a
// property declared as declared. Integer widths are interchangeable and
// integers widen to floating point.
func (p Primitive) Compatible(declared Primitive) bool {
	if p == declared {
		return true
	}
	switch declared.family() {
	case "integer":
		return p.family() == "integer"
	case "float":
		return p.family() == "float" || p.family() == "integer"
	}
	return false
}

// Value is a single typed property value.
//
// Exactly the payload fields matching Kind (and Primitive for KindPrimitive)
// are meaningful. Values are immutable once built through the constructors.
type Value struct {
	Kind      Kind             `json:"kind"`
	Primitive Primitive        `json:"primitive,omitempty"`
	Str       string           `json:"str,omitempty"`
	Int       int64            `json:"int,omitempty"`
	Float     float64          `json:"float,omitempty"`
	Bool      bool             `json:"bool,omitempty"`
	Time      time.Time        `json:"time,omitzero"`
	Ordinal   int              `json:"ordinal,omitempty"`
	Symbol    string           `json:"symbol,omitempty"`
	Array     []Value          `json:"array,omitempty"`
	Map       map[string]Value `json:"map,omitempty"`
}

func String(s string) Value { return Value{Kind: KindPrimitive, Primitive: PrimitiveString, Str: s} }
func Int(i int64) Value     { return Value{Kind: KindPrimitive, Primitive: PrimitiveInt, Int: i} }
func Long(i int64) Value    { return Value{Kind: KindPrimitive, Primitive: PrimitiveLong, Int: i} }
func Float(f float64) Value { return Value{Kind: KindPrimitive, Primitive: PrimitiveDouble, Float: f} }
func Bool(b bool) Value     { return Value{Kind: KindPrimitive, Primitive: PrimitiveBoolean, Bool: b} }

// Date stores t in UTC without a monotonic reading.
func Date(t time.Time) Value {
	return Value{Kind: KindPrimitive, Primitive: PrimitiveDate, Time: t.UTC()}
}

// Enum builds an enum value from its ordinal and symbolic name.
func Enum(ordinal int, symbol string) Value {
	return Value{Kind: KindEnum, Ordinal: ordinal, Symbol: symbol}
}

// Array builds an array value. An empty array has a nil element slice.
func Array(elems ...Value) Value {
	if len(elems) == 0 {
		return Value{Kind: KindArray}
	}
	return Value{Kind: KindArray, Array: slices.Clone(elems)}
}

// Map builds a map value. An empty map has a nil element map.
func Map(m map[string]Value) Value {
	if len(m) == 0 {
		return Value{Kind: KindMap}
	}
	return Value{Kind: KindMap, Map: maps.Clone(m)}
}

// StringMap builds a map value of strings.
func StringMap(m map[string]string) Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = String(v)
	}
	return Map(out)
}

// Text returns the payload of a string-like primitive.
func (v Value) Text() (string, bool) {
	if v.Kind != KindPrimitive {
		return "", false
	}
	switch v.Primitive {
	case PrimitiveString, PrimitiveChar:
		return v.Str, true
	}
	return "", false
}

// Texts returns every string payload held by v, descending into arrays and maps.
func (v Value) Texts() []string {
	switch v.Kind {
	case KindPrimitive:
		if s, ok := v.Text(); ok {
			return []string{s}
		}
	case KindArray:
		var out []string
		for _, e := range v.Array {
			out = append(out, e.Texts()...)
		}
		return out
	case KindMap:
		var out []string
		for _, k := range slices.Sorted(maps.Keys(v.Map)) {
			out = append(out, v.Map[k].Texts()...)
		}
		return out
	}
	return nil
}

// Equal reports deep equality; dates compare by instant.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindPrimitive:
		if v.Primitive != o.Primitive {
			return false
		}
		switch v.Primitive {
		case PrimitiveBoolean:
			return v.Bool == o.Bool
		case PrimitiveDate:
			return v.Time.Equal(o.Time)
		case PrimitiveFloat, PrimitiveDouble:
			return v.Float == o.Float
		case PrimitiveByte, PrimitiveShort, PrimitiveInt, PrimitiveLong:
			return v.Int == o.Int
		default:
			return v.Str == o.Str
		}
	case KindEnum:
		return v.Ordinal == o.Ordinal && v.Symbol == o.Symbol
	case KindArray:
		return slices.EqualFunc(v.Array, o.Array, Value.Equal)
	case KindMap:
		return maps.EqualFunc(v.Map, o.Map, Value.Equal)
	}
	return false
}

// Key returns a string that two scalar values share exactly when they are
// Equal. Stores index scalar properties by it. Arrays and maps have no key.
func (v Value) Key() (string, bool) {
	switch v.Kind {
	case KindEnum:
		return "enum:" + strconv.Itoa(v.Ordinal) + ":" + v.Symbol, true
	case KindPrimitive:
	default:
		return "", false
	}
	var payload string
	switch v.Primitive {
	case PrimitiveDate:
		payload = v.Time.UTC().Format(time.RFC3339Nano)
	case PrimitiveFloat, PrimitiveDouble:
		if v.Float == 0 {
			payload = "0"
		} else {
			payload = v.String()
		}
	default:
		payload = v.String()
	}
	return string(v.Primitive) + ":" + payload, true
}

// Compare orders two values for sequencing. Numbers compare across integer
// and float primitives; values of unrelated kinds order by kind name.
func (v Value) Compare(o Value) int {
	if vn, ok := v.number(); ok {
		if on, ok := o.number(); ok {
			return cmp.Compare(vn, on)
		}
	}
	if v.Kind != o.Kind {
		return cmp.Compare(v.Kind, o.Kind)
	}
	switch v.Kind {
	case KindEnum:
		return cmp.Compare(v.Ordinal, o.Ordinal)
	case KindArray:
		return cmp.Compare(len(v.Array), len(o.Array))
	case KindMap:
		return cmp.Compare(len(v.Map), len(o.Map))
	}
	if v.Primitive != o.Primitive {
		return cmp.Compare(v.Primitive, o.Primitive)
	}
	switch v.Primitive {
	case PrimitiveBoolean:
		return cmp.Compare(boolRank(v.Bool), boolRank(o.Bool))
	case PrimitiveDate:
		return v.Time.Compare(o.Time)
	}
	return strings.Compare(v.Str, o.Str)
}

func (v Value) number() (float64, bool) {
	if v.Kind != KindPrimitive {
		return 0, false
	}
	switch v.Primitive.family() {
	case "integer":
		return float64(v.Int), true
	case "float":
		return v.Float, true
	}
	return 0, false
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Native converts v into plain Go values for JSON presentation.
func (v Value) Native() any {
	switch v.Kind {
	case KindEnum:
		return v.Symbol
	case KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = e.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Native()
		}
		return out
	}
	switch v.Primitive {
	case PrimitiveBoolean:
		return v.Bool
	case PrimitiveDate:
		return v.Time
	case PrimitiveFloat, PrimitiveDouble:
		return v.Float
	case PrimitiveByte, PrimitiveShort, PrimitiveInt, PrimitiveLong:
		return v.Int
	}
	return v.Str
}

func (v Value) String() string {
	switch v.Kind {
	case KindEnum:
		return v.Symbol
	case KindArray:
		parts := make([]string, len(v.Array))
		for i, e := range v.Array {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := slices.Sorted(maps.Keys(v.Map))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + v.Map[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	switch v.Primitive {
	case PrimitiveBoolean:
		return strconv.FormatBool(v.Bool)
	case PrimitiveDate:
		return v.Time.Format(time.RFC3339Nano)
	case PrimitiveFloat, PrimitiveDouble:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case PrimitiveByte, PrimitiveShort, PrimitiveInt, PrimitiveLong:
		return strconv.FormatInt(v.Int, 10)
	}
	return v.Str
}

// ParsePrimitive converts raw text into a value of the given primitive type.
func ParsePrimitive(p Primitive, raw string) (Value, error) {
	switch p {
	case PrimitiveString, PrimitiveBigInteger, PrimitiveBigDecimal:
		return Value{Kind: KindPrimitive, Primitive: p, Str: raw}, nil
	case PrimitiveChar:
		if len([]rune(raw)) != 1 {
			return Value{}, fmt.Errorf("char value must be a single character, got %q", raw)
		}
		return Value{Kind: KindPrimitive, Primitive: p, Str: raw}, nil
	case PrimitiveBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid boolean %q", raw)
		}
		return Bool(b), nil
	case PrimitiveByte, PrimitiveShort, PrimitiveInt, PrimitiveLong:
		i, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s %q", p, raw)
		}
		return Value{Kind: KindPrimitive, Primitive: p, Int: i}, nil
	case PrimitiveFloat, PrimitiveDouble:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Value{}, fmt.Errorf("invalid %s %q", p, raw)
		}
		return Value{Kind: KindPrimitive, Primitive: p, Float: f}, nil
	case PrimitiveDate:
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Value{}, fmt.Errorf("invalid date %q: want RFC 3339", raw)
		}
		return Date(t), nil
	}
	return Value{}, fmt.Errorf("unknown primitive %q", p)
}
