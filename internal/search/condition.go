package search

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
)

// Op is a comparison operator.
type Op string

const (
	OpEQ   Op = "EQ"
	OpNEQ  Op = "NEQ"
	OpLT   Op = "LT"
	OpLTE  Op = "LTE"
	OpGT   Op = "GT"
	OpGTE  Op = "GTE"
	OpLIKE Op = "LIKE"
)

// IsValid reports whether o is a known operator.
func (o Op) IsValid() bool {
	switch o {
	case OpEQ, OpNEQ, OpLT, OpLTE, OpGT, OpGTE, OpLIKE:
		return true
	}
	return false
}

func (o Op) symbol() string {
	switch o {
	case OpEQ:
		return "="
	case OpNEQ:
		return "!="
	case OpLT:
		return "<"
	case OpLTE:
		return "<="
	case OpGT:
		return ">"
	case OpGTE:
		return ">="
	case OpLIKE:
		return "~"
	}
	return string(o)
}

// Condition is a boolean expression over a property bag.
//
// String comparands of EQ, NEQ and LIKE are regular expressions: EQ and NEQ
// must match the whole value, LIKE any part of it. A leaf naming a missing
// property is false; only IsNull matches absence.
type Condition interface {
	eval(m *matcher, props property.Properties) bool
	validate() error
	String() string
}

// And is true when every operand is. An empty And is true.
type And []Condition

// Or is true when any operand is. An empty Or is false.
type Or []Condition

// Not negates its operand.
type Not struct {
	Cond Condition
}

// Compare tests one property against a value.
type Compare struct {
	Property string
	Op       Op
	Value    property.Value
}

// In is true when the property equals any of Values under EQ semantics.
type In struct {
	Property string
	Values   []property.Value
}

// IsNull is true when the property is absent.
type IsNull struct {
	Property string
}

// NotNull is true when the property is present.
type NotNull struct {
	Property string
}

// Validate checks operators, property names and patterns of c. A nil
// condition is valid and matches everything.
func Validate(c Condition) error {
	if c == nil {
		return nil
	}
	return c.validate()
}

func (c And) eval(m *matcher, p property.Properties) bool {
	for _, sub := range c {
		if !sub.eval(m, p) {
			return false
		}
	}
	return true
}

func (c Or) eval(m *matcher, p property.Properties) bool {
	for _, sub := range c {
		if sub.eval(m, p) {
			return true
		}
	}
	return false
}

func (c Not) eval(m *matcher, p property.Properties) bool { return !c.Cond.eval(m, p) }

func (c Compare) eval(m *matcher, p property.Properties) bool {
	v, ok := p[c.Property]
	if !ok {
		return false
	}
	return m.compare(v, c.Op, c.Value)
}

func (c In) eval(m *matcher, p property.Properties) bool {
	v, ok := p[c.Property]
	if !ok {
		return false
	}
	for _, want := range c.Values {
		if m.compare(v, OpEQ, want) {
			return true
		}
	}
	return false
}

func (c IsNull) eval(_ *matcher, p property.Properties) bool {
	_, ok := p[c.Property]
	return !ok
}

func (c NotNull) eval(_ *matcher, p property.Properties) bool {
	_, ok := p[c.Property]
	return ok
}

func (c And) validate() error { return validateAll(c) }
func (c Or) validate() error  { return validateAll(c) }

func validateAll(cs []Condition) error {
	for _, sub := range cs {
		if sub == nil {
			return errs.Invalid("nil operand in condition")
		}
		if err := sub.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c Not) validate() error {
	if c.Cond == nil {
		return errs.Invalid("not needs an operand")
	}
	return c.Cond.validate()
}

func (c Compare) validate() error {
	if c.Property == "" {
		return errs.Invalid("comparison needs a property name")
	}
	if !c.Op.IsValid() {
		return errs.Invalid("unknown operator %q", c.Op)
	}
	if s, ok := c.Value.Text(); ok {
		switch c.Op {
		case OpEQ, OpNEQ, OpLIKE:
			return checkPattern(s)
		}
	} else if c.Op == OpLIKE {
		return errs.Invalid("%s ~ needs a string pattern, got %s", c.Property, c.Value)
	}
	return nil
}

func (c In) validate() error {
	if c.Property == "" {
		return errs.Invalid("in needs a property name")
	}
	if len(c.Values) == 0 {
		return errs.Invalid("%s in () needs at least one value", c.Property)
	}
	for _, v := range c.Values {
		if s, ok := v.Text(); ok {
			if err := checkPattern(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c IsNull) validate() error  { return requireProperty(c.Property) }
func (c NotNull) validate() error { return requireProperty(c.Property) }

func requireProperty(name string) error {
	if name == "" {
		return errs.Invalid("null test needs a property name")
	}
	return nil
}

func checkPattern(s string) error {
	if _, err := regexp.Compile(s); err != nil {
		return errs.Invalid("invalid pattern %q: %v", s, err)
	}
	return nil
}

func (c And) String() string { return join(c, " and ", "true") }
func (c Or) String() string  { return join(c, " or ", "false") }

func join(cs []Condition, sep, empty string) string {
	if len(cs) == 0 {
		return empty
	}
	parts := make([]string, len(cs))
	for i, sub := range cs {
		parts[i] = "(" + sub.String() + ")"
	}
	return strings.Join(parts, sep)
}

func (c Not) String() string { return "not (" + c.Cond.String() + ")" }

func (c Compare) String() string {
	return fmt.Sprintf("%s %s %s", c.Property, c.Op.symbol(), literal(c.Value))
}

func (c In) String() string {
	parts := make([]string, len(c.Values))
	for i, v := range c.Values {
		parts[i] = literal(v)
	}
	return fmt.Sprintf("%s in (%s)", c.Property, strings.Join(parts, ", "))
}

func (c IsNull) String() string  { return c.Property + " is null" }
func (c NotNull) String() string { return c.Property + " is not null" }

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// literal renders v as the query language reads it back.
func literal(v property.Value) string {
	if s, ok := v.Text(); ok {
		return "'" + quoteEscaper.Replace(s) + "'"
	}
	if v.Kind == property.KindPrimitive && v.Primitive == property.PrimitiveDate {
		return "'" + v.Time.Format(time.RFC3339Nano) + "'"
	}
	if v.Kind == property.KindEnum {
		return "'" + quoteEscaper.Replace(v.Symbol) + "'"
	}
	return v.String()
}

// FromProperties builds the flat condition of a legacy property search:
// one EQ leaf per property, sorted by name, combined per criteria. An
// empty bag yields nil, which matches everything.
func FromProperties(props property.Properties, criteria Criteria) (Condition, error) {
	if !criteria.IsValid() {
		return nil, errs.Invalid("unknown match criteria %q", criteria)
	}
	if len(props) == 0 {
		return nil, nil
	}
	leaves := make([]Condition, 0, len(props))
	for _, name := range props.Names() {
		leaves = append(leaves, Compare{Property: name, Op: OpEQ, Value: props[name]})
	}
	switch criteria {
	case CriteriaAny:
		return Or(leaves), nil
	case CriteriaNone:
		return Not{Cond: Or(leaves)}, nil
	}
	return And(leaves), nil
}

// Criteria combines the leaves of a flat match.
type Criteria string

const (
	CriteriaAll  Criteria = "ALL"
	CriteriaAny  Criteria = "ANY"
	CriteriaNone Criteria = "NONE"
)

// IsValid reports whether c is known; empty defaults to ALL.
func (c Criteria) IsValid() bool {
	switch c {
	case "", CriteriaAll, CriteriaAny, CriteriaNone:
		return true
	}
	return false
}

// combine folds per-item results under c.
func (c Criteria) combine(n int, match func(i int) bool) bool {
	switch c {
	case CriteriaAny:
		for i := 0; i < n; i++ {
			if match(i) {
				return true
			}
		}
		return false
	case CriteriaNone:
		for i := 0; i < n; i++ {
			if match(i) {
				return false
			}
		}
		return true
	}
	for i := 0; i < n; i++ {
		if !match(i) {
			return false
		}
	}
	return true
}
