package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
)

func widgetProps() property.Properties {
	return property.Properties{
		"name":       property.String("orders table"),
		"size":       property.Int(3),
		"ratio":      property.Float(0.5),
		"active":     property.Bool(true),
		"finish":     property.Enum(1, "Gloss"),
		"finishedAt": property.Date(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)),
		"tags":       property.Array(property.String("pii"), property.String("gold")),
		"extra":      property.StringMap(map[string]string{"team": "data-eng"}),
	}
}

func TestCondition_Eval(t *testing.T) {
	m := newMatcher(time.Minute)
	props := widgetProps()

	tests := []struct {
		query string
		want  bool
	}{
		{"name = 'orders.*'", true},
		{"name = 'orders'", false},
		{"name ~ 'ders'", true},
		{"name !~ 'ders'", false},
		{"name != 'orders'", true},
		{"name != 'orders table'", false},
		{"name < 'p'", true},
		{"size = 3", true},
		{"size = 3.0", true},
		{"size > 2 and size <= 3", true},
		{"size != 3", false},
		{"ratio < 1", true},
		{"active = true", true},
		{"active = false", false},
		{"finish = 'Gloss'", true},
		{"finish = 'Matte'", false},
		{"finishedAt > '2024-02-01T00:00:00Z'", true},
		{"finishedAt < 'not a date'", false},
		{"tags = 'pii'", true},
		{"tags = 'pi'", false},
		{"extra ~ 'eng'", true},
		{"tags in ('silver', 'gold')", true},
		{"tags not in ('silver')", true},
		{"owner is null", true},
		{"owner is not null", false},
		{"name is not null", true},
		{"owner = '.*'", false},
		{"owner != 'x'", false},
		{"name = 'orders table' or owner = 'x'", true},
		{"not (name = 'orders table' and owner = 'x')", true},
		{"size = 'three'", false},
		{"name > 3", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, err := Parse(tt.query)
			require.NoError(t, err)
			require.Equal(t, tt.want, c.eval(m, props))
		})
	}
}

func TestCondition_EmptyCombinators(t *testing.T) {
	m := newMatcher(time.Minute)
	require.True(t, And{}.eval(m, nil))
	require.False(t, Or{}.eval(m, nil))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(nil))
	require.ErrorIs(t, Validate(And{nil}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(Not{}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(Compare{Op: OpEQ, Value: property.Int(1)}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(Compare{Property: "a", Op: "SOUNDS_LIKE", Value: property.Int(1)}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(In{Property: "a"}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(In{Property: "a", Values: []property.Value{property.String("[")}}), errs.ErrInvalidParameter)
	require.ErrorIs(t, Validate(IsNull{}), errs.ErrInvalidParameter)
	require.NoError(t, Validate(Compare{Property: "a", Op: OpLT, Value: property.String("[")}), "ordered comparisons are not patterns")
}

func TestFromProperties(t *testing.T) {
	props := property.Properties{
		"size":  property.Int(3),
		"color": property.String("red"),
	}
	red := Compare{Property: "color", Op: OpEQ, Value: property.String("red")}
	three := Compare{Property: "size", Op: OpEQ, Value: property.Int(3)}

	c, err := FromProperties(props, "")
	require.NoError(t, err)
	require.Equal(t, And{red, three}, c)

	c, err = FromProperties(props, CriteriaAny)
	require.NoError(t, err)
	require.Equal(t, Or{red, three}, c)

	c, err = FromProperties(props, CriteriaNone)
	require.NoError(t, err)
	require.Equal(t, Not{Cond: Or{red, three}}, c)

	c, err = FromProperties(nil, CriteriaAll)
	require.NoError(t, err)
	require.Nil(t, c)

	_, err = FromProperties(props, "SOME")
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestMatcher_CachesPatterns(t *testing.T) {
	m := newMatcher(time.Minute)
	anchored := m.regexp("ab+", true)
	require.Same(t, anchored, m.regexp("ab+", true))
	require.NotSame(t, anchored, m.regexp("ab+", false))
	require.Equal(t, 2, m.patterns.Len())
	require.Nil(t, m.regexp("(", false))
}

func TestMatcher_AnyText(t *testing.T) {
	m := newMatcher(time.Minute)
	props := widgetProps()
	require.True(t, m.matchAnyText(props, ""))
	require.True(t, m.matchAnyText(props, "data-"))
	require.True(t, m.matchAnyText(props, "^gold$"))
	require.False(t, m.matchAnyText(props, "silver"))
	require.False(t, m.matchAnyText(props, "^3$"), "numbers are not text")
}
