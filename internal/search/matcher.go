package search

import (
	"context"
	"regexp"
	"time"

	"github.com/zjrosen/strata/internal/cachemanager"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/property"
)

// DefaultRegexCacheTTL is how long a compiled pattern stays cached.
const DefaultRegexCacheTTL = 5 * time.Minute

// matcher evaluates leaves, caching compiled patterns by their anchoring.
type matcher struct {
	patterns cachemanager.CacheManager[string, *regexp.Regexp]
	ttl      time.Duration
}

func newMatcher(ttl time.Duration) *matcher {
	if ttl <= 0 {
		ttl = DefaultRegexCacheTTL
	}
	return &matcher{
		patterns: cachemanager.NewInMemoryCacheManager[string, *regexp.Regexp]("search-patterns", ttl, 2*ttl),
		ttl:      ttl,
	}
}

// regexp returns the compiled pattern, or nil if it does not compile.
// Conditions are validated before evaluation, so nil means a caller skipped
// Validate.
func (m *matcher) regexp(pattern string, anchored bool) *regexp.Regexp {
	key := "~" + pattern
	if anchored {
		key = "=" + pattern
	}
	ctx := context.Background()
	if re, ok := m.patterns.Get(ctx, key); ok {
		return re
	}
	expr := pattern
	if anchored {
		expr = `^(?:` + pattern + `)$`
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		log.Warn(log.CatSearch, "pattern does not compile", "pattern", pattern, "error", err)
		return nil
	}
	m.patterns.Set(ctx, key, re, m.ttl)
	return re
}

// matchText reports whether any text held by v matches pattern.
func (m *matcher) matchText(v property.Value, pattern string, anchored bool) bool {
	re := m.regexp(pattern, anchored)
	if re == nil {
		return false
	}
	texts := v.Texts()
	if v.Kind == property.KindEnum {
		texts = []string{v.Symbol}
	}
	for _, s := range texts {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// compare applies op to a stored value and a comparand.
func (m *matcher) compare(v property.Value, op Op, want property.Value) bool {
	if pattern, ok := want.Text(); ok {
		switch op {
		case OpEQ:
			return m.matchText(v, pattern, true)
		case OpNEQ:
			return !m.matchText(v, pattern, true)
		case OpLIKE:
			return m.matchText(v, pattern, false)
		}
		// Ordered comparisons against dates accept RFC 3339 text.
		if v.Kind == property.KindPrimitive && v.Primitive == property.PrimitiveDate {
			t, err := time.Parse(time.RFC3339Nano, pattern)
			if err != nil {
				return false
			}
			want = property.Date(t)
		} else if _, ok := v.Text(); !ok {
			return false
		}
	}
	if !ordered(v, want) {
		return op == OpNEQ
	}
	c := v.Compare(want)
	switch op {
	case OpEQ:
		return c == 0
	case OpNEQ:
		return c != 0
	case OpLT:
		return c < 0
	case OpLTE:
		return c <= 0
	case OpGT:
		return c > 0
	case OpGTE:
		return c >= 0
	}
	return false
}

// ordered reports whether Compare gives a meaningful order for v and w.
func ordered(v, w property.Value) bool {
	if isNumber(v) && isNumber(w) {
		return true
	}
	if v.Kind != property.KindPrimitive || w.Kind != property.KindPrimitive {
		return v.Kind == w.Kind && v.Kind == property.KindEnum
	}
	if _, ok := v.Text(); ok {
		_, ok := w.Text()
		return ok
	}
	return v.Primitive == w.Primitive
}

func isNumber(v property.Value) bool {
	if v.Kind != property.KindPrimitive {
		return false
	}
	switch v.Primitive {
	case property.PrimitiveByte, property.PrimitiveShort, property.PrimitiveInt, property.PrimitiveLong,
		property.PrimitiveFloat, property.PrimitiveDouble:
		return true
	}
	return false
}

// matchAnyText reports whether any string in props matches pattern
// unanchored. An empty pattern matches everything.
func (m *matcher) matchAnyText(props property.Properties, pattern string) bool {
	if pattern == "" {
		return true
	}
	for _, name := range props.Names() {
		if m.matchText(props[name], pattern, false) {
			return true
		}
	}
	return false
}
