// Package testutil provides shared fixtures for graph, search and workflow
// tests: a type registry extending the core archive and a fluent builder for
// populating a graph.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/infrastructure/memory"
	"github.com/zjrosen/strata/internal/typedef"
)

// Archive extends the core archive with the small family of types the
// tests use.
//
//	Asset
//	  └── Widget (color, size, tags, finishedAt)
//	        └── Gadget (voltage; DRAFT or ACTIVE only)
//
//	Wired: Widget -> Widget, reflexive, at most one per end1
//	Painted: classification of Widget (finish)
const Archive = `
archive:
  name: strata-test
  version: 1

attributeTypes:
  - name: Finish
    category: ENUM_DEF
    elements:
      - {ordinal: 0, value: Matte}
      - {ordinal: 1, value: Gloss}

types:
  - name: Widget
    category: ENTITY_DEF
    superType: Asset
    properties:
      - {name: color, type: string}
      - {name: size, type: int}
      - {name: finishedAt, type: date}

  - name: Gadget
    category: ENTITY_DEF
    superType: Widget
    validStatuses: [DRAFT, ACTIVE]
    initialStatus: DRAFT
    properties:
      - {name: voltage, type: double}

  - name: Wired
    category: RELATIONSHIP_DEF
    reflexive: true
    end1: {type: Widget, attribute: source}
    end2: {type: Widget, attribute: sink, cardinality: AT_MOST_ONE}
    properties:
      - {name: label, type: string}
      - {name: weight, type: int}

  - name: Painted
    category: CLASSIFICATION_DEF
    validEntityTypes: [Widget]
    properties:
      - {name: finish, type: Finish}
`

// Registry returns the core registry extended with Archive.
func Registry(t testing.TB) *typedef.Registry {
	t.Helper()
	core, err := typedef.CoreArchive()
	require.NoError(t, err)
	extra, err := typedef.ParseArchive([]byte(Archive))
	require.NoError(t, err)
	r, err := typedef.BuildRegistry(core, extra)
	require.NoError(t, err)
	return r
}

// NewGraph returns a graph over a fresh in-memory store, timed by a fresh
// Clock unless opts supply another. The graph is closed when the test ends.
func NewGraph(t testing.TB, opts ...graph.Option) *graph.Graph {
	t.Helper()
	return NewGraphOver(t, memory.New(), opts...)
}

// NewGraphOver is NewGraph over the given store.
func NewGraphOver(t testing.TB, store graph.Store, opts ...graph.Option) *graph.Graph {
	t.Helper()
	opts = append([]graph.Option{graph.WithClock(NewClock().Now)}, opts...)
	g := graph.New(Registry(t), store, opts...)
	t.Cleanup(func() { _ = g.Close() })
	return g
}
