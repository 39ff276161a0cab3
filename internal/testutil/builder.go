package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
)

// Builder accumulates fixture instances and adds them to a graph in order:
// entities first, then relationships. Instances are addressed by key.
type Builder struct {
	t     testing.TB
	g     *graph.Graph
	ents  []entityData
	rels  []relationshipData
	guids map[string]string
}

// NewBuilder creates a builder for g.
func NewBuilder(t testing.TB, g *graph.Graph) *Builder {
	t.Helper()
	return &Builder{t: t, g: g, guids: make(map[string]string)}
}

// WithEntity adds an entity of typeName whose qualifiedName is key.
func (b *Builder) WithEntity(key, typeName string, opts ...EntityOption) *Builder {
	e := defaultEntity(key, typeName)
	for _, opt := range opts {
		opt(&e)
	}
	b.ents = append(b.ents, e)
	return b
}

// WithWidget adds a Widget.
func (b *Builder) WithWidget(key string, opts ...EntityOption) *Builder {
	return b.WithEntity(key, "Widget", opts...)
}

// WithRelationship adds a relationship between two entity keys.
func (b *Builder) WithRelationship(key, typeName, end1, end2 string, opts ...RelationshipOption) *Builder {
	r := relationshipData{key: key, typeName: typeName, end1: end1, end2: end2, props: property.Properties{}}
	for _, opt := range opts {
		opt(&r)
	}
	b.rels = append(b.rels, r)
	return b
}

// WithWire adds a Wired relationship.
func (b *Builder) WithWire(key, from, to string, opts ...RelationshipOption) *Builder {
	return b.WithRelationship(key, "Wired", from, to, opts...)
}

// Build adds everything to the graph and returns the GUID of each key.
func (b *Builder) Build() map[string]string {
	b.t.Helper()
	ctx := context.Background()
	for _, e := range b.ents {
		out, err := b.g.AddEntity(ctx, graph.NewEntity{
			Type:            e.typeName,
			Properties:      e.props,
			Status:          e.status,
			Classifications: e.classes,
		})
		require.NoError(b.t, err, "adding entity %s", e.key)
		b.guids[e.key] = out.GUID
	}
	for _, r := range b.rels {
		end1, ok := b.guids[r.end1]
		require.True(b.t, ok, "relationship %s: unknown end %s", r.key, r.end1)
		end2, ok := b.guids[r.end2]
		require.True(b.t, ok, "relationship %s: unknown end %s", r.key, r.end2)
		if len(r.props) == 0 {
			r.props = nil
		}
		out, err := b.g.AddRelationship(ctx, graph.NewRelationship{
			Type: r.typeName, End1GUID: end1, End2GUID: end2, Properties: r.props,
		})
		require.NoError(b.t, err, "adding relationship %s", r.key)
		b.guids[r.key] = out.GUID
	}
	return b.guids
}
