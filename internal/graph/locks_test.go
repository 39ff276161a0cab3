package graph_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/testutil"
)

func TestLockReject(t *testing.T) {
	g := testutil.NewGraph(t, graph.WithLockMode(graph.LockReject), graph.WithRetry(0, 0))
	ctx := context.Background()
	e, err := g.AddEntity(ctx, widget("w1"))
	require.NoError(t, err)

	release, err := graph.Lock(ctx, g, e.GUID)
	require.NoError(t, err)
	_, err = g.UpdateEntityProperties(ctx, e.GUID, property.Properties{"qualifiedName": property.String("w1b")})
	require.ErrorIs(t, err, errs.ErrConcurrentUpdate)
	release()

	_, err = g.UpdateEntityProperties(ctx, e.GUID, property.Properties{"qualifiedName": property.String("w1b")})
	require.NoError(t, err)
	require.Zero(t, graph.HeldLocks(g))
}

// TestLockReject_Retried verifies that a rejected write is retried until
// the holder lets go.
func TestLockReject_Retried(t *testing.T) {
	g := testutil.NewGraph(t, graph.WithLockMode(graph.LockReject), graph.WithRetry(50, 5*time.Millisecond))
	ctx := context.Background()
	e, err := g.AddEntity(ctx, widget("w1"))
	require.NoError(t, err)

	release, err := graph.Lock(ctx, g, e.GUID)
	require.NoError(t, err)
	time.AfterFunc(20*time.Millisecond, release)

	out, err := g.UpdateEntityProperties(ctx, e.GUID, property.Properties{"qualifiedName": property.String("w1b")})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Version)
}

func TestLockBlock_ContextBound(t *testing.T) {
	g := testutil.NewGraph(t)
	e, err := g.AddEntity(context.Background(), widget("w1"))
	require.NoError(t, err)

	release, err := graph.Lock(context.Background(), g, e.GUID)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.UpdateEntityProperties(ctx, e.GUID, property.Properties{"qualifiedName": property.String("w1b")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestConcurrentUpdates verifies that blocking writers to one entity each
// commit exactly one version.
func TestConcurrentUpdates(t *testing.T) {
	g := testutil.NewGraph(t)
	ctx := context.Background()
	e, err := g.AddEntity(ctx, widget("w1"))
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.UpdateEntityProperties(ctx, e.GUID, property.Properties{
				"qualifiedName": property.String("w1"),
				"size":          property.Int(int64(i)),
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := g.GetEntity(ctx, e.GUID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(writers+1), got.Version)

	history, err := g.GetEntityHistory(ctx, e.GUID, graph.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, history, writers+1)
	for i := 1; i < len(history); i++ {
		require.True(t, history[i].UpdateTime.After(history[i-1].UpdateTime))
	}
	require.Zero(t, graph.HeldLocks(g))
}

// TestConcurrentRelationships verifies that writers locking overlapping end
// pairs in opposite orders do not deadlock.
func TestConcurrentRelationships(t *testing.T) {
	g := testutil.NewGraph(t)
	ctx := context.Background()
	ids := testutil.NewBuilder(t, g).WithEntity("a", "DataSet").WithEntity("b", "DataSet").Build()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			end1, end2 := ids["a"], ids["b"]
			if i%2 == 1 {
				end1, end2 = end2, end1
			}
			_, err := g.AddRelationship(ctx, graph.NewRelationship{Type: "DataFlow", End1GUID: end1, End2GUID: end2})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rels, err := g.GetRelationshipsForEntity(ctx, ids["a"], graph.RelationshipQuery{})
	require.NoError(t, err)
	require.Len(t, rels, 10)
}

// TestConcurrentCreates_UniqueValue verifies that racing creators of one
// unique value produce exactly one entity, in either lock mode.
func TestConcurrentCreates_UniqueValue(t *testing.T) {
	for _, mode := range []graph.LockMode{graph.LockBlock, graph.LockReject} {
		t.Run(string(mode), func(t *testing.T) {
			g := testutil.NewGraph(t, graph.WithLockMode(mode), graph.WithRetry(100, time.Millisecond))
			ctx := context.Background()
			for i := 0; i < 200; i++ {
				_, err := g.AddEntity(ctx, widget(fmt.Sprintf("seed-%d", i)))
				require.NoError(t, err)
			}

			const creators = 8
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				created  int
				rejected int
			)
			start := make(chan struct{})
			for i := 0; i < creators; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					typeName := "Widget"
					if i%2 == 1 {
						typeName = "DataSet"
					}
					_, err := g.AddEntity(ctx, graph.NewEntity{
						Type:       typeName,
						Properties: property.Properties{"qualifiedName": property.String("dup")},
					})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						created++
					case errors.Is(err, errs.ErrProperty):
						rejected++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			require.Equal(t, 1, created)
			require.Equal(t, creators-1, rejected)
			require.Zero(t, graph.HeldLocks(g))
		})
	}
}

// TestConcurrentUpdates_UniqueValue verifies that entities racing to take
// the same unique value through an update cannot both win.
func TestConcurrentUpdates_UniqueValue(t *testing.T) {
	g := testutil.NewGraph(t)
	ctx := context.Background()

	const writers = 6
	guids := make([]string, writers)
	for i := range guids {
		e, err := g.AddEntity(ctx, widget(fmt.Sprintf("w%d", i)))
		require.NoError(t, err)
		guids[i] = e.GUID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for _, guid := range guids {
		wg.Add(1)
		go func(guid string) {
			defer wg.Done()
			_, err := g.PatchEntityProperties(ctx, guid, property.Properties{"qualifiedName": property.String("taken")}, nil)
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
				return
			}
			require.ErrorIs(t, err, errs.ErrProperty)
		}(guid)
	}
	wg.Wait()
	require.Equal(t, 1, won)
}

// TestConcurrentPatches verifies that patches of different properties of one
// entity are merged rather than lost.
func TestConcurrentPatches(t *testing.T) {
	g := testutil.NewGraph(t)
	ctx := context.Background()
	e, err := g.AddEntity(ctx, widget("w1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for name, v := range map[string]property.Value{
		"color": property.String("red"),
		"size":  property.Int(4),
	} {
		wg.Add(1)
		go func(name string, v property.Value) {
			defer wg.Done()
			_, err := g.PatchEntityProperties(ctx, e.GUID, property.Properties{name: v}, nil)
			require.NoError(t, err)
		}(name, v)
	}
	wg.Wait()

	got, err := g.GetEntity(ctx, e.GUID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Version)
	require.True(t, got.Properties["color"].Equal(property.String("red")))
	require.True(t, got.Properties["size"].Equal(property.Int(4)))
	require.True(t, got.Properties["qualifiedName"].Equal(property.String("w1")))
}
