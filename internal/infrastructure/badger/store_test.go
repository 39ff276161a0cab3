package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/graph/storetest"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) graph.Store {
		db, err := Open(InMemoryConfig())
		require.NoError(t, err)
		return db.Store()
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

// TestStore_SurvivesReopen verifies that a persistent store keeps versions,
// history and creation order across handles.
func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	a, b := storetest.Entity("a", 0), storetest.Entity("b", time.Second)
	for _, e := range []*graph.EntityDetail{a, b} {
		require.NoError(t, db.Store().SaveEntity(ctx, e, graph.SaveOptions{History: true}))
	}
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	got, err := db.Store().LoadEntity(ctx, "a")
	require.NoError(t, err)
	storetest.RequireEntity(t, a, got)

	c := storetest.Entity("c", 2*time.Second)
	require.NoError(t, db.Store().SaveEntity(ctx, c, graph.SaveOptions{History: true}))

	var order []string
	require.NoError(t, db.Store().ScanEntities(ctx, func(e *graph.EntityDetail) error {
		order = append(order, e.GUID)
		return nil
	}))
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestOpen_GCRunnerStops(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 10 * time.Millisecond
	db, err := Open(cfg)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
}

// TestOpen_IndexesPropertiesOnce verifies that a database without the index
// marker has its entities indexed when opened.
func TestOpen_IndexesPropertiesOnce(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig(t.TempDir())
	cfg.GCInterval = 0

	db, err := Open(cfg)
	require.NoError(t, err)
	e := storetest.Entity("a", 0)
	require.NoError(t, db.Store().SaveEntity(ctx, e, graph.SaveOptions{History: true}))
	require.NoError(t, db.db.DropPrefix([]byte(propertyPrefix), []byte(propertyMarker)))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()

	found, err := db.Store().EntitiesByProperty(ctx, []string{e.Type.GUID}, "qualifiedName", e.Properties["qualifiedName"])
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "a", found[0].GUID)
}
