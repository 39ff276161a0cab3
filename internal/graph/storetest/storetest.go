// Package storetest is the conformance suite every graph.Store back end
// runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// Factory opens an empty store. The suite closes it.
type Factory func(t *testing.T) graph.Store

var (
	base      = time.Date(2024, time.March, 1, 12, 0, 0, 123456789, time.UTC)
	widget    = typedef.Link{GUID: "t-widget", Name: "Widget"}
	wired     = typedef.Link{GUID: "t-wired", Name: "Wired"}
	painted   = typedef.Link{GUID: "t-painted", Name: "Painted"}
	local     = graph.Collection{ID: "local", Name: "local"}
	remote    = graph.Collection{ID: "remote-1", Name: "remote"}
	withHist  = graph.SaveOptions{History: true}
	ctxBg     = context.Background()
	stopError = errors.New("stop")
)

// Run executes the suite against stores made by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, graph.Store)
	}{
		{"EntityRoundTrip", testEntityRoundTrip},
		{"ProxyRoundTrip", testProxyRoundTrip},
		{"LoadMissing", testLoadMissing},
		{"DuplicateCreate", testDuplicateCreate},
		{"StaleVersion", testStaleVersion},
		{"UpdateMissing", testUpdateMissing},
		{"History", testHistory},
		{"HistoryDisabled", testHistoryDisabled},
		{"PurgeEntity", testPurgeEntity},
		{"ScanEntities", testScanEntities},
		{"ScanStops", testScanStops},
		{"EntitiesByProperty", testEntitiesByProperty},
		{"LoadReturnsCopy", testLoadReturnsCopy},
		{"RelationshipRoundTrip", testRelationshipRoundTrip},
		{"RelationshipsForEntity", testRelationshipsForEntity},
		{"RelationshipHistoryAndPurge", testRelationshipHistoryAndPurge},
		{"PruneHistory", testPruneHistory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

// Entity returns version 1 of a Widget entity created at base+offset.
func Entity(guid string, offset time.Duration) *graph.EntityDetail {
	at := base.Add(offset)
	return &graph.EntityDetail{
		InstanceHeader: graph.InstanceHeader{
			GUID:       guid,
			Type:       widget,
			Status:     typedef.StatusActive,
			Version:    1,
			CreatedBy:  "alice",
			UpdatedBy:  "alice",
			CreateTime: at,
			UpdateTime: at,
			Collection: local,
		},
		Properties: property.Properties{
			"qualifiedName": property.String(guid),
			"size":          property.Int(3),
		},
	}
}

// Relationship returns version 1 of a Wired relationship between two entities.
func Relationship(guid string, end1, end2 *graph.EntityDetail, offset time.Duration) *graph.Relationship {
	at := base.Add(offset)
	proxy := func(e *graph.EntityDetail) graph.EntityProxy {
		return graph.EntityProxy{
			InstanceHeader:   e.InstanceHeader,
			UniqueProperties: property.Properties{"qualifiedName": e.Properties["qualifiedName"]},
		}
	}
	return &graph.Relationship{
		InstanceHeader: graph.InstanceHeader{
			GUID:       guid,
			Type:       wired,
			Status:     typedef.StatusActive,
			Version:    1,
			CreatedBy:  "bob",
			UpdatedBy:  "bob",
			CreateTime: at,
			UpdateTime: at,
			Collection: local,
		},
		Properties: property.Properties{"label": property.String(guid)},
		End1:       proxy(end1),
		End2:       proxy(end2),
	}
}

// next returns the following version of e with its size changed.
func next(e *graph.EntityDetail, size int64) *graph.EntityDetail {
	n := e.Clone()
	n.Version++
	n.UpdatedBy = "carol"
	n.UpdateTime = e.UpdateTime.Add(time.Second)
	n.Properties["size"] = property.Int(size)
	return n
}

func save(t *testing.T, s graph.Store, e *graph.EntityDetail, expected int64) {
	t.Helper()
	require.NoError(t, s.SaveEntity(ctxBg, e, graph.SaveOptions{ExpectedVersion: expected, History: true}))
}

// RequireEntity asserts two entity versions are equal. Empty and nil bags
// compare equal.
func RequireEntity(t *testing.T, want, got *graph.EntityDetail) {
	t.Helper()
	requireHeader(t, want.InstanceHeader, got.InstanceHeader)
	require.True(t, want.Properties.Equal(got.Properties), "properties: want %s, got %s", want.Properties, got.Properties)
	require.Equal(t, want.Proxy, got.Proxy)
	require.Len(t, got.Classifications, len(want.Classifications))
	for i, wc := range want.Classifications {
		gc := got.Classifications[i]
		require.Equal(t, wc.Name, gc.Name)
		require.Equal(t, wc.Type, gc.Type)
		require.Equal(t, wc.Version, gc.Version)
		require.Equal(t, wc.CreatedBy, gc.CreatedBy)
		require.True(t, wc.CreateTime.Equal(gc.CreateTime))
		require.True(t, wc.UpdateTime.Equal(gc.UpdateTime))
		require.True(t, wc.Properties.Equal(gc.Properties))
	}
}

// RequireRelationship asserts two relationship versions are equal.
func RequireRelationship(t *testing.T, want, got *graph.Relationship) {
	t.Helper()
	requireHeader(t, want.InstanceHeader, got.InstanceHeader)
	require.True(t, want.Properties.Equal(got.Properties))
	for _, end := range [][2]graph.EntityProxy{{want.End1, got.End1}, {want.End2, got.End2}} {
		requireHeader(t, end[0].InstanceHeader, end[1].InstanceHeader)
		require.True(t, end[0].UniqueProperties.Equal(end[1].UniqueProperties))
	}
}

func requireHeader(t *testing.T, want, got graph.InstanceHeader) {
	t.Helper()
	require.Equal(t, want.GUID, got.GUID)
	require.Equal(t, want.Type, got.Type)
	require.Equal(t, want.Status, got.Status)
	require.Equal(t, want.StatusOnDelete, got.StatusOnDelete)
	require.Equal(t, want.Version, got.Version)
	require.Equal(t, want.CreatedBy, got.CreatedBy)
	require.Equal(t, want.UpdatedBy, got.UpdatedBy)
	require.Equal(t, want.Collection, got.Collection)
	require.True(t, want.CreateTime.Equal(got.CreateTime), "create time: want %s, got %s", want.CreateTime, got.CreateTime)
	require.True(t, want.UpdateTime.Equal(got.UpdateTime), "update time: want %s, got %s", want.UpdateTime, got.UpdateTime)
}

func testEntityRoundTrip(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	e.Properties["finishedAt"] = property.Date(base.Add(-time.Hour))
	e.Properties["tags"] = property.Array(property.String("a"), property.String("b"))
	e.Properties["additionalProperties"] = property.StringMap(map[string]string{"k": "v"})
	e.Properties["voltage"] = property.Float(1.5)
	e.Properties["done"] = property.Bool(true)
	e.Properties["finish"] = property.Enum(1, "Gloss")
	e.StatusOnDelete = typedef.StatusDraft
	e.Classifications = []graph.Classification{{
		Name: "Painted", Type: painted, Version: 2,
		Properties: property.Properties{"finish": property.Enum(0, "Matte")},
		CreatedBy:  "alice", UpdatedBy: "bob", CreateTime: base, UpdateTime: base.Add(time.Minute),
	}}
	save(t, s, e, 0)

	got, err := s.LoadEntity(ctxBg, "e1")
	require.NoError(t, err)
	RequireEntity(t, e, got)
}

func testEntitiesByProperty(t *testing.T, s graph.Store) {
	gadget := typedef.Link{GUID: "t-gadget", Name: "Gadget"}
	a, b, c := Entity("a", 0), Entity("b", time.Second), Entity("c", 2*time.Second)
	b.Properties["qualifiedName"] = property.String("a")
	c.Type = gadget
	c.Properties["qualifiedName"] = property.String("a")
	for _, e := range []*graph.EntityDetail{a, b, c} {
		save(t, s, e, 0)
	}

	guids := func(es []*graph.EntityDetail) []string {
		var out []string
		for _, e := range es {
			out = append(out, e.GUID)
		}
		return out
	}
	found, err := s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "qualifiedName", property.String("a"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, guids(found))

	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID, gadget.GUID}, "qualifiedName", property.String("a"))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c"}, guids(found))

	// A new version moves the entity out of its old value.
	moved := b.Clone()
	moved.Version++
	moved.UpdateTime = b.UpdateTime.Add(time.Second)
	moved.Properties["qualifiedName"] = property.String("b")
	save(t, s, moved, 1)
	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "qualifiedName", property.String("a"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, guids(found))
	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "qualifiedName", property.String("b"))
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, guids(found))
	RequireEntity(t, moved, found[0])

	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "size", property.Int(3))
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, guids(found))
	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "size", property.Long(3))
	require.NoError(t, err)
	require.Empty(t, found)

	require.NoError(t, s.PurgeEntity(ctxBg, "a"))
	found, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "qualifiedName", property.String("a"))
	require.NoError(t, err)
	require.Empty(t, found)

	_, err = s.EntitiesByProperty(ctxBg, []string{widget.GUID}, "tags", property.Array(property.String("a")))
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func testProxyRoundTrip(t *testing.T, s graph.Store) {
	p := Entity("p1", 0)
	p.Proxy = true
	p.Collection = remote
	p.Properties = property.Properties{"qualifiedName": property.String("remote-widget")}
	save(t, s, p, 0)

	got, err := s.LoadEntity(ctxBg, "p1")
	require.NoError(t, err)
	require.True(t, got.Proxy)
	require.Equal(t, remote, got.Collection)
}

func testLoadMissing(t *testing.T, s graph.Store) {
	_, err := s.LoadEntity(ctxBg, "nope")
	require.ErrorIs(t, err, errs.ErrEntityNotFound)
	_, err = s.LoadRelationship(ctxBg, "nope")
	require.ErrorIs(t, err, errs.ErrRelationshipNotFound)
	_, err = s.EntityHistory(ctxBg, "nope")
	require.ErrorIs(t, err, errs.ErrEntityNotFound)
	_, err = s.RelationshipHistory(ctxBg, "nope")
	require.ErrorIs(t, err, errs.ErrRelationshipNotFound)
	require.ErrorIs(t, s.PurgeEntity(ctxBg, "nope"), errs.ErrEntityNotFound)
	require.ErrorIs(t, s.PurgeRelationship(ctxBg, "nope"), errs.ErrRelationshipNotFound)
}

func testDuplicateCreate(t *testing.T, s graph.Store) {
	save(t, s, Entity("e1", 0), 0)
	err := s.SaveEntity(ctxBg, Entity("e1", time.Second), withHist)
	require.ErrorIs(t, err, errs.ErrDuplicateInstance)
}

func testStaleVersion(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	save(t, s, e, 0)
	v2 := next(e, 4)
	save(t, s, v2, 1)

	// A second writer still holding version 1.
	err := s.SaveEntity(ctxBg, next(e, 5), graph.SaveOptions{ExpectedVersion: 1, History: true})
	require.ErrorIs(t, err, errs.ErrConcurrentUpdate)
	require.True(t, errs.IsRetryable(err))

	got, err := s.LoadEntity(ctxBg, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, property.Int(4), got.Properties["size"])
}

func testUpdateMissing(t *testing.T, s graph.Store) {
	e := next(Entity("e1", 0), 4)
	err := s.SaveEntity(ctxBg, e, graph.SaveOptions{ExpectedVersion: 1, History: true})
	require.ErrorIs(t, err, errs.ErrEntityNotFound)
}

func testHistory(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	save(t, s, e, 0)
	v := e
	for i := int64(2); i <= 4; i++ {
		n := next(v, i*10)
		save(t, s, n, v.Version)
		v = n
	}

	records, err := s.EntityHistory(ctxBg, "e1")
	require.NoError(t, err)
	require.Len(t, records, 4)
	for i, r := range records {
		require.Equal(t, int64(i+1), r.Version)
	}
	require.Equal(t, property.Int(3), records[0].Properties["size"])
	require.Equal(t, property.Int(40), records[3].Properties["size"])
	RequireEntity(t, v, records[3])
}

func testHistoryDisabled(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	require.NoError(t, s.SaveEntity(ctxBg, e, graph.SaveOptions{}))
	require.NoError(t, s.SaveEntity(ctxBg, next(e, 9), graph.SaveOptions{ExpectedVersion: 1}))

	records, err := s.EntityHistory(ctxBg, "e1")
	require.NoError(t, err)
	require.Empty(t, records)

	got, err := s.LoadEntity(ctxBg, "e1")
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
}

func testPurgeEntity(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	save(t, s, e, 0)
	save(t, s, next(e, 4), 1)
	save(t, s, Entity("e2", time.Second), 0)

	require.NoError(t, s.PurgeEntity(ctxBg, "e1"))
	_, err := s.LoadEntity(ctxBg, "e1")
	require.ErrorIs(t, err, errs.ErrEntityNotFound)
	_, err = s.EntityHistory(ctxBg, "e1")
	require.ErrorIs(t, err, errs.ErrEntityNotFound)

	// The GUID is free again.
	save(t, s, Entity("e1", 2*time.Second), 0)
	records, err := s.EntityHistory(ctxBg, "e1")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func testScanEntities(t *testing.T, s graph.Store) {
	for i := range 5 {
		save(t, s, Entity(fmt.Sprintf("e%d", 5-i), time.Duration(i)*time.Second), 0)
	}
	var seen []string
	require.NoError(t, s.ScanEntities(ctxBg, func(e *graph.EntityDetail) error {
		seen = append(seen, e.GUID)
		return nil
	}))
	require.Equal(t, []string{"e5", "e4", "e3", "e2", "e1"}, seen)
}

func testScanStops(t *testing.T, s graph.Store) {
	for i := range 3 {
		save(t, s, Entity(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second), 0)
	}
	calls := 0
	err := s.ScanEntities(ctxBg, func(*graph.EntityDetail) error {
		calls++
		return stopError
	})
	require.ErrorIs(t, err, stopError)
	require.Equal(t, 1, calls)
}

func testLoadReturnsCopy(t *testing.T, s graph.Store) {
	save(t, s, Entity("e1", 0), 0)
	got, err := s.LoadEntity(ctxBg, "e1")
	require.NoError(t, err)
	got.Properties["size"] = property.Int(99)
	got.Status = typedef.StatusDeleted

	again, err := s.LoadEntity(ctxBg, "e1")
	require.NoError(t, err)
	require.Equal(t, property.Int(3), again.Properties["size"])
	require.Equal(t, typedef.StatusActive, again.Status)
}

func testRelationshipRoundTrip(t *testing.T, s graph.Store) {
	a, b := Entity("a", 0), Entity("b", time.Second)
	save(t, s, a, 0)
	save(t, s, b, 0)
	r := Relationship("r1", a, b, 2*time.Second)
	require.NoError(t, s.SaveRelationship(ctxBg, r, withHist))

	got, err := s.LoadRelationship(ctxBg, "r1")
	require.NoError(t, err)
	RequireRelationship(t, r, got)

	err = s.SaveRelationship(ctxBg, r, withHist)
	require.ErrorIs(t, err, errs.ErrDuplicateInstance)
}

func testRelationshipsForEntity(t *testing.T, s graph.Store) {
	a, b, c := Entity("a", 0), Entity("b", time.Second), Entity("c", 2*time.Second)
	for _, e := range []*graph.EntityDetail{a, b, c} {
		save(t, s, e, 0)
	}
	ab := Relationship("ab", a, b, 3*time.Second)
	bc := Relationship("bc", b, c, 4*time.Second)
	ca := Relationship("ca", c, a, 5*time.Second)
	ca.Status = typedef.StatusDeleted
	for _, r := range []*graph.Relationship{ab, bc, ca} {
		require.NoError(t, s.SaveRelationship(ctxBg, r, withHist))
	}

	guids := func(entity string) []string {
		rels, err := s.RelationshipsForEntity(ctxBg, entity)
		require.NoError(t, err)
		var out []string
		for _, r := range rels {
			out = append(out, r.GUID)
		}
		return out
	}
	require.ElementsMatch(t, []string{"ab", "bc"}, guids("b"))
	require.ElementsMatch(t, []string{"ab", "ca"}, guids("a"))
	require.Empty(t, guids("nobody"))

	var all []string
	require.NoError(t, s.ScanRelationships(ctxBg, func(r *graph.Relationship) error {
		all = append(all, r.GUID)
		return nil
	}))
	require.Equal(t, []string{"ab", "bc", "ca"}, all)
}

func testRelationshipHistoryAndPurge(t *testing.T, s graph.Store) {
	a, b := Entity("a", 0), Entity("b", time.Second)
	save(t, s, a, 0)
	save(t, s, b, 0)
	r := Relationship("r1", a, b, 2*time.Second)
	require.NoError(t, s.SaveRelationship(ctxBg, r, withHist))

	r2 := r.Clone()
	r2.Version = 2
	r2.StatusOnDelete = r2.Status
	r2.Status = typedef.StatusDeleted
	r2.UpdateTime = r.UpdateTime.Add(time.Second)
	require.NoError(t, s.SaveRelationship(ctxBg, r2, graph.SaveOptions{ExpectedVersion: 1, History: true}))
	require.ErrorIs(t, s.SaveRelationship(ctxBg, r2, graph.SaveOptions{ExpectedVersion: 1, History: true}), errs.ErrConcurrentUpdate)

	records, err := s.RelationshipHistory(ctxBg, "r1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, typedef.StatusActive, records[0].Status)
	RequireRelationship(t, r2, records[1])

	require.NoError(t, s.PurgeRelationship(ctxBg, "r1"))
	_, err = s.LoadRelationship(ctxBg, "r1")
	require.ErrorIs(t, err, errs.ErrRelationshipNotFound)
	rels, err := s.RelationshipsForEntity(ctxBg, "a")
	require.NoError(t, err)
	require.Empty(t, rels)
}

func testPruneHistory(t *testing.T, s graph.Store) {
	e := Entity("e1", 0)
	save(t, s, e, 0)
	v := e
	for i := int64(2); i <= 4; i++ {
		n := next(v, i)
		save(t, s, n, v.Version)
		v = n
	}
	// e2 has a single old record, which is its newest and must survive.
	save(t, s, Entity("e2", 0), 0)

	// Versions 1..4 of e1 sit at base, +1s, +2s, +3s.
	n, err := s.PruneHistory(ctxBg, base.Add(2500*time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, 3, n)

	records, err := s.EntityHistory(ctxBg, "e1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, int64(4), records[0].Version)

	records, err = s.EntityHistory(ctxBg, "e2")
	require.NoError(t, err)
	require.Len(t, records, 1)

	// Everything is already minimal.
	n, err = s.PruneHistory(ctxBg, base.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}
