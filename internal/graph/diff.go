package graph

import (
	"context"
	"slices"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// ChangeType classifies one entry of a VersionDiff.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeRemoved ChangeType = "removed"
	ChangeChanged ChangeType = "changed"
)

// SegmentType classifies a run of text in a string property diff.
type SegmentType string

const (
	SegmentEqual  SegmentType = "equal"
	SegmentDelete SegmentType = "delete"
	SegmentInsert SegmentType = "insert"
)

// TextSegment is one run of a character-level string diff.
type TextSegment struct {
	Type SegmentType `json:"type"`
	Text string      `json:"text"`
}

// PropertyChange describes how one property differs between two versions.
type PropertyChange struct {
	Name   string          `json:"name"`
	Change ChangeType      `json:"change"`
	Old    *property.Value `json:"old,omitempty"`
	New    *property.Value `json:"new,omitempty"`
	// Segments is set when both sides are strings.
	Segments []TextSegment `json:"segments,omitempty"`
}

// ClassificationChange describes a classification attached, detached or
// updated between two versions.
type ClassificationChange struct {
	Name       string     `json:"name"`
	Change     ChangeType `json:"change"`
	OldVersion int64      `json:"oldVersion,omitempty"`
	NewVersion int64      `json:"newVersion,omitempty"`
}

// VersionDiff is the difference between two versions of one entity.
type VersionDiff struct {
	GUID            string                 `json:"guid"`
	FromVersion     int64                  `json:"fromVersion"`
	ToVersion       int64                  `json:"toVersion"`
	OldStatus       typedef.InstanceStatus `json:"oldStatus,omitempty"`
	NewStatus       typedef.InstanceStatus `json:"newStatus,omitempty"`
	Properties      []PropertyChange       `json:"properties,omitempty"`
	Classifications []ClassificationChange `json:"classifications,omitempty"`
}

// Empty reports whether the two versions are indistinguishable apart from
// their headers.
func (d *VersionDiff) Empty() bool {
	return d.OldStatus == d.NewStatus && len(d.Properties) == 0 && len(d.Classifications) == 0
}

// DiffEntities compares two versions of the same entity.
func DiffEntities(from, to *EntityDetail) *VersionDiff {
	d := &VersionDiff{
		GUID:        to.GUID,
		FromVersion: from.Version,
		ToVersion:   to.Version,
	}
	if from.Status != to.Status {
		d.OldStatus, d.NewStatus = from.Status, to.Status
	}

	names := append(from.Properties.Names(), to.Properties.Names()...)
	slices.Sort(names)
	for _, name := range slices.Compact(names) {
		ov, inOld := from.Properties[name]
		nv, inNew := to.Properties[name]
		switch {
		case !inOld:
			d.Properties = append(d.Properties, PropertyChange{Name: name, Change: ChangeAdded, New: &nv})
		case !inNew:
			d.Properties = append(d.Properties, PropertyChange{Name: name, Change: ChangeRemoved, Old: &ov})
		case !ov.Equal(nv):
			pc := PropertyChange{Name: name, Change: ChangeChanged, Old: &ov, New: &nv}
			os, ook := ov.Text()
			ns, nok := nv.Text()
			if ook && nok {
				pc.Segments = textDiff(os, ns)
			}
			d.Properties = append(d.Properties, pc)
		}
	}

	for _, oc := range from.Classifications {
		nc, ok := to.Classification(oc.Name)
		switch {
		case !ok:
			d.Classifications = append(d.Classifications, ClassificationChange{Name: oc.Name, Change: ChangeRemoved, OldVersion: oc.Version})
		case nc.Version != oc.Version || !nc.Properties.Equal(oc.Properties):
			d.Classifications = append(d.Classifications, ClassificationChange{
				Name: oc.Name, Change: ChangeChanged, OldVersion: oc.Version, NewVersion: nc.Version,
			})
		}
	}
	for _, nc := range to.Classifications {
		if _, ok := from.Classification(nc.Name); !ok {
			d.Classifications = append(d.Classifications, ClassificationChange{Name: nc.Name, Change: ChangeAdded, NewVersion: nc.Version})
		}
	}
	return d
}

func textDiff(before, after string) []TextSegment {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))

	segments := make([]TextSegment, 0, len(diffs))
	for _, d := range diffs {
		var t SegmentType
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			t = SegmentEqual
		case diffmatchpatch.DiffDelete:
			t = SegmentDelete
		case diffmatchpatch.DiffInsert:
			t = SegmentInsert
		}
		segments = append(segments, TextSegment{Type: t, Text: d.Text})
	}
	return segments
}

// DiffEntityVersions compares two recorded versions of an entity. History
// must be enabled and both versions still retained.
func (g *Graph) DiffEntityVersions(ctx context.Context, guid string, fromVersion, toVersion int64) (*VersionDiff, error) {
	if err := g.historyGuard(guid, HistoryQuery{}); err != nil {
		return nil, err
	}
	if fromVersion <= 0 || toVersion <= 0 {
		return nil, errs.Invalid("versions must be positive, got %d and %d", fromVersion, toVersion)
	}
	records, err := g.store.EntityHistory(ctx, guid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		if _, err := g.store.LoadEntity(ctx, guid); err != nil {
			return nil, err
		}
	}
	find := func(v int64) (*EntityDetail, error) {
		i := slices.IndexFunc(records, func(e *EntityDetail) bool { return e.Version == v })
		if i < 0 {
			return nil, errs.Invalid("entity %s has no retained version %d", guid, v)
		}
		return records[i], nil
	}
	from, err := find(fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := find(toVersion)
	if err != nil {
		return nil, err
	}
	return DiffEntities(from, to), nil
}
