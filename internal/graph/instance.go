// Package graph is the versioned instance store: entities, relationships and
// classifications typed by a typedef.Registry, with every committed version
// retained in history for as-of reads.
package graph

import (
	"slices"
	"time"

	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// Collection identifies the metadata collection that owns an instance.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// InstanceHeader is common to entities and relationships.
type InstanceHeader struct {
	GUID           string                 `json:"guid"`
	Type           typedef.Link           `json:"type"`
	Status         typedef.InstanceStatus `json:"status"`
	StatusOnDelete typedef.InstanceStatus `json:"statusOnDelete,omitempty"`
	Version        int64                  `json:"version"`
	CreatedBy      string                 `json:"createdBy,omitempty"`
	UpdatedBy      string                 `json:"updatedBy,omitempty"`
	CreateTime     time.Time              `json:"createTime"`
	UpdateTime     time.Time              `json:"updateTime"`
	Collection     Collection             `json:"collection"`
}

// Deleted reports whether the instance is soft-deleted.
func (h InstanceHeader) Deleted() bool { return h.Status == typedef.StatusDeleted }

// Classification is a named, typed property bag attached to an entity.
type Classification struct {
	Name       string              `json:"name"`
	Type       typedef.Link        `json:"type"`
	Properties property.Properties `json:"properties,omitempty"`
	Version    int64               `json:"version"`
	CreatedBy  string              `json:"createdBy,omitempty"`
	UpdatedBy  string              `json:"updatedBy,omitempty"`
	CreateTime time.Time           `json:"createTime"`
	UpdateTime time.Time           `json:"updateTime"`
}

func (c Classification) clone() Classification {
	c.Properties = c.Properties.Clone()
	return c
}

// EntityDetail is the full state of one entity version. A proxy carries only
// the unique properties that identify an entity held elsewhere.
type EntityDetail struct {
	InstanceHeader
	Properties      property.Properties `json:"properties,omitempty"`
	Classifications []Classification    `json:"classifications,omitempty"`
	Proxy           bool                `json:"proxy,omitempty"`
}

// Clone deep-copies e.
func (e *EntityDetail) Clone() *EntityDetail {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = e.Properties.Clone()
	out.Classifications = nil
	for _, c := range e.Classifications {
		out.Classifications = append(out.Classifications, c.clone())
	}
	return &out
}

// Classification returns the named classification.
func (e *EntityDetail) Classification(name string) (Classification, bool) {
	i := slices.IndexFunc(e.Classifications, func(c Classification) bool { return c.Name == name })
	if i < 0 {
		return Classification{}, false
	}
	return e.Classifications[i], true
}

// Summary drops the property bag.
func (e *EntityDetail) Summary() *EntitySummary {
	c := e.Clone()
	return &EntitySummary{InstanceHeader: c.InstanceHeader, Classifications: c.Classifications, Proxy: c.Proxy}
}

// EntitySummary is an entity header and its classifications.
type EntitySummary struct {
	InstanceHeader
	Classifications []Classification `json:"classifications,omitempty"`
	Proxy           bool             `json:"proxy,omitempty"`
}

// EntityProxy is a reference to an entity carrying its unique properties.
type EntityProxy struct {
	InstanceHeader
	UniqueProperties property.Properties `json:"uniqueProperties,omitempty"`
}

// Relationship is one relationship version. The ends are proxies captured
// when the relationship was last written.
type Relationship struct {
	InstanceHeader
	Properties property.Properties `json:"properties,omitempty"`
	End1       EntityProxy         `json:"end1"`
	End2       EntityProxy         `json:"end2"`
}

// Clone deep-copies r.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	out.Properties = r.Properties.Clone()
	out.End1.UniqueProperties = r.End1.UniqueProperties.Clone()
	out.End2.UniqueProperties = r.End2.UniqueProperties.Clone()
	return &out
}

// Touches reports whether entityGUID is one of the relationship's ends.
func (r *Relationship) Touches(entityGUID string) bool {
	return r.End1.GUID == entityGUID || r.End2.GUID == entityGUID
}

// Other returns the end that is not entityGUID.
func (r *Relationship) Other(entityGUID string) EntityProxy {
	if r.End1.GUID == entityGUID {
		return r.End2
	}
	return r.End1
}

// VersionTime is the timestamp history and as-of reads order by.
func (h InstanceHeader) VersionTime() time.Time {
	if h.UpdateTime.IsZero() {
		return h.CreateTime
	}
	return h.UpdateTime
}

// firstVersion returns version 1 of an entity.
func firstVersion(guid string, def *typedef.TypeDef, props property.Properties, user string, at time.Time) *EntityDetail {
	return &EntityDetail{
		InstanceHeader: InstanceHeader{
			GUID:       guid,
			Type:       def.Link(),
			Status:     def.InitialStatus,
			Version:    1,
			CreatedBy:  user,
			CreateTime: at,
			UpdateTime: at,
		},
		Properties: props.Clone(),
	}
}
