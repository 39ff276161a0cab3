package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// headerModel holds the instance header columns shared by every table.
// Times are Unix nanoseconds.
type headerModel struct {
	GUID           string
	TypeGUID       string
	TypeName       string
	Status         string
	StatusOnDelete sql.NullString
	Version        int64
	CreatedBy      sql.NullString
	UpdatedBy      sql.NullString
	CreateTime     int64
	UpdateTime     int64
	CollectionID   string
	CollectionName sql.NullString
}

// EntityModel represents a row of the entities or entity_history table.
type EntityModel struct {
	headerModel
	Proxy           bool
	Properties      sql.NullString // JSON encoded
	Classifications sql.NullString // JSON encoded
}

// RelationshipModel represents a row of the relationships or
// relationship_history table.
type RelationshipModel struct {
	headerModel
	Properties sql.NullString // JSON encoded
	End1GUID   string
	End2GUID   string
	End1       string // JSON encoded proxy
	End2       string // JSON encoded proxy
}

func toHeaderModel(h graph.InstanceHeader) headerModel {
	return headerModel{
		GUID:           h.GUID,
		TypeGUID:       h.Type.GUID,
		TypeName:       h.Type.Name,
		Status:         string(h.Status),
		StatusOnDelete: nullString(string(h.StatusOnDelete)),
		Version:        h.Version,
		CreatedBy:      nullString(h.CreatedBy),
		UpdatedBy:      nullString(h.UpdatedBy),
		CreateTime:     toUnix(h.CreateTime),
		UpdateTime:     toUnix(h.UpdateTime),
		CollectionID:   h.Collection.ID,
		CollectionName: nullString(h.Collection.Name),
	}
}

func (m *headerModel) toDomain() graph.InstanceHeader {
	return graph.InstanceHeader{
		GUID:           m.GUID,
		Type:           typedef.Link{GUID: m.TypeGUID, Name: m.TypeName},
		Status:         typedef.InstanceStatus(m.Status),
		StatusOnDelete: typedef.InstanceStatus(m.StatusOnDelete.String),
		Version:        m.Version,
		CreatedBy:      m.CreatedBy.String,
		UpdatedBy:      m.UpdatedBy.String,
		CreateTime:     fromUnix(m.CreateTime),
		UpdateTime:     fromUnix(m.UpdateTime),
		Collection:     graph.Collection{ID: m.CollectionID, Name: m.CollectionName.String},
	}
}

// versionTime is the history ordering column.
func (m *headerModel) versionTime() int64 {
	if m.UpdateTime == 0 {
		return m.CreateTime
	}
	return m.UpdateTime
}

func toEntityModel(e *graph.EntityDetail) (*EntityModel, error) {
	m := &EntityModel{headerModel: toHeaderModel(e.InstanceHeader), Proxy: e.Proxy}
	var err error
	if m.Properties, err = encodeJSON(e.Properties, len(e.Properties) > 0); err != nil {
		return nil, fmt.Errorf("failed to encode properties of %s: %w", e.GUID, err)
	}
	if m.Classifications, err = encodeJSON(e.Classifications, len(e.Classifications) > 0); err != nil {
		return nil, fmt.Errorf("failed to encode classifications of %s: %w", e.GUID, err)
	}
	return m, nil
}

func (m *EntityModel) toDomain() (*graph.EntityDetail, error) {
	e := &graph.EntityDetail{InstanceHeader: m.headerModel.toDomain(), Proxy: m.Proxy}
	if m.Properties.Valid {
		var props property.Properties
		if err := json.Unmarshal([]byte(m.Properties.String), &props); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", m.GUID, err)
		}
		e.Properties = props
	}
	if m.Classifications.Valid {
		if err := json.Unmarshal([]byte(m.Classifications.String), &e.Classifications); err != nil {
			return nil, fmt.Errorf("failed to decode classifications of %s: %w", m.GUID, err)
		}
	}
	return e, nil
}

func toRelationshipModel(r *graph.Relationship) (*RelationshipModel, error) {
	m := &RelationshipModel{
		headerModel: toHeaderModel(r.InstanceHeader),
		End1GUID:    r.End1.GUID,
		End2GUID:    r.End2.GUID,
	}
	var err error
	if m.Properties, err = encodeJSON(r.Properties, len(r.Properties) > 0); err != nil {
		return nil, fmt.Errorf("failed to encode properties of %s: %w", r.GUID, err)
	}
	end1, err := json.Marshal(r.End1)
	if err != nil {
		return nil, fmt.Errorf("failed to encode end1 of %s: %w", r.GUID, err)
	}
	end2, err := json.Marshal(r.End2)
	if err != nil {
		return nil, fmt.Errorf("failed to encode end2 of %s: %w", r.GUID, err)
	}
	m.End1, m.End2 = string(end1), string(end2)
	return m, nil
}

func (m *RelationshipModel) toDomain() (*graph.Relationship, error) {
	r := &graph.Relationship{InstanceHeader: m.headerModel.toDomain()}
	if m.Properties.Valid {
		if err := json.Unmarshal([]byte(m.Properties.String), &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", m.GUID, err)
		}
	}
	if err := json.Unmarshal([]byte(m.End1), &r.End1); err != nil {
		return nil, fmt.Errorf("failed to decode end1 of %s: %w", m.GUID, err)
	}
	if err := json.Unmarshal([]byte(m.End2), &r.End2); err != nil {
		return nil, fmt.Errorf("failed to decode end2 of %s: %w", m.GUID, err)
	}
	return r, nil
}

func encodeJSON(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
