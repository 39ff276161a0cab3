package presentation

import (
	"strings"
	"time"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
	"github.com/zjrosen/strata/internal/workflow"
)

// EntityDTO represents one entity version for presentation. Property
// values are rendered as plain JSON values.
type EntityDTO struct {
	GUID            string              `json:"guid"`
	Type            string              `json:"type"`
	Status          string              `json:"status"`
	Version         int64               `json:"version"`
	Collection      string              `json:"collection,omitempty"`
	CreatedBy       string              `json:"createdBy,omitempty"`
	UpdatedBy       string              `json:"updatedBy,omitempty"`
	CreateTime      time.Time           `json:"createTime"`
	UpdateTime      time.Time           `json:"updateTime"`
	Proxy           bool                `json:"proxy,omitempty"`
	Properties      map[string]any      `json:"properties,omitempty"`
	Classifications []ClassificationDTO `json:"classifications,omitempty"`
}

// ClassificationDTO represents a classification attached to an entity.
type ClassificationDTO struct {
	Name       string         `json:"name"`
	Version    int64          `json:"version"`
	CreatedBy  string         `json:"createdBy,omitempty"`
	UpdatedBy  string         `json:"updatedBy,omitempty"`
	UpdateTime time.Time      `json:"updateTime"`
	Properties map[string]any `json:"properties,omitempty"`
}

// EndDTO identifies one end of a relationship.
type EndDTO struct {
	GUID             string         `json:"guid"`
	Type             string         `json:"type"`
	UniqueProperties map[string]any `json:"uniqueProperties,omitempty"`
}

// RelationshipDTO represents one relationship version.
type RelationshipDTO struct {
	GUID       string         `json:"guid"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Version    int64          `json:"version"`
	UpdatedBy  string         `json:"updatedBy,omitempty"`
	UpdateTime time.Time      `json:"updateTime"`
	End1       EndDTO         `json:"end1"`
	End2       EndDTO         `json:"end2"`
	Properties map[string]any `json:"properties,omitempty"`
}

// PropertyDefDTO represents one declared property of a type.
type PropertyDefDTO struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Unique   bool   `json:"unique,omitempty"`
	// Inherited names the supertype that declares the property.
	Inherited string `json:"inheritedFrom,omitempty"`
}

// TypeDTO represents a type definition.
type TypeDTO struct {
	GUID          string           `json:"guid"`
	Name          string           `json:"name"`
	Category      string           `json:"category"`
	SuperType     string           `json:"superType,omitempty"`
	Description   string           `json:"description,omitempty"`
	Properties    []PropertyDefDTO `json:"properties,omitempty"`
	ValidStatuses []string         `json:"validStatuses,omitempty"`
	End1          string           `json:"end1,omitempty"`
	End2          string           `json:"end2,omitempty"`
	ValidEntities []string         `json:"validEntityTypes,omitempty"`
}

// EdgeDTO represents a guarded link between process steps.
type EdgeDTO struct {
	Guard  string            `json:"guard"`
	Target string            `json:"target"`
	Params map[string]string `json:"params,omitempty"`
}

// StepTemplateDTO represents one step of a process definition.
type StepTemplateDTO struct {
	Key         string            `json:"key"`
	RequestType string            `json:"requestType"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Next        []EdgeDTO         `json:"next,omitempty"`
}

// ProcessDTO represents a governance process definition.
type ProcessDTO struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Source      string            `json:"source"`
	FanOut      string            `json:"fanOut,omitempty"`
	Trigger     string            `json:"trigger,omitempty"`
	Entries     []string          `json:"entries"`
	Steps       []StepTemplateDTO `json:"steps"`
}

// StepDTO represents a governance step of a process instance.
type StepDTO struct {
	GUID           string            `json:"guid"`
	Key            string            `json:"key"`
	RequestType    string            `json:"requestType"`
	Status         string            `json:"status"`
	Predecessor    string            `json:"predecessor,omitempty"`
	SpawnGuard     string            `json:"spawnGuard,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
	Targets        []string          `json:"targets,omitempty"`
	StartTime      time.Time         `json:"startTime"`
	CompletionTime *time.Time        `json:"completionTime,omitempty"`
	Guards         []string          `json:"guards,omitempty"`
	NewParameters  map[string]string `json:"newParameters,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// ProcessRunDTO is the outcome of running a process instance.
type ProcessRunDTO struct {
	Process  string    `json:"process"`
	Instance string    `json:"instance"`
	Steps    []StepDTO `json:"steps"`
}

// PropertyChangeDTO represents one changed property of a version diff.
type PropertyChangeDTO struct {
	Name   string `json:"name"`
	Change string `json:"change"`
	Old    any    `json:"old,omitempty"`
	New    any    `json:"new,omitempty"`
	// Inline marks deleted text [-like this-] and inserted text {+like this+}.
	Inline string `json:"inline,omitempty"`
}

// DiffDTO represents the difference between two versions of an entity.
type DiffDTO struct {
	GUID            string              `json:"guid"`
	From            int64               `json:"fromVersion"`
	To              int64               `json:"toVersion"`
	Status          string              `json:"status,omitempty"`
	Properties      []PropertyChangeDTO `json:"properties,omitempty"`
	Classifications []string            `json:"classifications,omitempty"`
}

// CountDTO reports the number of items an operation affected.
type CountDTO struct {
	Operation string `json:"operation"`
	Count     int    `json:"count"`
}

func natives(p property.Properties) map[string]any {
	if len(p) == 0 {
		return nil
	}
	return p.Native()
}

func typeName(l typedef.Link) string {
	if l.Name != "" {
		return l.Name
	}
	return l.GUID
}

// FromEntity converts an entity version to a DTO.
func FromEntity(e *graph.EntityDetail) EntityDTO {
	dto := EntityDTO{
		GUID:       e.GUID,
		Type:       typeName(e.Type),
		Status:     string(e.Status),
		Version:    e.Version,
		Collection: e.Collection.ID,
		CreatedBy:  e.CreatedBy,
		UpdatedBy:  e.UpdatedBy,
		CreateTime: e.CreateTime,
		UpdateTime: e.UpdateTime,
		Proxy:      e.Proxy,
		Properties: natives(e.Properties),
	}
	for _, c := range e.Classifications {
		dto.Classifications = append(dto.Classifications, ClassificationDTO{
			Name:       c.Name,
			Version:    c.Version,
			CreatedBy:  c.CreatedBy,
			UpdatedBy:  c.UpdatedBy,
			UpdateTime: c.UpdateTime,
			Properties: natives(c.Properties),
		})
	}
	return dto
}

// FromEntities converts entity versions to DTOs. The result is never nil.
func FromEntities(es []*graph.EntityDetail) []EntityDTO {
	dtos := make([]EntityDTO, len(es))
	for i, e := range es {
		dtos[i] = FromEntity(e)
	}
	return dtos
}

func fromEnd(p graph.EntityProxy) EndDTO {
	return EndDTO{GUID: p.GUID, Type: typeName(p.Type), UniqueProperties: natives(p.UniqueProperties)}
}

// FromRelationship converts a relationship version to a DTO.
func FromRelationship(r *graph.Relationship) RelationshipDTO {
	return RelationshipDTO{
		GUID:       r.GUID,
		Type:       typeName(r.Type),
		Status:     string(r.Status),
		Version:    r.Version,
		UpdatedBy:  r.UpdatedBy,
		UpdateTime: r.UpdateTime,
		End1:       fromEnd(r.End1),
		End2:       fromEnd(r.End2),
		Properties: natives(r.Properties),
	}
}

// FromRelationships converts relationship versions to DTOs.
func FromRelationships(rs []*graph.Relationship) []RelationshipDTO {
	dtos := make([]RelationshipDTO, len(rs))
	for i, r := range rs {
		dtos[i] = FromRelationship(r)
	}
	return dtos
}

// FromType converts a type definition to a DTO. When reg is non-nil the
// properties include those inherited from supertypes.
func FromType(d *typedef.TypeDef, reg *typedef.Registry) TypeDTO {
	dto := TypeDTO{
		GUID:        d.GUID,
		Name:        d.Name,
		Category:    string(d.Category),
		Description: d.Description,
	}
	if d.SuperType != nil {
		dto.SuperType = typeName(*d.SuperType)
	}
	props := d.Properties
	declaredBy := map[string]string{}
	if reg != nil {
		props = reg.AllProperties(d)
		for _, super := range reg.SuperTypes(d) {
			for _, p := range super.Properties {
				declaredBy[p.Name] = super.Name
			}
		}
		for _, p := range d.Properties {
			delete(declaredBy, p.Name)
		}
	}
	for _, p := range props {
		dto.Properties = append(dto.Properties, PropertyDefDTO{
			Name:      p.Name,
			Type:      p.AttributeTypeName,
			Required:  p.Required,
			Unique:    p.Unique,
			Inherited: declaredBy[p.Name],
		})
	}
	for _, s := range d.ValidStatuses {
		dto.ValidStatuses = append(dto.ValidStatuses, string(s))
	}
	if d.End1 != nil {
		dto.End1 = typeName(d.End1.EntityType) + "." + d.End1.AttributeName
	}
	if d.End2 != nil {
		dto.End2 = typeName(d.End2.EntityType) + "." + d.End2.AttributeName
	}
	for _, l := range d.ValidEntityTypes {
		dto.ValidEntities = append(dto.ValidEntities, typeName(l))
	}
	return dto
}

// FromTypes converts type definitions to DTOs.
func FromTypes(defs []*typedef.TypeDef, reg *typedef.Registry) []TypeDTO {
	dtos := make([]TypeDTO, len(defs))
	for i, d := range defs {
		dtos[i] = FromType(d, reg)
	}
	return dtos
}

// FromProcess converts a process definition to a DTO.
func FromProcess(p *workflow.Process) ProcessDTO {
	dto := ProcessDTO{
		Name:        p.Name(),
		Description: p.Description(),
		Source:      p.Source().String(),
		FanOut:      string(p.FanOut()),
		Entries:     p.Entries(),
	}
	if tr := p.Trigger(); tr != nil {
		dto.Trigger = string(tr.Event)
		if tr.Type != "" {
			dto.Trigger += " " + tr.Type
		}
	}
	for _, s := range p.Steps() {
		st := StepTemplateDTO{
			Key:         s.Key,
			RequestType: s.RequestType,
			Description: s.Description,
			Params:      s.Params,
		}
		for _, e := range s.Next {
			st.Next = append(st.Next, EdgeDTO{Guard: e.Guard, Target: e.Target, Params: e.Params})
		}
		dto.Steps = append(dto.Steps, st)
	}
	return dto
}

// FromProcesses converts process definitions to DTOs.
func FromProcesses(ps []*workflow.Process) []ProcessDTO {
	dtos := make([]ProcessDTO, len(ps))
	for i, p := range ps {
		dtos[i] = FromProcess(p)
	}
	return dtos
}

// FromStep converts a governance step to a DTO.
func FromStep(s *workflow.Step) StepDTO {
	dto := StepDTO{
		GUID:          s.GUID,
		Key:           s.Key,
		RequestType:   s.RequestType,
		Status:        string(s.Status),
		Predecessor:   s.PredecessorGUID,
		SpawnGuard:    s.SpawnGuard,
		Parameters:    s.RequestParameters,
		Targets:       s.ActionTargets,
		StartTime:     s.StartTime,
		Guards:        s.OutputGuards,
		NewParameters: s.NewRequestParameters,
		Error:         s.Error,
	}
	if !s.CompletionTime.IsZero() {
		t := s.CompletionTime
		dto.CompletionTime = &t
	}
	return dto
}

// FromSteps converts governance steps to DTOs.
func FromSteps(steps []*workflow.Step) []StepDTO {
	dtos := make([]StepDTO, len(steps))
	for i, s := range steps {
		dtos[i] = FromStep(s)
	}
	return dtos
}

func nativeOf(v *property.Value) any {
	if v == nil {
		return nil
	}
	return v.Native()
}

// inline renders text segments with deletions in [-...-] and insertions
// in {+...+}.
func inline(segs []graph.TextSegment) string {
	var b strings.Builder
	for _, s := range segs {
		switch s.Type {
		case graph.SegmentDelete:
			b.WriteString("[-" + s.Text + "-]")
		case graph.SegmentInsert:
			b.WriteString("{+" + s.Text + "+}")
		default:
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// FromDiff converts a version diff to a DTO.
func FromDiff(d *graph.VersionDiff) DiffDTO {
	dto := DiffDTO{GUID: d.GUID, From: d.FromVersion, To: d.ToVersion}
	if d.OldStatus != d.NewStatus {
		dto.Status = string(d.OldStatus) + " -> " + string(d.NewStatus)
	}
	for _, pc := range d.Properties {
		dto.Properties = append(dto.Properties, PropertyChangeDTO{
			Name:   pc.Name,
			Change: string(pc.Change),
			Old:    nativeOf(pc.Old),
			New:    nativeOf(pc.New),
			Inline: inline(pc.Segments),
		})
	}
	for _, cc := range d.Classifications {
		dto.Classifications = append(dto.Classifications, string(cc.Change)+" "+cc.Name)
	}
	return dto
}
