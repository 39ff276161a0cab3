package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

func (f *Formatter) encode(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatEntity formats one entity as JSON
func (f *Formatter) FormatEntity(e EntityDTO) error { return f.encode(e) }

// FormatEntities formats a list of entities as JSON
func (f *Formatter) FormatEntities(es []EntityDTO) error { return f.encode(nonNil(es)) }

// FormatRelationship formats one relationship as JSON
func (f *Formatter) FormatRelationship(r RelationshipDTO) error { return f.encode(r) }

// FormatRelationships formats a list of relationships as JSON
func (f *Formatter) FormatRelationships(rs []RelationshipDTO) error { return f.encode(nonNil(rs)) }

// FormatTypes formats a list of type definitions as JSON
func (f *Formatter) FormatTypes(ts []TypeDTO) error { return f.encode(nonNil(ts)) }

// FormatType formats one type definition as JSON
func (f *Formatter) FormatType(t TypeDTO) error { return f.encode(t) }

// FormatProcesses formats a list of process definitions as JSON
func (f *Formatter) FormatProcesses(ps []ProcessDTO) error { return f.encode(nonNil(ps)) }

// FormatRun formats the outcome of a process run as JSON
func (f *Formatter) FormatRun(r ProcessRunDTO) error {
	r.Steps = nonNil(r.Steps)
	return f.encode(r)
}

// FormatDiffs formats a list of version diffs as JSON
func (f *Formatter) FormatDiffs(ds []DiffDTO) error { return f.encode(nonNil(ds)) }

// FormatCount formats an affected-item count as JSON
func (f *Formatter) FormatCount(c CountDTO) error { return f.encode(c) }

// nonNil turns a nil slice into an empty one so lists encode as [].
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// FormatResult formats an arbitrary command result as JSON
func (f *Formatter) FormatResult(result any) error { return f.encode(result) }
