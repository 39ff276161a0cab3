package testutil

import (
	"time"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/property"
	"github.com/zjrosen/strata/internal/typedef"
)

// entityData holds an entity to be added by the Builder.
type entityData struct {
	key      string
	typeName string
	props    property.Properties
	status   typedef.InstanceStatus
	classes  []graph.NewClassification
}

func defaultEntity(key, typeName string) entityData {
	return entityData{
		key:      key,
		typeName: typeName,
		props:    property.Properties{"qualifiedName": property.String(key)},
	}
}

// EntityOption configures an entity during builder setup.
type EntityOption func(*entityData)

// Prop sets one property.
func Prop(name string, v property.Value) EntityOption {
	return func(e *entityData) { e.props[name] = v }
}

// Name sets the Asset name property.
func Name(name string) EntityOption { return Prop("name", property.String(name)) }

// Color sets the Widget color property.
func Color(color string) EntityOption { return Prop("color", property.String(color)) }

// Size sets the Widget size property.
func Size(n int64) EntityOption { return Prop("size", property.Int(n)) }

// Tags sets the Asset tags property.
func Tags(tags ...string) EntityOption {
	return func(e *entityData) {
		vals := make([]property.Value, len(tags))
		for i, t := range tags {
			vals[i] = property.String(t)
		}
		e.props["tags"] = property.Array(vals...)
	}
}

// FinishedAt sets the Widget finishedAt property.
func FinishedAt(t time.Time) EntityOption { return Prop("finishedAt", property.Date(t)) }

// Status overrides the type's initial status.
func Status(s typedef.InstanceStatus) EntityOption {
	return func(e *entityData) { e.status = s }
}

// Classified attaches a classification at creation.
func Classified(name string, props property.Properties) EntityOption {
	return func(e *entityData) {
		e.classes = append(e.classes, graph.NewClassification{Name: name, Properties: props})
	}
}

// Painted attaches the Painted classification with the given finish.
func Painted(finish string) EntityOption {
	ordinal := 0
	if finish == "Gloss" {
		ordinal = 1
	}
	return Classified("Painted", property.Properties{"finish": property.Enum(ordinal, finish)})
}

// relationshipData holds a relationship to be added by the Builder.
type relationshipData struct {
	key      string
	typeName string
	end1     string
	end2     string
	props    property.Properties
}

// RelationshipOption configures a relationship during builder setup.
type RelationshipOption func(*relationshipData)

// Label sets the Wired label property.
func Label(label string) RelationshipOption {
	return func(r *relationshipData) { r.props["label"] = property.String(label) }
}

// Weight sets the Wired weight property.
func Weight(w int64) RelationshipOption {
	return func(r *relationshipData) { r.props["weight"] = property.Int(w) }
}
