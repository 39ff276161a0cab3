package typedef

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/property"
)

//go:embed archives/*.yaml
var archiveFS embed.FS

// coreArchivePath is the embedded archive every registry starts from.
const coreArchivePath = "archives/core.yaml"

// guidNamespace seeds the GUIDs derived for definitions that omit one, so a
// name maps to the same GUID across processes and restarts.
var guidNamespace = uuid.MustParse("8f0c5a55-3c1e-4a4f-9a52-6c7c4de1f2b0")

// ArchiveFile is the YAML document layout of a type archive.
type ArchiveFile struct {
	Archive        ArchiveHeader      `yaml:"archive"`
	AttributeTypes []AttributeTypeDoc `yaml:"attributeTypes"`
	Types          []TypeDoc          `yaml:"types"`
}

// ArchiveHeader identifies an archive.
type ArchiveHeader struct {
	GUID        string `yaml:"guid"`
	Name        string `yaml:"name"`
	Version     int64  `yaml:"version"`
	Description string `yaml:"description"`
}

// AttributeTypeDoc is one attribute type in an archive.
type AttributeTypeDoc struct {
	GUID           string        `yaml:"guid"`
	Name           string        `yaml:"name"`
	Category       Category      `yaml:"category"`
	Description    string        `yaml:"description"`
	Primitive      string        `yaml:"primitive"`
	Elements       []EnumElement `yaml:"elements"`
	DefaultOrdinal *int          `yaml:"defaultOrdinal"`
	Collection     string        `yaml:"collection"`
	Element        string        `yaml:"element"`
}

// PropertyDoc is one property of a type in an archive; Type names an
// attribute type.
type PropertyDoc struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Unique      bool   `yaml:"unique"`
}

// EndDoc is one relationship end in an archive.
type EndDoc struct {
	Type        string      `yaml:"type"`
	Attribute   string      `yaml:"attribute"`
	Cardinality Cardinality `yaml:"cardinality"`
}

// TypeDoc is one entity, relationship or classification type in an archive.
// Types reference their supertype, end types and valid entity types by name.
type TypeDoc struct {
	GUID              string                    `yaml:"guid"`
	Name              string                    `yaml:"name"`
	Category          Category                  `yaml:"category"`
	Version           int64                     `yaml:"version"`
	Description       string                    `yaml:"description"`
	SuperType         string                    `yaml:"superType"`
	Properties        []PropertyDoc             `yaml:"properties"`
	ExternalStandards []ExternalStandardMapping `yaml:"externalStandards"`
	ValidStatuses     []InstanceStatus          `yaml:"validStatuses"`
	InitialStatus     InstanceStatus            `yaml:"initialStatus"`
	End1              *EndDoc                   `yaml:"end1"`
	End2              *EndDoc                   `yaml:"end2"`
	Reflexive         bool                      `yaml:"reflexive"`
	ValidEntityTypes  []string                  `yaml:"validEntityTypes"`
	Propagatable      bool                      `yaml:"propagatable"`
}

// Archive is a parsed type archive ready to be applied to a Builder.
type Archive struct {
	Header   ArchiveHeader
	attrs    []AttributeTypeDef
	typeDefs []TypeDef
}

// ParseArchive decodes a YAML archive.
func ParseArchive(data []byte) (*Archive, error) {
	var file ArchiveFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing type archive: %w", err)
	}
	if file.Archive.Name == "" {
		return nil, fmt.Errorf("%w: archive name", ErrIncompleteDefinition)
	}

	a := &Archive{Header: file.Archive}
	for _, doc := range file.AttributeTypes {
		def, err := doc.toDomain()
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", file.Archive.Name, err)
		}
		a.attrs = append(a.attrs, def)
	}
	for _, doc := range file.Types {
		a.typeDefs = append(a.typeDefs, doc.toDomain())
	}
	return a, nil
}

// LoadArchiveFile reads and parses an archive from disk.
func LoadArchiveFile(path string) (*Archive, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading type archive %s: %w", path, err)
	}
	return ParseArchive(data)
}

// CoreArchive returns the embedded core archive.
func CoreArchive() (*Archive, error) {
	data, err := archiveFS.ReadFile(coreArchivePath)
	if err != nil {
		return nil, fmt.Errorf("reading core archive: %w", err)
	}
	return ParseArchive(data)
}

// Apply queues the archive's definitions on b.
func (a *Archive) Apply(b *Builder) {
	for _, def := range a.attrs {
		b.AddAttributeTypeDef(def)
	}
	for _, def := range a.typeDefs {
		b.AddTypeDef(def)
	}
}

// TypeCount returns the number of definitions the archive holds.
func (a *Archive) TypeCount() int {
	return len(a.attrs) + len(a.typeDefs)
}

// LoadRegistry builds a registry from the core archive followed by the
// archive files at paths.
func LoadRegistry(paths ...string) (*Registry, error) {
	core, err := CoreArchive()
	if err != nil {
		return nil, err
	}
	archives := []*Archive{core}
	for _, p := range paths {
		a, err := LoadArchiveFile(p)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return BuildRegistry(archives...)
}

// BuildRegistry builds a registry from archives applied in order.
func BuildRegistry(archives ...*Archive) (*Registry, error) {
	b := NewBuilder()
	for _, a := range archives {
		a.Apply(b)
		log.Debug(log.CatTypes, "applied type archive", "archive", a.Header.Name, "definitions", a.TypeCount())
	}
	r, err := b.Build()
	if err != nil {
		log.ErrorErr(log.CatTypes, "type registry bootstrap failed", err)
		return nil, err
	}
	log.Info(log.CatTypes, "type registry ready", "types", len(r.typeDefs), "attributeTypes", len(r.attrs))
	return r, nil
}

func deriveGUID(kind, name string) string {
	return uuid.NewSHA1(guidNamespace, []byte(kind+":"+name)).String()
}

func (doc AttributeTypeDoc) toDomain() (AttributeTypeDef, error) {
	def := AttributeTypeDef{
		GUID:           doc.GUID,
		Name:           doc.Name,
		Category:       doc.Category,
		Description:    doc.Description,
		Elements:       doc.Elements,
		DefaultOrdinal: doc.DefaultOrdinal,
		Collection:     CollectionKind(doc.Collection),
		Element:        property.Primitive(doc.Element),
	}
	if def.GUID == "" {
		def.GUID = deriveGUID("attribute", doc.Name)
	}
	if def.Category == "" {
		// A bare primitive entry may omit its category.
		p, ok := primitiveOf(doc.Primitive)
		if !ok {
			return def, fmt.Errorf("%w: attribute type %s has no category", ErrIncompleteDefinition, doc.Name)
		}
		def.Category = CategoryPrimitive
		def.Primitive = p
	} else {
		def.Primitive = property.Primitive(doc.Primitive)
	}
	return def, nil
}

func (doc TypeDoc) toDomain() TypeDef {
	def := TypeDef{
		GUID:              doc.GUID,
		Name:              doc.Name,
		Category:          doc.Category,
		Version:           doc.Version,
		Description:       doc.Description,
		ExternalStandards: doc.ExternalStandards,
		ValidStatuses:     doc.ValidStatuses,
		InitialStatus:     doc.InitialStatus,
		Reflexive:         doc.Reflexive,
		Propagatable:      doc.Propagatable,
	}
	if def.GUID == "" {
		def.GUID = deriveGUID("type", doc.Name)
	}
	if doc.SuperType != "" {
		def.SuperType = &Link{Name: doc.SuperType}
	}
	for _, p := range doc.Properties {
		def.Properties = append(def.Properties, PropertyDef{
			Name:              p.Name,
			AttributeTypeName: p.Type,
			Description:       p.Description,
			Required:          p.Required,
			Unique:            p.Unique,
		})
	}
	if doc.End1 != nil {
		def.End1 = doc.End1.toDomain()
	}
	if doc.End2 != nil {
		def.End2 = doc.End2.toDomain()
	}
	for _, name := range doc.ValidEntityTypes {
		def.ValidEntityTypes = append(def.ValidEntityTypes, Link{Name: name})
	}
	return def
}

func (e *EndDoc) toDomain() *RelationshipEnd {
	return &RelationshipEnd{
		EntityType:    Link{Name: e.Type},
		AttributeName: e.Attribute,
		Cardinality:   e.Cardinality,
	}
}
