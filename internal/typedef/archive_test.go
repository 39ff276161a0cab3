package typedef

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/property"
)

func TestCoreArchive_Builds(t *testing.T) {
	r, err := LoadRegistry()
	require.NoError(t, err)

	asset, err := r.TypeDefByName("Asset")
	require.NoError(t, err)
	require.True(t, r.IsSubtypeOf(asset, mustType(t, r, "Referenceable").GUID))

	qn, ok := r.Property(asset, "qualifiedName")
	require.True(t, ok)
	require.True(t, qn.Required)
	require.True(t, qn.Unique)

	term, err := r.TypeDefByName("GlossaryTerm")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, term.InitialStatus)

	defs, err := r.FindTypesByExternalStandard("DCAT", "", "dcat:Dataset")
	require.NoError(t, err)
	require.Len(t, defs, 1)
	require.Equal(t, "DataSet", defs[0].Name)

	flow, err := r.TypeDefByName("DataFlow")
	require.NoError(t, err)
	require.Equal(t, CategoryRelationship, flow.Category)
	require.Equal(t, "Referenceable", flow.End1.EntityType.Name)

	str, err := r.AttributeTypeDefByName("string")
	require.NoError(t, err)
	require.Equal(t, CategoryPrimitive, str.Category)
	require.Equal(t, property.PrimitiveString, str.Primitive)
}

func TestCoreArchive_StableGUIDs(t *testing.T) {
	r1, err := LoadRegistry()
	require.NoError(t, err)
	r2, err := LoadRegistry()
	require.NoError(t, err)

	require.Equal(t, mustType(t, r1, "Asset").GUID, mustType(t, r2, "Asset").GUID)
	require.Equal(t, deriveGUID("type", "Asset"), mustType(t, r1, "Asset").GUID)
}

func TestLoadRegistry_ExtraArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "widgets.yaml")
	data := `
archive:
  name: widgets
types:
  - name: Widget
    category: ENTITY_DEF
    superType: Asset
    properties:
      - {name: color, type: string}
  - name: Painted
    category: CLASSIFICATION_DEF
    validEntityTypes: [Widget]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	r, err := LoadRegistry(path)
	require.NoError(t, err)

	widget := mustType(t, r, "Widget")
	err = r.ValidateProperties(widget, property.Properties{
		"qualifiedName": property.String("widget:w1"),
		"color":         property.String("red"),
	})
	require.NoError(t, err)

	require.NoError(t, r.ValidateClassification(mustType(t, r, "Painted"), widget))
	require.Error(t, r.ValidateClassification(mustType(t, r, "Painted"), mustType(t, r, "DataSet")))
}

func TestParseArchive_Errors(t *testing.T) {
	_, err := ParseArchive([]byte("types: []"))
	require.ErrorIs(t, err, ErrIncompleteDefinition)

	_, err = ParseArchive([]byte("archive: {name: x}\nattributeTypes:\n  - {name: uuid, primitive: uuid}\n"))
	require.ErrorIs(t, err, ErrIncompleteDefinition)

	_, err = ParseArchive([]byte("archive: [oops"))
	require.Error(t, err)

	_, err = LoadArchiveFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRegistry_ConflictingArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive: {name: dup}\ntypes:\n  - {name: Asset, category: ENTITY_DEF, guid: other-guid}\n"), 0o600))

	_, err := LoadRegistry(path)
	require.ErrorIs(t, err, ErrDuplicateName)
}

func mustType(t *testing.T, r *Registry, name string) *TypeDef {
	t.Helper()
	d, err := r.TypeDefByName(name)
	require.NoError(t, err)
	return d
}
