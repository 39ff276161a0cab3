package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/presentation"
	"github.com/zjrosen/strata/internal/typedef"
)

var (
	typesCategory string
	typesName     string
	typesProperty []string
	typesSearch   string
	typesStandard string
)

var typesCmd = &cobra.Command{
	Use:   "types",
	Short: "Inspect the type registry",
}

var typesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List type definitions",
	Long: `List the entity, relationship and classification types of the
registry: the core archive plus every archive in types.archives.

Examples:
  strata types list
  strata types list --category ENTITY_DEF
  strata types list --name 'Data*'
  strata types list --property owner
  strata types list --search 'sensitiv'
  strata types list --standard SKOS/W3C`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App, f *presentation.Formatter) error {
			defs, err := listTypes(a.Types())
			if err != nil {
				return err
			}
			return f.FormatTypes(presentation.FromTypes(defs, nil))
		})
	},
}

var typesShowCmd = &cobra.Command{
	Use:   "show <name-or-guid>",
	Short: "Show one type with its inherited properties",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App, f *presentation.Formatter) error {
			def, err := a.Types().Resolve(args[0])
			if err != nil {
				return err
			}
			return f.FormatType(presentation.FromType(def, a.Types()))
		})
	},
}

func init() {
	rootCmd.AddCommand(typesCmd)
	typesCmd.AddCommand(typesListCmd, typesShowCmd)

	typesListCmd.Flags().StringVar(&typesCategory, "category", "", "ENTITY_DEF, RELATIONSHIP_DEF or CLASSIFICATION_DEF")
	typesListCmd.Flags().StringVar(&typesName, "name", "", "wildcard name pattern (* and ?)")
	typesListCmd.Flags().StringSliceVar(&typesProperty, "property", nil, "only types declaring every named property")
	typesListCmd.Flags().StringVar(&typesSearch, "search", "", "regular expression matched against names and descriptions")
	typesListCmd.Flags().StringVar(&typesStandard, "standard", "", "external standard as standard[/organization[/identifier]]")
}

func listTypes(reg *typedef.Registry) ([]*typedef.TypeDef, error) {
	var want typedef.Category
	if typesCategory != "" {
		want = typedef.Category(strings.ToUpper(typesCategory))
		if !want.IsTypeDef() {
			return nil, oneOf("category", typesCategory, "ENTITY_DEF", "RELATIONSHIP_DEF", "CLASSIFICATION_DEF")
		}
	}

	var (
		defs []*typedef.TypeDef
		err  error
	)
	switch {
	case len(typesProperty) > 0:
		defs, err = reg.FindTypeDefsByProperty(typesProperty)
	case typesName != "":
		var g typedef.Gallery
		g, err = reg.FindTypesByName(typesName)
		defs = g.TypeDefs
	case typesSearch != "":
		defs, err = reg.SearchForTypeDefs(typesSearch)
	case typesStandard != "":
		parts := strings.SplitN(typesStandard, "/", 3)
		parts = append(parts, "", "")
		defs, err = reg.FindTypesByExternalStandard(parts[0], parts[1], parts[2])
	case want != "":
		return reg.FindTypeDefsByCategory(want)
	default:
		defs = reg.AllTypes().TypeDefs
	}
	if err != nil || want == "" {
		return defs, err
	}

	out := defs[:0:0]
	for _, d := range defs {
		if d.Category == want {
			out = append(out, d)
		}
	}
	return out, nil
}
