package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/presentation"
	"github.com/zjrosen/strata/internal/typedef"
)

var (
	entityProps    []string
	entityUnset    []string
	entityStatus   string
	entityAsOf     string
	entityCascade  bool
	entityPurge    bool
	entityClassify []string

	historyFrom     string
	historyTo       string
	historyOrder    string
	historyOffset   int
	historyPageSize int
	historyDiff     bool
)

var entityCmd = &cobra.Command{
	Use:   "entity",
	Short: "Create, read and change entities",
}

var entityAddCmd = &cobra.Command{
	Use:   "add <type>",
	Short: "Create an entity",
	Long: `Create an entity of the given type. Property values are parsed
against the type's declarations: enums take a symbol or an ordinal, arrays
are comma separated and maps take key:value pairs.

Examples:
  strata entity add DataSet --prop qualifiedName=sales.orders --prop name=orders
  strata entity add DataSet --prop qualifiedName=hr.staff --classify Confidentiality
  strata entity add GlossaryTerm --prop qualifiedName=customer --status DRAFT`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			def, err := a.Types().Resolve(args[0])
			if err != nil {
				return err
			}
			props, err := parseProps(a.Types(), def, entityProps)
			if err != nil {
				return err
			}
			req := graph.NewEntity{Type: def.GUID, Properties: props, Status: typedef.InstanceStatus(strings.ToUpper(entityStatus))}
			for _, name := range entityClassify {
				req.Classifications = append(req.Classifications, graph.NewClassification{Name: name})
			}
			e, err := a.Graph().AddEntity(ctx, req)
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityGetCmd = &cobra.Command{
	Use:   "get <guid>",
	Short: "Show an entity, optionally as it was at a point in time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseTime("as-of", entityAsOf)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			e, err := a.Graph().GetEntity(ctx, args[0], asOf)
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityUpdateCmd = &cobra.Command{
	Use:   "update <guid>",
	Short: "Change an entity's properties or status",
	Long: `Set (--prop) or remove (--unset) properties, or move the entity to
another status. Properties not named keep their values.

Examples:
  strata entity update <guid> --prop owner=finance
  strata entity update <guid> --unset description
  strata entity update <guid> --status DEPRECATED`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			e, err := updateEntity(ctx, a, args[0])
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityClassifyCmd = &cobra.Command{
	Use:   "classify <guid> <classification>",
	Short: "Attach a classification, or update the one attached",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			def, err := a.Types().Resolve(args[1])
			if err != nil {
				return err
			}
			props, err := parseProps(a.Types(), def, entityProps)
			if err != nil {
				return err
			}
			current, err := a.Graph().GetEntity(ctx, args[0], nil)
			if err != nil {
				return err
			}
			var e *graph.EntityDetail
			if _, ok := current.Classification(def.Name); ok {
				e, err = a.Graph().UpdateClassification(ctx, args[0], def.Name, props)
			} else {
				e, err = a.Graph().ClassifyEntity(ctx, args[0], graph.NewClassification{Name: def.Name, Properties: props})
			}
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityDeclassifyCmd = &cobra.Command{
	Use:   "declassify <guid> <classification>",
	Short: "Remove a classification",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			e, err := a.Graph().DeclassifyEntity(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityDeleteCmd = &cobra.Command{
	Use:   "delete <guid>",
	Short: "Soft-delete an entity, or purge it with --purge",
	Long: `Soft-delete an entity. An entity with relationships is only deleted
with --cascade, which deletes the relationships too. --purge removes the
entity and its history for good.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			if entityPurge {
				if err := a.Graph().PurgeEntity(ctx, args[0]); err != nil {
					return err
				}
				return f.FormatCount(presentation.CountDTO{Operation: "purge", Count: 1})
			}
			e, err := a.Graph().DeleteEntity(ctx, args[0], entityCascade)
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityRestoreCmd = &cobra.Command{
	Use:   "restore <guid>",
	Short: "Restore a soft-deleted entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			e, err := a.Graph().RestoreEntity(ctx, args[0])
			if err != nil {
				return err
			}
			return f.FormatEntity(presentation.FromEntity(e))
		})
	},
}

var entityHistoryCmd = &cobra.Command{
	Use:   "history <guid>",
	Short: "List an entity's versions",
	Long: `List the recorded versions of an entity. --from and --to bound the
half-open interval [from, to) of version times. --diff prints what changed
between consecutive versions instead.

Examples:
  strata entity history <guid>
  strata entity history <guid> --order DESCENDING --page-size 5
  strata entity history <guid> --diff`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := historyQuery()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			versions, err := a.Graph().GetEntityHistory(ctx, args[0], q)
			if err != nil {
				return err
			}
			if !historyDiff {
				return f.FormatEntities(presentation.FromEntities(versions))
			}
			var diffs []presentation.DiffDTO
			for i := 1; i < len(versions); i++ {
				from, to := versions[i-1], versions[i]
				if from.Version > to.Version {
					from, to = to, from
				}
				diffs = append(diffs, presentation.FromDiff(graph.DiffEntities(from, to)))
			}
			return f.FormatDiffs(diffs)
		})
	},
}

func init() {
	rootCmd.AddCommand(entityCmd)
	entityCmd.AddCommand(entityAddCmd, entityGetCmd, entityUpdateCmd, entityClassifyCmd,
		entityDeclassifyCmd, entityDeleteCmd, entityRestoreCmd, entityHistoryCmd)

	for _, c := range []*cobra.Command{entityAddCmd, entityUpdateCmd, entityClassifyCmd} {
		c.Flags().StringArrayVarP(&entityProps, "prop", "p", nil, "property as name=value (repeatable)")
	}
	entityAddCmd.Flags().StringVar(&entityStatus, "status", "", "initial status (default: the type's)")
	entityAddCmd.Flags().StringArrayVar(&entityClassify, "classify", nil, "classification to attach (repeatable)")
	entityUpdateCmd.Flags().StringVar(&entityStatus, "status", "", "new status")
	entityUpdateCmd.Flags().StringArrayVar(&entityUnset, "unset", nil, "property to remove (repeatable)")
	entityGetCmd.Flags().StringVar(&entityAsOf, "as-of", "", "point in time (RFC 3339 or YYYY-MM-DD)")
	entityDeleteCmd.Flags().BoolVar(&entityCascade, "cascade", false, "delete the entity's relationships too")
	entityDeleteCmd.Flags().BoolVar(&entityPurge, "purge", false, "remove the entity and its history permanently")

	entityHistoryCmd.Flags().StringVar(&historyFrom, "from", "", "earliest version time, inclusive")
	entityHistoryCmd.Flags().StringVar(&historyTo, "to", "", "latest version time, exclusive")
	entityHistoryCmd.Flags().StringVar(&historyOrder, "order", "", "ASCENDING (default) or DESCENDING")
	entityHistoryCmd.Flags().IntVar(&historyOffset, "offset", 0, "versions to skip")
	entityHistoryCmd.Flags().IntVar(&historyPageSize, "page-size", 0, "maximum versions (0 for all)")
	entityHistoryCmd.Flags().BoolVar(&historyDiff, "diff", false, "print the changes between consecutive versions")
}

func historyQuery() (graph.HistoryQuery, error) {
	from, err := parseTime("from", historyFrom)
	if err != nil {
		return graph.HistoryQuery{}, err
	}
	to, err := parseTime("to", historyTo)
	if err != nil {
		return graph.HistoryQuery{}, err
	}
	return graph.HistoryQuery{
		From:     from,
		To:       to,
		Offset:   historyOffset,
		PageSize: historyPageSize,
		Order:    graph.SortOrder(strings.ToUpper(historyOrder)),
	}, nil
}

// updateEntity applies --prop, --unset and --status. Properties are merged
// into the current bag by the graph; a status change is a separate version
// after the property change.
func updateEntity(ctx context.Context, a *app.App, guid string) (*graph.EntityDetail, error) {
	e, err := a.Graph().GetEntity(ctx, guid, nil)
	if err != nil {
		return nil, err
	}

	if len(entityProps) > 0 || len(entityUnset) > 0 {
		def, err := a.Types().TypeDefByGUID(e.Type.GUID)
		if err != nil {
			return nil, err
		}
		changes, err := parseProps(a.Types(), def, entityProps)
		if err != nil {
			return nil, err
		}
		if e, err = a.Graph().PatchEntityProperties(ctx, guid, changes, entityUnset); err != nil {
			return nil, err
		}
	}

	if entityStatus != "" {
		statuses, err := parseStatuses([]string{entityStatus})
		if err != nil {
			return nil, err
		}
		if e, err = a.Graph().UpdateEntityStatus(ctx, guid, statuses[0]); err != nil {
			return nil, err
		}
	}
	return e, nil
}
