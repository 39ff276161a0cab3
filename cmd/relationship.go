package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/presentation"
)

var (
	relProps      []string
	relType       string
	relStatuses   []string
	relSequencing string
	relOrder      string
	relOffset     int
	relPageSize   int
	relAsOf       string
	relPurge      bool
)

var relationshipCmd = &cobra.Command{
	Use:     "relationship",
	Aliases: []string{"rel"},
	Short:   "Link entities with typed relationships",
}

var relationshipAddCmd = &cobra.Command{
	Use:   "add <type> <end1-guid> <end2-guid>",
	Short: "Create a relationship between two entities",
	Long: `Create a relationship. End 1 and end 2 follow the relationship type's
declaration; for DataFlow, end 1 is the supplier and end 2 the consumer.

Examples:
  strata relationship add DataFlow <etl-guid> <report-guid>
  strata relationship add SemanticAssignment <asset-guid> <term-guid> --prop confidence=80`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			def, err := a.Types().Resolve(args[0])
			if err != nil {
				return err
			}
			props, err := parseProps(a.Types(), def, relProps)
			if err != nil {
				return err
			}
			r, err := a.Graph().AddRelationship(ctx, graph.NewRelationship{
				Type:       def.GUID,
				End1GUID:   args[1],
				End2GUID:   args[2],
				Properties: props,
			})
			if err != nil {
				return err
			}
			return f.FormatRelationship(presentation.FromRelationship(r))
		})
	},
}

var relationshipListCmd = &cobra.Command{
	Use:   "list <entity-guid>",
	Short: "List the relationships of an entity",
	Long: `List the relationships with the entity at either end.

Examples:
  strata relationship list <guid>
  strata relationship list <guid> --type DataFlow --status ACTIVE --status DELETED
  strata relationship list <guid> --sequencing confidence --order DESCENDING`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		statuses, err := parseStatuses(relStatuses)
		if err != nil {
			return err
		}
		asOf, err := parseTime("as-of", relAsOf)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			q := graph.RelationshipQuery{
				Statuses:           statuses,
				AsOf:               asOf,
				SequencingProperty: relSequencing,
				Order:              graph.SortOrder(strings.ToUpper(relOrder)),
				Offset:             relOffset,
				PageSize:           relPageSize,
			}
			if relType != "" {
				def, err := a.Types().Resolve(relType)
				if err != nil {
					return err
				}
				q.TypeGUID = def.GUID
			}
			rels, err := a.Graph().GetRelationshipsForEntity(ctx, args[0], q)
			if err != nil {
				return err
			}
			return f.FormatRelationships(presentation.FromRelationships(rels))
		})
	},
}

var relationshipGetCmd = &cobra.Command{
	Use:   "get <guid>",
	Short: "Show a relationship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseTime("as-of", relAsOf)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			r, err := a.Graph().GetRelationship(ctx, args[0], asOf)
			if err != nil {
				return err
			}
			return f.FormatRelationship(presentation.FromRelationship(r))
		})
	},
}

var relationshipDeleteCmd = &cobra.Command{
	Use:   "delete <guid>",
	Short: "Soft-delete a relationship, or purge it with --purge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			if relPurge {
				if err := a.Graph().PurgeRelationship(ctx, args[0]); err != nil {
					return err
				}
				return f.FormatCount(presentation.CountDTO{Operation: "purge", Count: 1})
			}
			r, err := a.Graph().DeleteRelationship(ctx, args[0])
			if err != nil {
				return err
			}
			return f.FormatRelationship(presentation.FromRelationship(r))
		})
	},
}

var relationshipRestoreCmd = &cobra.Command{
	Use:   "restore <guid>",
	Short: "Restore a soft-deleted relationship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			r, err := a.Graph().RestoreRelationship(ctx, args[0])
			if err != nil {
				return err
			}
			return f.FormatRelationship(presentation.FromRelationship(r))
		})
	},
}

func init() {
	rootCmd.AddCommand(relationshipCmd)
	relationshipCmd.AddCommand(relationshipAddCmd, relationshipListCmd, relationshipGetCmd,
		relationshipDeleteCmd, relationshipRestoreCmd)

	relationshipAddCmd.Flags().StringArrayVarP(&relProps, "prop", "p", nil, "property as name=value (repeatable)")

	relationshipListCmd.Flags().StringVar(&relType, "type", "", "relationship type, subtypes included")
	relationshipListCmd.Flags().StringArrayVar(&relStatuses, "status", nil, "status to include (repeatable; default all but DELETED)")
	relationshipListCmd.Flags().StringVar(&relSequencing, "sequencing", "", "order by this property")
	relationshipListCmd.Flags().StringVar(&relOrder, "order", "", "ASCENDING (default) or DESCENDING")
	relationshipListCmd.Flags().IntVar(&relOffset, "offset", 0, "results to skip")
	relationshipListCmd.Flags().IntVar(&relPageSize, "page-size", 0, "maximum results (0 for all)")
	for _, c := range []*cobra.Command{relationshipListCmd, relationshipGetCmd} {
		c.Flags().StringVar(&relAsOf, "as-of", "", "point in time (RFC 3339 or YYYY-MM-DD)")
	}
	relationshipDeleteCmd.Flags().BoolVar(&relPurge, "purge", false, "remove the relationship and its history permanently")
}
