package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/presentation"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Maintain the version history",
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop superseded versions older than history.retention",
	Long: `Remove versions that were superseded before now minus
history.retention. The current version of every instance is always kept,
so as-of reads inside the retention window keep working.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			n, err := a.PruneHistory(ctx)
			if err != nil {
				return err
			}
			return f.FormatCount(presentation.CountDTO{Operation: "prune", Count: n})
		})
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyPruneCmd)
}
