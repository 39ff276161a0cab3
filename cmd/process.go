package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/presentation"
	"github.com/zjrosen/strata/internal/workflow"
)

var (
	processParams  []string
	processTargets []string
	processSources []string
	processTimeout time.Duration
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "List and run governance processes",
}

var processListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in and user processes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(_ context.Context, a *app.App, f *presentation.Formatter) error {
			return f.FormatProcesses(presentation.FromProcesses(a.Engine().Catalog().List()))
		})
	},
}

var processRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a process to completion and print its steps",
	Long: `Start a process instance and wait until every step has settled.
Parameters override those of the process's step templates.

Examples:
  strata process run onboard-asset --target <guid>
  strata process run classify --target <guid> --param classification=Confidentiality
  strata process run link-term --target <guid> --param term=customer --timeout 30s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parsePairs("param", processParams)
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			if processTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, processTimeout)
				defer cancel()
			}
			inst, err := a.Engine().StartProcess(ctx, args[0], workflow.StartRequest{
				Parameters: params,
				Sources:    processSources,
				Targets:    processTargets,
			})
			if err != nil {
				return err
			}
			if err := inst.Wait(ctx); err != nil {
				inst.Cancel()
				return fmt.Errorf("process %s: %w", args[0], err)
			}
			steps, err := inst.Steps(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			log.Debug(log.CatCLI, "process finished", "process", args[0], "instance", inst.GUID, "steps", len(steps))
			return f.FormatRun(presentation.ProcessRunDTO{
				Process:  args[0],
				Instance: inst.GUID,
				Steps:    presentation.FromSteps(steps),
			})
		})
	},
}

var processStepsCmd = &cobra.Command{
	Use:   "steps <instance-guid>",
	Short: "Show the recorded steps of a process instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
			steps, err := a.Engine().Store().ListSteps(ctx, args[0])
			if err != nil {
				return err
			}
			run := presentation.ProcessRunDTO{Instance: args[0], Steps: presentation.FromSteps(steps)}
			if len(steps) > 0 {
				run.Process = steps[0].ProcessName
			}
			return f.FormatRun(run)
		})
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
	processCmd.AddCommand(processListCmd, processRunCmd, processStepsCmd)

	processRunCmd.Flags().StringArrayVar(&processParams, "param", nil, "request parameter as key=value (repeatable)")
	processRunCmd.Flags().StringArrayVar(&processTargets, "target", nil, "action target GUID (repeatable)")
	processRunCmd.Flags().StringArrayVar(&processSources, "source", nil, "request source GUID (repeatable)")
	processRunCmd.Flags().DurationVar(&processTimeout, "timeout", time.Minute, "give up waiting after this long (0 waits forever)")
}
