package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/config"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/presentation"
)

var (
	initForce      bool
	initBackend    string
	initCollection string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a repository config in the current directory",
	Long: `Write a commented default config to .strata/config.yaml (or --config)
and create the process directory next to it.

Examples:
  strata init
  strata init --backend badger
  strata init --collection finance --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().StringVar(&initBackend, "backend", "", "store back end: memory, sqlite or badger")
	initCmd.Flags().StringVar(&initCollection, "collection", "", "metadata collection id")
}

type initResult struct {
	Config     string `json:"config"`
	ProcessDir string `json:"processDir"`
	Backend    string `json:"backend"`
}

func runInit(cmd *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
	}

	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	if initBackend != "" {
		if err := config.ValidateStore(config.StoreConfig{Backend: initBackend}); err != nil {
			return err
		}
	}
	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}

	backend := config.Defaults().Store.Backend
	if initBackend != "" {
		if err := config.SaveValue(path, "store.backend", initBackend); err != nil {
			return err
		}
		backend = initBackend
	}
	if initCollection != "" {
		if err := config.SaveValue(path, "collection.id", initCollection); err != nil {
			return err
		}
	}

	processDir := filepath.Join(filepath.Dir(path), "processes")
	if err := os.MkdirAll(processDir, 0o750); err != nil {
		return fmt.Errorf("creating process directory: %w", err)
	}
	if filepath.Dir(path) != config.DataDir {
		// The template's process_dir is relative to the working directory.
		if err := config.SaveValue(path, "workflow.process_dir", processDir); err != nil {
			return err
		}
	}
	log.Info(log.CatCLI, "repository initialised", "config", path)

	return presentation.NewFormatter(cmd.OutOrStdout()).FormatResult(initResult{
		Config:     path,
		ProcessDir: processDir,
		Backend:    backend,
	})
}
