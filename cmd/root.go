// Package cmd implements the strata command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/config"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/presentation"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	userFlag  string

	cfg     config.Config
	cfgErr  error
	cfgUsed string

	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "strata",
	Short: "A typed, versioned metadata repository",
	Long: `strata stores entities, relationships and classifications typed by
type archives, keeps every version for as-of reads, searches them and runs
guard-driven governance processes over them.

Every command prints JSON.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: preRun,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .strata/config.yaml, then ~/.config/strata/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write debug logging to stderr (or log.path)")
	rootCmd.PersistentFlags().StringVarP(&userFlag, "user", "u", "",
		"user recorded as the author of changes (default: $USER)")
}

func defaultConfigPath() string {
	return filepath.Join(config.DataDir, "config.yaml")
}

func initConfig() {
	v := viper.New()
	cfgErr, cfgUsed = nil, ""
	if err := config.SetDefaults(v); err != nil {
		cfgErr = err
		return
	}
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(config.EnvKeyReplacer())
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .strata/config.yaml (current directory)
		// 2. ~/.config/strata/config.yaml (user config)
		if _, err := os.Stat(defaultConfigPath()); err == nil {
			v.SetConfigFile(defaultConfigPath())
		} else {
			home, _ := os.UserHomeDir()
			v.AddConfigPath(filepath.Join(home, ".config", "strata"))
			v.SetConfigName("config")
			v.SetConfigType("yaml")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			cfgErr = fmt.Errorf("reading config: %w", err)
			return
		}
		// No config file anywhere: run on defaults.
	}
	cfgUsed = v.ConfigFileUsed()
	cfg, cfgErr = config.Load(v)
}

func preRun(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "init" {
		// init writes the config; a broken or missing one must not stop it.
		return nil
	}
	if cfgErr != nil {
		return cfgErr
	}
	return initLogging()
}

func initLogging() error {
	path := cfg.Log.Path
	if path == "" && os.Getenv("STRATA_DEBUG") != "" {
		path = os.Getenv("STRATA_LOG")
	}
	switch {
	case path != "":
		cleanup, err := log.Init(path)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
	case debugFlag:
		log.InitWriter(os.Stderr)
	default:
		return nil
	}

	level := log.LevelInfo
	if cfg.Log.Level != "" {
		level, _ = log.ParseLevel(cfg.Log.Level)
	}
	if debugFlag {
		level = log.LevelDebug
	}
	log.SetMinLevel(level)
	log.Debug(log.CatCLI, "logging enabled", "config", cfgUsed, "level", level)
	return nil
}

// openApp builds the repository from the loaded config.
func openApp() (*app.App, error) {
	a, err := app.New(cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// withApp opens the repository, runs fn and closes it again.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, f *presentation.Formatter) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.ErrorErr(log.CatCLI, "closing repository", err)
		}
	}()
	return fn(userContext(cmd.Context()), a, presentation.NewFormatter(cmd.OutOrStdout()))
}

// userContext attributes changes to --user, or the login user.
func userContext(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	user := strings.TrimSpace(userFlag)
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return ctx
	}
	return graph.WithUser(ctx, user)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
