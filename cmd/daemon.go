package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/presentation"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the governance engine in the foreground",
	Long: `Run the repository as a long-lived process. The daemon starts
triggered processes when matching instances change, reloads the process
catalog when workflow.process_dir changes and serves Prometheus metrics.

Example:
  strata daemon                          # use the configured settings
  strata daemon --metrics-addr :9464     # serve /metrics on port 9464
  strata daemon --no-triggers            # watch and serve metrics only`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var (
	daemonMetricsAddr string
	daemonNoTriggers  bool
	daemonTail        bool
)

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "address for /metrics (overrides metrics.addr)")
	daemonCmd.Flags().BoolVar(&daemonNoTriggers, "no-triggers", false, "do not start triggered processes")
	daemonCmd.Flags().BoolVar(&daemonTail, "tail", false, "copy log entries to stderr")
}

type daemonStatus struct {
	Status      string `json:"status"`
	Triggers    bool   `json:"triggers"`
	Watching    bool   `json:"watching"`
	MetricsAddr string `json:"metricsAddr,omitempty"`
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	if daemonTail && !debugFlag {
		stop := tailLog(cmd.ErrOrStderr())
		defer stop()
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.ErrorErr(log.CatCLI, "closing repository", err)
		}
	}()
	f := presentation.NewFormatter(cmd.OutOrStdout())

	triggers := cfg.Workflow.Triggers && !daemonNoTriggers
	if triggers {
		if err := a.Engine().EnableTriggers(); err != nil {
			return fmt.Errorf("enabling triggers: %w", err)
		}
	}

	reloads, err := a.StartWatching()
	if err != nil {
		return fmt.Errorf("watching processes: %w", err)
	}

	addr := daemonMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	errCh := make(chan error, 1)
	var server *http.Server
	if addr != "" {
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		addr = listener.Addr().String()
		server = &http.Server{
			Handler:           daemonRoutes(a),
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info(log.CatCLI, "serving metrics", "addr", addr)
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if err := f.FormatResult(daemonStatus{
		Status:      "running",
		Triggers:    triggers,
		Watching:    reloads != nil,
		MetricsAddr: addr,
	}); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var serveErr error
	select {
	case sig := <-sigCh:
		log.Info(log.CatCLI, "shutting down", "signal", sig.String())
	case serveErr = <-errCh:
		log.ErrorErr(log.CatCLI, "metrics server failed", serveErr)
	case <-cmd.Context().Done():
	}

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.ErrorErr(log.CatCLI, "stopping metrics server", err)
		}
	}
	if triggers {
		a.Engine().DisableTriggers()
	}
	if serveErr != nil {
		return fmt.Errorf("metrics server: %w", serveErr)
	}
	return f.FormatResult(daemonStatus{Status: "stopped", Triggers: triggers, Watching: reloads != nil, MetricsAddr: addr})
}

// tailLog copies every log entry to w until the returned func is called.
// Without a log file, entries are only published to listeners.
func tailLog(w io.Writer) func() {
	if cfg.Log.Path == "" {
		log.InitWriter(io.Discard)
		if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
			log.SetMinLevel(lvl)
		} else {
			log.SetMinLevel(log.LevelInfo)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := log.NewListener(ctx)
	if l == nil {
		cancel()
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(func(ev log.LogEvent) {
			_, _ = io.WriteString(w, ev.Payload)
		})
	}()
	return func() {
		cancel()
		<-done
	}
}

func daemonRoutes(a *app.App) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", a.Metrics().Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}
