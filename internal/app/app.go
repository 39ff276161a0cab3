// Package app wires the configured store, type registry, graph, search and
// governance engine into one running repository.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zjrosen/strata/internal/config"
	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/governance"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/infrastructure/badger"
	"github.com/zjrosen/strata/internal/infrastructure/memory"
	"github.com/zjrosen/strata/internal/infrastructure/sqlite"
	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/metrics"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/tracing"
	"github.com/zjrosen/strata/internal/typedef"
	"github.com/zjrosen/strata/internal/watcher"
	"github.com/zjrosen/strata/internal/workflow"
)

// App is the composed repository.
type App struct {
	cfg     config.Config
	dataDir string
	now     func() time.Time

	types    *typedef.Registry
	graph    *graph.Graph
	search   *search.Engine
	engine   *workflow.Engine
	metrics  *metrics.Metrics
	tracing  *tracing.Provider
	services *workflow.ServiceRegistry

	mu            sync.Mutex
	watcherHandle *watcher.Watcher
	watcherCancel context.CancelFunc
	watcherDone   chan struct{}
	closed        bool
}

// Option configures New.
type Option func(*App)

// WithDataDir sets the directory that default store paths resolve under.
// Default: config.DataDir.
func WithDataDir(dir string) Option {
	return func(a *App) { a.dataDir = dir }
}

// WithClock sets the clock shared by the graph, the engine and the services.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New builds every component from cfg. The caller must Close the result.
func New(cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a := &App{cfg: cfg, dataDir: config.DataDir, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	a.tracing = tp
	a.metrics = metrics.New()

	types, err := typedef.LoadRegistry(cfg.Types.Archives...)
	if err != nil {
		a.shutdownTracing()
		return nil, fmt.Errorf("loading types: %w", err)
	}
	a.types = types

	store, err := a.openStore()
	if err != nil {
		a.shutdownTracing()
		return nil, err
	}

	a.graph = graph.New(types, store, a.graphOptions()...)
	a.search = search.New(a.graph,
		search.WithMaxPageSize(cfg.Search.MaxPageSize),
		search.WithRegexCacheTTL(cfg.Search.RegexCacheTTL),
		search.WithTracer(tp.Tracer()),
		search.WithMetrics(a.metrics),
	)

	if err := a.buildEngine(); err != nil {
		_ = a.graph.Close()
		a.shutdownTracing()
		return nil, err
	}

	log.Info(log.CatConfig, "repository ready",
		"backend", backendName(cfg.Store.Backend),
		"types", len(types.AllTypes().TypeDefs),
		"processes", len(a.engine.Catalog().List()))
	return a, nil
}

func backendName(b string) string {
	if b == "" {
		return config.BackendSQLite
	}
	return b
}

func (a *App) openStore() (graph.Store, error) {
	path := a.cfg.Store.ResolvedPath(a.dataDir)
	switch backendName(a.cfg.Store.Backend) {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendBadger:
		bc := badger.DefaultConfig(path)
		bc.SyncWrites = a.cfg.Store.SyncWrites
		db, err := badger.Open(bc)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		return db.Store(), nil
	default:
		db, err := sqlite.NewDB(path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return db.Store(), nil
	}
}

func (a *App) graphOptions() []graph.Option {
	g := a.cfg.Graph
	opts := []graph.Option{
		graph.WithHistory(a.cfg.History.Enabled),
		graph.WithRetry(g.MaxUpdateRetries, g.RetryBackoff),
		graph.WithTracer(a.tracing.Tracer()),
		graph.WithMetrics(a.metrics),
		graph.WithClock(a.now),
	}
	if a.cfg.Collection.ID != "" {
		opts = append(opts, graph.WithCollection(graph.Collection{ID: a.cfg.Collection.ID, Name: a.cfg.Collection.Name}))
	}
	if g.LockMode != "" {
		opts = append(opts, graph.WithLockMode(graph.LockMode(g.LockMode)))
	}
	if g.SummaryCacheTTL > 0 {
		opts = append(opts, graph.WithSummaryCache(g.SummaryCacheTTL))
	}
	if a.cfg.Events.BufferSize > 0 {
		opts = append(opts, graph.WithEventBuffer(a.cfg.Events.BufferSize))
	}
	return opts
}

func (a *App) buildEngine() error {
	a.services = workflow.NewServiceRegistry()
	if err := governance.Register(a.services, governance.WithClock(a.now)); err != nil {
		return fmt.Errorf("registering governance services: %w", err)
	}

	catalog, err := workflow.LoadCatalog(a.processDir())
	if err != nil {
		return fmt.Errorf("loading processes: %w", err)
	}

	opts := []workflow.Option{
		workflow.WithSearch(a.search),
		workflow.WithClock(a.now),
		workflow.WithTracer(a.tracing.Tracer()),
		workflow.WithMetrics(a.metrics),
	}
	if a.cfg.Workflow.FanOut != "" {
		opts = append(opts, workflow.WithFanOut(workflow.FanOut(a.cfg.Workflow.FanOut)))
	}
	if a.cfg.Workflow.Steps == "memory" {
		opts = append(opts, workflow.WithStore(workflow.NewMemoryStepStore()))
	} else {
		opts = append(opts, workflow.WithStore(workflow.NewGraphStepStore(a.graph, a.search)))
	}
	a.engine = workflow.New(a.graph, a.services, catalog, opts...)
	return nil
}

// processDir returns the configured process directory when it exists.
// A missing directory means no user processes.
func (a *App) processDir() string {
	dir := a.cfg.Workflow.ProcessDir
	if dir == "" {
		return ""
	}
	if _, err := os.Stat(dir); err != nil {
		log.Debug(log.CatWorkflow, "process directory not found", "dir", dir)
		return ""
	}
	return dir
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Types returns the type registry.
func (a *App) Types() *typedef.Registry { return a.types }

// Graph returns the instance graph.
func (a *App) Graph() *graph.Graph { return a.graph }

// Search returns the search engine.
func (a *App) Search() *search.Engine { return a.search }

// Engine returns the governance engine.
func (a *App) Engine() *workflow.Engine { return a.engine }

// Metrics returns the metrics of every component.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Services returns the registered governance services.
func (a *App) Services() *workflow.ServiceRegistry { return a.services }

// PruneHistory drops superseded versions older than history.retention.
func (a *App) PruneHistory(ctx context.Context) (int, error) {
	if a.cfg.History.Retention <= 0 {
		return 0, errs.Invalid("history.retention is not set")
	}
	return a.graph.PruneHistory(ctx, a.now().Add(-a.cfg.History.Retention))
}

// StartWatching reloads the process catalog whenever the process directory
// changes. It is a no-op when workflow.watch is off or the directory does
// not exist. The returned channel receives the result of every reload.
func (a *App) StartWatching() (<-chan error, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.watcherHandle != nil {
		return nil, errors.New("already watching")
	}
	dir := a.processDir()
	if !a.cfg.Workflow.Watch || dir == "" {
		return nil, nil
	}

	w, err := watcher.New(watcher.DefaultConfig(dir))
	if err != nil {
		return nil, err
	}
	onChange, err := w.Start()
	if err != nil {
		_ = w.Stop()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reloads := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-onChange:
				err := a.engine.Catalog().Reload(dir)
				if err != nil {
					log.ErrorErr(log.CatWatcher, "process reload failed, keeping previous catalog", err, "dir", dir)
				} else {
					log.Info(log.CatWatcher, "processes reloaded", "dir", dir, "count", len(a.engine.Catalog().List()))
				}
				select {
				case reloads <- err:
				default:
				}
			}
		}
	}()

	a.watcherHandle = w
	a.watcherCancel = cancel
	a.watcherDone = done
	return reloads, nil
}

func (a *App) stopWatching() {
	a.mu.Lock()
	w, cancel, done := a.watcherHandle, a.watcherCancel, a.watcherDone
	a.watcherHandle, a.watcherCancel, a.watcherDone = nil, nil, nil
	a.mu.Unlock()
	if w == nil {
		return
	}
	cancel()
	<-done
	if err := w.Stop(); err != nil {
		log.Warn(log.CatWatcher, "stopping watcher", "error", err)
	}
}

func (a *App) shutdownTracing() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing.Shutdown(ctx); err != nil {
		log.Warn(log.CatConfig, "tracing shutdown", "error", err)
	}
}

// Close stops the watcher and the engine, flushes traces and closes the
// store.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.stopWatching()
	a.engine.Close()
	err := a.graph.Close()
	a.shutdownTracing()
	return err
}
