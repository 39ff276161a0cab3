// Package config provides configuration types and defaults for strata.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/strata/internal/log"
	"github.com/zjrosen/strata/internal/tracing"
)

// Store back ends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// DataDir is the project-local directory holding the config and data files.
const DataDir = ".strata"

// Config holds all configuration options for strata.
type Config struct {
	Collection CollectionConfig `mapstructure:"collection"`
	Store      StoreConfig      `mapstructure:"store"`
	Types      TypesConfig      `mapstructure:"types"`
	History    HistoryConfig    `mapstructure:"history"`
	Graph      GraphConfig      `mapstructure:"graph"`
	Search     SearchConfig     `mapstructure:"search"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Events     EventsConfig     `mapstructure:"events"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    tracing.Config   `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

// CollectionConfig names the metadata collection new instances are homed in.
type CollectionConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// StoreConfig selects the persistence back end.
type StoreConfig struct {
	Backend string `mapstructure:"backend"` // "memory", "sqlite" (default) or "badger"

	// Path is the sqlite file or badger directory.
	// Default: .strata/strata.db or .strata/badger
	Path string `mapstructure:"path"`

	// SyncWrites fsyncs every badger commit.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// ResolvedPath returns Path, or the default location for the back end
// under dir.
func (s StoreConfig) ResolvedPath(dir string) string {
	if s.Path != "" {
		return s.Path
	}
	switch s.Backend {
	case BackendBadger:
		return filepath.Join(dir, "badger")
	case BackendSQLite, "":
		return filepath.Join(dir, "strata.db")
	}
	return ""
}

// TypesConfig lists type archives loaded after the core archive.
type TypesConfig struct {
	Archives []string `mapstructure:"archives"`
}

// HistoryConfig controls version history.
type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Retention is how long superseded versions are kept by
	// "strata history prune". Zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// GraphConfig tunes the instance graph.
type GraphConfig struct {
	LockMode         string        `mapstructure:"lock_mode"` // "block" (default) or "reject"
	MaxUpdateRetries int           `mapstructure:"max_update_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	SummaryCacheTTL  time.Duration `mapstructure:"summary_cache_ttl"`
}

// SearchConfig tunes the search engine.
type SearchConfig struct {
	// MaxPageSize caps the page size of a search. Zero means no cap.
	MaxPageSize   int           `mapstructure:"max_page_size"`
	RegexCacheTTL time.Duration `mapstructure:"regex_cache_ttl"`
}

// WorkflowConfig configures the governance engine.
type WorkflowConfig struct {
	FanOut string `mapstructure:"fan_out"` // "all" (default) or "first"

	// ProcessDir holds user process definitions (*.yaml).
	// Default: .strata/processes
	ProcessDir string `mapstructure:"process_dir"`

	// Watch reloads the process catalog when ProcessDir changes.
	Watch bool `mapstructure:"watch"`

	// Steps selects where steps are recorded: "memory" or "graph" (default),
	// which records governance actions as entities.
	Steps string `mapstructure:"steps"`

	// Triggers lets the daemon start processes from repository changes.
	Triggers bool `mapstructure:"triggers"`
}

// EventsConfig sizes the change event broker.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// MetricsConfig configures the prometheus endpoint of the daemon.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr"`
}

// LogConfig configures the debug log.
type LogConfig struct {
	// Path is the log file. Empty disables logging unless --debug is set.
	Path  string `mapstructure:"path"`
	Level string `mapstructure:"level"` // debug, info (default), warn, error
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/strata/traces/traces.jsonl or empty string if home dir unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "strata", "traces", "traces.jsonl")
}

// ValidateStore checks store configuration for errors.
func ValidateStore(s StoreConfig) error {
	switch s.Backend {
	case "", BackendMemory, BackendSQLite, BackendBadger:
	default:
		return fmt.Errorf("store.backend must be \"memory\", \"sqlite\", or \"badger\", got %q", s.Backend)
	}
	if s.Backend == BackendMemory && s.Path != "" {
		return fmt.Errorf("store.path is not used by the memory backend, got %q", s.Path)
	}
	return nil
}

// ValidateTypes checks that every configured archive exists.
func ValidateTypes(t TypesConfig) error {
	for i, p := range t.Archives {
		if p == "" {
			return fmt.Errorf("types.archives[%d]: path is required", i)
		}
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("types.archives[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateHistory checks history configuration for errors.
func ValidateHistory(h HistoryConfig) error {
	if h.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative, got %v", h.Retention)
	}
	if !h.Enabled && h.Retention > 0 {
		return fmt.Errorf("history.retention requires history.enabled")
	}
	return nil
}

// ValidateGraph checks graph configuration for errors.
func ValidateGraph(g GraphConfig) error {
	switch g.LockMode {
	case "", "block", "reject":
	default:
		return fmt.Errorf("graph.lock_mode must be \"block\" or \"reject\", got %q", g.LockMode)
	}
	if g.MaxUpdateRetries < 0 {
		return fmt.Errorf("graph.max_update_retries must not be negative, got %d", g.MaxUpdateRetries)
	}
	if g.RetryBackoff < 0 {
		return fmt.Errorf("graph.retry_backoff must not be negative, got %v", g.RetryBackoff)
	}
	if g.SummaryCacheTTL < 0 {
		return fmt.Errorf("graph.summary_cache_ttl must not be negative, got %v", g.SummaryCacheTTL)
	}
	return nil
}

// ValidateSearch checks search configuration for errors.
func ValidateSearch(s SearchConfig) error {
	if s.MaxPageSize < 0 {
		return fmt.Errorf("search.max_page_size must not be negative, got %d", s.MaxPageSize)
	}
	if s.RegexCacheTTL < 0 {
		return fmt.Errorf("search.regex_cache_ttl must not be negative, got %v", s.RegexCacheTTL)
	}
	return nil
}

// ValidateWorkflow checks workflow configuration for errors.
func ValidateWorkflow(w WorkflowConfig) error {
	switch w.FanOut {
	case "", "all", "first":
	default:
		return fmt.Errorf("workflow.fan_out must be \"all\" or \"first\", got %q", w.FanOut)
	}
	switch w.Steps {
	case "", "memory", "graph":
	default:
		return fmt.Errorf("workflow.steps must be \"memory\" or \"graph\", got %q", w.Steps)
	}
	if w.Watch && w.ProcessDir == "" {
		return fmt.Errorf("workflow.watch requires workflow.process_dir")
	}
	return nil
}

// ValidateEvents checks event configuration for errors.
func ValidateEvents(e EventsConfig) error {
	if e.BufferSize < 0 {
		return fmt.Errorf("events.buffer_size must not be negative, got %d", e.BufferSize)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// ValidateLog checks log configuration for errors.
func ValidateLog(l LogConfig) error {
	if l.Level == "" {
		return nil
	}
	if _, err := log.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// Validate checks every section, reporting the first error.
func (c Config) Validate() error {
	validators := []func() error{
		func() error { return ValidateStore(c.Store) },
		func() error { return ValidateTypes(c.Types) },
		func() error { return ValidateHistory(c.History) },
		func() error { return ValidateGraph(c.Graph) },
		func() error { return ValidateSearch(c.Search) },
		func() error { return ValidateWorkflow(c.Workflow) },
		func() error { return ValidateEvents(c.Events) },
		func() error { return ValidateTracing(c.Tracing) },
		func() error { return ValidateLog(c.Log) },
	}
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Collection: CollectionConfig{
			ID:   "local",
			Name: "Local metadata collection",
		},
		Store: StoreConfig{
			Backend:    BackendSQLite,
			SyncWrites: true,
		},
		History: HistoryConfig{
			Enabled: true,
		},
		Graph: GraphConfig{
			LockMode:         "block",
			MaxUpdateRetries: 3,
			RetryBackoff:     10 * time.Millisecond,
			SummaryCacheTTL:  time.Minute,
		},
		Search: SearchConfig{
			MaxPageSize:   1000,
			RegexCacheTTL: 10 * time.Minute,
		},
		Workflow: WorkflowConfig{
			FanOut:     "all",
			ProcessDir: filepath.Join(DataDir, "processes"),
			Watch:      true,
			Steps:      "graph",
			Triggers:   true,
		},
		Events: EventsConfig{
			BufferSize: 256,
		},
		Tracing: tracing.Config{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  tracing.DefaultServiceName,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Strata Configuration

# Metadata collection that new instances are homed in
collection:
  id: local
  name: Local metadata collection

# Persistence back end: memory, sqlite (default) or badger
store:
  backend: sqlite
  # path: .strata/strata.db   # sqlite file or badger directory
  # sync_writes: true         # fsync every badger commit

# Additional type archives, loaded after the core archive
types:
  archives: []
  # archives:
  #   - .strata/types/finance.yaml

# Version history
history:
  enabled: true
  # retention: 2160h   # keep superseded versions for 90 days ('strata history prune')

# Instance graph
graph:
  lock_mode: block          # block (wait for the lock) or reject (fail fast)
  max_update_retries: 3     # retries after a concurrent update
  retry_backoff: 10ms
  summary_cache_ttl: 1m

# Search
search:
  max_page_size: 1000       # 0 disables the cap
  regex_cache_ttl: 10m

# Governance engine
workflow:
  fan_out: all              # all matching edges spawn, or only the first
  process_dir: .strata/processes
  watch: true               # reload processes when process_dir changes
  steps: graph              # memory, or graph to record GovernanceAction entities
  triggers: true            # start triggered processes in 'strata daemon'

# Change event broker
events:
  buffer_size: 256

# Prometheus endpoint served by 'strata daemon'
# metrics:
#   addr: localhost:9464

# Distributed tracing
# tracing:
#   enabled: false                 # Enable/disable tracing (default: false)
#   exporter: file                 # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/strata/traces/traces.jsonl  # Output file for file exporter
#   otlp_endpoint: localhost:4317  # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0               # Trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: Send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # Sample 10% of traces

# Debug log
log:
  level: info
  # path: .strata/debug.log
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
