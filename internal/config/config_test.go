package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/tracing"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	require.Equal(t, BackendSQLite, cfg.Store.Backend)
	require.True(t, cfg.History.Enabled)
	require.Equal(t, "block", cfg.Graph.LockMode)
	require.Equal(t, 3, cfg.Graph.MaxUpdateRetries)
	require.Equal(t, "all", cfg.Workflow.FanOut)
	require.Equal(t, filepath.Join(DataDir, "processes"), cfg.Workflow.ProcessDir)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, tracing.DefaultServiceName, cfg.Tracing.ServiceName)
}

func TestStoreConfig_ResolvedPath(t *testing.T) {
	require.Equal(t, filepath.Join("d", "strata.db"), StoreConfig{Backend: BackendSQLite}.ResolvedPath("d"))
	require.Equal(t, filepath.Join("d", "strata.db"), StoreConfig{}.ResolvedPath("d"))
	require.Equal(t, filepath.Join("d", "badger"), StoreConfig{Backend: BackendBadger}.ResolvedPath("d"))
	require.Equal(t, "", StoreConfig{Backend: BackendMemory}.ResolvedPath("d"))
	require.Equal(t, "/x.db", StoreConfig{Backend: BackendSQLite, Path: "/x.db"}.ResolvedPath("d"))
}

func TestValidateStore(t *testing.T) {
	require.NoError(t, ValidateStore(StoreConfig{}))
	require.NoError(t, ValidateStore(StoreConfig{Backend: BackendBadger, Path: "/data"}))

	err := ValidateStore(StoreConfig{Backend: "postgres"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store.backend")

	err = ValidateStore(StoreConfig{Backend: BackendMemory, Path: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not used by the memory backend")
}

func TestValidateTypes(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(archive, []byte("archive: {name: x}"), 0o644))

	require.NoError(t, ValidateTypes(TypesConfig{}))
	require.NoError(t, ValidateTypes(TypesConfig{Archives: []string{archive}}))

	err := ValidateTypes(TypesConfig{Archives: []string{archive, ""}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "types.archives[1]: path is required")

	err = ValidateTypes(TypesConfig{Archives: []string{filepath.Join(dir, "missing.yaml")}})
	require.Error(t, err)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateSections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative retention", func(c *Config) { c.History.Retention = -time.Hour }, "history.retention must not be negative"},
		{"retention without history", func(c *Config) { c.History = HistoryConfig{Retention: time.Hour} }, "requires history.enabled"},
		{"lock mode", func(c *Config) { c.Graph.LockMode = "spin" }, "graph.lock_mode"},
		{"retries", func(c *Config) { c.Graph.MaxUpdateRetries = -1 }, "graph.max_update_retries"},
		{"backoff", func(c *Config) { c.Graph.RetryBackoff = -time.Second }, "graph.retry_backoff"},
		{"summary ttl", func(c *Config) { c.Graph.SummaryCacheTTL = -time.Second }, "graph.summary_cache_ttl"},
		{"page size", func(c *Config) { c.Search.MaxPageSize = -5 }, "search.max_page_size"},
		{"regex ttl", func(c *Config) { c.Search.RegexCacheTTL = -time.Second }, "search.regex_cache_ttl"},
		{"fan out", func(c *Config) { c.Workflow.FanOut = "some" }, "workflow.fan_out"},
		{"steps", func(c *Config) { c.Workflow.Steps = "disk" }, "workflow.steps"},
		{"watch without dir", func(c *Config) { c.Workflow.ProcessDir = "" }, "workflow.watch requires"},
		{"buffer", func(c *Config) { c.Events.BufferSize = -1 }, "events.buffer_size"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateTracing(t *testing.T) {
	require.NoError(t, ValidateTracing(tracing.Config{}))
	require.NoError(t, ValidateTracing(tracing.Config{Enabled: true, Exporter: "stdout", SampleRate: 0.5}))

	err := ValidateTracing(tracing.Config{Exporter: "zipkin"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.exporter")

	err = ValidateTracing(tracing.Config{Enabled: true, Exporter: "file"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.file_path is required")

	err = ValidateTracing(tracing.Config{Enabled: true, Exporter: "otlp"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "tracing.otlp_endpoint is required")

	// Path requirements only apply when tracing is enabled.
	require.NoError(t, ValidateTracing(tracing.Config{Exporter: "file"}))
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, DefaultConfigTemplate(), string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
