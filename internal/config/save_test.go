package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveValue_CreatesNewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	require.NoError(t, SaveValue(configPath, "store.backend", BackendBadger))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "store:")
	assert.Contains(t, string(data), "backend: badger")
}

func TestSaveValue_PreservesOtherConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	initial := `# Strata Configuration
store:
  backend: sqlite # the default
  path: data/strata.db
search:
  max_page_size: 100
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o644))

	require.NoError(t, SaveValue(configPath, "store.backend", BackendBadger))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Strata Configuration")
	assert.Contains(t, content, "backend: badger # the default")
	assert.Contains(t, content, "path: data/strata.db")
	assert.Contains(t, content, "max_page_size: 100")
	assert.NotContains(t, content, "backend: sqlite")
}

func TestSaveValue_CreatesNestedSections(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("store:\n  backend: memory\n"), 0o644))

	require.NoError(t, SaveValue(configPath, "tracing.enabled", true))
	require.NoError(t, SaveValue(configPath, "types.archives", []string{"a.yaml", "b.yaml"}))

	v := viper.New()
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "memory", v.GetString("store.backend"))
	assert.True(t, v.GetBool("tracing.enabled"))
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, v.GetStringSlice("types.archives"))
}

func TestSaveValue_Roundtrip(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	require.NoError(t, SaveValue(configPath, "graph.lock_mode", "reject"))
	require.NoError(t, SaveValue(configPath, "history.retention", "720h"))

	v := viper.New()
	require.NoError(t, SetDefaults(v))
	v.SetConfigFile(configPath)
	require.NoError(t, v.ReadInConfig())
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "reject", cfg.Graph.LockMode)
	assert.Equal(t, 720*time.Hour, cfg.History.Retention)
	assert.Equal(t, "all", cfg.Workflow.FanOut)
}

func TestSaveValue_NotASection(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("store: sqlite\n"), 0o644))

	err := SaveValue(configPath, "store.backend", BackendMemory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config key store is not a section")
}

func TestSaveValue_InvalidInput(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	require.Error(t, SaveValue(configPath, "store..backend", "x"))
	require.Error(t, SaveValue(configPath, "", "x"))

	require.NoError(t, os.WriteFile(configPath, []byte("- a\n- b\n"), 0o644))
	err := SaveValue(configPath, "store.backend", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a mapping")
}

func TestSaveValue_AtomicWrite(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	require.NoError(t, SaveValue(configPath, "events.buffer_size", 64))

	entries, err := os.ReadDir(tempDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp file should be renamed away")
	assert.Equal(t, "config.yaml", entries[0].Name())
}

func TestSaveValue_CreatesDirectory(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")

	require.NoError(t, SaveValue(configPath, "log.level", "debug"))

	_, err := os.Stat(configPath)
	require.NoError(t, err)
}
