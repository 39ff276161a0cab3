package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/watcher"
)

func startWatcher(t *testing.T, dir string) <-chan struct{} {
	t.Helper()
	cfg := watcher.DefaultConfig(dir)
	cfg.DebounceDur = 50 * time.Millisecond
	w, err := watcher.New(cfg)
	require.NoError(t, err, "failed to create watcher")
	t.Cleanup(func() { _ = w.Stop() })

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")
	return onChange
}

func expectSignal(t *testing.T, onChange <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-onChange:
	case <-time.After(500 * time.Millisecond):
		t.Fatal(msg)
	}
}

func expectQuiet(t *testing.T, onChange <-chan struct{}, msg string) {
	t.Helper()
	select {
	case <-onChange:
		t.Fatal(msg)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processes: []"), 0o644))
	onChange := startWatcher(t, dir)

	// Rapid writes coalesce into a single notification.
	for i := 0; i < 10; i++ {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("# edit %d\nprocesses: []", i)), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	expectSignal(t, onChange, "expected notification but got timeout")
	expectQuiet(t, onChange, "unexpected second notification")
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()
	other := filepath.Join(dir, "notes.txt")
	hidden := filepath.Join(dir, ".swap.yaml")
	require.NoError(t, os.WriteFile(other, []byte("initial"), 0o644))
	onChange := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(other, []byte("other content"), 0o644))
	require.NoError(t, os.WriteFile(hidden, []byte("editor state"), 0o644))

	expectQuiet(t, onChange, "should not notify for unrelated files")
}

func TestWatcher_NotifiesOnCreateAndRemove(t *testing.T) {
	dir := t.TempDir()
	onChange := startWatcher(t, dir)

	path := filepath.Join(dir, "review.yml")
	require.NoError(t, os.WriteFile(path, []byte("processes: []"), 0o644))
	expectSignal(t, onChange, "expected notification for a new definition file")

	require.NoError(t, os.Remove(path))
	expectSignal(t, onChange, "expected notification for a removed definition file")
}

func TestWatcher_Stop(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(t.TempDir()))
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_StartFailsForMissingDir(t *testing.T) {
	w, err := watcher.New(watcher.DefaultConfig(filepath.Join(t.TempDir(), "absent")))
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.Error(t, err)
}

func TestDefaultConfig(t *testing.T) {
	cfg := watcher.DefaultConfig("/etc/strata/processes")

	assert.Equal(t, "/etc/strata/processes", cfg.Dir)
	assert.Equal(t, []string{".yaml", ".yml"}, cfg.Extensions)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceDur)
}
