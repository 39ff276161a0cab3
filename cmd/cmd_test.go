package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/config"
	"github.com/zjrosen/strata/internal/errs"
)

// resetFlags restores every flag to its default between runs; the command
// tree and its flag variables are package state.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// writeConfig writes a sqlite-backed config under a temp dir and returns
// its path.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	processDir := filepath.Join(dir, "processes")
	require.NoError(t, os.MkdirAll(processDir, 0o750))
	path := filepath.Join(dir, "config.yaml")
	yaml := "store:\n  backend: sqlite\n  path: " + filepath.Join(dir, "strata.db") + "\n" +
		"workflow:\n  process_dir: " + processDir + "\n  watch: false\n" + extra
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--user", "alice"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

// mustRun runs a command and decodes its JSON output into v.
func mustRun(t *testing.T, cfgPath string, v any, args ...string) {
	t.Helper()
	out, err := runCLI(t, cfgPath, args...)
	require.NoError(t, err, "strata %v", args)
	if v != nil {
		require.NoError(t, json.Unmarshal([]byte(out), v), out)
	}
}

type entityOut struct {
	GUID            string         `json:"guid"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Version         int64          `json:"version"`
	UpdatedBy       string         `json:"updatedBy"`
	Properties      map[string]any `json:"properties"`
	Classifications []struct {
		Name       string         `json:"name"`
		Properties map[string]any `json:"properties"`
	} `json:"classifications"`
}

func addDataSet(t *testing.T, cfgPath, name string, extra ...string) entityOut {
	t.Helper()
	var e entityOut
	args := append([]string{"entity", "add", "DataSet",
		"--prop", "qualifiedName=sales." + name,
		"--prop", "name=" + name,
		"--prop", "owner=sales",
	}, extra...)
	mustRun(t, cfgPath, &e, args...)
	return e
}

func TestInit_WritesConfigAndProcessDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repo", "config.yaml")

	var res initResult
	mustRun(t, path, &res, "init", "--backend", "badger", "--collection", "finance")
	assert.Equal(t, path, res.Config)
	assert.Equal(t, "badger", res.Backend)
	assert.DirExists(t, res.ProcessDir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: badger")
	assert.Contains(t, string(data), "id: finance")

	_, err = runCLI(t, path, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	mustRun(t, path, nil, "init", "--force")
}

func TestInit_RejectsUnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := runCLI(t, path, "init", "--backend", "postgres")
	require.Error(t, err)
}

func TestTypes_ListAndShow(t *testing.T) {
	cfgPath := writeConfig(t, "")

	var all []struct {
		Name     string `json:"name"`
		Category string `json:"category"`
	}
	mustRun(t, cfgPath, &all, "types", "list", "--category", "relationship_def")
	require.NotEmpty(t, all)
	names := make([]string, 0, len(all))
	for _, d := range all {
		assert.Equal(t, "RELATIONSHIP_DEF", d.Category)
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "DataFlow")

	mustRun(t, cfgPath, &all, "types", "list", "--standard", "SKOS/W3C")
	require.Len(t, all, 1)
	assert.Equal(t, "GlossaryTerm", all[0].Name)

	var show struct {
		Name       string `json:"name"`
		Properties []struct {
			Name      string `json:"name"`
			Inherited string `json:"inheritedFrom"`
		} `json:"properties"`
	}
	mustRun(t, cfgPath, &show, "types", "show", "DataSet")
	assert.Equal(t, "DataSet", show.Name)
	inherited := map[string]string{}
	for _, p := range show.Properties {
		inherited[p.Name] = p.Inherited
	}
	assert.Equal(t, "Asset", inherited["owner"])
	assert.Empty(t, inherited["format"])

	_, err := runCLI(t, cfgPath, "types", "list", "--category", "widgets")
	require.Error(t, err)

	_, err = runCLI(t, cfgPath, "types", "show", "NoSuchType")
	require.ErrorIs(t, err, errs.ErrTypeNotFound)
}

func TestEntity_Lifecycle(t *testing.T) {
	cfgPath := writeConfig(t, "")

	added := addDataSet(t, cfgPath, "orders", "--prop", "recordCount=12")
	require.NotEmpty(t, added.GUID)
	assert.Equal(t, "DataSet", added.Type)
	assert.Equal(t, "ACTIVE", added.Status)
	assert.Equal(t, "alice", added.UpdatedBy)
	assert.EqualValues(t, 12, added.Properties["recordCount"])

	var updated entityOut
	mustRun(t, cfgPath, &updated, "entity", "update", added.GUID,
		"--prop", "description=daily orders", "--unset", "recordCount")
	assert.Equal(t, "daily orders", updated.Properties["description"])
	assert.Equal(t, "orders", updated.Properties["name"], "unnamed properties are kept")
	assert.NotContains(t, updated.Properties, "recordCount")
	assert.Greater(t, updated.Version, added.Version)

	var classified entityOut
	mustRun(t, cfgPath, &classified, "entity", "classify", added.GUID, "Confidentiality", "--prop", "level=2")
	require.Len(t, classified.Classifications, 1)
	assert.Equal(t, "Confidentiality", classified.Classifications[0].Name)

	mustRun(t, cfgPath, &classified, "entity", "classify", added.GUID, "Confidentiality", "--prop", "level=3")
	require.Len(t, classified.Classifications, 1, "classifying again updates in place")
	assert.Equal(t, "Sensitive", classified.Classifications[0].Properties["level"], "ordinals parse to the enum symbol")

	var got entityOut
	mustRun(t, cfgPath, &got, "entity", "get", added.GUID)
	assert.Equal(t, classified.Version, got.Version)

	var history []entityOut
	mustRun(t, cfgPath, &history, "entity", "history", added.GUID)
	require.GreaterOrEqual(t, len(history), 4)
	assert.Equal(t, added.Version, history[0].Version)

	var diffs []struct {
		Properties []struct {
			Name   string `json:"name"`
			Change string `json:"change"`
		} `json:"properties"`
	}
	mustRun(t, cfgPath, &diffs, "entity", "history", added.GUID, "--diff")
	require.Len(t, diffs, len(history)-1)
	changed := map[string]string{}
	for _, p := range diffs[0].Properties {
		changed[p.Name] = p.Change
	}
	assert.Equal(t, "added", changed["description"])
	assert.Equal(t, "removed", changed["recordCount"])

	var deleted entityOut
	mustRun(t, cfgPath, &deleted, "entity", "delete", added.GUID)
	assert.Equal(t, "DELETED", deleted.Status)

	var restored entityOut
	mustRun(t, cfgPath, &restored, "entity", "restore", added.GUID)
	assert.Equal(t, "ACTIVE", restored.Status)

	_, err := runCLI(t, cfgPath, "entity", "delete", added.GUID, "--purge")
	require.ErrorIs(t, err, errs.ErrInstanceNotDeleted)

	mustRun(t, cfgPath, nil, "entity", "delete", added.GUID)
	var purged struct {
		Operation string `json:"operation"`
		Count     int    `json:"count"`
	}
	mustRun(t, cfgPath, &purged, "entity", "delete", added.GUID, "--purge")
	assert.Equal(t, 1, purged.Count)

	_, err = runCLI(t, cfgPath, "entity", "get", added.GUID)
	require.ErrorIs(t, err, errs.ErrEntityNotFound)
}

func TestEntity_AddValidatesInput(t *testing.T) {
	cfgPath := writeConfig(t, "")

	_, err := runCLI(t, cfgPath, "entity", "add", "DataSet", "--prop", "qualifiedName")
	require.ErrorIs(t, err, errs.ErrInvalidParameter)

	_, err = runCLI(t, cfgPath, "entity", "add", "DataSet", "--prop", "qualifiedName=x", "--status", "SLEEPING")
	require.Error(t, err)

	_, err = runCLI(t, cfgPath, "entity", "get", "no-such-guid", "--as-of", "last tuesday")
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestRelationship_AddAndList(t *testing.T) {
	cfgPath := writeConfig(t, "")
	etl := addDataSet(t, cfgPath, "raw")
	report := addDataSet(t, cfgPath, "report")

	var rel struct {
		GUID string `json:"guid"`
		Type string `json:"type"`
		End1 struct {
			GUID string `json:"guid"`
		} `json:"end1"`
		End2 struct {
			GUID string `json:"guid"`
		} `json:"end2"`
	}
	mustRun(t, cfgPath, &rel, "relationship", "add", "DataFlow", etl.GUID, report.GUID)
	assert.Equal(t, "DataFlow", rel.Type)
	assert.Equal(t, etl.GUID, rel.End1.GUID)
	assert.Equal(t, report.GUID, rel.End2.GUID)

	var listed []struct {
		GUID string `json:"guid"`
	}
	mustRun(t, cfgPath, &listed, "rel", "list", report.GUID, "--type", "DataFlow")
	require.Len(t, listed, 1)
	assert.Equal(t, rel.GUID, listed[0].GUID)

	_, err := runCLI(t, cfgPath, "entity", "delete", etl.GUID)
	require.Error(t, err, "an entity with relationships needs --cascade")

	mustRun(t, cfgPath, nil, "entity", "delete", etl.GUID, "--cascade")
	mustRun(t, cfgPath, &listed, "rel", "list", report.GUID)
	assert.Empty(t, listed)
	mustRun(t, cfgPath, &listed, "rel", "list", report.GUID, "--status", "DELETED")
	assert.Len(t, listed, 1)
}

func TestSearch(t *testing.T) {
	cfgPath := writeConfig(t, "")
	orders := addDataSet(t, cfgPath, "orders", "--prop", "recordCount=40", "--prop", "description=contains pii")
	addDataSet(t, cfgPath, "returns", "--prop", "recordCount=3")
	mustRun(t, cfgPath, nil, "entity", "classify", orders.GUID, "Confidentiality", "--prop", "level=2")

	guids := func(es []entityOut) []string {
		out := make([]string, 0, len(es))
		for _, e := range es {
			out = append(out, e.GUID)
		}
		return out
	}

	var found []entityOut
	mustRun(t, cfgPath, &found, "search", "recordCount >= 10", "--type", "DataSet")
	assert.Equal(t, []string{orders.GUID}, guids(found))

	mustRun(t, cfgPath, &found, "search", "--type", "DataSet", "--order", "property_descending", "--sequencing", "recordCount")
	require.Len(t, found, 2)
	assert.Equal(t, orders.GUID, found[0].GUID)

	mustRun(t, cfgPath, &found, "search", "--type", "DataSet", "--classification", "Confidentiality:level = 'Confidential'")
	assert.Equal(t, []string{orders.GUID}, guids(found))

	mustRun(t, cfgPath, &found, "search", "--text", "pii")
	assert.Equal(t, []string{orders.GUID}, guids(found))

	mustRun(t, cfgPath, &found, "search", "name = 'nothing'")
	assert.Empty(t, found)

	_, err := runCLI(t, cfgPath, "search", "recordCount >=")
	require.Error(t, err)

	_, err = runCLI(t, cfgPath, "search", "name = 'x'", "--text", "x")
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestSearch_Relationships(t *testing.T) {
	cfgPath := writeConfig(t, "")
	a := addDataSet(t, cfgPath, "a")
	b := addDataSet(t, cfgPath, "b")
	mustRun(t, cfgPath, nil, "relationship", "add", "DataFlow", a.GUID, b.GUID, "--prop", "description=nightly copy")

	var rels []struct {
		Type string `json:"type"`
	}
	mustRun(t, cfgPath, &rels, "search", "description ~ 'nightly'", "--relationships", "--type", "DataFlow")
	require.Len(t, rels, 1)
	assert.Equal(t, "DataFlow", rels[0].Type)
}

func TestProcess_ListAndRun(t *testing.T) {
	cfgPath := writeConfig(t, "")

	var procs []struct {
		Name   string `json:"name"`
		Source string `json:"source"`
	}
	mustRun(t, cfgPath, &procs, "process", "list")
	sources := map[string]string{}
	for _, p := range procs {
		sources[p.Name] = p.Source
	}
	assert.Equal(t, "built-in", sources["asset-retirement"])

	ds := addDataSet(t, cfgPath, "legacy")
	var run struct {
		Process  string `json:"process"`
		Instance string `json:"instance"`
		Steps    []struct {
			Key    string   `json:"key"`
			Status string   `json:"status"`
			Guards []string `json:"guards"`
		} `json:"steps"`
	}
	mustRun(t, cfgPath, &run, "process", "run", "asset-retirement", "--target", ds.GUID)
	assert.Equal(t, "asset-retirement", run.Process)
	require.NotEmpty(t, run.Steps)
	assert.Equal(t, "deprecate", run.Steps[0].Key)
	assert.Equal(t, "ACTIONED", run.Steps[0].Status)
	assert.Contains(t, run.Steps[0].Guards, "status-changed")

	var got entityOut
	mustRun(t, cfgPath, &got, "entity", "get", ds.GUID)
	assert.Equal(t, "DEPRECATED", got.Status)

	var recorded struct {
		Process string `json:"process"`
		Steps   []any  `json:"steps"`
	}
	mustRun(t, cfgPath, &recorded, "process", "steps", run.Instance)
	assert.Equal(t, "asset-retirement", recorded.Process)
	assert.Len(t, recorded.Steps, len(run.Steps))

	_, err := runCLI(t, cfgPath, "process", "run", "no-such-process")
	require.ErrorIs(t, err, errs.ErrProcessNotFound)

	_, err = runCLI(t, cfgPath, "process", "run", "asset-retirement", "--param", "broken")
	require.ErrorIs(t, err, errs.ErrInvalidParameter)
}

func TestHistoryPrune(t *testing.T) {
	cfgPath := writeConfig(t, "")
	_, err := runCLI(t, cfgPath, "history", "prune")
	require.ErrorIs(t, err, errs.ErrInvalidParameter, "retention is unset")

	cfgPath = writeConfig(t, "history:\n  enabled: true\n  retention: 1ns\n")
	ds := addDataSet(t, cfgPath, "orders")
	mustRun(t, cfgPath, nil, "entity", "update", ds.GUID, "--prop", "owner=finance")

	var res struct {
		Operation string `json:"operation"`
		Count     int    `json:"count"`
	}
	mustRun(t, cfgPath, &res, "history", "prune")
	assert.Equal(t, "prune", res.Operation)
	assert.Equal(t, 1, res.Count)
}

func TestBadConfigFails(t *testing.T) {
	cfgPath := writeConfig(t, "search:\n  max_page_size: -1\n")
	_, err := runCLI(t, cfgPath, "types", "list")
	require.Error(t, err)
}

func TestDaemonRoutes(t *testing.T) {
	c := config.Defaults()
	c.Store.Backend = config.BackendMemory
	c.Workflow.ProcessDir = t.TempDir()
	a, err := app.New(c)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(daemonRoutes(a))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "workflow_active_steps")
}
