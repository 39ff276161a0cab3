package workflow

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
)

// builtinProcesses embeds the process definitions shipped with strata.
//
//go:embed processes/*.yaml
var builtinProcesses embed.FS

// Source indicates where a process definition originated from.
type Source int

const (
	// SourceBuiltIn indicates a definition bundled with the application.
	SourceBuiltIn Source = iota
	// SourceUser indicates a definition from the configured process directory.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// ProcessFile is the root structure of a process YAML file.
type ProcessFile struct {
	Processes []ProcessDef `yaml:"processes"`
}

// ProcessDef defines a single process in YAML.
type ProcessDef struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	FanOut      string      `yaml:"fan_out"` // all (default) or first
	Trigger     *TriggerDef `yaml:"trigger"`
	Entry       []string    `yaml:"entry"` // defaults to steps nothing points at
	Steps       []StepDef   `yaml:"steps"`
}

// TriggerDef starts a process on a change event.
type TriggerDef struct {
	Event string `yaml:"event"` // e.g. EntityAdded
	Type  string `yaml:"type"`  // type name, subtypes included
}

// StepDef defines one step template.
type StepDef struct {
	Key         string            `yaml:"key"`
	RequestType string            `yaml:"request_type"`
	Description string            `yaml:"description"`
	Params      map[string]string `yaml:"params"`
	Next        []EdgeDef         `yaml:"next"`
}

// EdgeDef defines one guarded edge.
type EdgeDef struct {
	Guard  string            `yaml:"guard"`
	Target string            `yaml:"target"`
	Params map[string]string `yaml:"params"`
}

// LoadBuiltinProcesses loads the embedded process definitions.
func LoadBuiltinProcesses() ([]*Process, error) {
	return loadProcessesFromFS(builtinProcesses, "processes", SourceBuiltIn)
}

// LoadProcessesFromDir loads every *.yaml and *.yml file in dir.
// Returns nil if the directory doesn't exist (not an error). Unlike the
// built-ins, a malformed user file is an error so reloads can keep the
// previous catalog.
func LoadProcessesFromDir(dir string) ([]*Process, error) {
	if dir == "" {
		return nil, nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("checking process directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("process path is not a directory: %s", dir)
	}
	return loadProcessesFromFS(os.DirFS(dir), ".", SourceUser)
}

func loadProcessesFromFS(fsys fs.FS, dir string, source Source) ([]*Process, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("reading process directory: %w", err)
	}

	var out []*Process
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		// path.Join, not filepath.Join: fs.FS paths always use forward slashes.
		fsPath := path.Join(dir, entry.Name())
		content, err := fs.ReadFile(fsys, fsPath)
		if err != nil {
			return nil, fmt.Errorf("reading process file %s: %w", fsPath, err)
		}
		procs, err := ParseProcesses(content, source)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fsPath, err)
		}
		log.Debug(log.CatWorkflow, "loaded process file", "path", fsPath, "processes", len(procs), "source", source)
		out = append(out, procs...)
	}
	return out, nil
}

// ParseProcesses parses a process file.
func ParseProcesses(content []byte, source Source) ([]*Process, error) {
	var file ProcessFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse processes: %w", err)
	}
	out := make([]*Process, 0, len(file.Processes))
	for _, def := range file.Processes {
		p, err := buildProcessFromDef(def, source)
		if err != nil {
			return nil, fmt.Errorf("process %q: %w", def.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func buildProcessFromDef(def ProcessDef, source Source) (*Process, error) {
	b := NewProcess(def.Name).
		Describe(def.Description).
		FanOut(FanOut(strings.ToLower(def.FanOut))).
		withSource(source)
	if def.Trigger != nil {
		b = b.Trigger(graph.ChangeKind(def.Trigger.Event), def.Trigger.Type)
	}
	if len(def.Entry) > 0 {
		b = b.Entry(def.Entry...)
	}
	for _, s := range def.Steps {
		opts := []StepOption{Description(s.Description)}
		if len(s.Params) > 0 {
			opts = append(opts, Params(s.Params))
		}
		for _, e := range s.Next {
			opts = append(opts, Next(e.Guard, e.Target, e.Params))
		}
		b = b.Step(s.Key, s.RequestType, opts...)
	}
	return b.Build()
}
