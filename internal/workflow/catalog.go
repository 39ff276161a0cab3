package workflow

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/log"
)

// ErrDuplicateProcess is returned when two definitions share a name.
var ErrDuplicateProcess = errors.New("duplicate process name")

// Catalog holds the process definitions the engine can start. The whole set
// is swapped atomically on Replace; instances already running keep the
// definition they started with.
type Catalog struct {
	procs atomic.Pointer[map[string]*Process]
}

// NewCatalog creates a catalog holding procs.
func NewCatalog(procs ...*Process) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(procs); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog builds a catalog of the built-in processes plus those in dir.
// A user process replaces a built-in of the same name.
func LoadCatalog(dir string) (*Catalog, error) {
	procs, err := LoadAll(dir)
	if err != nil {
		return nil, err
	}
	return NewCatalog(procs...)
}

// LoadAll loads the built-in processes followed by those in dir, dropping
// built-ins that a user process overrides.
func LoadAll(dir string) ([]*Process, error) {
	builtin, err := LoadBuiltinProcesses()
	if err != nil {
		return nil, err
	}
	user, err := LoadProcessesFromDir(dir)
	if err != nil {
		return nil, err
	}
	overridden := make(map[string]bool, len(user))
	for _, p := range user {
		overridden[p.Name()] = true
	}
	out := make([]*Process, 0, len(builtin)+len(user))
	for _, p := range builtin {
		if overridden[p.Name()] {
			log.Info(log.CatWorkflow, "user process overrides built-in", "process", p.Name())
			continue
		}
		out = append(out, p)
	}
	return append(out, user...), nil
}

// Replace swaps in a new set of definitions. Names must be unique.
func (c *Catalog) Replace(procs []*Process) error {
	next := make(map[string]*Process, len(procs))
	for _, p := range procs {
		if _, exists := next[p.Name()]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateProcess, p.Name())
		}
		next[p.Name()] = p
	}
	c.procs.Store(&next)
	return nil
}

// Reload replaces the catalog with the built-ins plus dir. On error the
// current definitions stay in place.
func (c *Catalog) Reload(dir string) error {
	procs, err := LoadAll(dir)
	if err != nil {
		return err
	}
	if err := c.Replace(procs); err != nil {
		return err
	}
	log.Info(log.CatWorkflow, "process catalog reloaded", "processes", len(procs), "dir", dir)
	return nil
}

// Get returns the named process.
func (c *Catalog) Get(name string) (*Process, error) {
	p, ok := c.current()[name]
	if !ok {
		return nil, errs.Wrap(errs.ErrProcessNotFound, "%s", name)
	}
	return p, nil
}

// List returns every process sorted by name.
func (c *Catalog) List() []*Process {
	procs := slices.Collect(maps.Values(c.current()))
	slices.SortFunc(procs, func(a, b *Process) int { return strings.Compare(a.Name(), b.Name()) })
	return procs
}

// Triggered returns the processes triggered by kind, sorted by name.
func (c *Catalog) Triggered(kind graph.ChangeKind) []*Process {
	var out []*Process
	for _, p := range c.List() {
		if t := p.Trigger(); t != nil && t.Event == kind {
			out = append(out, p)
		}
	}
	return out
}

func (c *Catalog) current() map[string]*Process {
	if m := c.procs.Load(); m != nil {
		return *m
	}
	return nil
}
