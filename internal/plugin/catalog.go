// ABOUTME: Plugin entry points: Factory constructors, lifecycle hooks, and the Catalog keyed by entry.
// ABOUTME: Constructors are tried in a fixed preference order when a plugin is instantiated.

package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/burrow/internal/scope"
)

// ErrUnknownEntry indicates a manifest entry with no registered factory.
var ErrUnknownEntry = errors.New("unknown plugin entry")

// ErrNoConstructor indicates a factory with no usable constructor.
var ErrNoConstructor = errors.New("no usable constructor")

// Instrumentation is the handle plugins get to the target runtime.
type Instrumentation interface {
	// LoadedClasses lists the classes currently loaded in the runtime.
	LoadedClasses(ctx context.Context) ([]string, error)

	// LoadAgent loads a java agent into the runtime.
	LoadAgent(ctx context.Context, path, options string) error
}

// Lifecycle is implemented by plugins that need start and stop hooks.
type Lifecycle interface {
	Start(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Factory builds a plugin instance inside its scope. Set any subset of the
// constructors; Instantiate picks the first usable one.
type Factory struct {
	WithArgsAndInstrumentation func(s *scope.Scope, args string, inst Instrumentation) (any, error)
	WithArgs                   func(s *scope.Scope, args string) (any, error)
	WithInstrumentation        func(s *scope.Scope, inst Instrumentation) (any, error)
	New                        func(s *scope.Scope) (any, error)
}

// Instantiate tries (args, instrumentation), (args), (instrumentation), ()
// in that order. Constructors needing instrumentation are skipped when inst
// is nil.
func (f Factory) Instantiate(s *scope.Scope, args string, inst Instrumentation) (any, error) {
	switch {
	case f.WithArgsAndInstrumentation != nil && inst != nil:
		return f.WithArgsAndInstrumentation(s, args, inst)
	case f.WithArgs != nil:
		return f.WithArgs(s, args)
	case f.WithInstrumentation != nil && inst != nil:
		return f.WithInstrumentation(s, inst)
	case f.New != nil:
		return f.New(s)
	}
	return nil, ErrNoConstructor
}

// Catalog maps manifest entry names to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates a catalog with the built-in "exec" entry registered.
func NewCatalog() *Catalog {
	c := &Catalog{factories: make(map[string]Factory)}
	c.Register(ExecEntry, execFactory())
	return c
}

// Register adds or replaces the factory for entry.
func (c *Catalog) Register(entry string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[entry] = f
}

// Lookup returns the factory for entry.
func (c *Catalog) Lookup(entry string) (Factory, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[entry]
	if !ok {
		return Factory{}, fmt.Errorf("%w: %s", ErrUnknownEntry, entry)
	}
	return f, nil
}

// Entries lists registered entry names.
func (c *Catalog) Entries() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.factories))
	for name := range c.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
