// ABOUTME: Isolated symbol scope with parent chaining and deterministic teardown.
// ABOUTME: Each plugin and agent generation lives in its own scope so exports never collide.

package scope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrNotExported indicates a symbol was not found in a scope or its parents.
var ErrNotExported = errors.New("symbol not exported")

// ErrClosed indicates the scope has already been closed.
var ErrClosed = errors.New("scope closed")

// Scope holds named exports plus the resources that must be released when the
// scope goes away. Lookups fall through to parents in order; exports never
// leak sideways into sibling scopes.
type Scope struct {
	id      string
	name    string
	parents []*Scope

	mu      sync.RWMutex
	exports map[string]any
	closers []func() error

	closed atomic.Bool
}

// New creates a scope chained to the given parents. Nil parents are ignored.
func New(name string, parents ...*Scope) *Scope {
	s := &Scope{
		id:      uuid.New().String(),
		name:    name,
		exports: make(map[string]any),
	}
	for _, p := range parents {
		if p != nil {
			s.parents = append(s.parents, p)
		}
	}
	return s
}

// ID returns the unique scope identifier.
func (s *Scope) ID() string { return s.id }

// Name returns the human readable scope name.
func (s *Scope) Name() string { return s.name }

// Parents returns a copy of the parent chain.
func (s *Scope) Parents() []*Scope {
	out := make([]*Scope, len(s.parents))
	copy(out, s.parents)
	return out
}

// Export publishes a symbol in this scope, replacing any previous value.
func (s *Scope) Export(name string, v any) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[name] = v
	return nil
}

// Defines reports whether this scope itself (not its parents) exports name.
func (s *Scope) Defines(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.exports[name]
	return ok
}

// Exports returns the names exported directly by this scope.
func (s *Scope) Exports() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	return names
}

// Lookup resolves name in this scope first, then depth-first through parents.
func (s *Scope) Lookup(name string) (any, bool) {
	if owner, ok := s.Owner(name); ok {
		owner.mu.RLock()
		defer owner.mu.RUnlock()
		v, ok := owner.exports[name]
		return v, ok
	}
	return nil, false
}

// Owner returns the scope in the chain that defines name.
func (s *Scope) Owner(name string) (*Scope, bool) {
	if s.closed.Load() {
		return nil, false
	}
	if s.Defines(name) {
		return s, true
	}
	for _, p := range s.parents {
		if owner, ok := p.Owner(name); ok {
			return owner, true
		}
	}
	return nil, false
}

// OnClose registers a release hook. Hooks run in reverse registration order.
// Registering on a closed scope runs the hook immediately.
func (s *Scope) OnClose(fn func() error) {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Scope) Closed() bool { return s.closed.Load() }

// Close runs every release hook and drops all exports. It is safe to call
// multiple times; only the first call does any work.
func (s *Scope) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.exports = make(map[string]any)
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Call invokes an exported func(context.Context) error by name.
// Returns ErrNotExported when nothing in the chain exports name.
func Call(ctx context.Context, s *Scope, name string) error {
	v, ok := s.Lookup(name)
	if !ok {
		return fmt.Errorf("%s in scope %s: %w", name, s.name, ErrNotExported)
	}
	fn, ok := v.(func(context.Context) error)
	if !ok {
		return fmt.Errorf("%s in scope %s has type %T, not func(context.Context) error", name, s.name, v)
	}
	return fn(ctx)
}
