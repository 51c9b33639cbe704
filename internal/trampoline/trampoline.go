// ABOUTME: Generation handoff for the control agent: load a new scope, stop the old one.
// ABOUTME: Guarantees at most one generation is running after every Load.

package trampoline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/burrow/internal/scope"
)

// StopSymbol is the export a generation publishes so its successor can stop it.
const StopSymbol = "stop"

// ErrClosed indicates the trampoline has been shut down.
var ErrClosed = errors.New("trampoline closed")

// Entry starts a generation inside s. previous is the prior generation's
// scope, or nil on first load. An entry is expected to call StopPrevious
// before binding anything the previous generation might still hold.
type Entry func(ctx context.Context, s *scope.Scope, previous *scope.Scope) error

// Trampoline owns the current agent generation.
type Trampoline struct {
	mu         sync.Mutex
	current    *scope.Scope
	generation int
	closed     atomic.Bool
	logger     *slog.Logger
}

// New creates an empty trampoline.
func New(logger *slog.Logger) *Trampoline {
	return &Trampoline{logger: logger.With("component", "trampoline")}
}

// Load starts a new generation. If entry fails the new scope is closed and
// the previous generation, if it survived, stays current. On success the
// previous scope is closed after the new one is installed.
func (t *Trampoline) Load(ctx context.Context, name string, entry Entry) (*scope.Scope, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	previous := t.current
	next := scope.New(fmt.Sprintf("%s#%d", name, t.generation+1))

	t.logger.Info("loading agent generation",
		"generation", t.generation+1,
		"scope", next.ID(),
		"has_previous", previous != nil,
	)

	if err := entry(ctx, next, previous); err != nil {
		if cerr := next.Close(); cerr != nil {
			t.logger.Warn("closing failed generation scope", "error", cerr)
		}
		return nil, fmt.Errorf("starting generation %d: %w", t.generation+1, err)
	}

	t.current = next
	t.generation++

	if previous != nil {
		if err := previous.Close(); err != nil {
			t.logger.Warn("closing previous generation scope", "error", err)
		}
	}
	return next, nil
}

// Current returns the running generation's scope and number.
func (t *Trampoline) Current() (*scope.Scope, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.generation
}

// Close stops and releases the current generation. Safe to call repeatedly.
func (t *Trampoline) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	current := t.current
	t.current = nil
	t.mu.Unlock()

	if current == nil {
		return nil
	}
	return errors.Join(StopPrevious(ctx, current), current.Close())
}

// StopPrevious asks a generation to stop through its exported stop function.
// A generation that exports nothing is tolerated; any other failure is returned
// so the caller can abort its own startup.
func StopPrevious(ctx context.Context, previous *scope.Scope) error {
	if previous == nil {
		return nil
	}
	err := scope.Call(ctx, previous, StopSymbol)
	if err == nil || errors.Is(err, scope.ErrNotExported) {
		return nil
	}
	return fmt.Errorf("stopping previous generation: %w", err)
}
