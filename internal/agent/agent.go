// ABOUTME: Control agent entry point: owns the trampoline and starts, reloads and stops generations.
// ABOUTME: Each generation binds its own listener, plugin loader and class snapshot inside a fresh scope.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/hotspot"
	"github.com/2389/burrow/internal/plugin"
	"github.com/2389/burrow/internal/scope"
	"github.com/2389/burrow/internal/trampoline"
)

// GenerationSymbol is the scope export holding a generation's *Generation.
const GenerationSymbol = "agent.generation"

// DefaultListen binds the command listener to an ephemeral loopback port.
const DefaultListen = "127.0.0.1:0"

// ErrNotRunning indicates no generation is currently loaded.
var ErrNotRunning = errors.New("agent not running")

// Options configures a control agent.
type Options struct {
	// TargetPID is the runtime's PID as the controller sees it; it is the
	// key of the registration. NSPID is the same process as seen here.
	TargetPID int
	NSPID     int

	// ControllerURL is the controller's base URL. Empty skips registration.
	ControllerURL string

	Args    config.AgentArgs
	Version string

	// TmpDir holds the marker file; defaults to os.TempDir().
	TmpDir string

	// Level is the agent's mutable log level.
	Level *slog.LevelVar

	Catalog *plugin.Catalog

	// Instrumentation reaches into the runtime. When nil and injection is
	// not disabled a HotSpot attach client for NSPID is used.
	Instrumentation plugin.Instrumentation

	HTTPClient *http.Client
}

// Agent is one control agent process attached to one runtime.
type Agent struct {
	opts        Options
	levelPinned bool
	tramp       *trampoline.Trampoline
	generations atomic.Int64
	logger      *slog.Logger
}

// New creates an agent. Nothing is started until Start.
func New(opts Options, logger *slog.Logger) (*Agent, error) {
	if opts.NSPID <= 0 {
		opts.NSPID = opts.TargetPID
	}
	if opts.TargetPID <= 0 {
		opts.TargetPID = opts.NSPID
	}
	if opts.TargetPID <= 0 {
		return nil, fmt.Errorf("target pid is required")
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.Level == nil {
		opts.Level = new(slog.LevelVar)
	}
	if opts.Catalog == nil {
		opts.Catalog = plugin.NewCatalog()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Instrumentation == nil && !opts.Args.DisableBootstrapInjection {
		opts.Instrumentation = hotspot.New(opts.NSPID)
	}
	if opts.Args.Listen == "" {
		opts.Args.Listen = DefaultListen
	}

	a := &Agent{
		opts:   opts,
		logger: logger.With("component", "agent", "target_pid", opts.TargetPID),
	}
	if opts.Args.LogLevel != "" {
		level, err := config.ParseLevel(opts.Args.LogLevel)
		if err != nil {
			return nil, err
		}
		opts.Level.Set(level)
		a.levelPinned = true
	}
	a.tramp = trampoline.New(a.logger)
	return a, nil
}

// Start loads the first generation.
func (a *Agent) Start(ctx context.Context) error {
	return a.Reload(ctx)
}

// Reload starts a new generation and stops the current one. If the new
// generation fails to start it is discarded.
func (a *Agent) Reload(ctx context.Context) error {
	_, err := a.tramp.Load(ctx, "burrow-agent", a.entry)
	return err
}

// Current returns the running generation.
func (a *Agent) Current() (*Generation, error) {
	s, _ := a.tramp.Current()
	if s == nil {
		return nil, ErrNotRunning
	}
	v, ok := s.Lookup(GenerationSymbol)
	if !ok {
		return nil, ErrNotRunning
	}
	g, ok := v.(*Generation)
	if !ok {
		return nil, ErrNotRunning
	}
	return g, nil
}

// Close stops the current generation. Safe to call repeatedly.
func (a *Agent) Close(ctx context.Context) error {
	return a.tramp.Close(ctx)
}

// WatchTarget blocks until the target runtime exits or ctx is done.
func (a *Agent) WatchTarget(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			exists, err := process.PidExistsWithContext(ctx, int32(a.opts.NSPID))
			if err != nil {
				a.logger.Debug("checking target liveness", "error", err)
				continue
			}
			if !exists {
				a.logger.Info("target runtime exited", "pid", a.opts.NSPID)
				return nil
			}
		}
	}
}

// entry is the trampoline entry for a generation. The previous generation
// is stopped first so a fixed listen port can be rebound.
func (a *Agent) entry(ctx context.Context, s *scope.Scope, previous *scope.Scope) error {
	if err := trampoline.StopPrevious(ctx, previous); err != nil {
		return err
	}

	g, err := a.newGeneration(ctx, s)
	if err != nil {
		return err
	}
	if err := s.Export(GenerationSymbol, g); err != nil {
		g.stop(ctx)
		return err
	}
	if err := s.Export(trampoline.StopSymbol, func(ctx context.Context) error {
		g.stop(ctx)
		return nil
	}); err != nil {
		g.stop(ctx)
		return err
	}
	s.OnClose(func() error {
		g.stop(context.Background())
		return nil
	})
	return nil
}
