// ABOUTME: One agent generation: command listener, plugin loader, class snapshot, marker file.
// ABOUTME: Stopping a generation releases all of them so its successor can take over the port.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/plugin"
	"github.com/2389/burrow/internal/scope"
)

// Generation is a running agent instance inside its own scope.
type Generation struct {
	Number    int
	StartedAt time.Time

	agent      *Agent
	scope      *scope.Scope
	dispatcher *command.Dispatcher
	listener   *command.Listener
	loader     *plugin.Loader
	classes    *classSnapshot
	marker     string
	cancel     context.CancelFunc
	logger     *slog.Logger

	stopOnce sync.Once
}

func (a *Agent) newGeneration(ctx context.Context, s *scope.Scope) (*Generation, error) {
	number := int(a.generations.Add(1))
	logger := a.logger.With("generation", number)

	g := &Generation{
		Number:     number,
		StartedAt:  time.Now(),
		agent:      a,
		scope:      s,
		dispatcher: command.NewDispatcher(),
		logger:     logger,
	}

	g.classes = newClassSnapshot(a.opts.Instrumentation, logger)
	runtime := scope.New("runtime")
	g.loader = plugin.NewLoader(plugin.Options{
		Catalog:         a.opts.Catalog,
		Dispatcher:      g.dispatcher,
		Root:            s,
		Runtime:         runtime,
		Instrumentation: a.opts.Instrumentation,
		Classes:         g.classes,
	}, logger)
	g.registerBuiltins()

	ln, err := command.Listen(a.opts.Args.Listen, g.dispatcher, command.ListenerOptions{
		Housekeeping: g.classes.sweep,
	}, logger)
	if err != nil {
		g.classes.close()
		return nil, err
	}
	g.listener = ln

	// The generation outlives the ctx of whoever triggered the load.
	serveCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	ln.Start(serveCtx)

	addr := ln.Addr().String()
	marker, err := WriteMarker(a.opts.TmpDir, a.opts.NSPID, addr)
	if err != nil {
		logger.Warn("writing marker file failed, re-injection will start a second agent", "error", err)
	}
	g.marker = marker

	if a.opts.ControllerURL != "" {
		if err := register(ctx, a.opts.HTTPClient, a.opts.ControllerURL, a.opts.TargetPID, ln.Addr()); err != nil {
			g.stop(ctx)
			return nil, fmt.Errorf("registering with controller: %w", err)
		}
	}

	logger.Info("agent generation started",
		"listen", addr,
		"controller", a.opts.ControllerURL,
		"injection", a.opts.Instrumentation != nil,
		"level_pinned", a.levelPinned,
	)
	return g, nil
}

// Addr returns the command listener address.
func (g *Generation) Addr() string {
	return g.listener.Addr().String()
}

// Loader returns the generation's plugin loader.
func (g *Generation) Loader() *plugin.Loader {
	return g.loader
}

// stop releases everything the generation holds. Only the first call does
// any work. Must not run on the listener goroutine.
func (g *Generation) stop(ctx context.Context) {
	g.stopOnce.Do(func() {
		if g.marker != "" {
			RemoveMarker(g.marker, g.Addr())
		}
		if g.listener != nil {
			if err := g.listener.Close(); err != nil {
				g.logger.Debug("closing command listener", "error", err)
			}
		}
		g.loader.Close(ctx)
		g.classes.close()
		if g.cancel != nil {
			g.cancel()
		}
		g.logger.Info("agent generation stopped")
	})
}

// MarkerPath is the file announcing a live agent for the runtime with nspid.
func MarkerPath(tmpDir string, nspid int) string {
	return filepath.Join(tmpDir, ".burrow_pid"+strconv.Itoa(nspid))
}

// WriteMarker records the listener address for nspid and returns the path.
func WriteMarker(tmpDir string, nspid int, addr string) (string, error) {
	path := MarkerPath(tmpDir, nspid)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(addr+"\n"), 0644); err != nil {
		return "", fmt.Errorf("writing marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("installing marker: %w", err)
	}
	return path, nil
}

// ReadMarker returns the listener address recorded for nspid.
func ReadMarker(tmpDir string, nspid int) (string, error) {
	data, err := os.ReadFile(MarkerPath(tmpDir, nspid))
	if err != nil {
		return "", err
	}
	addr := strings.TrimSpace(string(data))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("marker holds %q: %w", addr, err)
	}
	return addr, nil
}

// RemoveMarker deletes the marker at path if it still names addr; a
// successor may already have replaced it.
func RemoveMarker(path, addr string) {
	data, err := os.ReadFile(path)
	if err != nil || strings.TrimSpace(string(data)) != addr {
		return
	}
	_ = os.Remove(path)
}
