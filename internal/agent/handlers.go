// ABOUTME: Builtin agent commands: class-loaded, load-plugin, unload-plugin, log-level, agent-info, reload.
// ABOUTME: Registered ahead of plugin handlers so a plugin cannot shadow them.

package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/plugin"
)

// Builtin command names.
const (
	CmdClassLoaded  = "class-loaded"
	CmdLoadPlugin   = "load-plugin"
	CmdUnloadPlugin = "unload-plugin"
	CmdLogLevel     = "log-level"
	CmdAgentInfo    = "agent-info"
	CmdReload       = "reload"
)

// Info is the agent-info payload.
type Info struct {
	Generation  int             `json:"generation"`
	Version     string          `json:"version"`
	PID         int             `json:"pid"`
	TargetPID   int             `json:"target_pid"`
	Listen      string          `json:"listen"`
	LogLevel    string          `json:"log_level"`
	LevelPinned bool            `json:"level_pinned"`
	Injection   bool            `json:"injection"`
	StartedAt   time.Time       `json:"started_at"`
	Plugins     []plugin.Loaded `json:"plugins"`
}

var errArgumentRequired = errors.New("argument required")

func (g *Generation) registerBuiltins() {
	g.dispatcher.Add(command.Named(CmdClassLoaded, g.handleClassLoaded))
	g.dispatcher.Add(command.Named(CmdLoadPlugin, g.handleLoadPlugin))
	g.dispatcher.Add(command.Named(CmdUnloadPlugin, g.handleUnloadPlugin))
	g.dispatcher.Add(command.Named(CmdLogLevel, g.handleLogLevel))
	g.dispatcher.Add(command.Named(CmdAgentInfo, g.handleAgentInfo))
	g.dispatcher.Add(command.Named(CmdReload, g.handleReload))
}

// handleClassLoaded answers whether the runtime or any plugin defines arg.
func (g *Generation) handleClassLoaded(ctx context.Context, arg string, out io.Writer) error {
	class := strings.TrimSpace(arg)
	if class == "" {
		return errArgumentRequired
	}
	if g.classes.IsLoaded(ctx, class) {
		return command.WriteBool(out, true)
	}
	return command.WriteBool(out, slices.Contains(g.loader.ExportedClasses(), class))
}

// handleLoadPlugin takes "path" or "path=args".
func (g *Generation) handleLoadPlugin(ctx context.Context, arg string, out io.Writer) error {
	path, args, _ := strings.Cut(arg, "=")
	path = strings.TrimSpace(path)
	if path == "" {
		return errArgumentRequired
	}
	loaded, err := g.loader.Load(ctx, path, args)
	if err != nil {
		return err
	}
	return command.WriteJSON(out, loaded)
}

// handleUnloadPlugin takes "path" or "path=delete".
func (g *Generation) handleUnloadPlugin(ctx context.Context, arg string, out io.Writer) error {
	path, flag, _ := strings.Cut(arg, "=")
	path = strings.TrimSpace(path)
	if path == "" {
		return errArgumentRequired
	}
	deleteFile := strings.EqualFold(strings.TrimSpace(flag), "delete")
	return command.WriteBool(out, g.loader.Unload(ctx, path, deleteFile))
}

// handleLogLevel applies a level unless one was pinned at boot.
func (g *Generation) handleLogLevel(_ context.Context, arg string, out io.Writer) error {
	level, err := config.ParseLevel(arg)
	if err != nil {
		return err
	}
	if g.agent.levelPinned {
		g.logger.Debug("ignoring log-level, level pinned by boot arguments", "requested", arg)
		return command.WriteBool(out, false)
	}
	g.agent.opts.Level.Set(level)
	g.logger.Info("log level changed", "level", config.LevelName(level))
	return command.WriteBool(out, true)
}

func (g *Generation) handleAgentInfo(_ context.Context, _ string, out io.Writer) error {
	a := g.agent
	return command.WriteJSON(out, Info{
		Generation:  g.Number,
		Version:     a.opts.Version,
		PID:         os.Getpid(),
		TargetPID:   a.opts.TargetPID,
		Listen:      g.Addr(),
		LogLevel:    config.LevelName(a.opts.Level.Level()),
		LevelPinned: a.levelPinned,
		Injection:   a.opts.Instrumentation != nil,
		StartedAt:   g.StartedAt,
		Plugins:     g.loader.List(),
	})
}

// handleReload answers first and swaps generations afterwards; the listener
// serving this request is closed by the swap.
func (g *Generation) handleReload(_ context.Context, _ string, out io.Writer) error {
	if err := command.WriteBool(out, true); err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := g.agent.Reload(ctx); err != nil {
			g.logger.Error("reload failed", "error", err)
		}
	}()
	return nil
}
