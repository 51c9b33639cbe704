// ABOUTME: Plugin loader tracking at most one loaded plugin per bundle path.
// ABOUTME: Each plugin gets its own scope; failures close it before the error propagates.

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/scope"
)

// ClassChecker reports whether a class is loaded in the target runtime.
type ClassChecker interface {
	IsLoaded(ctx context.Context, class string) bool
}

// Loaded describes one loaded plugin.
type Loaded struct {
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Entry    string    `json:"entry"`
	Args     string    `json:"args,omitempty"`
	Parent   string    `json:"parent"`
	Handler  bool      `json:"handler"`
	LoadedAt time.Time `json:"loaded_at"`
}

type record struct {
	info     Loaded
	manifest *Manifest
	instance any
	scope    *scope.Scope
	remove   func()
}

// Options configures a Loader.
type Options struct {
	Catalog    *Catalog
	Dispatcher *command.Dispatcher

	// Root is the agent's own scope, parent of every plugin scope.
	Root *scope.Scope

	// Runtime stands for the target runtime's own classes. It becomes a
	// parent when a manifest's marker class is a loaded runtime class.
	Runtime *scope.Scope

	Instrumentation Instrumentation
	Classes         ClassChecker
}

// Loader loads and unloads plugins.
type Loader struct {
	opts   Options
	logger *slog.Logger

	// opMu serializes load and unload; mu guards the map for readers.
	opMu    sync.Mutex
	mu      sync.RWMutex
	plugins map[string]*record
}

// NewLoader creates a loader.
func NewLoader(opts Options, logger *slog.Logger) *Loader {
	if opts.Catalog == nil {
		opts.Catalog = NewCatalog()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = command.NewDispatcher()
	}
	return &Loader{
		opts:    opts,
		logger:  logger.With("component", "plugins"),
		plugins: make(map[string]*record),
	}
}

// Load loads the bundle at path with args, replacing any plugin already
// loaded from the same path.
func (l *Loader) Load(ctx context.Context, path, args string) (Loaded, error) {
	l.opMu.Lock()
	defer l.opMu.Unlock()

	if l.unloadLocked(ctx, path, false) {
		l.logger.Info("reloading plugin", "path", path)
	}

	m, err := ParseManifest(path)
	if err != nil {
		return Loaded{}, err
	}
	factory, err := l.opts.Catalog.Lookup(m.Entry)
	if err != nil {
		return Loaded{}, err
	}

	marker, markerName := l.markerScope(ctx, m.ExtendsClassloaderOf)
	s := scope.New("plugin:"+m.Name, l.opts.Root, marker)

	instance, err := l.instantiate(ctx, s, m, factory, args)
	if err != nil {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return Loaded{}, fmt.Errorf("loading plugin %s: %w", path, err)
	}

	rec := &record{
		info: Loaded{
			Path:     path,
			Name:     m.Name,
			Entry:    m.Entry,
			Args:     args,
			Parent:   markerName,
			LoadedAt: time.Now(),
		},
		manifest: m,
		instance: instance,
		scope:    s,
	}
	if h, ok := instance.(command.Handler); ok {
		rec.remove = l.opts.Dispatcher.Add(h)
		rec.info.Handler = true
	}

	l.mu.Lock()
	l.plugins[path] = rec
	total := len(l.plugins)
	l.mu.Unlock()

	l.logger.Info("plugin loaded",
		"path", path,
		"name", m.Name,
		"entry", m.Entry,
		"parent", markerName,
		"handler", rec.info.Handler,
		"total_plugins", total,
	)
	return rec.info, nil
}

func (l *Loader) instantiate(ctx context.Context, s *scope.Scope, m *Manifest, factory Factory, args string) (any, error) {
	if err := s.Export(ManifestSymbol, m); err != nil {
		return nil, err
	}
	for _, class := range m.Exports {
		if err := s.Export(class, m.Name); err != nil {
			return nil, err
		}
	}

	instance, err := factory.Instantiate(s, args, l.opts.Instrumentation)
	if err != nil {
		return nil, err
	}
	if lc, ok := instance.(Lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting: %w", err)
		}
	}
	return instance, nil
}

// markerScope picks the extra parent for a plugin scope: the plugin scope
// that defines class, else the runtime scope when class is loaded there.
func (l *Loader) markerScope(ctx context.Context, class string) (*scope.Scope, string) {
	if class == "" {
		return nil, "agent"
	}

	l.mu.RLock()
	for _, rec := range l.plugins {
		if rec.scope.Defines(class) {
			l.mu.RUnlock()
			return rec.scope, rec.scope.Name()
		}
	}
	l.mu.RUnlock()

	if l.opts.Classes != nil && l.opts.Runtime != nil && l.opts.Classes.IsLoaded(ctx, class) {
		return l.opts.Runtime, l.opts.Runtime.Name()
	}
	l.logger.Debug("marker class not loaded, chaining to agent scope", "class", class)
	return nil, "agent"
}

// Unload removes the plugin loaded from path. Its destroy hook runs and its
// scope is closed even when destroy fails; only then is the file deleted if
// requested. Returns false when nothing was loaded for path.
func (l *Loader) Unload(ctx context.Context, path string, deleteFile bool) bool {
	l.opMu.Lock()
	defer l.opMu.Unlock()
	return l.unloadLocked(ctx, path, deleteFile)
}

func (l *Loader) unloadLocked(ctx context.Context, path string, deleteFile bool) bool {
	l.mu.Lock()
	rec, ok := l.plugins[path]
	if ok {
		delete(l.plugins, path)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}

	if rec.remove != nil {
		rec.remove()
	}
	if lc, ok := rec.instance.(Lifecycle); ok {
		if err := safeDestroy(ctx, lc); err != nil {
			l.logger.Error("plugin destroy failed", "path", path, "error", err)
		}
	}
	if err := rec.scope.Close(); err != nil {
		l.logger.Error("closing plugin scope failed", "path", path, "error", err)
	}
	if deleteFile {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Error("deleting plugin bundle failed", "path", path, "error", err)
		}
	}

	l.logger.Info("plugin unloaded", "path", path, "name", rec.info.Name, "deleted", deleteFile)
	return true
}

func safeDestroy(ctx context.Context, lc Lifecycle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("destroy panicked: %v", r)
		}
	}()
	return lc.Destroy(ctx)
}

// List returns the loaded plugins sorted by path.
func (l *Loader) List() []Loaded {
	l.mu.RLock()
	out := make([]Loaded, 0, len(l.plugins))
	for _, rec := range l.plugins {
		out = append(out, rec.info)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ExportedClasses returns every class name defined by a loaded plugin.
func (l *Loader) ExportedClasses() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, rec := range l.plugins {
		out = append(out, rec.manifest.Exports...)
	}
	return out
}

// Close unloads every plugin.
func (l *Loader) Close(ctx context.Context) {
	for _, p := range l.List() {
		l.Unload(ctx, p.Path, false)
	}
}
