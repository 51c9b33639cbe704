// ABOUTME: Runtime registry merging process scans, perfdata, and container resolution.
// ABOUTME: Owns the canonical PID to instance map and notifies listeners of adds and removes.

package registry

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/burrow/internal/container"
	"github.com/2389/burrow/internal/perfdata"
	"github.com/2389/burrow/internal/procscan"
)

// Listener receives instance lifecycle events.
type Listener interface {
	InstanceAdded(inst Instance)
	InstanceRemoved(inst Instance)
}

// NamespaceResolver maps host PIDs into container PID namespaces.
type NamespaceResolver interface {
	Resolve(hostPID int) (int, bool)
	RootFS(hostPID int) string
}

// PerfDataReader reads identity facts for nsPID beneath root.
type PerfDataReader func(nsPID int, root string) (*perfdata.Info, error)

// Options configures a Registry.
type Options struct {
	Backends   []container.Backend
	Resolver   NamespaceResolver
	Liveness   procscan.Liveness
	Details    procscan.Detailer
	Exclusions Exclusions

	// ReadPerfData defaults to perfdata.Read.
	ReadPerfData PerfDataReader

	// ScanPerfDataPIDs lists host PIDs with a perfdata buffer. Defaults to
	// perfdata.ScanPIDs on the host root.
	ScanPerfDataPIDs func() []int
}

// Registry is the live collection of known runtime instances.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	instances map[int]Instance

	lmu       sync.RWMutex
	listeners []*listenerEntry
}

type listenerEntry struct {
	l Listener
}

// New creates a registry. The current process is always excluded.
func New(opts Options, logger *slog.Logger) *Registry {
	if opts.ReadPerfData == nil {
		opts.ReadPerfData = perfdata.Read
	}
	if opts.ScanPerfDataPIDs == nil {
		opts.ScanPerfDataPIDs = func() []int { return perfdata.ScanPIDs("") }
	}
	opts.Exclusions.PIDs = append(opts.Exclusions.PIDs, os.Getpid())

	return &Registry{
		opts:      opts,
		logger:    logger.With("component", "registry"),
		instances: make(map[int]Instance),
	}
}

// Subscribe registers l and replays every current instance to it. The
// returned func unsubscribes.
func (r *Registry) Subscribe(l Listener) (unsubscribe func()) {
	entry := &listenerEntry{l: l}
	r.lmu.Lock()
	r.listeners = append(r.listeners, entry)
	r.lmu.Unlock()

	for _, inst := range r.snapshot() {
		r.notifyAdded(entry, inst)
	}

	return func() {
		r.lmu.Lock()
		defer r.lmu.Unlock()
		for i, e := range r.listeners {
			if e == entry {
				r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) listenersSnapshot() []*listenerEntry {
	r.lmu.RLock()
	defer r.lmu.RUnlock()
	out := make([]*listenerEntry, len(r.listeners))
	copy(out, r.listeners)
	return out
}

// ProcessStarted implements procscan.Listener.
func (r *Registry) ProcessStarted(p procscan.Process) {
	r.add(context.Background(), p)
}

// ProcessExited implements procscan.Listener.
func (r *Registry) ProcessExited(pid int) {
	r.remove(pid, "process exited")
}

func (r *Registry) add(ctx context.Context, p procscan.Process) {
	r.mu.RLock()
	_, known := r.instances[p.PID]
	r.mu.RUnlock()
	if known {
		return
	}

	inst := r.build(ctx, p)
	if reason := r.opts.Exclusions.Match(inst); reason != "" {
		r.logger.Debug("runtime excluded", "pid", inst.PID, "main_class", inst.MainClass, "reason", reason)
		return
	}

	r.mu.Lock()
	if _, known := r.instances[inst.PID]; known {
		r.mu.Unlock()
		return
	}
	r.instances[inst.PID] = inst
	total := len(r.instances)
	r.mu.Unlock()

	r.logger.Info("runtime discovered",
		"pid", inst.PID,
		"ns_pid", inst.NamespacePID,
		"container_id", shortID(inst.ContainerID),
		"main_class", inst.MainClass,
		"source", inst.Source,
		"total", total,
	)
	for _, e := range r.listenersSnapshot() {
		r.notifyAdded(e, inst)
	}
}

func (r *Registry) remove(pid int, reason string) {
	r.mu.Lock()
	inst, ok := r.instances[pid]
	if ok {
		delete(r.instances, pid)
	}
	total := len(r.instances)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("runtime removed", "pid", pid, "main_class", inst.MainClass, "reason", reason, "total", total)
	for _, e := range r.listenersSnapshot() {
		r.notifyRemoved(e, inst)
	}
}

// build assembles an instance from container, perfdata, and process facts.
func (r *Registry) build(ctx context.Context, p procscan.Process) Instance {
	inst := Instance{
		PID:          p.PID,
		UID:          p.UID,
		GID:          p.GID,
		Executable:   p.Executable,
		VMArgs:       vmOptions(strings.Fields(p.CommandLine)),
		DiscoveredAt: time.Now(),
	}

	backend, id := container.Resolve(ctx, r.opts.Backends, p.PID)
	if id == "" {
		if info := r.readPerfData(p.PID, p.PID, ""); info != nil {
			inst.applyPerfData(info)
			inst.Source = SourcePerfData
			return inst
		}
		inst.applyProcess(p)
		inst.Source = SourceProcess
		return inst
	}

	inst.ContainerID = id
	inst.ContainerRuntime = backend.Name()
	if r.opts.Resolver != nil {
		if ns, ok := r.opts.Resolver.Resolve(p.PID); ok {
			inst.NamespacePID = ns
			if info := r.readPerfData(p.PID, ns, r.opts.Resolver.RootFS(p.PID)); info != nil {
				inst.applyPerfData(info)
				inst.Source = SourceContainerPerfData
				return inst
			}
		}
	}
	inst.applyProcess(p)
	inst.Source = SourceContainerProcess
	return inst
}

func (r *Registry) readPerfData(hostPID, nsPID int, root string) *perfdata.Info {
	info, err := r.opts.ReadPerfData(nsPID, root)
	if err != nil {
		r.logger.Debug("perfdata unreadable, using process metadata", "pid", hostPID, "error", err)
		return nil
	}
	return info
}

func (i *Instance) applyPerfData(info *perfdata.Info) {
	i.CommandLine = info.CommandLine
	i.MainClass = info.MainClass
	i.ClassPath = info.ClassPath
	i.VMName = info.VMName
	i.VMVendor = info.VMVendor
	i.VMVersion = info.VMVersion
	if info.VMArgs != "" {
		i.VMArgs = info.VMArgs
	}
}

func (i *Instance) applyProcess(p procscan.Process) {
	i.CommandLine = p.CommandLine
	command, classPath := javaLaunch(strings.Fields(p.CommandLine))
	i.MainClass = perfdata.MainClass(command)
	i.ClassPath = classPath
}

// ScanPerfData adds attach-capable runtimes that have a perfdata buffer but
// have not been reported by the process scanner yet. Instances whose process
// died are removed first; the scanner never reports exits for PIDs it did not
// discover itself.
func (r *Registry) ScanPerfData(ctx context.Context) {
	r.prune(ctx)
	for _, pid := range r.opts.ScanPerfDataPIDs() {
		if ctx.Err() != nil {
			return
		}
		if r.has(pid) {
			continue
		}
		if r.opts.Liveness != nil && !r.opts.Liveness.Alive(pid) {
			continue
		}
		p := procscan.Process{PID: pid}
		if r.opts.Details != nil {
			details, err := r.opts.Details.Details(ctx, pid)
			if err != nil {
				continue
			}
			p = details
		}
		r.add(ctx, p)
	}
}

// RunPerfDataScan calls ScanPerfData on a fixed interval until ctx is done.
func (r *Registry) RunPerfDataScan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanPerfData(ctx)
		}
	}
}

func (r *Registry) has(pid int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instances[pid]
	return ok
}

// Get returns the instance for pid.
func (r *Registry) Get(pid int) (Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[pid]
	return inst, ok
}

// Len returns the number of known instances without pruning.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Instances returns all known instances sorted by PID. Dead PIDs are pruned
// first, unless ctx is already cancelled: a cancelled sweep must not be
// mistaken for processes disappearing.
func (r *Registry) Instances(ctx context.Context) []Instance {
	r.prune(ctx)
	return r.snapshot()
}

func (r *Registry) prune(ctx context.Context) {
	if ctx.Err() != nil || r.opts.Liveness == nil {
		return
	}
	for _, inst := range r.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if !r.opts.Liveness.Alive(inst.PID) {
			r.remove(inst.PID, "process no longer alive")
		}
	}
}

func (r *Registry) snapshot() []Instance {
	r.mu.RLock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (r *Registry) notifyAdded(e *listenerEntry, inst Instance) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener failed on instance added", "pid", inst.PID, "panic", rec)
		}
	}()
	e.l.InstanceAdded(inst)
}

func (r *Registry) notifyRemoved(e *listenerEntry, inst Instance) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("listener failed on instance removed", "pid", inst.PID, "panic", rec)
		}
	}()
	e.l.InstanceRemoved(inst)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
