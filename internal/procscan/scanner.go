// ABOUTME: Periodic process scanner that reports runtime processes appearing and disappearing.
// ABOUTME: New subscribers are replayed the full alive set so late listeners miss nothing.

package procscan

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Listener receives edge events from the scanner.
type Listener interface {
	ProcessStarted(p Process)
	ProcessExited(pid int)
}

// Detailer optionally enriches a process reported as new.
type Detailer interface {
	Details(ctx context.Context, pid int) (Process, error)
}

// DefaultNames are the executable names treated as target runtimes.
var DefaultNames = []string{"java"}

// Scanner tracks the set of alive runtime processes between ticks.
type Scanner struct {
	source Source
	names  map[string]bool
	logger *slog.Logger

	// notifyMu serializes ticks against subscriber replay.
	notifyMu sync.Mutex

	mu        sync.RWMutex
	alive     map[int]Process
	listeners []Listener
}

// New creates a scanner filtering processes by executable name.
func New(source Source, names []string, logger *slog.Logger) *Scanner {
	if len(names) == 0 {
		names = DefaultNames
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return &Scanner{
		source: source,
		names:  set,
		logger: logger.With("component", "procscan"),
		alive:  make(map[int]Process),
	}
}

// Subscribe registers l and immediately replays every currently alive process.
func (s *Scanner) Subscribe(l Listener) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	for _, p := range snapshot {
		s.safeStarted(l, p)
	}
}

// Alive reports whether pid was alive at the last tick.
func (s *Scanner) Alive(pid int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.alive[pid]
	return ok
}

// PIDs returns the alive set from the last tick, sorted.
func (s *Scanner) PIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pids := make([]int, 0, len(s.alive))
	for pid := range s.alive {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (s *Scanner) snapshotLocked() []Process {
	out := make([]Process, 0, len(s.alive))
	for _, p := range s.alive {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (s *Scanner) matches(p Process) bool {
	if s.names[strings.ToLower(p.Name)] {
		return true
	}
	return p.Executable != "" && s.names[strings.ToLower(filepath.Base(p.Executable))]
}

// Scan performs one tick. It must not run concurrently with itself; Run
// guarantees that.
func (s *Scanner) Scan(ctx context.Context) error {
	procs, err := s.source.Processes(ctx)
	if err != nil {
		return err
	}

	current := make(map[int]Process)
	for _, p := range procs {
		if s.matches(p) && IsAlive(p.Status) {
			current[p.PID] = p
		}
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	previous := s.alive
	s.mu.RUnlock()

	var exited []int
	var started []Process
	for pid, old := range previous {
		cur, ok := current[pid]
		if !ok || reused(old, cur) {
			exited = append(exited, pid)
		}
	}
	for pid, p := range current {
		old, ok := previous[pid]
		if !ok || reused(old, p) {
			current[pid] = s.enrich(ctx, p)
			started = append(started, current[pid])
		}
	}
	sort.Ints(exited)
	sort.Slice(started, func(i, j int) bool { return started[i].PID < started[j].PID })

	// Keep enriched details for processes we already knew
	for pid, p := range current {
		if old, ok := previous[pid]; ok && !reused(old, p) {
			current[pid] = old
		}
	}

	s.mu.Lock()
	s.alive = current
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, pid := range exited {
		s.logger.Debug("runtime process gone", "pid", pid)
		for _, l := range listeners {
			s.safeExited(l, pid)
		}
	}
	for _, p := range started {
		s.logger.Debug("runtime process found", "pid", p.PID, "exe", p.Executable)
		for _, l := range listeners {
			s.safeStarted(l, p)
		}
	}
	return nil
}

// reused reports whether the same PID now belongs to a different process.
func reused(old, cur Process) bool {
	return old.CreateTime != 0 && cur.CreateTime != 0 && old.CreateTime != cur.CreateTime
}

func (s *Scanner) enrich(ctx context.Context, p Process) Process {
	d, ok := s.source.(Detailer)
	if !ok {
		return p
	}
	full, err := d.Details(ctx, p.PID)
	if err != nil {
		s.logger.Debug("reading process details", "pid", p.PID, "error", err)
		return p
	}
	if full.Name == "" {
		full.Name = p.Name
	}
	if len(full.Status) == 0 {
		full.Status = p.Status
	}
	if full.CreateTime == 0 {
		full.CreateTime = p.CreateTime
	}
	return full
}

// Run ticks Scan on a fixed interval until ctx is done. Ticks never overlap.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("process scan failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("process scan failed", "error", err)
			}
		}
	}
}

func (s *Scanner) safeStarted(l Listener, p Process) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked on process start", "pid", p.PID, "panic", r)
		}
	}()
	l.ProcessStarted(p)
}

func (s *Scanner) safeExited(l Listener, pid int) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked on process exit", "pid", pid, "panic", r)
		}
	}()
	l.ProcessExited(pid)
}
