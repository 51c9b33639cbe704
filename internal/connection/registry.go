// ABOUTME: Connection registry mapping target PIDs to their agent's command listener address.
// ABOUTME: Executes commands over the channel and evicts records only for confirmed-dead processes.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/metrics"
	"github.com/2389/burrow/internal/procscan"
)

// DefaultPollInterval is how often WaitForConnection re-checks the map.
const DefaultPollInterval = 50 * time.Millisecond

// ErrMalformed indicates a registration body that could not be parsed.
var ErrMalformed = errors.New("malformed registration")

// ErrNotConnected indicates no agent has registered for the PID.
var ErrNotConnected = errors.New("no agent registered")

// Record is a registered agent endpoint.
type Record struct {
	PID          int       `json:"pid"`
	Address      string    `json:"address"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registration is a parsed registration body.
type Registration struct {
	PID     int
	Address string

	// PortOnly is set when the body carried just a port and the host was
	// taken from the caller's address.
	PortOnly bool
}

// ParseRegistration parses "pid=host:port" or "pid=port". remoteHost is used
// as the host for the port-only form.
func ParseRegistration(body, remoteHost string) (Registration, error) {
	pidStr, value, ok := strings.Cut(strings.TrimSpace(body), "=")
	if !ok {
		return Registration{}, fmt.Errorf("%w: missing '='", ErrMalformed)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
	if err != nil || pid <= 0 {
		return Registration{}, fmt.Errorf("%w: bad pid %q", ErrMalformed, pidStr)
	}

	value = strings.TrimSpace(value)
	reg := Registration{PID: pid}
	host, port := remoteHost, value
	if strings.Contains(value, ":") {
		host, port, err = net.SplitHostPort(value)
		if err != nil {
			return Registration{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		reg.PortOnly = true
	}

	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return Registration{}, fmt.Errorf("%w: bad port %q", ErrMalformed, port)
	}
	if host == "" {
		return Registration{}, fmt.Errorf("%w: no host", ErrMalformed)
	}

	reg.Address = net.JoinHostPort(host, port)
	return reg, nil
}

// Executor sends one command to a listener address.
type Executor interface {
	Execute(ctx context.Context, addr, cmd, arg string) (*command.Response, error)
}

// Registry holds one record per PID.
type Registry struct {
	exec     Executor
	liveness procscan.Liveness
	metrics  *metrics.Collector
	logger   *slog.Logger

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	mu      sync.RWMutex
	records map[int]Record
}

// New creates a connection registry. liveness decides whether a PID may be
// evicted; m may be nil.
func New(exec Executor, liveness procscan.Liveness, m *metrics.Collector, logger *slog.Logger) *Registry {
	return &Registry{
		exec:         exec,
		liveness:     liveness,
		metrics:      m,
		logger:       logger.With("component", "connections"),
		PollInterval: DefaultPollInterval,
		records:      make(map[int]Record),
	}
}

// Register stores addr for pid. It returns false when the same address was
// already registered.
func (r *Registry) Register(pid int, addr string) bool {
	r.mu.Lock()
	prev, exists := r.records[pid]
	if exists && prev.Address == addr {
		r.mu.Unlock()
		r.logger.Log(context.Background(), config.LevelTrace, "agent re-registered with unchanged address", "pid", pid, "address", addr)
		r.metrics.Registration("unchanged")
		return false
	}
	r.records[pid] = Record{PID: pid, Address: addr, RegisteredAt: time.Now()}
	total := len(r.records)
	r.mu.Unlock()

	r.metrics.Connections(total)
	if exists {
		r.metrics.Registration("changed")
		r.logger.Info("agent address changed", "pid", pid, "previous", prev.Address, "address", addr)
	} else {
		r.metrics.Registration("new")
		r.logger.Info("=== AGENT REGISTERED ===", "pid", pid, "address", addr, "total_connections", total)
	}
	return true
}

// Get returns the record for pid.
func (r *Registry) Get(pid int) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[pid]
	return rec, ok
}

// IsConnected reports whether an agent has registered for pid.
func (r *Registry) IsConnected(pid int) bool {
	_, ok := r.Get(pid)
	return ok
}

// Records returns every record sorted by PID.
func (r *Registry) Records() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// WaitForConnection polls until pid has registered, timeout elapses, or ctx
// is done. Only a recorded registration returns true.
func (r *Registry) WaitForConnection(ctx context.Context, pid int, timeout time.Duration) bool {
	if _, ok := r.Get(pid); ok {
		return true
	}

	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			_, ok := r.Get(pid)
			return ok
		case <-ticker.C:
			if _, ok := r.Get(pid); ok {
				return true
			}
		}
	}
}

// Remove evicts pid unless the process is still alive.
func (r *Registry) Remove(pid int) bool {
	if r.liveness != nil && r.liveness.Alive(pid) {
		r.logger.Debug("not removing connection of live process", "pid", pid)
		return false
	}
	return r.evict(pid)
}

// Evict drops the record for pid regardless of liveness. The runtime
// registry calls it when an instance ends; a live PID at that point belongs
// to a different process whose agent has not registered yet.
func (r *Registry) Evict(pid int) bool {
	if r.liveness != nil && r.liveness.Alive(pid) {
		r.logger.Debug("evicting connection of a reused pid", "pid", pid)
	}
	return r.evict(pid)
}

func (r *Registry) evict(pid int) bool {
	r.mu.Lock()
	rec, ok := r.records[pid]
	if ok {
		delete(r.records, pid)
	}
	total := len(r.records)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.metrics.Connections(total)
	r.logger.Info("=== AGENT DISCONNECTED ===", "pid", pid, "address", rec.Address, "total_connections", total)
	return true
}

// Execute sends cmd to the agent registered for pid. A channel failure for a
// live process keeps the record; for a dead process the record is evicted.
func (r *Registry) Execute(ctx context.Context, pid int, cmd, arg string) (*command.Response, error) {
	rec, ok := r.Get(pid)
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotConnected)
	}

	resp, err := r.exec.Execute(ctx, rec.Address, cmd, arg)
	if err != nil {
		r.metrics.CommandCall(cmd, false)
		if r.liveness == nil || r.liveness.Alive(pid) {
			r.logger.Warn("agent communication error", "pid", pid, "address", rec.Address, "command", cmd, "error", err)
			return nil, err
		}
		r.Remove(pid)
		return nil, fmt.Errorf("pid %d is gone: %w", pid, err)
	}

	r.metrics.CommandCall(cmd, resp.OK())
	return resp, nil
}
