// ABOUTME: Process enumeration backed by gopsutil.
// ABOUTME: Collects name, executable, argv, status, and effective ids for each OS process.

package procscan

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// Process is a snapshot of one OS process.
type Process struct {
	PID         int
	Name        string
	Executable  string
	CommandLine string
	UID         int
	GID         int
	Status      []string

	// CreateTime in milliseconds since epoch; zero when unknown.
	CreateTime int64
}

// Source enumerates processes.
type Source interface {
	Processes(ctx context.Context) ([]Process, error)
}

// Liveness reports whether a single PID is still running.
type Liveness interface {
	Alive(pid int) bool
}

// GopsutilSource lists processes through gopsutil.
type GopsutilSource struct{}

// Processes returns every visible process. Processes that vanish mid-listing
// are skipped.
func (GopsutilSource) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		status, _ := p.StatusWithContext(ctx)
		created, _ := p.CreateTimeWithContext(ctx)
		out = append(out, Process{
			PID:        int(p.Pid),
			Name:       name,
			Status:     status,
			CreateTime: created,
		})
	}
	return out, nil
}

// Details fills in executable, command line, and effective ids for pid.
func (GopsutilSource) Details(ctx context.Context, pid int) (Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Process{}, fmt.Errorf("opening process %d: %w", pid, err)
	}

	proc := Process{PID: pid}
	proc.Name, _ = p.NameWithContext(ctx)
	proc.Executable, _ = p.ExeWithContext(ctx)
	proc.Status, _ = p.StatusWithContext(ctx)
	proc.CreateTime, _ = p.CreateTimeWithContext(ctx)

	if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
		proc.CommandLine = strings.Join(args, " ")
	}

	// Uids/Gids are [real, effective, saved, fs]
	if uids, err := p.UidsWithContext(ctx); err == nil && len(uids) > 1 {
		proc.UID = int(uids[1])
	}
	if gids, err := p.GidsWithContext(ctx); err == nil && len(gids) > 1 {
		proc.GID = int(gids[1])
	}
	return proc, nil
}

// Alive reports whether pid exists and is in a live state.
func (GopsutilSource) Alive(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		return false
	}
	return IsAlive(status)
}

// IsAlive classifies a gopsutil status list. Running, sleeping, and waiting
// (including uninterruptible disk wait) count as alive; anything else does not.
func IsAlive(status []string) bool {
	if len(status) == 0 {
		return false
	}
	switch status[0] {
	case process.Running, process.Sleep, process.Wait, process.Blocked:
		return true
	default:
		return false
	}
}
