// ABOUTME: Maps a host PID to the PID seen inside its container's PID namespace.
// ABOUTME: Uses /proc/<pid>/status NStgid first, then cross-checks candidate sched files.

package nspid

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/2389/burrow/internal/perfdata"
)

// Resolver resolves namespace PIDs from a proc filesystem.
type Resolver struct {
	procRoot string
	logger   *slog.Logger
}

// New creates a resolver reading from /proc.
func New(logger *slog.Logger) *Resolver {
	return NewWithProcRoot("/proc", logger)
}

// NewWithProcRoot creates a resolver reading from an alternate proc mount.
func NewWithProcRoot(procRoot string, logger *slog.Logger) *Resolver {
	return &Resolver{
		procRoot: procRoot,
		logger:   logger.With("component", "nspid"),
	}
}

// RootFS returns the path through which the process's mount namespace is visible.
func (r *Resolver) RootFS(hostPID int) string {
	return filepath.Join(r.procRoot, strconv.Itoa(hostPID), "root")
}

// Resolve returns the in-namespace PID for hostPID. ok is false when neither
// the status mapping nor the sched cross-check produced an answer.
func (r *Resolver) Resolve(hostPID int) (int, bool) {
	if pid, ok := r.fromStatus(hostPID); ok {
		return pid, true
	}
	if pid, ok := r.fromSched(hostPID); ok {
		r.logger.Debug("resolved namespace pid via sched", "pid", hostPID, "ns_pid", pid)
		return pid, true
	}
	return 0, false
}

// fromStatus reads the innermost PID from the NStgid (or NSpid) line.
func (r *Resolver) fromStatus(hostPID int) (int, bool) {
	f, err := os.Open(filepath.Join(r.procRoot, strconv.Itoa(hostPID), "status"))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var nspidLine string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "NStgid:"):
			return lastField(line)
		case strings.HasPrefix(line, "NSpid:"):
			nspidLine = line
		}
	}
	if nspidLine != "" {
		return lastField(nspidLine)
	}
	return 0, false
}

func lastField(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, false
	}
	pid, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// fromSched checks every candidate PID visible inside the container and
// returns the one whose sched header names hostPID.
func (r *Resolver) fromSched(hostPID int) (int, bool) {
	root := r.RootFS(hostPID)
	for _, candidate := range r.candidates(root) {
		schedPath := filepath.Join(root, "proc", strconv.Itoa(candidate), "sched")
		if SchedHostPID(schedPath) == hostPID {
			return candidate, true
		}
	}
	return 0, false
}

// candidates lists runtimes with a perfdata file first, then every numeric
// entry in the container's /proc.
func (r *Resolver) candidates(root string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, pid := range perfdata.ScanPIDs(root) {
		if !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "proc"))
	if err != nil {
		return out
	}
	for _, e := range entries {
		name := e.Name()
		if len(name) == 0 || name[0] < '1' || name[0] > '9' {
			continue
		}
		if pid, err := strconv.Atoi(name); err == nil && !seen[pid] {
			seen[pid] = true
			out = append(out, pid)
		}
	}
	return out
}

// SchedHostPID parses the host PID from the first line of a sched file,
// e.g. "java (12345, #threads: 42)". Returns -1 when it cannot be parsed.
func SchedHostPID(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return -1
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return -1
	}
	return parseSchedHeader(scanner.Text())
}

func parseSchedHeader(line string) int {
	open := strings.LastIndex(line, "(")
	if open == -1 {
		return -1
	}

	var digits strings.Builder
	for _, c := range line[open+1:] {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		} else if digits.Len() > 0 {
			break
		}
	}
	if digits.Len() == 0 {
		return -1
	}
	pid, err := strconv.Atoi(digits.String())
	if err != nil {
		return -1
	}
	return pid
}
