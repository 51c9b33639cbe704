// ABOUTME: Tests for namespace PID resolution against a fake proc tree.
// ABOUTME: Covers NStgid, NSpid, sched fallback, and unresolvable processes.

package nspid

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/perfdata/perfdatatest"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func statusWith(lines string) string {
	return "Name:\tjava\nUmask:\t0022\nState:\tS (sleeping)\nTgid:\t4242\n" + lines + "Uid:\t1000\t1000\t1000\t1000\n"
}

func TestResolve_NStgid(t *testing.T) {
	proc := t.TempDir()
	writeFile(t, filepath.Join(proc, "4242", "status"), statusWith("NStgid:\t4242\t1\nNSpid:\t4242\t7\n"))

	r := NewWithProcRoot(proc, slog.Default())
	pid, ok := r.Resolve(4242)
	require.True(t, ok)
	assert.Equal(t, 1, pid, "NStgid wins over NSpid")
}

func TestResolve_NSpidOnly(t *testing.T) {
	proc := t.TempDir()
	writeFile(t, filepath.Join(proc, "4242", "status"), statusWith("NSpid:\t4242\t9\n"))

	pid, ok := NewWithProcRoot(proc, slog.Default()).Resolve(4242)
	require.True(t, ok)
	assert.Equal(t, 9, pid)
}

func TestResolve_SchedFallback(t *testing.T) {
	proc := t.TempDir()
	host := 4242
	writeFile(t, filepath.Join(proc, strconv.Itoa(host), "status"), statusWith(""))

	root := filepath.Join(proc, strconv.Itoa(host), "root")
	// A perfdata candidate that belongs to another host pid
	_, err := perfdatatest.New().Attachable(true).WriteFile(root, "app", 3)
	require.NoError(t, err)
	writeFile(t, filepath.Join(root, "proc", "3", "sched"), "java (9999, #threads: 12)\n----\n")
	// The real match is only visible through /proc
	writeFile(t, filepath.Join(root, "proc", "15", "sched"), "java (4242, #threads: 30)\n----\n")
	writeFile(t, filepath.Join(root, "proc", "self", "sched"), "bash (1, #threads: 1)\n")

	pid, ok := NewWithProcRoot(proc, slog.Default()).Resolve(host)
	require.True(t, ok)
	assert.Equal(t, 15, pid)
}

func TestResolve_Unresolvable(t *testing.T) {
	proc := t.TempDir()
	_, ok := NewWithProcRoot(proc, slog.Default()).Resolve(1234)
	assert.False(t, ok)
}

func TestParseSchedHeader(t *testing.T) {
	assert.Equal(t, 12345, parseSchedHeader("java (12345, #threads: 42)"))
	assert.Equal(t, 77, parseSchedHeader("weird (name) (77, #threads: 1)"))
	assert.Equal(t, -1, parseSchedHeader("no parens here"))
	assert.Equal(t, -1, parseSchedHeader("java (, #threads: )"))
	assert.Equal(t, -1, SchedHostPID(filepath.Join(t.TempDir(), "missing")))
}
