// ABOUTME: Container runtime boundary used for container id lookup, inspection, copy, and exec.
// ABOUTME: Shared cgroup parsing and the command runner abstraction live here.

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Container describes a container as far as attachment needs to know.
type Container struct {
	ID      string
	Name    string
	Running bool
	Labels  map[string]string

	// RootPID is the host PID of the container's init process.
	RootPID int

	// Gateway is the address the container can reach the host on, if known.
	Gateway string
}

// ExecResult is the outcome of running a command inside a container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Backend is one container runtime.
type Backend interface {
	// Name identifies the runtime ("docker", "cri").
	Name() string

	// ContainerIDForProcess returns the id of the container owning pid, or ""
	// when this runtime does not own it.
	ContainerIDForProcess(ctx context.Context, pid int) (string, error)

	// Container inspects id. A nil container with a nil error means absent.
	Container(ctx context.Context, id string) (*Container, error)

	// CopyFiles copies local files into destDir inside the container. Keys
	// are destination file names, values are local paths.
	CopyFiles(ctx context.Context, id, destDir string, files map[string]string) error

	// Exec runs argv inside the container.
	Exec(ctx context.Context, id string, argv []string) (*ExecResult, error)
}

// Runner executes an external command and returns its output. A non-zero
// exit is reported through ExecResult, not err.
type Runner func(ctx context.Context, name string, args ...string) (*ExecResult, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// IDFromCgroup extracts a 64-hex container id from cgroup file content. Only
// lines containing one of markers are considered; no markers means any line.
func IDFromCgroup(content string, markers ...string) string {
	for _, line := range strings.Split(content, "\n") {
		if len(markers) > 0 && !containsAny(line, markers) {
			continue
		}
		if id := containerIDPattern.FindString(line); id != "" {
			return id
		}
	}
	return ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// cgroupReader reads /proc/<pid>/cgroup.
type cgroupReader struct {
	procRoot string
}

func (c cgroupReader) read(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(c.procRoot, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SelfID returns the id of the container this process runs in, or "".
func SelfID(procRoot string) string {
	content, err := cgroupReader{procRoot: procRoot}.read(os.Getpid())
	if err != nil {
		return ""
	}
	return IDFromCgroup(content)
}

// Available reports whether binary can be found on PATH.
func Available(binary string) bool {
	_, err := exec.LookPath(binary)
	return err == nil
}

// Resolve asks each backend in order for the container owning pid.
func Resolve(ctx context.Context, backends []Backend, pid int) (Backend, string) {
	for _, b := range backends {
		id, err := b.ContainerIDForProcess(ctx, pid)
		if err != nil || id == "" {
			continue
		}
		return b, id
	}
	return nil, ""
}
