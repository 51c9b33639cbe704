// ABOUTME: Bootstrap run by "burrow-agent attach": reload a live agent or spawn a detached one.
// ABOUTME: A live agent is found through its marker file; a stale marker is removed and ignored.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/2389/burrow/internal/command"
)

// BootstrapOptions configures one attach bootstrap.
type BootstrapOptions struct {
	// PID is the runtime as seen from here; RegisterPID is the key the
	// controller knows it by.
	PID           int
	RegisterPID   int
	ControllerURL string
	Args          string
	TmpDir        string

	// Binary is the agent executable to spawn; defaults to this process.
	Binary string

	// StartTimeout bounds the wait for a spawned agent's marker.
	StartTimeout time.Duration

	Client *command.Client
}

// BootstrapResult reports what the bootstrap did.
type BootstrapResult struct {
	Reloaded bool
	Addr     string
	AgentPID int
}

// Bootstrap reloads the agent already serving PID or starts a new one.
func Bootstrap(ctx context.Context, opts BootstrapOptions, logger *slog.Logger) (BootstrapResult, error) {
	if opts.PID <= 0 {
		return BootstrapResult{}, fmt.Errorf("target pid is required")
	}
	if opts.RegisterPID <= 0 {
		opts.RegisterPID = opts.PID
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	if opts.Client == nil {
		opts.Client = command.NewClient(0)
	}
	logger = logger.With("component", "bootstrap", "pid", opts.PID)

	if addr, err := ReadMarker(opts.TmpDir, opts.PID); err == nil {
		resp, err := opts.Client.Execute(ctx, addr, CmdReload, "")
		if err == nil && resp.OK() {
			logger.Info("reloaded running agent", "addr", addr)
			return BootstrapResult{Reloaded: true, Addr: addr}, nil
		}
		logger.Warn("stale agent marker, starting a new agent", "addr", addr, "error", err)
		_ = os.Remove(MarkerPath(opts.TmpDir, opts.PID))
	}

	return spawn(ctx, opts, logger)
}

func spawn(ctx context.Context, opts BootstrapOptions, logger *slog.Logger) (BootstrapResult, error) {
	binary := opts.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return BootstrapResult{}, fmt.Errorf("locating agent binary: %w", err)
		}
		binary = self
	}

	logPath := filepath.Join(opts.TmpDir, ".burrow_agent"+strconv.Itoa(opts.PID)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return BootstrapResult{}, fmt.Errorf("opening agent log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve",
		"--pid", strconv.Itoa(opts.PID),
		"--register-pid", strconv.Itoa(opts.RegisterPID),
		"--tmpdir", opts.TmpDir,
	}
	if opts.ControllerURL != "" {
		args = append(args, "--controller", opts.ControllerURL)
	}
	if opts.Args != "" {
		args = append(args, "--args", opts.Args)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return BootstrapResult{}, fmt.Errorf("starting agent: %w", err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.NewTimer(opts.StartTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return BootstrapResult{}, ctx.Err()
		case <-deadline.C:
			return BootstrapResult{}, fmt.Errorf("agent did not start within %s (log: %s)", opts.StartTimeout, logPath)
		case err := <-exited:
			if err == nil {
				err = errors.New("exited")
			}
			return BootstrapResult{}, fmt.Errorf("agent exited during startup: %w (log: %s)", err, logPath)
		case <-poll.C:
			addr, err := ReadMarker(opts.TmpDir, opts.PID)
			if err != nil {
				continue
			}
			logger.Info("agent started", "addr", addr, "agent_pid", cmd.Process.Pid, "log", logPath)
			return BootstrapResult{Addr: addr, AgentPID: cmd.Process.Pid}, nil
		}
	}
}
