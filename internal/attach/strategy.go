// ABOUTME: Attach strategies: run the agent bootstrap on the host or inside the target's container.
// ABOUTME: Conditions that retrying cannot fix are reported as *SkipError.

package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/container"
	"github.com/2389/burrow/internal/procscan"
	"github.com/2389/burrow/internal/registry"
)

// OptOutLabel disables attachment for a container when set to false,
// disabled or off.
const OptOutLabel = "burrow.attach"

const (
	agentFileName = "burrow-agent"
	argsFileName  = "agent.args"
)

// ContainerListen is the agent bind address used inside containers when the
// boot arguments set none. Binding all interfaces makes the agent register
// with only its port, so the controller dials the container's address.
const ContainerListen = "0.0.0.0:0"

// Strategy attaches an agent to one instance.
type Strategy interface {
	Name() string
	Attach(ctx context.Context, inst registry.Instance) error
}

// BootstrapCommand is the "burrow-agent attach" invocation.
type BootstrapCommand struct {
	Binary        string
	PID           int
	RegisterPID   int
	ControllerURL string
	Args          string
	ArgsFile      string
}

// Argv renders the command line.
func (b BootstrapCommand) Argv() []string {
	argv := []string{b.Binary, "attach",
		"--pid", strconv.Itoa(b.PID),
		"--register-pid", strconv.Itoa(b.RegisterPID),
	}
	if b.ControllerURL != "" {
		argv = append(argv, "--controller", b.ControllerURL)
	}
	if b.ArgsFile != "" {
		argv = append(argv, "--args-file", b.ArgsFile)
	} else if b.Args != "" {
		argv = append(argv, "--args", b.Args)
	}
	return argv
}

// Launcher runs argv on the host, optionally as another user.
type Launcher func(ctx context.Context, argv []string, cred *syscall.Credential) (*container.ExecResult, error)

// ExecLauncher runs argv with os/exec.
func ExecLauncher(ctx context.Context, argv []string, cred *syscall.Credential) (*container.ExecResult, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if cred != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &container.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return res, nil
}

// HostStrategy attaches to processes outside containers.
type HostStrategy struct {
	AgentBinary   string
	ControllerURL string
	AgentArgs     string
	Timeout       time.Duration
	Liveness      procscan.Liveness
	Launch        Launcher

	euid, egid int
	logger     *slog.Logger
}

// NewHostStrategy creates a host strategy running as the current user.
func NewHostStrategy(agentBinary, controllerURL, agentArgs string, timeout time.Duration, liveness procscan.Liveness, logger *slog.Logger) *HostStrategy {
	return &HostStrategy{
		AgentBinary:   agentBinary,
		ControllerURL: controllerURL,
		AgentArgs:     agentArgs,
		Timeout:       timeout,
		Liveness:      liveness,
		Launch:        ExecLauncher,
		euid:          os.Geteuid(),
		egid:          os.Getegid(),
		logger:        logger.With("component", "host-strategy"),
	}
}

// Name implements Strategy.
func (h *HostStrategy) Name() string { return "host" }

// Attach runs the bootstrap as the target's user.
func (h *HostStrategy) Attach(ctx context.Context, inst registry.Instance) error {
	if h.Liveness != nil && !h.Liveness.Alive(inst.PID) {
		return Skip("process %d is gone", inst.PID)
	}

	var cred *syscall.Credential
	if inst.UID != h.euid || inst.GID != h.egid {
		if h.euid != 0 {
			return Skip("target runs as uid %d, controller as uid %d without privileges", inst.UID, h.euid)
		}
		cred = &syscall.Credential{Uid: uint32(inst.UID), Gid: uint32(inst.GID)}
	}

	argv := BootstrapCommand{
		Binary:        h.AgentBinary,
		PID:           inst.TargetPID(),
		RegisterPID:   inst.PID,
		ControllerURL: h.ControllerURL,
		Args:          h.AgentArgs,
	}.Argv()

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	h.logger.Debug("running bootstrap", "pid", inst.PID, "argv", argv, "as_uid", inst.UID)
	res, err := h.Launch(ctx, argv, cred)
	if err != nil {
		return fmt.Errorf("running bootstrap: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ContainerStrategy attaches to processes inside containers by copying the
// agent in and running the bootstrap with the container runtime's exec.
type ContainerStrategy struct {
	AgentBinary  string
	ContainerDir string
	AgentArgs    string

	// AdvertiseHost overrides the container's network gateway as the
	// controller address; ControllerPort is the controller's HTTP port.
	AdvertiseHost  string
	ControllerPort string

	// SelfID is the controller's own container id, if any.
	SelfID  string
	Timeout time.Duration

	backends map[string]container.Backend
	logger   *slog.Logger
}

// NewContainerStrategy creates a container strategy over backends.
func NewContainerStrategy(backends []container.Backend, logger *slog.Logger) *ContainerStrategy {
	byName := make(map[string]container.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &ContainerStrategy{
		ContainerDir: "/tmp/burrow",
		backends:     byName,
		logger:       logger.With("component", "container-strategy"),
	}
}

// Name implements Strategy.
func (c *ContainerStrategy) Name() string { return "container" }

// Attach implements Strategy.
func (c *ContainerStrategy) Attach(ctx context.Context, inst registry.Instance) error {
	b, ok := c.backends[inst.ContainerRuntime]
	if !ok {
		return Skip("no %q backend for container %s", inst.ContainerRuntime, inst.ContainerID)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	ctr, err := b.Container(ctx, inst.ContainerID)
	if err != nil {
		return fmt.Errorf("inspecting container %s: %w", inst.ContainerID, err)
	}
	if ctr == nil || !ctr.Running {
		return Skip("container %s is not running", inst.ContainerID)
	}
	if optedOut(ctr.Labels[OptOutLabel]) {
		return Skip("container %s opted out with label %s=%s", inst.ContainerID, OptOutLabel, ctr.Labels[OptOutLabel])
	}
	if c.SelfID != "" && (ctr.ID == c.SelfID || inst.ContainerID == c.SelfID) {
		return Skip("container %s runs the controller", inst.ContainerID)
	}

	host := c.AdvertiseHost
	if host == "" {
		host = ctr.Gateway
	}
	if host == "" {
		return Skip("no controller address reachable from container %s", inst.ContainerID)
	}

	bootArgs, err := containerAgentArgs(c.AgentArgs)
	if err != nil {
		return err
	}
	argsFile, cleanup, err := writeArgsFile(bootArgs)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := b.CopyFiles(ctx, inst.ContainerID, c.ContainerDir, map[string]string{
		agentFileName: c.AgentBinary,
		argsFileName:  argsFile,
	}); err != nil {
		return fmt.Errorf("copying agent into %s: %w", inst.ContainerID, err)
	}

	argv := BootstrapCommand{
		Binary:        path.Join(c.ContainerDir, agentFileName),
		PID:           inst.TargetPID(),
		RegisterPID:   inst.PID,
		ControllerURL: "http://" + net.JoinHostPort(host, c.ControllerPort),
		ArgsFile:      path.Join(c.ContainerDir, argsFileName),
	}.Argv()

	c.logger.Debug("running bootstrap in container", "pid", inst.PID, "container", inst.ContainerID, "argv", argv)
	res, err := b.Exec(ctx, inst.ContainerID, argv)
	if err != nil {
		return fmt.Errorf("exec in %s: %w", inst.ContainerID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("bootstrap in %s exited with code %d: %s", inst.ContainerID, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func optedOut(label string) bool {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "false", "disabled", "off":
		return true
	}
	return false
}

// containerAgentArgs returns the boot arguments for an agent running inside a
// container. A loopback listener would be unreachable from the controller.
func containerAgentArgs(raw string) (string, error) {
	args, err := config.ParseAgentArgs(raw)
	if err != nil {
		return "", fmt.Errorf("agent arguments: %w", err)
	}
	if args.Listen == "" {
		args.Listen = ContainerListen
	}
	return args.String(), nil
}

// writeArgsFile renders the boot arguments to a local temp file.
func writeArgsFile(args string) (string, func(), error) {
	f, err := os.CreateTemp("", "burrow-args-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating args file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.WriteString(args + "\n"); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("writing args file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("writing args file: %w", err)
	}
	return f.Name(), cleanup, nil
}
