// ABOUTME: Tests for the host and container strategies and the bootstrap command line.
// ABOUTME: The launcher and container backend are fakes recording what would have run.

package attach

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/config"
	"github.com/2389/burrow/internal/container"
	"github.com/2389/burrow/internal/registry"
)

type aliveSet map[int]bool

func (a aliveSet) Alive(pid int) bool { return a[pid] }

func TestBootstrapCommandArgv(t *testing.T) {
	tests := []struct {
		name string
		cmd  BootstrapCommand
		want []string
	}{
		{
			name: "minimal",
			cmd:  BootstrapCommand{Binary: "burrow-agent", PID: 10, RegisterPID: 10},
			want: []string{"burrow-agent", "attach", "--pid", "10", "--register-pid", "10"},
		},
		{
			name: "controller and inline args",
			cmd:  BootstrapCommand{Binary: "/bin/a", PID: 1, RegisterPID: 4242, ControllerURL: "http://10.0.0.1:7463", Args: "log-level=debug"},
			want: []string{"/bin/a", "attach", "--pid", "1", "--register-pid", "4242", "--controller", "http://10.0.0.1:7463", "--args", "log-level=debug"},
		},
		{
			name: "args file wins",
			cmd:  BootstrapCommand{Binary: "a", PID: 1, RegisterPID: 2, Args: "x=y", ArgsFile: "/tmp/burrow/agent.args"},
			want: []string{"a", "attach", "--pid", "1", "--register-pid", "2", "--args-file", "/tmp/burrow/agent.args"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Argv())
		})
	}
}

type launch struct {
	argv []string
	cred *syscall.Credential
}

func newHost(euid int, result *container.ExecResult, launches *[]launch) *HostStrategy {
	h := NewHostStrategy("/usr/bin/burrow-agent", "http://127.0.0.1:7463", "log-level=info", 0, aliveSet{50: true}, testLogger())
	h.euid, h.egid = euid, euid
	h.Launch = func(ctx context.Context, argv []string, cred *syscall.Credential) (*container.ExecResult, error) {
		*launches = append(*launches, launch{argv: argv, cred: cred})
		return result, nil
	}
	return h
}

func TestHostStrategyRunsBootstrap(t *testing.T) {
	var launches []launch
	h := newHost(1000, &container.ExecResult{}, &launches)

	err := h.Attach(context.Background(), registry.Instance{PID: 50, UID: 1000, GID: 1000})
	require.NoError(t, err)

	require.Len(t, launches, 1)
	assert.Nil(t, launches[0].cred)
	assert.Equal(t, []string{
		"/usr/bin/burrow-agent", "attach", "--pid", "50", "--register-pid", "50",
		"--controller", "http://127.0.0.1:7463", "--args", "log-level=info",
	}, launches[0].argv)
}

func TestHostStrategySkipsDeadProcess(t *testing.T) {
	var launches []launch
	h := newHost(1000, &container.ExecResult{}, &launches)

	err := h.Attach(context.Background(), registry.Instance{PID: 51, UID: 1000, GID: 1000})
	var skip *SkipError
	require.ErrorAs(t, err, &skip)
	assert.Contains(t, skip.Reason, "gone")
	assert.Empty(t, launches)
}

func TestHostStrategyOtherUser(t *testing.T) {
	t.Run("unprivileged controller skips", func(t *testing.T) {
		var launches []launch
		h := newHost(1000, &container.ExecResult{}, &launches)

		err := h.Attach(context.Background(), registry.Instance{PID: 50, UID: 1001, GID: 1001})
		var skip *SkipError
		require.ErrorAs(t, err, &skip)
		assert.Empty(t, launches)
	})

	t.Run("root switches credentials", func(t *testing.T) {
		var launches []launch
		h := newHost(0, &container.ExecResult{}, &launches)

		err := h.Attach(context.Background(), registry.Instance{PID: 50, UID: 1001, GID: 1002})
		require.NoError(t, err)
		require.Len(t, launches, 1)
		require.NotNil(t, launches[0].cred)
		assert.Equal(t, uint32(1001), launches[0].cred.Uid)
		assert.Equal(t, uint32(1002), launches[0].cred.Gid)
	})
}

func TestHostStrategyNonZeroExitIsRetryable(t *testing.T) {
	var launches []launch
	h := newHost(1000, &container.ExecResult{ExitCode: 3, Stderr: "attach failed: permission denied\n"}, &launches)

	err := h.Attach(context.Background(), registry.Instance{PID: 50, UID: 1000, GID: 1000})
	require.Error(t, err)
	var skip *SkipError
	assert.False(t, errors.As(err, &skip))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "permission denied")
}

// fakeBackend is an in-memory container runtime.
type fakeBackend struct {
	mu         sync.Mutex
	containers map[string]*container.Container
	copied     map[string]string
	copiedArgs string
	destDir    string
	execs      [][]string
	execResult *container.ExecResult
}

func (f *fakeBackend) Name() string { return "docker" }

func (f *fakeBackend) ContainerIDForProcess(ctx context.Context, pid int) (string, error) {
	return "", nil
}

func (f *fakeBackend) Container(ctx context.Context, id string) (*container.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id], nil
}

func (f *fakeBackend) CopyFiles(ctx context.Context, id, destDir string, files map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destDir = destDir
	f.copied = files
	if p, ok := files[argsFileName]; ok {
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		f.copiedArgs = string(data)
	}
	return nil
}

func (f *fakeBackend) Exec(ctx context.Context, id string, argv []string) (*container.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, argv)
	if f.execResult != nil {
		return f.execResult, nil
	}
	return &container.ExecResult{}, nil
}

func newContainerStrategy(b *fakeBackend) *ContainerStrategy {
	c := NewContainerStrategy([]container.Backend{b}, testLogger())
	c.AgentBinary = "/opt/burrow/burrow-agent"
	c.AgentArgs = "log-level=debug"
	c.ControllerPort = "7463"
	return c
}

func containerInstance(id string) registry.Instance {
	return registry.Instance{PID: 9000, NamespacePID: 1, ContainerID: id, ContainerRuntime: "docker"}
}

func TestContainerStrategyCopiesAndExecs(t *testing.T) {
	b := &fakeBackend{containers: map[string]*container.Container{
		"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1"},
	}}
	c := newContainerStrategy(b)

	require.NoError(t, c.Attach(context.Background(), containerInstance("abc")))

	assert.Equal(t, "/tmp/burrow", b.destDir)
	assert.Equal(t, "/opt/burrow/burrow-agent", b.copied[agentFileName])
	assert.Equal(t, "log-level=debug,listen=0.0.0.0:0\n", b.copiedArgs)
	require.Len(t, b.execs, 1)
	assert.Equal(t, []string{
		"/tmp/burrow/burrow-agent", "attach", "--pid", "1", "--register-pid", "9000",
		"--controller", "http://172.17.0.1:7463", "--args-file", "/tmp/burrow/agent.args",
	}, b.execs[0])

	_, err := os.Stat(b.copied[argsFileName])
	assert.True(t, os.IsNotExist(err), "local args file is removed after the copy")
}

func TestContainerStrategyAgentListensOnContainerAddress(t *testing.T) {
	tests := []struct {
		name   string
		args   string
		listen string
	}{
		{"no agent args", "", ContainerListen},
		{"args without listen", "log-level=warn", ContainerListen},
		{"explicit listen kept", "listen=10.0.0.5:9400", "10.0.0.5:9400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{containers: map[string]*container.Container{
				"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1"},
			}}
			c := newContainerStrategy(b)
			c.AgentArgs = tt.args

			require.NoError(t, c.Attach(context.Background(), containerInstance("abc")))

			args, err := config.ParseAgentArgs(strings.TrimSpace(b.copiedArgs))
			require.NoError(t, err)
			assert.Equal(t, tt.listen, args.Listen)

			host, _, err := net.SplitHostPort(args.Listen)
			require.NoError(t, err)
			assert.False(t, net.ParseIP(host).IsLoopback(), "agent in a container must not bind loopback")
		})
	}
}

func TestContainerStrategyRejectsMalformedAgentArgs(t *testing.T) {
	b := &fakeBackend{containers: map[string]*container.Container{
		"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1"},
	}}
	c := newContainerStrategy(b)
	c.AgentArgs = "log-level"

	require.Error(t, c.Attach(context.Background(), containerInstance("abc")))
	assert.Empty(t, b.execs)
}

func TestContainerStrategyAdvertiseHost(t *testing.T) {
	b := &fakeBackend{containers: map[string]*container.Container{
		"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1"},
	}}
	c := newContainerStrategy(b)
	c.AdvertiseHost = "controller.internal"

	require.NoError(t, c.Attach(context.Background(), containerInstance("abc")))
	require.Len(t, b.execs, 1)
	assert.Contains(t, b.execs[0], "http://controller.internal:7463")
}

func TestContainerStrategySkips(t *testing.T) {
	tests := []struct {
		name   string
		ctr    *container.Container
		inst   registry.Instance
		selfID string
		reason string
	}{
		{
			name:   "unknown runtime",
			ctr:    &container.Container{ID: "abc", Running: true, Gateway: "172.17.0.1"},
			inst:   registry.Instance{PID: 1, ContainerID: "abc", ContainerRuntime: "cri"},
			reason: "backend",
		},
		{
			name:   "container gone",
			inst:   containerInstance("abc"),
			reason: "not running",
		},
		{
			name:   "container stopped",
			ctr:    &container.Container{ID: "abc", Running: false, Gateway: "172.17.0.1"},
			inst:   containerInstance("abc"),
			reason: "not running",
		},
		{
			name:   "opted out",
			ctr:    &container.Container{ID: "abc", Running: true, Gateway: "172.17.0.1", Labels: map[string]string{OptOutLabel: "Disabled"}},
			inst:   containerInstance("abc"),
			reason: "opted out",
		},
		{
			name:   "controller's own container",
			ctr:    &container.Container{ID: "abc", Running: true, Gateway: "172.17.0.1"},
			inst:   containerInstance("abc"),
			selfID: "abc",
			reason: "runs the controller",
		},
		{
			name:   "no reachable address",
			ctr:    &container.Container{ID: "abc", Running: true},
			inst:   containerInstance("abc"),
			reason: "no controller address",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{containers: map[string]*container.Container{}}
			if tt.ctr != nil {
				b.containers["abc"] = tt.ctr
			}
			c := newContainerStrategy(b)
			c.SelfID = tt.selfID

			err := c.Attach(context.Background(), tt.inst)
			var skip *SkipError
			require.ErrorAs(t, err, &skip)
			assert.Contains(t, skip.Reason, tt.reason)
			assert.Empty(t, b.execs)
		})
	}
}

func TestContainerStrategyOptInLabelAttaches(t *testing.T) {
	b := &fakeBackend{containers: map[string]*container.Container{
		"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1", Labels: map[string]string{OptOutLabel: "true"}},
	}}
	c := newContainerStrategy(b)

	require.NoError(t, c.Attach(context.Background(), containerInstance("abc")))
	assert.Len(t, b.execs, 1)
}

func TestContainerStrategyExecFailureIsRetryable(t *testing.T) {
	b := &fakeBackend{
		containers: map[string]*container.Container{"abc": {ID: "abc", Running: true, Gateway: "172.17.0.1"}},
		execResult: &container.ExecResult{ExitCode: 1, Stderr: "no such process"},
	}
	c := newContainerStrategy(b)

	err := c.Attach(context.Background(), containerInstance("abc"))
	require.Error(t, err)
	var skip *SkipError
	assert.False(t, errors.As(err, &skip))
	assert.Contains(t, err.Error(), "no such process")
}
