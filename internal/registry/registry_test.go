// ABOUTME: Tests for the runtime registry: sources, exclusions, pruning, and listener isolation.
// ABOUTME: Container backends, liveness, and perfdata are faked so no real processes are needed.

package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/container"
	"github.com/2389/burrow/internal/perfdata"
	"github.com/2389/burrow/internal/procscan"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBackend struct {
	name string
	ids  map[int]string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) ContainerIDForProcess(_ context.Context, pid int) (string, error) {
	return f.ids[pid], nil
}

func (f *fakeBackend) Container(context.Context, string) (*container.Container, error) {
	return nil, nil
}

func (f *fakeBackend) CopyFiles(context.Context, string, string, map[string]string) error {
	return nil
}

func (f *fakeBackend) Exec(context.Context, string, []string) (*container.ExecResult, error) {
	return &container.ExecResult{}, nil
}

type fakeResolver struct {
	ns map[int]int
}

func (f fakeResolver) Resolve(pid int) (int, bool) {
	ns, ok := f.ns[pid]
	return ns, ok
}

func (f fakeResolver) RootFS(pid int) string { return "/proc/x/root" }

type liveSet struct {
	mu   sync.Mutex
	dead map[int]bool
}

func (l *liveSet) Alive(pid int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[pid]
}

func (l *liveSet) kill(pid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dead == nil {
		l.dead = make(map[int]bool)
	}
	l.dead[pid] = true
}

type recorder struct {
	mu      sync.Mutex
	added   []int
	removed []int
}

func (r *recorder) InstanceAdded(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, inst.PID)
}

func (r *recorder) InstanceRemoved(inst Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, inst.PID)
}

type panicky struct{}

func (panicky) InstanceAdded(Instance)   { panic("boom") }
func (panicky) InstanceRemoved(Instance) { panic("boom") }

func noPerfData(int, string) (*perfdata.Info, error) { return nil, nil }

func TestHostInstanceFromPerfData(t *testing.T) {
	reg := New(Options{
		ReadPerfData: func(nsPID int, root string) (*perfdata.Info, error) {
			assert.Equal(t, 100, nsPID)
			assert.Empty(t, root)
			return &perfdata.Info{
				CommandLine: "com.example.App --port 8080",
				MainClass:   "App",
				ClassPath:   "/app/lib/*",
				VMVersion:   "21.0.2+13",
			}, nil
		},
	}, testLogger())

	reg.ProcessStarted(procscan.Process{PID: 100, UID: 1000, GID: 1000, CommandLine: "java -cp /app/lib/* com.example.App"})

	inst, ok := reg.Get(100)
	require.True(t, ok)
	assert.Equal(t, SourcePerfData, inst.Source)
	assert.Equal(t, "App", inst.MainClass)
	assert.Equal(t, "21.0.2+13", inst.VMVersion)
	assert.Equal(t, 1000, inst.UID)
	assert.False(t, inst.InContainer())
	assert.Equal(t, 100, inst.TargetPID())
}

func TestHostInstanceFallsBackToProcessFacts(t *testing.T) {
	reg := New(Options{
		ReadPerfData: func(int, string) (*perfdata.Info, error) {
			return nil, errors.New("permission denied")
		},
	}, testLogger())

	reg.ProcessStarted(procscan.Process{
		PID:         101,
		CommandLine: "/usr/bin/java -Xmx512m -cp app.jar:lib/x.jar com.example.Main serve",
	})

	inst, ok := reg.Get(101)
	require.True(t, ok)
	assert.Equal(t, SourceProcess, inst.Source)
	assert.Equal(t, "Main", inst.MainClass)
	assert.Equal(t, "app.jar:lib/x.jar", inst.ClassPath)
}

func TestContainerInstanceSources(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	docker := &fakeBackend{name: "docker", ids: map[int]string{200: id, 201: id}}
	cri := &fakeBackend{name: "cri", ids: map[int]string{200: "should-not-win"}}

	reg := New(Options{
		Backends: []container.Backend{docker, cri},
		Resolver: fakeResolver{ns: map[int]int{200: 7, 201: 8}},
		ReadPerfData: func(nsPID int, root string) (*perfdata.Info, error) {
			if nsPID == 7 {
				assert.Equal(t, "/proc/x/root", root)
				return &perfdata.Info{CommandLine: "app.jar", MainClass: "app.jar"}, nil
			}
			return nil, nil
		},
	}, testLogger())

	reg.ProcessStarted(procscan.Process{PID: 200})
	reg.ProcessStarted(procscan.Process{PID: 201, CommandLine: "java -jar /srv/service.jar"})

	withData, ok := reg.Get(200)
	require.True(t, ok)
	assert.Equal(t, SourceContainerPerfData, withData.Source)
	assert.Equal(t, id, withData.ContainerID)
	assert.Equal(t, "docker", withData.ContainerRuntime)
	assert.Equal(t, 7, withData.TargetPID())

	bare, ok := reg.Get(201)
	require.True(t, ok)
	assert.Equal(t, SourceContainerProcess, bare.Source)
	assert.Equal(t, 8, bare.NamespacePID)
	assert.Equal(t, "service.jar", bare.MainClass)
	assert.True(t, bare.InContainer())
}

func TestExclusions(t *testing.T) {
	reg := New(Options{
		Exclusions:   DefaultExclusions(),
		ReadPerfData: noPerfData,
	}, testLogger())
	rec := &recorder{}
	reg.Subscribe(rec)

	reg.ProcessStarted(procscan.Process{PID: 300, CommandLine: "java -cp /gradle/lib/gradle-launcher-8.5.jar org.gradle.launcher.daemon.bootstrap.GradleDaemon 8.5"})
	reg.ProcessStarted(procscan.Process{PID: 301, CommandLine: "java -Dburrow.attach.disabled=true -jar app.jar"})
	reg.ProcessStarted(procscan.Process{PID: 302, CommandLine: "java -jar app.jar"})

	assert.Equal(t, []int{302}, rec.added)
	assert.Equal(t, 1, reg.Len())
}

func TestOptOutFlagExcludesPerfDataInstances(t *testing.T) {
	tests := []struct {
		name string
		argv string
		info perfdata.Info
	}{
		{
			name: "flag only in argv",
			argv: "java -Dburrow.attach.disabled=true -cp /app com.acme.Main --port 8080",
			info: perfdata.Info{CommandLine: "com.acme.Main --port 8080", MainClass: "Main"},
		},
		{
			name: "flag only in vm args",
			info: perfdata.Info{
				CommandLine: "com.acme.Main --port 8080",
				MainClass:   "Main",
				VMArgs:      "-Xmx1g -Dburrow.attach.disabled=true",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			reg := New(Options{
				Exclusions:   DefaultExclusions(),
				ReadPerfData: func(int, string) (*perfdata.Info, error) { return &info, nil },
			}, testLogger())
			rec := &recorder{}
			reg.Subscribe(rec)

			reg.ProcessStarted(procscan.Process{PID: 4242, CommandLine: tt.argv})

			assert.Empty(t, rec.added)
			assert.Equal(t, 0, reg.Len())
		})
	}
}

func TestVMOptions(t *testing.T) {
	tests := []struct {
		argv string
		want string
	}{
		{"java -Xmx1g -Dk=v com.example.Main -Dnot=mine", "-Xmx1g -Dk=v"},
		{"java -cp x.jar -Dburrow.attach.disabled=true -jar app.jar", "-Dburrow.attach.disabled=true"},
		{"java -p mods --add-opens a/b=c -m my.mod/Main", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.argv, func(t *testing.T) {
			assert.Equal(t, tt.want, vmOptions(strings.Fields(tt.argv)))
		})
	}
}

func TestOwnPIDExcluded(t *testing.T) {
	reg := New(Options{ReadPerfData: noPerfData}, testLogger())
	reg.ProcessStarted(procscan.Process{PID: os.Getpid(), CommandLine: "java Main"})
	assert.Equal(t, 0, reg.Len())
}

func TestSubscribeReplaysAndUnsubscribes(t *testing.T) {
	reg := New(Options{ReadPerfData: noPerfData}, testLogger())
	reg.ProcessStarted(procscan.Process{PID: 12, CommandLine: "java A"})
	reg.ProcessStarted(procscan.Process{PID: 11, CommandLine: "java B"})

	rec := &recorder{}
	unsubscribe := reg.Subscribe(rec)
	assert.Equal(t, []int{11, 12}, rec.added)

	unsubscribe()
	reg.ProcessStarted(procscan.Process{PID: 13, CommandLine: "java C"})
	assert.Equal(t, []int{11, 12}, rec.added)
}

func TestListenerPanicIsolated(t *testing.T) {
	reg := New(Options{ReadPerfData: noPerfData}, testLogger())
	reg.Subscribe(panicky{})
	rec := &recorder{}
	reg.Subscribe(rec)

	reg.ProcessStarted(procscan.Process{PID: 40, CommandLine: "java A"})
	reg.ProcessExited(40)

	assert.Equal(t, []int{40}, rec.added)
	assert.Equal(t, []int{40}, rec.removed)
}

func TestReusedPIDIsNewInstance(t *testing.T) {
	reg := New(Options{ReadPerfData: noPerfData}, testLogger())
	rec := &recorder{}
	reg.Subscribe(rec)

	reg.ProcessStarted(procscan.Process{PID: 50, CommandLine: "java First"})
	reg.ProcessExited(50)
	reg.ProcessStarted(procscan.Process{PID: 50, CommandLine: "java Second"})

	assert.Equal(t, []int{50, 50}, rec.added)
	assert.Equal(t, []int{50}, rec.removed)
	inst, _ := reg.Get(50)
	assert.Equal(t, "Second", inst.MainClass)
}

func TestInstancesPrunesDeadUnlessCancelled(t *testing.T) {
	live := &liveSet{}
	reg := New(Options{ReadPerfData: noPerfData, Liveness: live}, testLogger())
	rec := &recorder{}
	reg.Subscribe(rec)

	reg.ProcessStarted(procscan.Process{PID: 60, CommandLine: "java A"})
	reg.ProcessStarted(procscan.Process{PID: 61, CommandLine: "java B"})
	live.kill(60)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Len(t, reg.Instances(cancelled), 2)
	assert.Empty(t, rec.removed)

	insts := reg.Instances(context.Background())
	require.Len(t, insts, 1)
	assert.Equal(t, 61, insts[0].PID)
	assert.Equal(t, []int{60}, rec.removed)
}

type fakeDetails struct{}

func (fakeDetails) Details(_ context.Context, pid int) (procscan.Process, error) {
	return procscan.Process{PID: pid, CommandLine: "java -jar buffered.jar"}, nil
}

func TestScanPerfDataAddsUnknownLivePIDs(t *testing.T) {
	live := &liveSet{}
	live.kill(72)
	reg := New(Options{
		ReadPerfData:     noPerfData,
		Liveness:         live,
		Details:          fakeDetails{},
		ScanPerfDataPIDs: func() []int { return []int{70, 71, 72} },
	}, testLogger())
	reg.ProcessStarted(procscan.Process{PID: 70, CommandLine: "java Known"})

	reg.ScanPerfData(context.Background())

	known, _ := reg.Get(70)
	assert.Equal(t, "Known", known.MainClass)
	found, ok := reg.Get(71)
	require.True(t, ok)
	assert.Equal(t, "buffered.jar", found.MainClass)
	_, ok = reg.Get(72)
	assert.False(t, ok)
}

func TestScanPerfDataRemovesDeadInstances(t *testing.T) {
	live := &liveSet{}
	reg := New(Options{
		ReadPerfData:     noPerfData,
		Liveness:         live,
		Details:          fakeDetails{},
		ScanPerfDataPIDs: func() []int { return []int{777} },
	}, testLogger())
	rec := &recorder{}
	reg.Subscribe(rec)

	reg.ScanPerfData(context.Background())
	require.Equal(t, []int{777}, rec.added)

	live.kill(777)
	reg.ScanPerfData(context.Background())
	reg.ScanPerfData(context.Background())

	assert.Equal(t, []int{777}, rec.removed)
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, []int{777}, rec.added, "a dead PID is not re-added from its stale buffer")
}

func TestJavaLaunch(t *testing.T) {
	tests := []struct {
		argv      string
		command   string
		classPath string
	}{
		{"java com.example.Main a b", "com.example.Main a b", ""},
		{"java -cp x.jar -Dk=v com.example.Main", "com.example.Main", "x.jar"},
		{"java --class-path=y.jar Main", "Main", "y.jar"},
		{"java -Xss1m -jar /opt/app.jar --debug", "/opt/app.jar --debug", "/opt/app.jar"},
		{"java -p mods -m my.mod/my.pkg.Main", "my.mod/my.pkg.Main", ""},
		{"java -version", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.argv, func(t *testing.T) {
			command, cp := javaLaunch(strings.Fields(tt.argv))
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.classPath, cp)
		})
	}
}
