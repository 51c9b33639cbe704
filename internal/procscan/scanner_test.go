// ABOUTME: Tests for the process scanner using an in-memory process source.
// ABOUTME: Covers name filtering, status classification, replay on subscribe, PID reuse, and panics.

package procscan

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	procs   []Process
	err     error
	details map[int]Process
}

func (f *fakeSource) set(procs ...Process) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs = procs
}

func (f *fakeSource) Processes(context.Context) ([]Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Process, len(f.procs))
	copy(out, f.procs)
	return out, nil
}

func (f *fakeSource) Details(_ context.Context, pid int) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.details[pid]; ok {
		return d, nil
	}
	return Process{}, errors.New("no details")
}

type event struct {
	started bool
	pid     int
}

type recorder struct {
	mu     sync.Mutex
	events []event
	procs  map[int]Process
}

func (r *recorder) ProcessStarted(p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{started: true, pid: p.PID})
	if r.procs == nil {
		r.procs = make(map[int]Process)
	}
	r.procs[p.PID] = p
}

func (r *recorder) ProcessExited(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{pid: pid})
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event, len(r.events))
	copy(out, r.events)
	return out
}

func java(pid int, status string) Process {
	return Process{PID: pid, Name: "java", Status: []string{status}}
}

func TestIsAlive(t *testing.T) {
	assert.True(t, IsAlive([]string{"running"}))
	assert.True(t, IsAlive([]string{"sleep"}))
	assert.True(t, IsAlive([]string{"wait"}))
	assert.True(t, IsAlive([]string{"blocked"}))
	assert.False(t, IsAlive([]string{"zombie"}))
	assert.False(t, IsAlive([]string{"stop"}))
	assert.False(t, IsAlive(nil))
}

func TestScan_FiltersByNameAndStatus(t *testing.T) {
	src := &fakeSource{}
	src.set(
		java(1, "running"),
		java(2, "zombie"),
		Process{PID: 3, Name: "python3", Status: []string{"running"}},
		Process{PID: 4, Name: "launcher", Executable: "/usr/lib/jvm/bin/java", Status: []string{"sleep"}},
	)
	s := New(src, nil, slog.Default())
	rec := &recorder{}
	s.Subscribe(rec)

	require.NoError(t, s.Scan(context.Background()))

	assert.Equal(t, []int{1, 4}, s.PIDs())
	assert.Equal(t, []event{{true, 1}, {true, 4}}, rec.snapshot())
	assert.True(t, s.Alive(1))
	assert.False(t, s.Alive(2))
}

func TestSubscribe_ReplaysAliveSet(t *testing.T) {
	src := &fakeSource{}
	src.set(java(10, "running"), java(11, "sleep"))
	s := New(src, []string{"java"}, slog.Default())
	require.NoError(t, s.Scan(context.Background()))

	late := &recorder{}
	s.Subscribe(late)
	assert.Equal(t, []event{{true, 10}, {true, 11}}, late.snapshot())
}

func TestScan_ReportsExitAndReappearance(t *testing.T) {
	src := &fakeSource{}
	s := New(src, nil, slog.Default())
	rec := &recorder{}
	s.Subscribe(rec)

	src.set(java(20, "running"))
	require.NoError(t, s.Scan(context.Background()))
	src.set()
	require.NoError(t, s.Scan(context.Background()))
	src.set(java(20, "running"))
	require.NoError(t, s.Scan(context.Background()))

	assert.Equal(t, []event{{true, 20}, {false, 20}, {true, 20}}, rec.snapshot())
}

func TestScan_DetectsReuseWithinOneTick(t *testing.T) {
	src := &fakeSource{}
	s := New(src, nil, slog.Default())
	rec := &recorder{}
	s.Subscribe(rec)

	first := java(30, "running")
	first.CreateTime = 1000
	src.set(first)
	require.NoError(t, s.Scan(context.Background()))

	second := java(30, "running")
	second.CreateTime = 2000
	src.set(second)
	require.NoError(t, s.Scan(context.Background()))

	assert.Equal(t, []event{{true, 30}, {false, 30}, {true, 30}}, rec.snapshot())
}

func TestScan_EnrichesNewProcesses(t *testing.T) {
	src := &fakeSource{details: map[int]Process{
		40: {PID: 40, Executable: "/usr/bin/java", CommandLine: "java -jar app.jar", UID: 1000, GID: 1000},
	}}
	src.set(java(40, "running"))
	s := New(src, nil, slog.Default())
	rec := &recorder{}
	s.Subscribe(rec)

	require.NoError(t, s.Scan(context.Background()))

	p := rec.procs[40]
	assert.Equal(t, "java -jar app.jar", p.CommandLine)
	assert.Equal(t, "java", p.Name, "name retained from listing")
	assert.Equal(t, []string{"running"}, p.Status)
	assert.Equal(t, 1000, p.UID)
}

type panicky struct{}

func (panicky) ProcessStarted(Process) { panic("bad listener") }
func (panicky) ProcessExited(int)      { panic("bad listener") }

func TestScan_ListenerPanicIsIsolated(t *testing.T) {
	src := &fakeSource{}
	s := New(src, nil, slog.Default())
	s.Subscribe(panicky{})
	rec := &recorder{}
	s.Subscribe(rec)

	src.set(java(50, "running"))
	require.NoError(t, s.Scan(context.Background()))
	src.set()
	require.NoError(t, s.Scan(context.Background()))

	assert.Equal(t, []event{{true, 50}, {false, 50}}, rec.snapshot())
}

func TestScan_SourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("proc unavailable")}
	s := New(src, nil, slog.Default())
	assert.Error(t, s.Scan(context.Background()))
}

func TestRun_StopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	src.set(java(60, "running"))
	s := New(src, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Alive(60) }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
