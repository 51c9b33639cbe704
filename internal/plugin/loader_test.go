// ABOUTME: Tests for plugin loading, reload ordering, scope chaining, and failure cleanup.
// ABOUTME: The exec plugin is exercised against this test binary acting as a helper process.

package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/scope"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, s)
}

func (e *eventLog) all() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type testPlugin struct {
	id         string
	log        *eventLog
	startErr   error
	destroyErr error
}

func (p *testPlugin) Start(context.Context) error {
	p.log.add("start " + p.id)
	return p.startErr
}

func (p *testPlugin) Destroy(context.Context) error {
	p.log.add("destroy " + p.id)
	return p.destroyErr
}

func (p *testPlugin) CanHandle(cmd string) bool { return cmd == "greet" }

func (p *testPlugin) Handle(_ context.Context, _ string, arg string, out io.Writer) error {
	return command.WriteOK(out, "hello "+arg+" from "+p.id)
}

func writeManifest(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func newTestLoader(t *testing.T, log *eventLog) (*Loader, *command.Dispatcher) {
	t.Helper()
	catalog := NewCatalog()
	n := 0
	catalog.Register("test.Plugin", Factory{
		WithArgs: func(s *scope.Scope, args string) (any, error) {
			n++
			return &testPlugin{id: fmt.Sprintf("%s#%d", args, n), log: log}, nil
		},
	})
	d := command.NewDispatcher()
	return NewLoader(Options{
		Catalog:    catalog,
		Dispatcher: d,
		Root:       scope.New("agent"),
	}, testLogger()), d
}

func TestReloadDestroysFirstInstanceBeforeSecondStarts(t *testing.T) {
	log := &eventLog{}
	loader, d := newTestLoader(t, log)
	path := writeManifest(t, t.TempDir(), "greeter.toml", `name = "greeter"
entry = "test.Plugin"
`)

	_, err := loader.Load(context.Background(), path, "a")
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), path, "b")
	require.NoError(t, err)

	assert.Equal(t, []string{"start a#1", "destroy a#1", "start b#2"}, log.all())
	assert.Len(t, loader.List(), 1)
	assert.Equal(t, 1, d.Len(), "only the second instance handles commands")

	var buf strings.Builder
	require.NoError(t, d.Find("greet").Handle(context.Background(), "greet", "x", &buf))
	assert.Contains(t, buf.String(), "from b#2")
}

func TestUnload(t *testing.T) {
	log := &eventLog{}
	loader, d := newTestLoader(t, log)
	path := writeManifest(t, t.TempDir(), "greeter.toml", "entry = \"test.Plugin\"\n")

	assert.False(t, loader.Unload(context.Background(), path, false))

	_, err := loader.Load(context.Background(), path, "a")
	require.NoError(t, err)
	assert.True(t, loader.Unload(context.Background(), path, true))
	assert.Equal(t, 0, d.Len())
	assert.Empty(t, loader.List())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "bundle deleted after unload")
}

func TestUnloadClosesScopeEvenWhenDestroyFails(t *testing.T) {
	log := &eventLog{}
	catalog := NewCatalog()
	var pluginScope *scope.Scope
	catalog.Register("test.Failing", Factory{
		New: func(s *scope.Scope) (any, error) {
			pluginScope = s
			return &testPlugin{id: "f", log: log, destroyErr: errors.New("destroy failed")}, nil
		},
	})
	loader := NewLoader(Options{Catalog: catalog, Root: scope.New("agent")}, testLogger())
	path := writeManifest(t, t.TempDir(), "f.toml", "entry = \"test.Failing\"\n")

	_, err := loader.Load(context.Background(), path, "")
	require.NoError(t, err)
	assert.True(t, loader.Unload(context.Background(), path, true))

	assert.True(t, pluginScope.Closed())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadFailureClosesScope(t *testing.T) {
	log := &eventLog{}
	catalog := NewCatalog()
	var scopes []*scope.Scope
	catalog.Register("test.BadStart", Factory{
		New: func(s *scope.Scope) (any, error) {
			scopes = append(scopes, s)
			return &testPlugin{id: "bad", log: log, startErr: errors.New("no")}, nil
		},
	})
	catalog.Register("test.BadCtor", Factory{
		New: func(s *scope.Scope) (any, error) {
			scopes = append(scopes, s)
			return nil, errors.New("constructor failed")
		},
	})
	loader := NewLoader(Options{Catalog: catalog, Root: scope.New("agent")}, testLogger())
	dir := t.TempDir()

	_, err := loader.Load(context.Background(), writeManifest(t, dir, "a.toml", "entry = \"test.BadStart\"\n"), "")
	require.Error(t, err)
	_, err = loader.Load(context.Background(), writeManifest(t, dir, "b.toml", "entry = \"test.BadCtor\"\n"), "")
	require.Error(t, err)

	require.Len(t, scopes, 2)
	for _, s := range scopes {
		assert.True(t, s.Closed())
	}
	assert.Empty(t, loader.List())

	_, err = loader.Load(context.Background(), writeManifest(t, dir, "c.toml", "entry = \"nope\"\n"), "")
	assert.ErrorIs(t, err, ErrUnknownEntry)
}

type fakeClasses map[string]bool

func (f fakeClasses) IsLoaded(_ context.Context, class string) bool { return f[class] }

func TestMarkerScopeChaining(t *testing.T) {
	catalog := NewCatalog()
	var got []*scope.Scope
	catalog.Register("test.Capture", Factory{
		New: func(s *scope.Scope) (any, error) {
			got = append(got, s)
			return struct{}{}, nil
		},
	})
	root := scope.New("agent")
	runtime := scope.New("runtime")
	loader := NewLoader(Options{
		Catalog: catalog,
		Root:    root,
		Runtime: runtime,
		Classes: fakeClasses{"org.springframework.context.ApplicationContext": true},
	}, testLogger())
	dir := t.TempDir()

	base := writeManifest(t, dir, "base.toml", `name = "base"
entry = "test.Capture"
exports = ["com.example.base.Api"]
`)
	ext := writeManifest(t, dir, "ext.toml", `name = "ext"
entry = "test.Capture"
extends-classloader-of = "com.example.base.Api"
`)
	spring := writeManifest(t, dir, "spring.toml", `name = "spring"
entry = "test.Capture"
extends-classloader-of = "org.springframework.context.ApplicationContext"
`)
	missing := writeManifest(t, dir, "missing.toml", `name = "missing"
entry = "test.Capture"
extends-classloader-of = "not.Loaded"
`)

	for _, p := range []string{base, ext, spring, missing} {
		_, err := loader.Load(context.Background(), p, "")
		require.NoError(t, err)
	}
	require.Len(t, got, 4)

	assert.Equal(t, []*scope.Scope{root}, got[0].Parents())
	assert.Equal(t, []*scope.Scope{root, got[0]}, got[1].Parents())
	assert.Equal(t, []*scope.Scope{root, runtime}, got[2].Parents())
	assert.Equal(t, []*scope.Scope{root}, got[3].Parents())

	owner, ok := got[1].Owner("com.example.base.Api")
	require.True(t, ok)
	assert.Same(t, got[0], owner)
	assert.ElementsMatch(t, []string{"com.example.base.Api"}, loader.ExportedClasses())
}

func TestFactoryPreferenceOrder(t *testing.T) {
	var inst Instrumentation = nopInstrumentation{}
	calls := ""
	full := Factory{
		WithArgsAndInstrumentation: func(*scope.Scope, string, Instrumentation) (any, error) { calls += "ai "; return 1, nil },
		WithArgs:                   func(*scope.Scope, string) (any, error) { calls += "a "; return 2, nil },
		WithInstrumentation:        func(*scope.Scope, Instrumentation) (any, error) { calls += "i "; return 3, nil },
		New:                        func(*scope.Scope) (any, error) { calls += "n "; return 4, nil },
	}

	v, err := full.Instantiate(nil, "x", inst)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, _ = full.Instantiate(nil, "x", nil)
	assert.Equal(t, 2, v)

	noArgs := Factory{WithInstrumentation: full.WithInstrumentation, New: full.New}
	v, _ = noArgs.Instantiate(nil, "x", inst)
	assert.Equal(t, 3, v)
	v, _ = noArgs.Instantiate(nil, "x", nil)
	assert.Equal(t, 4, v)

	_, err = Factory{}.Instantiate(nil, "", inst)
	assert.ErrorIs(t, err, ErrNoConstructor)
	assert.Equal(t, "ai a i n ", calls)
}

type nopInstrumentation struct{}

func (nopInstrumentation) LoadedClasses(context.Context) ([]string, error) { return nil, nil }
func (nopInstrumentation) LoadAgent(context.Context, string, string) error  { return nil }

func TestParseManifest(t *testing.T) {
	dir := t.TempDir()

	_, err := ParseManifest(writeManifest(t, dir, "empty.toml", `name = "x"`))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	_, err = ParseManifest(writeManifest(t, dir, "typo.toml", "entry = \"exec\"\nentyr = \"x\"\n"))
	assert.ErrorIs(t, err, ErrInvalidManifest)

	m, err := ParseManifest(writeManifest(t, dir, "exec.toml", `entry = "exec"
[exec]
command = "bin/handler"
args = ["--fast"]
commands = ["routes"]
`))
	require.NoError(t, err)
	assert.Equal(t, "exec.toml", m.Name)
	assert.Equal(t, filepath.Join(dir, "bin/handler"), m.Exec.Command)
	assert.Equal(t, []string{"routes"}, m.Exec.Commands)
}

// TestHelperProcess is not a real test. It is the child process for the
// exec plugin tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("BURROW_WANT_HELPER_PROCESS") != "1" {
		return
	}
	in := bufio.NewScanner(os.Stdin)
	for in.Scan() {
		var req execRequest
		_ = json.Unmarshal(in.Bytes(), &req)
		var resp execResponse
		switch req.Command {
		case "echo":
			resp = execResponse{OK: true, Output: req.Argument + " " + os.Getenv(ArgsEnv)}
		case "routes":
			resp = execResponse{OK: true, JSON: json.RawMessage(`["/health","/orders"]`)}
		default:
			resp = execResponse{Error: "unsupported " + req.Command}
		}
		b, _ := json.Marshal(resp)
		fmt.Println(string(b))
	}
	os.Exit(0)
}

func TestExecPlugin(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "helper.toml", fmt.Sprintf(`name = "helper"
entry = "exec"
[exec]
command = %q
args = ["-test.run=TestHelperProcess", "--"]
commands = ["echo", "routes", "fail"]
env = ["BURROW_WANT_HELPER_PROCESS=1"]
`, os.Args[0]))

	d := command.NewDispatcher()
	loader := NewLoader(Options{Dispatcher: d, Root: scope.New("agent")}, testLogger())
	info, err := loader.Load(context.Background(), path, "mode=test")
	require.NoError(t, err)
	assert.True(t, info.Handler)
	defer loader.Close(context.Background())

	ctx := context.Background()
	var out strings.Builder
	require.NoError(t, d.Find("echo").Handle(ctx, "echo", "hi", &out))
	resp, err := command.ParseResponse([]byte(out.String()))
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "hi mode=test", resp.Text())

	out.Reset()
	require.NoError(t, d.Find("routes").Handle(ctx, "routes", "", &out))
	resp, err = command.ParseResponse([]byte(out.String()))
	require.NoError(t, err)
	var routes []string
	require.NoError(t, resp.DecodeJSON(&routes))
	assert.Equal(t, []string{"/health", "/orders"}, routes)

	out.Reset()
	err = d.Find("fail").Handle(ctx, "fail", "", &out)
	assert.EqualError(t, err, "unsupported fail")
	assert.Empty(t, out.String())

	assert.Nil(t, d.Find("other"))
	assert.True(t, loader.Unload(ctx, path, false))
	assert.Equal(t, 0, d.Len())
}
