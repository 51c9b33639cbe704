// ABOUTME: Built-in process-backed plugin: a child process answering commands as JSON lines.
// ABOUTME: Gives plugins an OS process boundary so their code and dependencies never mix.

package plugin

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/2389/burrow/internal/command"
	"github.com/2389/burrow/internal/scope"
)

// ExecEntry is the manifest entry name of the process-backed plugin.
const ExecEntry = "exec"

// ManifestSymbol is the scope export holding the plugin's *Manifest.
const ManifestSymbol = "plugin.manifest"

// ArgsEnv carries the load arguments to the child process.
const ArgsEnv = "BURROW_PLUGIN_ARGS"

const destroyGrace = 5 * time.Second

// ErrPluginStopped indicates a command sent to a plugin whose process is gone.
var ErrPluginStopped = errors.New("plugin process not running")

type execRequest struct {
	Command  string `json:"command"`
	Argument string `json:"argument"`
}

type execResponse struct {
	OK     bool            `json:"ok"`
	Output string          `json:"output,omitempty"`
	JSON   json.RawMessage `json:"json,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExecPlugin runs a child process and forwards matching commands to it.
type ExecPlugin struct {
	name     string
	spec     ExecSpec
	args     string
	commands map[string]bool

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
}

func execFactory() Factory {
	return Factory{
		WithArgs: func(s *scope.Scope, args string) (any, error) {
			v, ok := s.Lookup(ManifestSymbol)
			if !ok {
				return nil, fmt.Errorf("%w: exec plugin without manifest", ErrInvalidManifest)
			}
			m, ok := v.(*Manifest)
			if !ok || m.Exec == nil {
				return nil, fmt.Errorf("%w: exec entry requires an [exec] table", ErrInvalidManifest)
			}
			return NewExecPlugin(m.Name, *m.Exec, args), nil
		},
	}
}

// NewExecPlugin creates an unstarted process-backed plugin.
func NewExecPlugin(name string, spec ExecSpec, args string) *ExecPlugin {
	commands := make(map[string]bool, len(spec.Commands))
	for _, c := range spec.Commands {
		commands[c] = true
	}
	return &ExecPlugin{name: name, spec: spec, args: args, commands: commands}
}

// Start launches the child process.
func (p *ExecPlugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("plugin %s already started", p.name)
	}

	cmd := exec.Command(p.spec.Command, p.spec.Args...)
	cmd.Env = append(append(os.Environ(), p.spec.Env...), ArgsEnv+"="+p.args)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.spec.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = bufio.NewReader(stdout)
	p.exited = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(p.exited)
	}()
	return nil
}

// CanHandle implements command.Handler.
func (p *ExecPlugin) CanHandle(cmd string) bool {
	return p.commands[cmd]
}

// Handle implements command.Handler. Requests are serialized; one line goes
// out, one line comes back.
func (p *ExecPlugin) Handle(ctx context.Context, cmd, arg string, out io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil || p.isExited() {
		return ErrPluginStopped
	}

	req, err := json.Marshal(execRequest{Command: cmd, Argument: arg})
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("writing to plugin %s: %w", p.name, err)
	}

	type result struct {
		line []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := p.stdout.ReadBytes('\n')
		done <- result{line, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		// The pending read would desync the stream; the process is unusable.
		_ = p.cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("reading from plugin %s: %w", p.name, res.err)
	}

	var resp execResponse
	if err := json.Unmarshal(res.line, &resp); err != nil {
		return fmt.Errorf("decoding plugin %s response: %w", p.name, err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "plugin reported failure"
		}
		return errors.New(resp.Error)
	}
	if len(resp.JSON) > 0 {
		return command.WriteJSON(out, resp.JSON)
	}
	return command.WriteOK(out, resp.Output)
}

// Destroy closes stdin and waits for the process, killing it after a grace
// period.
func (p *ExecPlugin) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == nil {
		return nil
	}
	_ = p.stdin.Close()

	timer := time.NewTimer(destroyGrace)
	defer timer.Stop()
	select {
	case <-p.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing plugin %s: %w", p.name, err)
	}
	<-p.exited
	return nil
}

func (p *ExecPlugin) isExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
