// ABOUTME: HotSpot dynamic attach client speaking the .java_pid unix socket protocol.
// ABOUTME: Triggers the attach listener with .attach_pid plus SIGQUIT when the socket is absent.

package hotspot

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const (
	protocolVersion = "1"
	maxArgs         = 3
	maxResponseSize = 32 << 20

	// DefaultSocketTimeout bounds the wait for the attach listener to start.
	DefaultSocketTimeout = 6 * time.Second
)

var (
	// ErrSocketTimeout indicates the runtime never opened its attach socket.
	ErrSocketTimeout = errors.New("timeout waiting for attach socket")

	// ErrProcessGone indicates the target exited while attaching.
	ErrProcessGone = errors.New("target process exited")
)

// CommandError is a non-zero attach listener status.
type CommandError struct {
	Command string
	Code    int
	Output  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s failed with code %d: %s", e.Command, e.Code, strings.TrimSpace(e.Output))
}

// Client talks to one runtime's attach listener.
type Client struct {
	// PID is the target as visible from this process; NSPID names the socket.
	PID   int
	NSPID int

	TmpDir        string
	ProcRoot      string
	SocketTimeout time.Duration

	signal func(pid int) error
}

// New creates a client for a runtime in the caller's PID namespace.
func New(pid int) *Client {
	return &Client{
		PID:           pid,
		NSPID:         pid,
		TmpDir:        os.TempDir(),
		ProcRoot:      "/proc",
		SocketTimeout: DefaultSocketTimeout,
		signal:        func(pid int) error { return unix.Kill(pid, unix.SIGQUIT) },
	}
}

func (c *Client) socketPath() string {
	return filepath.Join(c.TmpDir, ".java_pid"+strconv.Itoa(c.NSPID))
}

// Execute runs cmd with up to three args and returns the listener's output.
// A non-zero status is returned as *CommandError.
func (c *Client) Execute(ctx context.Context, cmd string, args ...string) (string, error) {
	path := c.socketPath()
	if !isSocket(path) {
		if err := c.trigger(ctx); err != nil {
			return "", err
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return "", fmt.Errorf("connecting to attach socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(encodeRequest(cmd, args)); err != nil {
		return "", fmt.Errorf("sending %s: %w", cmd, err)
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("reading %s response: %w", cmd, err)
	}
	return parseResponse(cmd, raw)
}

// encodeRequest builds "1\0cmd\0a1\0a2\0a3\0". Extra args are merged into
// the last slot with spaces.
func encodeRequest(cmd string, args []string) []byte {
	if len(args) > maxArgs {
		merged := append([]string(nil), args[:maxArgs-1]...)
		merged = append(merged, strings.Join(args[maxArgs-1:], " "))
		args = merged
	}

	var buf bytes.Buffer
	buf.WriteString(protocolVersion)
	buf.WriteByte(0)
	buf.WriteString(cmd)
	buf.WriteByte(0)
	for i := 0; i < maxArgs; i++ {
		if i < len(args) {
			buf.WriteString(args[i])
		}
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func parseResponse(cmd string, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%s: empty response", cmd)
	}
	statusLine, output, _ := strings.Cut(string(raw), "\n")
	code, err := strconv.Atoi(strings.TrimSpace(statusLine))
	if err != nil {
		return "", fmt.Errorf("%s: bad status line %q", cmd, statusLine)
	}
	if code != 0 {
		return output, &CommandError{Command: cmd, Code: code, Output: output}
	}
	return output, nil
}

// trigger asks the runtime to start its attach listener and waits for the
// socket, backing off from 20ms in 20ms steps.
func (c *Client) trigger(ctx context.Context) error {
	attachFile, err := c.createAttachFile()
	if err != nil {
		return err
	}
	defer os.Remove(attachFile)

	if err := c.signal(c.PID); err != nil {
		return fmt.Errorf("signalling %d: %w", c.PID, err)
	}

	timeout := c.SocketTimeout
	if timeout <= 0 {
		timeout = DefaultSocketTimeout
	}
	deadline := time.Now().Add(timeout)
	delay := 20 * time.Millisecond
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if isSocket(c.socketPath()) {
			return nil
		}
		if err := unix.Kill(c.PID, 0); errors.Is(err, unix.ESRCH) {
			return ErrProcessGone
		}
		if delay < 500*time.Millisecond {
			delay += 20 * time.Millisecond
		}
	}
	return ErrSocketTimeout
}

// createAttachFile places .attach_pid<nspid> in the target's working
// directory, falling back to the temp dir.
func (c *Client) createAttachFile() (string, error) {
	name := ".attach_pid" + strconv.Itoa(c.NSPID)
	cwd := filepath.Join(c.ProcRoot, strconv.Itoa(c.PID), "cwd", name)
	if f, err := os.OpenFile(cwd, os.O_CREATE|os.O_WRONLY, 0660); err == nil {
		f.Close()
		return cwd, nil
	}

	path := filepath.Join(c.TmpDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0660)
	if err != nil {
		return "", fmt.Errorf("creating attach file: %w", err)
	}
	f.Close()
	return path, nil
}

func isSocket(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

// Jcmd runs a diagnostic command.
func (c *Client) Jcmd(ctx context.Context, command string) (string, error) {
	return c.Execute(ctx, "jcmd", command)
}

// LoadAgent loads a java agent jar (or native agent when path is not a jar).
func (c *Client) LoadAgent(ctx context.Context, path, options string) error {
	args := []string{"instrument", "false", path}
	if options != "" {
		args[2] = path + "=" + options
	}
	if !strings.HasSuffix(path, ".jar") {
		args = []string{path, "true", options}
	}

	out, err := c.Execute(ctx, "load", args...)
	if err != nil {
		return err
	}
	if code := agentReturnCode(out); code != 0 {
		return &CommandError{Command: "load", Code: code, Output: out}
	}
	return nil
}

// agentReturnCode extracts Agent_OnAttach's result from load output.
func agentReturnCode(out string) int {
	if _, rest, ok := strings.Cut(out, "return code: "); ok {
		line, _, _ := strings.Cut(rest, "\n")
		if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			return n
		}
		return 0
	}
	line, _, _ := strings.Cut(out, "\n")
	if n, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
		return n
	}
	return 0
}

// LoadedClasses lists loaded class names via VM.class_hierarchy.
func (c *Client) LoadedClasses(ctx context.Context) ([]string, error) {
	out, err := c.Jcmd(ctx, "VM.class_hierarchy")
	if err != nil {
		return nil, err
	}
	return ParseClassHierarchy(out), nil
}

// ParseClassHierarchy extracts class names from VM.class_hierarchy output,
// where each line looks like "|  |--java.lang.String/null".
func ParseClassHierarchy(out string) []string {
	seen := make(map[string]bool)
	var classes []string
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimLeft(sc.Text(), "|- \t")
		if strings.HasPrefix(line, "implements ") {
			continue
		}
		name, _, _ := strings.Cut(line, "/")
		name, _, _ = strings.Cut(name, " ")
		if name == "" || strings.ContainsAny(name, ":;") {
			continue
		}
		if !seen[name] {
			seen[name] = true
			classes = append(classes, name)
		}
	}
	return classes
}
