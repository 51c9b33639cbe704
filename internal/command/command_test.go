// ABOUTME: Tests for the command protocol over real loopback TCP connections.
// ABOUTME: Covers dispatch order, status byte rules, malformed lines, JSON payloads, and shutdown.

package command

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startListener(t *testing.T, d *Dispatcher, opts ListenerOptions) *Listener {
	t.Helper()
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = 20 * time.Millisecond
	}
	l, err := Listen("127.0.0.1:0", d, opts, slog.Default())
	require.NoError(t, err)
	l.Start(context.Background())
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// rawRequest writes bytes directly to the listener and returns everything read back.
func rawRequest(t *testing.T, addr string, payload string) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = io.WriteString(conn, payload)
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return out
}

func TestParseLine(t *testing.T) {
	cmd, arg, err := ParseLine("load-plugin:/opt/p.toml=a:b\n")
	require.NoError(t, err)
	assert.Equal(t, "load-plugin", cmd)
	assert.Equal(t, "/opt/p.toml=a:b", arg)

	cmd, arg, err = ParseLine("agent-info:")
	require.NoError(t, err)
	assert.Equal(t, "agent-info", cmd)
	assert.Empty(t, arg)

	_, _, err = ParseLine("no-separator\n")
	assert.ErrorIs(t, err, ErrMalformedLine)

	_, _, err = ParseLine(":arg")
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestFormatLine_RejectsNewlines(t *testing.T) {
	_, err := FormatLine("cmd", "a\nb")
	assert.Error(t, err)
	_, err = FormatLine("c:md", "")
	assert.Error(t, err)

	line, err := FormatLine("log-level", "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "log-level:DEBUG\n", line)
}

func TestDispatcher_FirstMatchWins(t *testing.T) {
	d := NewDispatcher()
	first := Named("echo", func(_ context.Context, arg string, out io.Writer) error {
		return WriteOK(out, "first:"+arg)
	})
	second := Named("echo", func(_ context.Context, arg string, out io.Writer) error {
		return WriteOK(out, "second:"+arg)
	})
	removeFirst := d.Add(first)
	d.Add(second)

	assert.Same(t, first, d.Find("echo"))
	assert.Nil(t, d.Find("nothing"))

	removeFirst()
	removeFirst()
	assert.Same(t, second, d.Find("echo"))
	assert.Equal(t, 1, d.Len())
}

func TestRoundTrip_OKPayload(t *testing.T) {
	d := NewDispatcher()
	d.Add(Named("class-loaded", func(_ context.Context, arg string, out io.Writer) error {
		return WriteBool(out, arg == "java.lang.Object")
	}))
	l := startListener(t, d, ListenerOptions{})

	client := NewClient(time.Second)
	resp, err := client.Execute(context.Background(), l.Addr().String(), "class-loaded", "java.lang.Object")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, []byte("true\n"), resp.Payload)
	assert.True(t, resp.Bool())

	resp, err = client.Execute(context.Background(), l.Addr().String(), "class-loaded", "com.example.Missing")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.False(t, resp.Bool())
}

func TestRoundTrip_MissingSeparatorIsError(t *testing.T) {
	l := startListener(t, NewDispatcher(), ListenerOptions{})

	out := rawRequest(t, l.Addr().String(), "class-loaded\n")
	require.NotEmpty(t, out)
	assert.Equal(t, StatusError, out[0])
	assert.Contains(t, string(out[1:]), "COMMAND:ARGUMENT")
}

func TestRoundTrip_UnknownCommand(t *testing.T) {
	l := startListener(t, NewDispatcher(), ListenerOptions{})

	resp, err := NewClient(time.Second).Execute(context.Background(), l.Addr().String(), "bogus", "")
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Contains(t, resp.Text(), "unknown command: bogus")

	var remote *RemoteError
	require.ErrorAs(t, resp.Err(), &remote)
}

func TestStatusByteRules(t *testing.T) {
	d := NewDispatcher()
	d.Add(Named("silent-ok", func(context.Context, string, io.Writer) error { return nil }))
	d.Add(Named("silent-fail", func(context.Context, string, io.Writer) error { return errors.New("exploded") }))
	d.Add(Named("wrote-then-fail", func(_ context.Context, _ string, out io.Writer) error {
		_ = WriteOK(out, "partial")
		return errors.New("late failure")
	}))
	d.Add(Named("panics", func(context.Context, string, io.Writer) error { panic("oh no") }))
	l := startListener(t, d, ListenerOptions{})
	addr := l.Addr().String()
	client := NewClient(time.Second)

	resp, err := client.Execute(context.Background(), addr, "silent-ok", "")
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Empty(t, resp.Payload)

	resp, err = client.Execute(context.Background(), addr, "silent-fail", "")
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "exploded", resp.Text())

	resp, err = client.Execute(context.Background(), addr, "wrote-then-fail", "")
	require.NoError(t, err)
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, []byte("partial\n"), resp.Payload, "no second status byte after handler output")

	resp, err = client.Execute(context.Background(), addr, "panics", "")
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Text(), "panicked")

	// Listener survives all of the above
	resp, err = client.Execute(context.Background(), addr, "silent-ok", "")
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestMultipleLinesOnOneConnection(t *testing.T) {
	d := NewDispatcher()
	d.Add(Named("echo", func(_ context.Context, arg string, out io.Writer) error {
		return WriteOK(out, arg)
	}))
	l := startListener(t, d, ListenerOptions{})

	out := rawRequest(t, l.Addr().String(), "echo:one\nnope\necho:two\n")
	expected := []byte{StatusOK}
	expected = append(expected, "one\n"...)
	expected = append(expected, StatusError)
	assert.True(t, bytes.HasPrefix(out, expected))
	assert.True(t, bytes.HasSuffix(out, append([]byte{StatusOK}, "two\n"...)))
}

func TestJSONPayload(t *testing.T) {
	d := NewDispatcher()
	d.Add(Named("info", func(_ context.Context, _ string, out io.Writer) error {
		return WriteJSON(out, map[string]any{"version": "1.2.3", "plugins": []string{"a"}})
	}))
	l := startListener(t, d, ListenerOptions{})

	resp, err := NewClient(time.Second).Execute(context.Background(), l.Addr().String(), "info", "")
	require.NoError(t, err)
	require.True(t, resp.IsJSON())

	var decoded struct {
		Version string   `json:"version"`
		Plugins []string `json:"plugins"`
	}
	require.NoError(t, resp.DecodeJSON(&decoded))
	assert.Equal(t, "1.2.3", decoded.Version)
	assert.Equal(t, []string{"a"}, decoded.Plugins)
	assert.Equal(t, `{"plugins":["a"],"version":"1.2.3"}`, resp.Text())
}

func TestHousekeepingRunsOnAcceptTimeout(t *testing.T) {
	var ticks atomic.Int32
	startListener(t, NewDispatcher(), ListenerOptions{
		AcceptTimeout: 10 * time.Millisecond,
		Housekeeping:  func() { ticks.Add(1) },
	})

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseIsIdempotentAndReleasesPort(t *testing.T) {
	l, err := Listen("127.0.0.1:0", NewDispatcher(), ListenerOptions{AcceptTimeout: 10 * time.Millisecond}, slog.Default())
	require.NoError(t, err)
	l.Start(context.Background())
	addr := l.Addr().String()

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err = NewClient(200*time.Millisecond).Execute(context.Background(), addr, "x", "")
	assert.Error(t, err)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	l, err := Listen("127.0.0.1:0", NewDispatcher(), ListenerOptions{AcceptTimeout: 10 * time.Millisecond}, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Serve(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.NoError(t, l.Close())
}

func TestClient_EmptyResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_, _ = io.Copy(io.Discard, conn)
			_ = conn.Close()
		}
	}()

	_, err = NewClient(time.Second).Execute(context.Background(), ln.Addr().String(), "x", "")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}
