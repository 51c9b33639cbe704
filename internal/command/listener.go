// ABOUTME: Agent-side command listener: bounded accept loop serving one connection at a time.
// ABOUTME: Dispatches each request line and guarantees exactly one status byte per response.

package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ListenerOptions tunes the accept loop.
type ListenerOptions struct {
	// AcceptTimeout bounds each Accept call so Housekeeping can run and
	// Close is observed promptly.
	AcceptTimeout time.Duration

	// IdleTimeout bounds how long a client connection may sit without
	// sending a line.
	IdleTimeout time.Duration

	// Housekeeping runs after every accept timeout.
	Housekeeping func()
}

func (o *ListenerOptions) setDefaults() {
	if o.AcceptTimeout <= 0 {
		o.AcceptTimeout = time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
}

// Listener serves the command protocol on a TCP port.
type Listener struct {
	ln         *net.TCPListener
	dispatcher *Dispatcher
	opts       ListenerOptions
	logger     *slog.Logger

	mu      sync.Mutex
	current net.Conn

	closed  atomic.Bool
	started atomic.Bool
	done    chan struct{}
}

// Listen binds addr (use "127.0.0.1:0" for an ephemeral port).
func Listen(addr string, d *Dispatcher, opts ListenerOptions, logger *slog.Logger) (*Listener, error) {
	opts.setDefaults()

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving listen address: %w", err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("binding command listener: %w", err)
	}

	return &Listener{
		ln:         ln,
		dispatcher: d,
		opts:       opts,
		logger:     logger.With("component", "command-listener"),
		done:       make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() *net.TCPAddr {
	addr, _ := l.ln.Addr().(*net.TCPAddr)
	return addr
}

// Start runs Serve in a goroutine.
func (l *Listener) Start(ctx context.Context) {
	go l.Serve(ctx)
}

// Serve runs the accept loop until Close is called or ctx is done.
func (l *Listener) Serve(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	defer close(l.done)

	l.logger.Info("command listener started", "addr", l.ln.Addr().String())

	for !l.closed.Load() {
		if ctx.Err() != nil {
			_ = l.stop()
			break
		}

		_ = l.ln.SetDeadline(time.Now().Add(l.opts.AcceptTimeout))
		conn, err := l.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				l.housekeeping()
				continue
			}
			if l.closed.Load() {
				break
			}
			l.logger.Warn("accept failed", "error", err)
			continue
		}

		l.serveConn(ctx, conn)
	}

	l.logger.Info("command listener stopped")
}

func (l *Listener) housekeeping() {
	if l.opts.Housekeeping == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("housekeeping panicked", "panic", r)
		}
	}()
	l.opts.Housekeeping()
}

// serveConn reads request lines until EOF, answering each in turn.
func (l *Listener) serveConn(ctx context.Context, conn net.Conn) {
	l.mu.Lock()
	l.current = conn
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.current = nil
		l.mu.Unlock()
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(l.opts.IdleTimeout))
		if l.closed.Load() {
			return
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			l.HandleLine(ctx, line, writer)
			if ferr := writer.Flush(); ferr != nil {
				l.logger.Debug("writing response failed", "error", ferr)
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.closed.Load() {
				l.logger.Debug("connection read ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
	}
}

// HandleLine parses and dispatches one request, writing exactly one response.
func (l *Listener) HandleLine(ctx context.Context, line string, w io.Writer) {
	cmd, arg, err := ParseLine(line)
	if err != nil {
		_ = WriteError(w, err.Error())
		return
	}

	h := l.dispatcher.Find(cmd)
	if h == nil {
		_ = WriteError(w, "unknown command: "+cmd)
		return
	}

	cw := &countingWriter{w: w}
	if err := safeHandle(ctx, h, cmd, arg, cw); err != nil {
		l.logger.Warn("command handler failed", "command", cmd, "error", err)
		if cw.n == 0 {
			_ = WriteError(w, err.Error())
		}
		return
	}
	if cw.n == 0 {
		_, _ = w.Write([]byte{StatusOK})
	}
}

func safeHandle(ctx context.Context, h Handler, cmd, arg string, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, cmd, arg, w)
}

// Close stops the accept loop and waits for Serve to return. A request
// already being answered finishes; the connection is dropped at its next
// read. Safe to call repeatedly, but not from inside a Handler.
func (l *Listener) Close() error {
	err := l.stop()
	if l.started.Load() {
		<-l.done
	}
	return err
}

func (l *Listener) stop() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()

	l.mu.Lock()
	if l.current != nil {
		_ = l.current.SetReadDeadline(time.Now())
	}
	l.mu.Unlock()
	return err
}

// countingWriter records how many bytes a handler wrote.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
