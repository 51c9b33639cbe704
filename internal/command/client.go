// ABOUTME: Controller-side command channel client: one TCP connection per request.
// ABOUTME: Writes a single request line, half-closes, and reads the response to EOF.

package command

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// DefaultTimeout bounds connect plus read for a single request.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much a misbehaving listener can make us buffer.
const maxResponseSize = 16 << 20

// Client executes commands against registered listeners.
type Client struct {
	timeout time.Duration
	dialer  net.Dialer
}

// NewClient creates a client with the given per-request timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		timeout: timeout,
		dialer:  net.Dialer{Timeout: timeout},
	}
}

// Execute sends cmd with arg to addr and blocks until the full response
// arrives, the timeout elapses, or ctx is done.
func (c *Client) Execute(ctx context.Context, addr, cmd, arg string) (*Response, error) {
	line, err := FormatLine(cmd, arg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Unblock reads if the caller cancels before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, line); err != nil {
		return nil, fmt.Errorf("sending %s: %w", cmd, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}

	raw, err := io.ReadAll(io.LimitReader(conn, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", cmd, err)
	}
	return ParseResponse(raw)
}
