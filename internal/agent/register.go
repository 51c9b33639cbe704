// ABOUTME: Registration client announcing the agent's listener to the controller.
// ABOUTME: PUT /control-endpoint with "pid=host:port", or "pid=port" when bound to all interfaces.

package agent

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RegistrationPath is the controller endpoint agents register with.
const RegistrationPath = "/control-endpoint"

const (
	registerAttempts = 3
	registerBackoff  = 500 * time.Millisecond
)

// RegistrationBody renders the registration for pid listening on addr. An
// unspecified bind address sends only the port so the controller uses the
// address the request came from.
func RegistrationBody(pid int, addr *net.TCPAddr) string {
	if addr.IP == nil || addr.IP.IsUnspecified() {
		return strconv.Itoa(pid) + "=" + strconv.Itoa(addr.Port)
	}
	return strconv.Itoa(pid) + "=" + net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port))
}

func register(ctx context.Context, client *http.Client, controllerURL string, pid int, addr *net.TCPAddr) error {
	url := strings.TrimRight(controllerURL, "/") + RegistrationPath
	body := RegistrationBody(pid, addr)

	var lastErr error
	for attempt := 1; attempt <= registerAttempts; attempt++ {
		if lastErr = putRegistration(ctx, client, url, body); lastErr == nil {
			return nil
		}
		if attempt == registerAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * registerBackoff):
		}
	}
	return lastErr
}

func putRegistration(ctx context.Context, client *http.Client, url, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("registration rejected: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
