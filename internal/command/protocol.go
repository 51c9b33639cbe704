// ABOUTME: Wire format for the line-oriented command protocol.
// ABOUTME: Status byte constants, BOM-prefixed JSON payloads, and request line parsing.

package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Status bytes that lead every response.
const (
	StatusOK    byte = 0
	StatusError byte = 1
)

// BOM marks a JSON payload following the status byte.
var BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrMalformedLine indicates a request line without a ':' separator.
var ErrMalformedLine = errors.New("malformed command line, expected COMMAND:ARGUMENT")

// ErrEmptyResponse indicates the remote side closed without writing a status byte.
var ErrEmptyResponse = errors.New("empty response")

// ParseLine splits a request line into command and argument. The separator
// is the first ':'; the argument may itself contain ':' and may be empty.
func ParseLine(line string) (cmd, arg string, err error) {
	line = strings.TrimRight(line, "\r\n")
	cmd, arg, ok := strings.Cut(line, ":")
	if !ok || cmd == "" {
		return "", "", ErrMalformedLine
	}
	return cmd, arg, nil
}

// FormatLine builds the request line for cmd and arg.
func FormatLine(cmd, arg string) (string, error) {
	if cmd == "" || strings.ContainsAny(cmd, ":\n") {
		return "", fmt.Errorf("invalid command name %q", cmd)
	}
	if strings.Contains(arg, "\n") {
		return "", fmt.Errorf("argument for %s contains a newline", cmd)
	}
	return cmd + ":" + arg + "\n", nil
}

// WriteOK writes an OK status followed by text. A trailing newline is added
// when text does not already end with one.
func WriteOK(w io.Writer, text string) error {
	return writeText(w, StatusOK, text)
}

// WriteError writes an ERROR status followed by a message line.
func WriteError(w io.Writer, msg string) error {
	return writeText(w, StatusError, msg)
}

// WriteBool writes an OK status followed by "true\n" or "false\n".
func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteOK(w, "true")
	}
	return WriteOK(w, "false")
}

// WriteJSON writes an OK status, the BOM, and v encoded as JSON.
func WriteJSON(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	buf := make([]byte, 0, 1+len(BOM)+len(body))
	buf = append(buf, StatusOK)
	buf = append(buf, BOM...)
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

func writeText(w io.Writer, status byte, text string) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	buf := make([]byte, 0, 1+len(text))
	buf = append(buf, status)
	buf = append(buf, text...)
	_, err := w.Write(buf)
	return err
}

// Response is a decoded reply from a command listener.
type Response struct {
	Status  byte
	Payload []byte
}

// ParseResponse decodes raw bytes read from the channel.
func ParseResponse(raw []byte) (*Response, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Response{Status: raw[0], Payload: raw[1:]}, nil
}

// OK reports whether the status byte is StatusOK.
func (r *Response) OK() bool { return r.Status == StatusOK }

// IsJSON reports whether the payload is BOM-prefixed JSON.
func (r *Response) IsJSON() bool { return bytes.HasPrefix(r.Payload, BOM) }

// Text returns the payload with surrounding whitespace removed.
func (r *Response) Text() string {
	return strings.TrimSpace(string(bytes.TrimPrefix(r.Payload, BOM)))
}

// Bool interprets a "true"/"false" payload.
func (r *Response) Bool() bool {
	return r.OK() && r.Text() == "true"
}

// DecodeJSON unmarshals a BOM-prefixed JSON payload into v.
func (r *Response) DecodeJSON(v any) error {
	if !r.IsJSON() {
		return fmt.Errorf("payload is not JSON: %q", r.Text())
	}
	return json.Unmarshal(r.Payload[len(BOM):], v)
}

// Err converts an ERROR response into a Go error.
func (r *Response) Err() error {
	if r.OK() {
		return nil
	}
	msg := r.Text()
	if msg == "" {
		msg = "command failed"
	}
	return &RemoteError{Message: msg}
}

// RemoteError carries the message of an ERROR response.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }
