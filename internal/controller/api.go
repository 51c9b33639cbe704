// ABOUTME: HTTP handlers for the registration endpoint, health checks, and the status API.
// ABOUTME: Registration is PUT /control-endpoint; everything else is read-only JSON except /api/command.

package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/2389/burrow/internal/attach"
	"github.com/2389/burrow/internal/connection"
	"github.com/2389/burrow/internal/registry"
	"github.com/2389/burrow/internal/store"
)

// RegistrationPath is where agents announce their command listener.
const RegistrationPath = "/control-endpoint"

// maxRegistrationBody bounds a registration body; real ones are a few bytes.
const maxRegistrationBody = 1024

// InstanceResponse is one entry of GET /api/instances.
type InstanceResponse struct {
	registry.Instance
	Connected bool         `json:"connected"`
	Attach    *AttachState `json:"attach,omitempty"`
}

// AttachState is the orchestrator's view of one instance.
type AttachState struct {
	State     attach.State   `json:"state"`
	Outcome   attach.Outcome `json:"outcome,omitempty"`
	Attempts  int            `json:"attempts"`
	Remaining int            `json:"remaining"`
	Error     string         `json:"error,omitempty"`
}

// AttachmentsResponse is the JSON response for GET /api/attachments.
type AttachmentsResponse struct {
	Attachments []*store.AttachmentEvent `json:"attachments"`
	Counts      map[string]int           `json:"counts"`
}

// CommandRequest is the JSON request body for POST /api/command.
type CommandRequest struct {
	PID      int    `json:"pid"`
	Command  string `json:"command"`
	Argument string `json:"argument"`
}

// CommandResponse is the JSON response for POST /api/command. Result holds
// the agent's JSON payload when it sent one, Text otherwise.
type CommandResponse struct {
	OK     bool            `json:"ok"`
	Text   string          `json:"text,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *Controller) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc(RegistrationPath, c.handleRegistration)

	mux.HandleFunc("/health", c.handleHealth)
	mux.HandleFunc("/health/ready", c.handleReady)

	mux.HandleFunc("GET /api/instances", c.handleListInstances)
	mux.HandleFunc("GET /api/connections", c.handleListConnections)
	mux.HandleFunc("GET /api/attachments", c.handleListAttachments)
	mux.HandleFunc("POST /api/command", c.handleCommand)

	if c.metrics != nil {
		mux.Handle("GET "+c.config.Metrics.Path, c.metrics.Handler())
	}
}

// handleRegistration handles PUT /control-endpoint with a body of
// "pid=host:port" or "pid=port".
func (c *Controller) handleRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.Header().Set("Allow", http.MethodPut)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRegistrationBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}

	reg, err := connection.ParseRegistration(string(body), remoteHost)
	if err != nil {
		c.logger.Warn("rejected registration", "remote", r.RemoteAddr, "body", string(body), "error", err)
		c.metrics.Registration("malformed")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if reg.PortOnly {
		c.logger.Debug("registration carried only a port", "pid", reg.PID, "host", remoteHost)
	}
	c.connections.Register(reg.PID, reg.Address)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleHealth returns 200 OK if the server is alive.
func (c *Controller) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the first discovery pass has completed.
func (c *Controller) handleReady(w http.ResponseWriter, r *http.Request) {
	select {
	case <-c.ready:
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("discovery not complete"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d runtimes, %d agents)", c.registry.Len(), c.connections.Len())
}

// handleListInstances handles GET /api/instances.
func (c *Controller) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances := c.registry.Instances(r.Context())
	out := make([]InstanceResponse, 0, len(instances))
	for _, inst := range instances {
		resp := InstanceResponse{
			Instance:  inst,
			Connected: c.connections.IsConnected(inst.PID),
		}
		if c.orchestrator != nil {
			if st, ok := c.orchestrator.State(inst.PID); ok {
				resp.Attach = &AttachState{
					State:     st.State,
					Outcome:   st.Outcome,
					Attempts:  st.Attempts,
					Remaining: st.Remaining,
					Error:     st.Error,
				}
			}
		}
		out = append(out, resp)
	}
	c.writeJSON(w, http.StatusOK, out)
}

// handleListConnections handles GET /api/connections.
func (c *Controller) handleListConnections(w http.ResponseWriter, r *http.Request) {
	c.writeJSON(w, http.StatusOK, c.connections.Records())
}

// handleListAttachments handles GET /api/attachments?pid=&outcome=&limit=.
func (c *Controller) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AttachmentFilter{Outcome: q.Get("outcome")}
	for name, dst := range map[string]*int{"pid": &filter.PID, "limit": &filter.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.sendJSONError(w, http.StatusBadRequest, "invalid "+name)
			return
		}
		*dst = n
	}

	events, err := c.journal.ListAttachments(r.Context(), filter)
	if err != nil {
		c.logger.Error("listing attachments", "error", err)
		c.sendJSONError(w, http.StatusInternalServerError, "failed to list attachments")
		return
	}
	counts, err := c.journal.CountByOutcome(r.Context())
	if err != nil {
		c.logger.Error("counting attachments", "error", err)
		c.sendJSONError(w, http.StatusInternalServerError, "failed to count attachments")
		return
	}
	if events == nil {
		events = []*store.AttachmentEvent{}
	}
	c.writeJSON(w, http.StatusOK, AttachmentsResponse{Attachments: events, Counts: counts})
}

// handleCommand handles POST /api/command, relaying one command to an agent.
func (c *Controller) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64*1024)).Decode(&req); err != nil {
		c.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.PID <= 0 || req.Command == "" {
		c.sendJSONError(w, http.StatusBadRequest, "pid and command are required")
		return
	}

	resp, err := c.connections.Execute(r.Context(), req.PID, req.Command, req.Argument)
	if errors.Is(err, connection.ErrNotConnected) {
		c.sendJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		c.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	out := CommandResponse{OK: resp.OK()}
	if resp.IsJSON() {
		var raw json.RawMessage
		if err := resp.DecodeJSON(&raw); err != nil {
			c.sendJSONError(w, http.StatusBadGateway, "agent sent invalid JSON")
			return
		}
		out.Result = raw
	} else {
		out.Text = resp.Text()
	}
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Controller) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (c *Controller) sendJSONError(w http.ResponseWriter, status int, message string) {
	c.writeJSON(w, status, map[string]string{"error": message})
}
