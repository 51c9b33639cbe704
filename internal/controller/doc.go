// Package controller wires the burrowd components together and serves its HTTP API.
//
// # Overview
//
// The controller owns discovery (process scanner, perfdata sweep, runtime
// registry), attachment (orchestrator with host and container strategies),
// the connection registry of agent command listeners, the attachment
// journal and the Prometheus collectors.
//
// Events flow one way:
//
//	procscan.Scanner -> registry.Registry -> attach.Orchestrator
//	                                      -> connection.Registry (evictions)
//
// With attachment disabled the orchestrator is not built; runtimes are still
// discovered and agents attached by other means may still register.
//
// # HTTP API
//
//   - PUT /control-endpoint - agent registration ("pid=host:port" or "pid=port")
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once the first discovery pass completed
//   - GET /api/instances - Discovered runtimes with connection and attach state
//   - GET /api/connections - Registered agent endpoints
//   - GET /api/attachments - Journaled outcomes (?pid=, ?outcome=, ?limit=)
//   - POST /api/command - Relay {"pid","command","argument"} to an agent
//   - GET /metrics - Prometheus exposition (metrics.path)
//
// # Lifecycle
//
//	c, err := controller.New(cfg, logger, levelVar)
//	if err != nil {
//	    return err
//	}
//	return c.Run(ctx) // blocks until ctx is canceled
//
// Run binds the HTTP listener first so the controller URL handed to agents
// carries the real port, then runs one discovery pass before starting the
// scan loops. Shutdown is idempotent.
package controller
