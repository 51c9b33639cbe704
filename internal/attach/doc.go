// Package attach turns discovered runtimes into running agents.
//
// # Orchestrator
//
// The Orchestrator is a registry.Listener. Every InstanceAdded queues an
// Attempt with a fresh retry budget on a bounded Pool; InstanceRemoved drops
// queued work for the PID and discards the result of a running attempt.
//
// An attempt picks a Strategy (container when the instance has a container
// id, host otherwise), runs it, then waits for the agent to register with
// the controller. Once registered the agent is configured: the controller's
// log level is sent with log-level, and each auto-load plugin whose marker
// class answers true to class-loaded is loaded with load-plugin.
//
// # Outcomes
//
//	attached   agent registered (or was already registered)
//	skipped    strategy returned *SkipError; never retried
//	exhausted  retry budget spent on strategy failures
//	error      bootstrap ran but no registration arrived in time
//	rejected   queue full with every worker busy
//	failed     anything else, including shutdown mid-attempt
//
// Each terminal outcome is journaled once and counted in
// burrow_attach_outcomes_total.
//
// # Pool
//
// The pool keeps Core workers, queues up to QueueSize jobs and only grows
// toward Max once the queue is full. Workers above Core exit after
// KeepAlive idle.
//
// # Strategies
//
// HostStrategy runs "burrow-agent attach" directly, switching to the
// target's uid/gid when the controller runs as root. ContainerStrategy
// copies the agent binary and an args file into the container and runs the
// same bootstrap with the runtime's exec. Containers labelled
// burrow.attach=false are skipped.
package attach
