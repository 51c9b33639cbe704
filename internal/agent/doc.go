// Package agent implements burrow-agent, the control agent attached to one
// runtime.
//
// # Overview
//
// The agent runs next to its target runtime, on the same host or inside
// the same container. It serves the command protocol on a TCP port,
// registers that port with the controller, and reaches into the runtime
// through the HotSpot attach socket.
//
// # Generations
//
// An Agent owns a trampoline. Every Start or Reload loads a new Generation
// into a fresh scope:
//
//	a, err := agent.New(agent.Options{TargetPID: pid, ControllerURL: url}, logger)
//	err = a.Start(ctx)
//
// A generation stops its predecessor before binding anything, then brings
// up its own command listener, plugin loader and class snapshot, writes the
// marker file and registers with the controller. It exports its stop
// function on its scope so the next generation can shut it down.
//
// # Builtin Commands
//
//   - class-loaded:NAME        true when the runtime or a plugin defines NAME
//   - load-plugin:PATH[=ARGS]  load a plugin manifest, replacing any previous one
//   - unload-plugin:PATH[=delete]
//   - log-level:LEVEL          true when applied, false when pinned at boot
//   - agent-info:              JSON description of the running generation
//   - reload:                  answer, then swap to a new generation
//
// The loaded-class snapshot is cached for one minute.
//
// # Marker File
//
// A live agent writes its listener address to <tmp>/.burrow_pid<nspid>.
// Bootstrap uses the marker to reload a running agent instead of starting a
// second one.
package agent
