// Package scope provides isolated symbol namespaces for plugins and agent
// generations.
//
// # Overview
//
// A Scope owns a set of named exports and a stack of release hooks. Scopes
// chain to parents: Lookup checks the scope itself, then each parent in
// order. Two sibling scopes never see each other's exports, so a plugin's
// symbols cannot collide with another plugin's.
//
// # Teardown
//
// Close runs every OnClose hook in reverse order and joins their errors.
// It is idempotent.
//
//	s := scope.New("plugin:http-faults", agentScope)
//	s.OnClose(proc.Kill)
//	defer s.Close()
package scope
