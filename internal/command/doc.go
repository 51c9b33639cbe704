// Package command implements both sides of the line-oriented command
// protocol spoken between the controller and an attached agent.
//
// # Wire Format
//
// A request is a single line:
//
//	COMMAND:ARGUMENT\n
//
// The argument may be empty and may contain ':'. A response starts with one
// status byte (0 = OK, 1 = ERROR) followed by handler-specific bytes, either
// a newline-terminated line of text or a UTF-8 BOM followed by JSON.
//
// # Listener
//
// Listener accepts one connection at a time with a bounded accept timeout,
// running a housekeeping hook whenever the timeout fires. Each line is
// dispatched to the first Handler whose CanHandle accepts the command. When a
// handler writes nothing, the listener writes OK on success and ERROR plus
// the error text on failure; when it wrote anything, the listener writes
// nothing more.
//
// # Client
//
// Client opens a fresh connection per request, writes the line, half-closes
// the write side, and reads until EOF.
package command
