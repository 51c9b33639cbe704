// ABOUTME: Ordered command handler list with first-match dispatch.
// ABOUTME: Plugins add and remove handlers at runtime through registration handles.

package command

import (
	"context"
	"io"
	"sync"
)

// Handler answers one or more commands. Handle writes the full response,
// status byte included, or writes nothing and lets the listener report the
// outcome from the returned error.
type Handler interface {
	CanHandle(cmd string) bool
	Handle(ctx context.Context, cmd, arg string, out io.Writer) error
}

// HandlerFunc adapts a function to a Handler for a single command name.
type HandlerFunc func(ctx context.Context, arg string, out io.Writer) error

type namedHandler struct {
	name string
	fn   HandlerFunc
}

func (h *namedHandler) CanHandle(cmd string) bool { return cmd == h.name }

func (h *namedHandler) Handle(ctx context.Context, _ string, arg string, out io.Writer) error {
	return h.fn(ctx, arg, out)
}

// Named returns a Handler answering exactly one command.
func Named(name string, fn HandlerFunc) Handler {
	return &namedHandler{name: name, fn: fn}
}

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher holds handlers in registration order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []registration
	nextID   uint64
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Add appends a handler and returns a func that removes it again.
func (d *Dispatcher) Add(h Handler) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers = append(d.handlers, registration{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, r := range d.handlers {
		if r.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Find returns the first handler whose CanHandle accepts cmd.
func (d *Dispatcher) Find(cmd string) Handler {
	for _, h := range d.Handlers() {
		if h.CanHandle(cmd) {
			return h
		}
	}
	return nil
}

// Handlers returns a snapshot of the registered handlers in order.
func (d *Dispatcher) Handlers() []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Handler, len(d.handlers))
	for i, r := range d.handlers {
		out[i] = r.handler
	}
	return out
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}
