// ABOUTME: Attachment outcomes, per-PID states, and the skip error strategies return.
// ABOUTME: The orchestrator classifies strategy errors with errors.As into these outcomes.

package attach

import (
	"fmt"
	"time"

	"github.com/2389/burrow/internal/registry"
)

// Outcome is the terminal result of an attachment.
type Outcome string

const (
	OutcomeAttached  Outcome = "attached"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeExhausted Outcome = "exhausted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeError     Outcome = "error"
)

// State is where a PID is in the attachment lifecycle.
type State string

const (
	StateDiscovered State = "discovered"
	StateAttempting State = "attempting"
	StateAttached   State = "attached"
	StateExhausted  State = "exhausted"
	StateSkipped    State = "skipped"
	StateFailed     State = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s State) Terminal() bool {
	return s != StateDiscovered && s != StateAttempting
}

func stateFor(o Outcome) State {
	switch o {
	case OutcomeAttached:
		return StateAttached
	case OutcomeSkipped:
		return StateSkipped
	case OutcomeExhausted:
		return StateExhausted
	default:
		return StateFailed
	}
}

// SkipError tells the orchestrator not to attach and not to retry.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string { return "skipped: " + e.Reason }

// Skip returns a *SkipError with a formatted reason.
func Skip(format string, args ...any) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// Status is the attachment state of one PID.
type Status struct {
	PID       int               `json:"pid"`
	State     State             `json:"state"`
	Outcome   Outcome           `json:"outcome,omitempty"`
	Attempts  int               `json:"attempts"`
	Remaining int               `json:"remaining"`
	Error     string            `json:"error,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
	Instance  registry.Instance `json:"instance"`
}
