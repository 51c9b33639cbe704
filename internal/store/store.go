// ABOUTME: Journal interface and data types for the controller's attachment history
// ABOUTME: Defines AttachmentEvent and the filter used to query recent outcomes

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// AttachmentEvent is one terminal attachment outcome.
type AttachmentEvent struct {
	ID          string    `json:"id"`
	PID         int       `json:"pid"`
	ContainerID string    `json:"container_id,omitempty"`
	MainClass   string    `json:"main_class"`
	Outcome     string    `json:"outcome"`
	Attempts    int       `json:"attempts"` // strategy executions that led here
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// AttachmentFilter narrows ListAttachments. Zero values match everything.
type AttachmentFilter struct {
	PID     int
	Outcome string
	Limit   int // defaults to 100
}

// Journal records attachment outcomes for the lifetime of the controller.
type Journal interface {
	RecordAttachment(ctx context.Context, ev *AttachmentEvent) error
	GetAttachment(ctx context.Context, id string) (*AttachmentEvent, error)
	// ListAttachments returns newest first.
	ListAttachments(ctx context.Context, filter AttachmentFilter) ([]*AttachmentEvent, error)
	CountByOutcome(ctx context.Context) (map[string]int, error)
	Close() error
}

const defaultListLimit = 100
