// ABOUTME: Mock Journal implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Journal implementation for testing.
type MockStore struct {
	mu     sync.RWMutex
	events []*AttachmentEvent // insertion order
	closed bool
}

var _ Journal = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// RecordAttachment stores a copy of ev.
func (m *MockStore) RecordAttachment(ctx context.Context, ev *AttachmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	e := *ev
	m.events = append(m.events, &e)
	return nil
}

// GetAttachment returns the event with id.
func (m *MockStore) GetAttachment(ctx context.Context, id string) (*AttachmentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ev := range m.events {
		if ev.ID == id {
			e := *ev
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

// ListAttachments returns matching events, newest first.
func (m *MockStore) ListAttachments(ctx context.Context, filter AttachmentFilter) ([]*AttachmentEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var out []*AttachmentEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := m.events[i]
		if filter.PID > 0 && ev.PID != filter.PID {
			continue
		}
		if filter.Outcome != "" && ev.Outcome != filter.Outcome {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	return out, nil
}

// CountByOutcome tallies events per outcome.
func (m *MockStore) CountByOutcome(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int)
	for _, ev := range m.events {
		counts[ev.Outcome]++
	}
	return counts, nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
