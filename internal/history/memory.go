package history

import (
	"context"
	"sync"
	"time"

	"github.com/omochice/toy-relay-chat/pkg/protocol"
)

// MemoryStore is a bounded in-memory ring of entries.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store holding at most limit entries.
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryStore{entries: make([]Entry, limit)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.entries[s.next] = e
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// Fetch implements Store.
func (s *MemoryStore) Fetch(ctx context.Context, before time.Time) ([]protocol.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	start, n := 0, s.next
	if s.full {
		start, n = s.next, len(s.entries)
	}

	msgs := make([]protocol.Message, 0, n)
	for i := 0; i < n; i++ {
		e := s.entries[(start+i)%len(s.entries)]
		if e.ReceivedAt.Before(before) {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.entries)
	}
	return s.next
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
