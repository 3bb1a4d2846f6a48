package journal

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default store when
// no database is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	nextID  int64
	closed  bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Payload = slices.Clone(rec.Payload)
	s.records = append(s.records, rec)
	return nil
}

// Recent implements [Store].
func (s *MemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Record
	for _, r := range s.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return slices.Clone(out), nil
}

// Len returns the total number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close implements [Store].
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
