package eventstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps every session's events in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	logs   map[string][]Event
	closed bool
	now    func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		logs: make(map[string][]Event),
		now:  time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, payload []byte) (Event, error) {
	if sessionID == "" {
		return Event{}, ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, ErrClosed
	}

	log := s.logs[sessionID]
	ev := Event{
		SessionID: sessionID,
		Sequence:  uint64(len(log)) + 1,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: s.now(),
	}
	s.logs[sessionID] = append(log, ev)
	return ev, nil
}

func (s *MemoryStore) Replay(_ context.Context, sessionID string, after uint64, limit int) ([]Event, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	log := s.logs[sessionID]
	if after >= uint64(len(log)) {
		return nil, nil
	}
	// Sequence n lives at index n-1, so events after n start at index n.
	tail := log[after:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]Event, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context, sessionID string) (uint64, error) {
	if sessionID == "" {
		return 0, ErrInvalidSession
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return uint64(len(s.logs[sessionID])), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, sessionID)
	return nil
}

// Sessions returns the number of sessions holding events.
func (s *MemoryStore) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.logs)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.logs = make(map[string][]Event)
	return nil
}
