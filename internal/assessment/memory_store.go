package assessment

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for development and
// tests. It keeps every assessment for the life of the process.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Assessment
	bySession map[string][]string // session ID → assessment IDs, oldest first
}

// NewMemoryStore creates an in-memory assessment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Assessment),
		bySession: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[a.ID] = a.Clone()
	if a.SessionID != "" {
		s.bySession[a.SessionID] = append(s.bySession[a.SessionID], a.ID)
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.bySession[sessionID]
	if len(ids) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := max(0, len(ids)-limit)
	result := make([]*Assessment, 0, len(ids)-start)
	for i := len(ids) - 1; i >= start; i-- {
		result = append(result, s.byID[ids[i]].Clone())
	}
	return result, nil
}

func (s *MemoryStore) PingContext(ctx context.Context) error {
	return ctx.Err()
}
