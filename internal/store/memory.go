package store

import (
	"context"
	"sync"

	"github.com/specflow/specflow/internal/auth/jira"
)

// MemoryTokenStore keeps the token set for the lifetime of the process only.
type MemoryTokenStore struct {
	mu sync.Mutex
	ts *jira.TokenSet
}

// NewMemoryTokenStore creates an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) SaveTokenSet(_ context.Context, ts *jira.TokenSet) error {
	s.mu.Lock()
	s.ts = ts.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryTokenStore) LoadTokenSet(_ context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ts == nil {
		return nil, ErrNoToken
	}
	return s.ts.Clone(), nil
}

func (s *MemoryTokenStore) DeleteTokenSet(_ context.Context) error {
	s.mu.Lock()
	s.ts = nil
	s.mu.Unlock()
	return nil
}
