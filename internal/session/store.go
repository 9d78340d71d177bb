package session

import (
	"context"
	"sync"
)

// Store persists sessions by key. Get returns nil, nil for an unknown key.
type Store interface {
	Get(ctx context.Context, key Key) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, key Key) error
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[Key]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Key]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[s.Key()] = s.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
