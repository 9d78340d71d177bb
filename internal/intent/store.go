package intent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists intents by id. Get returns nil, nil for an unknown id.
type Store interface {
	Get(ctx context.Context, id common.Hash) (*Intent, error)
	Put(ctx context.Context, in *Intent) error
	Delete(ctx context.Context, id common.Hash) error
	// NextSequence returns a value never handed out before.
	NextSequence(ctx context.Context) (uint64, error)
	// ListExpired returns pending intents whose deadline is before the given
	// time, oldest sequence first.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	data map[common.Hash]*Intent
	seq  uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[common.Hash]*Intent)}
}

func (m *MemoryStore) Get(_ context.Context, id common.Hash) (*Intent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	return in.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, in *Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[in.ID] = in.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, id)
	return nil
}

func (m *MemoryStore) NextSequence(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}

func (m *MemoryStore) ListExpired(_ context.Context, before time.Time, limit int) ([]*Intent, error) {
	m.mu.RLock()
	var out []*Intent
	for _, in := range m.data {
		if !in.Completed() && in.Deadline.Before(before) {
			out = append(out, in.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
