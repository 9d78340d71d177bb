// Package guard provides keyed non-reentrant locks. Acquire never waits: a
// key that is already held fails with domain.ErrReentrant.
package guard

import (
	"context"
	"sync"

	"powerhorse/internal/domain"
)

// Guard hands out exclusive ownership of a key for the duration of one call.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process Guard.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, domain.ErrReentrant
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently owned.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
