// Package lock serializes document acquisition and project ownership. The
// memory locker covers a single process; the Redis locker extends the
// guarantee across every process sharing the same Redis.
package lock

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// ErrNotAcquired is returned when the context ends before the lock is held.
var ErrNotAcquired = eris.New("lock: not acquired")

// Release gives up a held lock. It is safe to call more than once.
type Release func()

// Locker acquires a named exclusive lock, blocking until it is held or ctx ends.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Memory is an in-process Locker keyed by name.
type Memory struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemory returns an empty in-process Locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]chan struct{})}
}

func (m *Memory) Acquire(ctx context.Context, key string) (Release, error) {
	for {
		m.mu.Lock()
		wait, busy := m.held[key]
		if !busy {
			done := make(chan struct{})
			m.held[key] = done
			m.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.held, key)
					m.mu.Unlock()
					close(done)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, eris.Wrapf(ErrNotAcquired, "key %s: %v", key, ctx.Err())
		case <-wait:
		}
	}
}
