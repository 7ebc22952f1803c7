package lock

import (
	"context"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

// MemoryManager is an in-process lock manager for tests and single-node
// deployments. Locks are plain named mutexes with no owner tracking, matching
// the session-scoped semantics of the database-backed managers.
type MemoryManager struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewMemoryManager creates an empty in-memory lock manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{held: make(map[string]bool)}
}

// Acquire polls for the named lock until it is free or the wait budget
// elapses.
func (m *MemoryManager) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		if m.tryAcquire(name) {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

// Release frees the named lock. Returns false if the lock was not held.
func (m *MemoryManager) Release(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.held[name] {
		return false, nil
	}
	delete(m.held, name)
	return true, nil
}

func (m *MemoryManager) tryAcquire(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[name] {
		return false
	}
	m.held[name] = true
	return true
}
