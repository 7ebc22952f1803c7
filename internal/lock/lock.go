// Package lock provides named mutual-exclusion locks visible across all
// processes sharing the saga store. The orchestrator holds one lock per saga
// id for the duration of an Execute call; locks are never used per step.
package lock

import (
	"context"
	"time"
)

// Manager acquires and releases named advisory locks.
type Manager interface {
	// Acquire tries to take the named lock, polling until it is obtained or
	// the wait budget elapses. It returns false (without error) when the lock
	// is held elsewhere for the whole wait.
	Acquire(ctx context.Context, name string, wait time.Duration) (bool, error)

	// Release frees the named lock. Releasing a lock that is not held is not
	// an error; it returns false.
	Release(ctx context.Context, name string) (bool, error)
}
