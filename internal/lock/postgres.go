package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/database"
)

const (
	pgPollInterval = 50 * time.Millisecond

	// defaultLeaseTTL bounds how long a crashed holder can block other
	// processes. The lock is held for a whole Execute call, so the TTL must
	// exceed the longest saga.
	defaultLeaseTTL = 10 * time.Minute
)

// PostgresManager implements Manager on a saga_locks table with a unique name
// key and a lease TTL. Session-scoped primitives like advisory locks do not
// survive connection pooling, where acquire and release may run on different
// pooled connections; a row with an owner token works on any connection and
// an expired row can be taken over by the next acquirer.
type PostgresManager struct {
	pool  database.DBTX
	ttl   time.Duration
	owner string
}

// PostgresOption configures a PostgresManager.
type PostgresOption func(*PostgresManager)

// WithLeaseTTL overrides how long an acquired lock may be held before another
// process can steal it.
func WithLeaseTTL(ttl time.Duration) PostgresOption {
	return func(m *PostgresManager) { m.ttl = ttl }
}

// NewPostgresManager creates a lock-table manager on the given pool.
func NewPostgresManager(pool database.DBTX, opts ...PostgresOption) *PostgresManager {
	m := &PostgresManager{
		pool:  pool,
		ttl:   defaultLeaseTTL,
		owner: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// acquireQuery inserts the lock row, or takes over a row whose lease expired.
// Exactly one row is affected on success and zero when the lock is held.
const acquireQuery = `
	INSERT INTO saga_locks (name, owner, acquired_at, expires_at)
	VALUES ($1, $2, now(), now() + $3)
	ON CONFLICT (name) DO UPDATE
	SET owner = EXCLUDED.owner, acquired_at = now(), expires_at = EXCLUDED.expires_at
	WHERE saga_locks.expires_at <= now()`

// Acquire polls the lock table until the row is inserted (or an expired lease
// is taken over) or the wait budget elapses.
func (m *PostgresManager) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)

	for {
		tag, err := m.pool.Exec(ctx, acquireQuery, name, m.owner, m.ttl)
		if err != nil {
			return false, fmt.Errorf("acquire lock %q: %w", name, err)
		}
		if tag.RowsAffected() == 1 {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pgPollInterval):
		}
	}
}

// Release deletes the lock row if this manager still owns it. A row stolen
// after lease expiry belongs to the new owner and is left alone.
func (m *PostgresManager) Release(ctx context.Context, name string) (bool, error) {
	tag, err := m.pool.Exec(ctx, `DELETE FROM saga_locks WHERE name = $1 AND owner = $2`, name, m.owner)
	if err != nil {
		return false, fmt.Errorf("release lock %q: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}
