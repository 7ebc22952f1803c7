package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisPollInterval = 50 * time.Millisecond
	redisLockPrefix   = "lock:"
)

// releaseScript deletes the lock key only when this manager's token still
// owns it, so an expired-and-reacquired lock is never released by the old
// holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisManager implements Manager on Redis SET NX with a TTL. The TTL bounds
// how long a crashed holder can block other processes; the saga id lock is
// held for a whole Execute call, so the TTL must exceed the longest saga.
type RedisManager struct {
	client *redis.Client
	ttl    time.Duration
	token  string
}

// NewRedisManager creates a Redis lock manager whose locks expire after ttl.
func NewRedisManager(client *redis.Client, ttl time.Duration) *RedisManager {
	return &RedisManager{
		client: client,
		ttl:    ttl,
		token:  uuid.NewString(),
	}
}

// Acquire polls SET NX until the lock is obtained or the wait budget elapses.
func (m *RedisManager) Acquire(ctx context.Context, name string, wait time.Duration) (bool, error) {
	key := redisLockPrefix + name
	deadline := time.Now().Add(wait)

	for {
		acquired, err := m.client.SetNX(ctx, key, m.token, m.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("acquire redis lock %q: %w", name, err)
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(redisPollInterval):
		}
	}
}

// Release frees the lock if this manager still owns it.
func (m *RedisManager) Release(ctx context.Context, name string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, m.client, []string{redisLockPrefix + name}, m.token).Int()
	if err != nil {
		return false, fmt.Errorf("release redis lock %q: %w", name, err)
	}
	return deleted == 1, nil
}
