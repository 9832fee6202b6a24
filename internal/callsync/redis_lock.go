package callsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// RedisLock provides TTL-guarded mutual exclusion across processes. It is
// used both for the scheduler tick single-flight guard and for
// serializing webhook processing per call_id.
type RedisLock struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLock constructs a lock helper for the given key prefix.
func NewRedisLock(client *redis.Client, prefix string, ttl time.Duration) *RedisLock {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire attempts to take the lock. It returns a release token on
// success; ok is false when another holder owns the lock.
func (l *RedisLock) Acquire(ctx context.Context, key string) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key(key), token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis lock acquire: %w", err)
	}
	return token, ok, nil
}

// Release frees the lock if the token still owns it. A lock that expired
// and was re-acquired elsewhere is left untouched.
func (l *RedisLock) Release(ctx context.Context, key, token string) error {
	script := redis.NewScript(`
local key = KEYS[1]
if redis.call('GET', key) == ARGV[1] then
  return redis.call('DEL', key)
end
return 0
`)
	if _, err := script.Run(ctx, l.client, []string{l.key(key)}, token).Int(); err != nil {
		return fmt.Errorf("redis lock release: %w", err)
	}
	return nil
}

// WaitAcquire retries Acquire until it succeeds or the context ends.
func (l *RedisLock) WaitAcquire(ctx context.Context, key string, pollEvery time.Duration) (string, error) {
	if pollEvery <= 0 {
		pollEvery = 50 * time.Millisecond
	}
	for {
		token, ok, err := l.Acquire(ctx, key)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func (l *RedisLock) key(key string) string {
	return fmt.Sprintf("survey:%s:%s", l.prefix, key)
}
