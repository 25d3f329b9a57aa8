// Package lock provides a Redis-backed billing.Locker.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/coverage-engine/billing"
)

// DefaultTTL bounds how long a crashed holder can block an enrolment.
const DefaultTTL = 10 * time.Second

// ErrNotAcquired is returned when another holder owns the key. It is a
// concurrency conflict, so RecordPayment retries it.
var ErrNotAcquired = fmt.Errorf("lock not acquired: %w", billing.ErrConcurrencyConflict)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker takes SET NX PX locks, one token per acquisition.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ billing.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Lock acquires key or fails immediately with ErrNotAcquired.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	unlock := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("unlock %s: %w", key, err)
		}
		return nil
	}
	return unlock, nil
}

// NewClient creates a Redis client and pings it.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lock: ping redis: %w", err)
	}
	return client, nil
}
