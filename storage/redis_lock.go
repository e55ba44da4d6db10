package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskmaster/domain"
)

const (
	defaultLockTTL  = domain.DefaultWriteTimeout + 15*time.Second
	lockPollInitial = 5 * time.Millisecond
	lockPollMax     = 100 * time.Millisecond
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serialises bucket mutations across processes with Redis
// SET NX locks. A lock expires after its TTL if the holder dies.
type RedisLocker struct {
	client  *redis.Client
	timeout time.Duration
	ttl     time.Duration
}

// NewRedisLocker creates a locker that waits up to timeout for a lock. The
// ttl must exceed the longest commit made under the lock.
func NewRedisLocker(client *redis.Client, timeout, ttl time.Duration) *RedisLocker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, timeout: timeout, ttl: ttl}
}

func lockKey(key string) string {
	return "lock:bucket:" + key
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)
	deadline := time.Now().Add(l.timeout)
	wait := lockPollInitial
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: acquire lock: %v", domain.ErrStoreUnavailable, err)
		}
		if ok {
			return func() {
				_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{k}, token).Err()
			}, nil
		}
		if time.Now().Add(wait).After(deadline) {
			return nil, fmt.Errorf("%w: bucket busy", domain.ErrConflict)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > lockPollMax {
			wait = lockPollMax
		}
	}
}
