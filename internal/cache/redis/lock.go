package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// releaseLua deletes the lock only while it still carries the holder's token.
// A holder whose TTL lapsed must not free the lock a later caller now owns.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// releaseTimeout bounds the release round trip. Release runs on a detached
// context because round handlers release after their request context ends.
const releaseTimeout = 5 * time.Second

// LockManager serialises mutations of a single round (domain.RoundLockKey)
// and records replay digests across API replicas. Locks are SET NX keys
// holding a random token and expire after their TTL.
type LockManager struct {
	client  *Client
	release *redis.Script
}

func NewLockManager(c *Client) *LockManager {
	return &LockManager{client: c, release: redis.NewScript(releaseLua)}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock or fails fast with domain.ErrLockHeld; callers do
// not queue. The returned release func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("redis: lock %s: non-positive ttl %s", key, ttl)
	}
	rdb := lm.client.Underlying()
	name := lm.client.Key(lockKey(key))
	token := uuid.NewString()

	ok, err := rdb.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = lm.release.Run(rctx, rdb, []string{name}, token).Err()
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
