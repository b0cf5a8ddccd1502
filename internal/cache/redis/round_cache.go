package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// defaultRoundTTL bounds how long a cached snapshot survives without a write.
const defaultRoundTTL = 30 * time.Minute

// RoundCache implements domain.RoundCache. Each round is stored as a JSON
// snapshot under round:<address> with a sliding TTL; a miss falls back to
// the round store.
type RoundCache struct {
	client *Client
	rdb    *redis.Client
	ttl    time.Duration
}

// NewRoundCache creates a RoundCache. A non-positive ttl uses the default.
func NewRoundCache(c *Client, ttl time.Duration) *RoundCache {
	if ttl <= 0 {
		ttl = defaultRoundTTL
	}
	return &RoundCache{client: c, rdb: c.Underlying(), ttl: ttl}
}

// RoundKey is the cache key for a round snapshot.
func RoundKey(addr common.Address) string {
	return "round:" + addr.Hex()
}

// Set stores the snapshot, replacing any previous value.
func (rc *RoundCache) Set(ctx context.Context, snap domain.RoundSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal round %s: %w", snap.Address.Hex(), err)
	}
	if err := rc.rdb.Set(ctx, rc.client.Key(RoundKey(snap.Address)), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set round %s: %w", snap.Address.Hex(), err)
	}
	return nil
}

// Get returns the cached snapshot or domain.ErrNotFound on a miss.
func (rc *RoundCache) Get(ctx context.Context, addr common.Address) (domain.RoundSnapshot, error) {
	data, err := rc.rdb.Get(ctx, rc.client.Key(RoundKey(addr))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.RoundSnapshot{}, fmt.Errorf("redis: round %s: %w", addr.Hex(), domain.ErrNotFound)
		}
		return domain.RoundSnapshot{}, fmt.Errorf("redis: get round %s: %w", addr.Hex(), err)
	}
	var snap domain.RoundSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.RoundSnapshot{}, fmt.Errorf("redis: unmarshal round %s: %w", addr.Hex(), err)
	}
	return snap, nil
}

// Invalidate drops the cached snapshot.
func (rc *RoundCache) Invalidate(ctx context.Context, addr common.Address) error {
	if err := rc.rdb.Del(ctx, rc.client.Key(RoundKey(addr))).Err(); err != nil {
		return fmt.Errorf("redis: invalidate round %s: %w", addr.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RoundCache = (*RoundCache)(nil)
