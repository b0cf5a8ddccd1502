package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RoundCache provides fast snapshot reads.
type RoundCache interface {
	Set(ctx context.Context, snap RoundSnapshot) error
	Get(ctx context.Context, addr common.Address) (RoundSnapshot, error)
	Invalidate(ctx context.Context, addr common.Address) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Channel, stream and lock names shared by the service layer and the Redis
// adapters.
const (
	// EventsStream is the durable, ordered log of every round event.
	EventsStream = "stream:round_events"
	// AllRoundsPattern matches every per-round channel.
	AllRoundsPattern = "ch:round:*"
	// FactoryLockKey serializes round creation across instances.
	FactoryLockKey = "factory"
)

// RoundChannel is the pub/sub channel carrying one round's events.
func RoundChannel(addr common.Address) string {
	return "ch:round:" + addr.Hex()
}

// GroupLockKey is the lock name serializing approvals of one resolver group.
func GroupLockKey(addr common.Address) string {
	return "group:" + addr.Hex()
}

// RoundLockKey is the lock name serializing mutations of one round.
func RoundLockKey(addr common.Address) string {
	return "round:" + addr.Hex()
}
