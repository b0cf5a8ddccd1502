package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// ReplayGuard remembers signed-call digests for as long as the call could
// still be valid.
type ReplayGuard interface {
	// Mark records digest and fails with domain.ErrReplayedCall if it was
	// already recorded within ttl.
	Mark(ctx context.Context, digest string, ttl time.Duration) error
}

// MemoryReplayGuard is an in-process ReplayGuard. It is safe for concurrent
// use.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time // digest -> expiry
	now  func() time.Time
}

// NewMemoryReplayGuard creates an empty MemoryReplayGuard.
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Mark implements ReplayGuard.
func (g *MemoryReplayGuard) Mark(_ context.Context, digest string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if exp, ok := g.seen[digest]; ok && now.Before(exp) {
		return domain.ErrReplayedCall
	}
	g.seen[digest] = now.Add(ttl)
	return nil
}

// Cleanup removes expired digests. Call it periodically to bound memory.
func (g *MemoryReplayGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for d, exp := range g.seen {
		if !now.Before(exp) {
			delete(g.seen, d)
		}
	}
}

// Len returns the number of remembered digests.
func (g *MemoryReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

// LockReplayGuard shares replay protection across instances by taking a
// lock per digest that is never released and expires with the call.
type LockReplayGuard struct {
	locks domain.LockManager
}

// NewLockReplayGuard creates a LockReplayGuard over locks.
func NewLockReplayGuard(locks domain.LockManager) *LockReplayGuard {
	return &LockReplayGuard{locks: locks}
}

// Mark implements ReplayGuard.
func (g *LockReplayGuard) Mark(ctx context.Context, digest string, ttl time.Duration) error {
	if _, err := g.locks.Acquire(ctx, "replay:"+digest, ttl); err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ErrReplayedCall
		}
		return fmt.Errorf("service: replay guard: %w", err)
	}
	return nil
}
