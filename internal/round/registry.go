package round

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Registry indexes live rounds by address.
type Registry struct {
	mu     sync.RWMutex
	rounds map[common.Address]*Round
	order  []common.Address
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{rounds: make(map[common.Address]*Round)}
}

// Register adds r. Registering the same address twice fails.
func (g *Registry) Register(r *Round) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rounds[r.Address()]; ok {
		return fmt.Errorf("round: register %s: %w", r.Address().Hex(), domain.ErrAlreadyExists)
	}
	g.rounds[r.Address()] = r
	g.order = append(g.order, r.Address())
	return nil
}

// Replace installs r in place of any round registered at its address.
func (g *Registry) Replace(r *Round) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.rounds[r.Address()]; !ok {
		g.order = append(g.order, r.Address())
	}
	g.rounds[r.Address()] = r
}

// Get returns the round at addr.
func (g *Registry) Get(addr common.Address) (*Round, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	r, ok := g.rounds[addr]
	if !ok {
		return nil, fmt.Errorf("round: %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	return r, nil
}

// List returns all rounds in registration order.
func (g *Registry) List() []*Round {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Round, 0, len(g.order))
	for _, a := range g.order {
		out = append(out, g.rounds[a])
	}
	return out
}

// Len returns the number of registered rounds.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}
