// Package authority implements the multi-signer resolver group that acts as
// a round's resolver authority when more than one resolver is configured.
package authority

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/crypto"
	"github.com/alanyoungcy/betcha/internal/domain"
)

// Settler is the one capability a group needs from a round.
type Settler interface {
	Settle(ctx context.Context, call domain.Call, outcome domain.Side) (domain.Event, error)
}

// RoundLookup finds the round a proposal targets.
type RoundLookup func(addr common.Address) (Settler, error)

type proposalKey struct {
	round   common.Address
	outcome domain.Side
}

// Approval reports the state of a proposal after a member approved it.
type Approval struct {
	Round     common.Address
	Outcome   domain.Side
	Approvals int
	Threshold int
	Executed  bool
	Event     *domain.Event
}

// Group is a threshold signer set. Once Threshold distinct members approve
// the same (round, outcome) proposal, the group settles the round with its
// own address as the caller.
type Group struct {
	mu sync.Mutex

	address   common.Address
	members   []common.Address
	isMember  map[common.Address]bool
	threshold int
	chainID   int64
	lookup    RoundLookup

	nonce     uint64
	approvals map[proposalKey][]common.Address
	createdAt time.Time
}

// DefaultThreshold is a strict majority of n members.
func DefaultThreshold(n int) int {
	return n/2 + 1
}

// NewGroup creates a group at addr. A threshold of zero selects the
// majority default.
func NewGroup(addr common.Address, members []common.Address, threshold int, chainID int64, lookup RoundLookup, now time.Time) (*Group, error) {
	if len(members) == 0 {
		return nil, domain.ErrNoResolvers
	}
	g := &Group{
		address:   addr,
		isMember:  make(map[common.Address]bool, len(members)),
		chainID:   chainID,
		lookup:    lookup,
		approvals: make(map[proposalKey][]common.Address),
		createdAt: now,
	}
	for _, m := range members {
		if m == (common.Address{}) {
			return nil, domain.ErrZeroResolver
		}
		if g.isMember[m] {
			continue
		}
		g.isMember[m] = true
		g.members = append(g.members, m)
	}
	if threshold == 0 {
		threshold = DefaultThreshold(len(g.members))
	}
	if threshold < 1 || threshold > len(g.members) {
		return nil, fmt.Errorf("authority: threshold %d of %d: %w", threshold, len(g.members), domain.ErrInvalidThreshold)
	}
	g.threshold = threshold
	return g, nil
}

// Address returns the group's authority identity.
func (g *Group) Address() common.Address { return g.address }

// Threshold returns the number of approvals needed to execute.
func (g *Group) Threshold() int { return g.threshold }

// Members returns the member list in configuration order.
func (g *Group) Members() []common.Address {
	out := make([]common.Address, len(g.members))
	copy(out, g.members)
	return out
}

// IsMember reports whether addr belongs to the group.
func (g *Group) IsMember(addr common.Address) bool {
	return g.isMember[addr]
}

// Nonce returns the number of successful executions.
func (g *Group) Nonce() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonce
}

// Approve records member's approval of settling round with outcome and
// executes the settlement once the threshold is met. If execution fails the
// approvals are kept, the returned Approval is still valid and the error
// carries the round's rejection; Execute retries later.
func (g *Group) Approve(ctx context.Context, member, round common.Address, outcome domain.Side) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.approveLocked(ctx, member, round, outcome)
}

func (g *Group) approveLocked(ctx context.Context, member, round common.Address, outcome domain.Side) (Approval, error) {
	if !g.isMember[member] {
		return Approval{}, domain.ErrNotMember
	}
	key := proposalKey{round, outcome}
	for _, m := range g.approvals[key] {
		if m == member {
			return Approval{}, domain.ErrAlreadyApproved
		}
	}
	g.approvals[key] = append(g.approvals[key], member)

	res := g.statusLocked(key)
	if res.Approvals < g.threshold {
		return res, nil
	}
	return g.executeLocked(ctx, key)
}

// SubmitSignature recovers the signer of an EIP-712 Settlement approval at
// the current nonce and records it as that member's approval. The nonce
// cannot move between recovery and approval.
func (g *Group) SubmitSignature(ctx context.Context, round common.Address, outcome domain.Side, sigHex string) (Approval, common.Address, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg := crypto.Settlement{Group: g.address, Round: round, Outcome: bool(outcome), Nonce: g.nonce}
	signer, err := crypto.RecoverSettlementSigner(g.chainID, msg, sigHex)
	if err != nil {
		return Approval{}, common.Address{}, fmt.Errorf("authority: %w", domain.ErrBadSignature)
	}
	res, err := g.approveLocked(ctx, signer, round, outcome)
	return res, signer, err
}

// Execute settles a proposal that already has enough approvals.
func (g *Group) Execute(ctx context.Context, round common.Address, outcome domain.Side) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := proposalKey{round, outcome}
	if len(g.approvals[key]) < g.threshold {
		return g.statusLocked(key), domain.ErrBelowThreshold
	}
	return g.executeLocked(ctx, key)
}

func (g *Group) executeLocked(ctx context.Context, key proposalKey) (Approval, error) {
	res := g.statusLocked(key)
	target, err := g.lookup(key.round)
	if err != nil {
		return res, fmt.Errorf("authority: execute %s: %w", key.round.Hex(), err)
	}
	ev, err := target.Settle(ctx, domain.Call{From: g.address}, key.outcome)
	if err != nil {
		return res, fmt.Errorf("authority: execute %s: %w", key.round.Hex(), err)
	}

	g.nonce++
	for k := range g.approvals {
		if k.round == key.round {
			delete(g.approvals, k)
		}
	}
	res.Executed = true
	res.Event = &ev
	return res, nil
}

func (g *Group) statusLocked(key proposalKey) Approval {
	return Approval{
		Round:     key.round,
		Outcome:   key.outcome,
		Approvals: len(g.approvals[key]),
		Threshold: g.threshold,
	}
}

// Pending returns the approval count for a proposal.
func (g *Group) Pending(round common.Address, outcome domain.Side) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.approvals[proposalKey{round, outcome}])
}

// Snapshot captures the group for persistence. Approvals are ordered by
// round address, then outcome.
func (g *Group) Snapshot() domain.GroupSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := domain.GroupSnapshot{
		Address:   g.address,
		Members:   g.Members(),
		Threshold: g.threshold,
		Nonce:     g.nonce,
		CreatedAt: g.createdAt,
	}
	for k, ms := range g.approvals {
		members := make([]common.Address, len(ms))
		copy(members, ms)
		snap.Approvals = append(snap.Approvals, domain.ApprovalSnapshot{
			Round:   k.round,
			Outcome: k.outcome,
			Members: members,
		})
	}
	sort.Slice(snap.Approvals, func(i, j int) bool {
		a, b := snap.Approvals[i], snap.Approvals[j]
		if a.Round != b.Round {
			return a.Round.Cmp(b.Round) < 0
		}
		return !bool(a.Outcome) && bool(b.Outcome)
	})
	return snap
}

// RestoreGroup rebuilds a group from a snapshot.
func RestoreGroup(snap domain.GroupSnapshot, chainID int64, lookup RoundLookup) (*Group, error) {
	g, err := NewGroup(snap.Address, snap.Members, snap.Threshold, chainID, lookup, snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.nonce = snap.Nonce
	for _, a := range snap.Approvals {
		key := proposalKey{a.Round, a.Outcome}
		for _, m := range a.Members {
			if !g.isMember[m] {
				return nil, fmt.Errorf("authority: restore %s: approval by non-member %s", snap.Address.Hex(), m.Hex())
			}
			g.approvals[key] = append(g.approvals[key], m)
		}
	}
	return g, nil
}
