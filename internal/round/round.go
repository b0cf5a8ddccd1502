// Package round implements the wagering escrow state machine. A Round holds
// the stakes of every participant until the resolver authority fixes the
// outcome, then pays each winner an equal share of the pool.
package round

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Round is one escrowed wagering event. Every mutating method runs under the
// round's mutex and either commits all of its effects or none of them: all
// preconditions are checked before the single fund transfer, and state is
// written only after the transfer succeeded.
type Round struct {
	mu sync.Mutex

	address common.Address
	factory common.Address
	ledger  domain.ValueTransfer
	clock   domain.Clock

	initialized           bool
	asset                 common.Address
	stake                 *big.Int
	authority             common.Address
	wagerDeadlineAt       time.Time
	settlementAvailableAt time.Time
	metadataURI           string

	sides        map[common.Address]domain.Side
	order        []common.Address
	sideCounts   map[domain.Side]uint64
	participants uint64
	totalWagered *big.Int

	outcome   *domain.Side
	settledAt time.Time
	claimed   map[common.Address]bool
	paidOut   *big.Int

	seq       uint64
	events    []domain.Event
	createdAt time.Time
	updatedAt time.Time
}

func newRound(addr, factory common.Address, ledger domain.ValueTransfer, clock domain.Clock) *Round {
	return &Round{
		address:      addr,
		factory:      factory,
		ledger:       ledger,
		clock:        clock,
		stake:        new(big.Int),
		sides:        make(map[common.Address]domain.Side),
		sideCounts:   make(map[domain.Side]uint64, 2),
		totalWagered: new(big.Int),
		claimed:      make(map[common.Address]bool),
		paidOut:      new(big.Int),
	}
}

// ValidateParams checks the settings Initialize enforces without touching
// any round.
func ValidateParams(p domain.RoundParams) error {
	if p.StakeAmount == nil || p.StakeAmount.Sign() <= 0 {
		return domain.ErrZeroStake
	}
	if p.ResolverAuthority == (common.Address{}) {
		return domain.ErrZeroResolver
	}
	if p.SettlementAvailableAt.Unix() <= p.WagerDeadlineAt.Unix() {
		return domain.ErrInvalidWindows
	}
	return nil
}

// Initialize performs the one-time setup. A second call fails with
// ErrAlreadyInitialized.
func (r *Round) Initialize(p domain.RoundParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return domain.ErrAlreadyInitialized
	}
	if err := ValidateParams(p); err != nil {
		return err
	}

	now := r.clock.Now()
	r.initialized = true
	r.asset = p.WagerAsset
	r.stake = new(big.Int).Set(p.StakeAmount)
	r.authority = p.ResolverAuthority
	r.wagerDeadlineAt = p.WagerDeadlineAt.UTC()
	r.settlementAvailableAt = p.SettlementAvailableAt.UTC()
	r.metadataURI = p.MetadataURI
	r.createdAt = now
	r.updatedAt = now
	return nil
}

// Wager records the caller as a participant on side and takes custody of
// exactly one stake.
func (r *Round) Wager(ctx context.Context, call domain.Call, side domain.Side) (domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return domain.Event{}, domain.ErrNotInitialized
	}
	now := r.clock.Now()
	if now.Unix() > r.wagerDeadlineAt.Unix() {
		return domain.Event{}, domain.ErrWagerDeadlinePassed
	}
	if _, ok := r.sides[call.From]; ok {
		return domain.Event{}, domain.ErrAlreadyWagered
	}

	value := call.AttachedValue()
	if domain.IsNative(r.asset) {
		switch value.Cmp(r.stake) {
		case -1:
			return domain.Event{}, domain.ErrInsufficientWager
		case 1:
			return domain.Event{}, domain.ErrExcessWager
		}
	} else if value.Sign() != 0 {
		return domain.Event{}, domain.ErrUnexpectedValue
	}

	if err := r.ledger.PullInto(ctx, r.asset, call.From, r.address, r.stake); err != nil {
		return domain.Event{}, fmt.Errorf("round: wager: %w", err)
	}

	r.sides[call.From] = side
	r.order = append(r.order, call.From)
	r.sideCounts[side]++
	r.participants++
	r.totalWagered.Add(r.totalWagered, r.stake)
	r.updatedAt = now

	s := side
	return r.emit(domain.Event{
		Type:        domain.EventWagered,
		Caller:      call.From,
		Participant: call.From,
		Asset:       r.asset,
		Amount:      new(big.Int).Set(r.stake),
		Side:        &s,
		BlockTime:   now,
	}), nil
}

// Settle fixes the outcome. Only the resolver authority may call it, once,
// and not before the settlement window opens.
func (r *Round) Settle(_ context.Context, call domain.Call, outcome domain.Side) (domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return domain.Event{}, domain.ErrNotInitialized
	}
	if call.From != r.authority {
		return domain.Event{}, domain.ErrNotResolver
	}
	if r.outcome != nil {
		return domain.Event{}, domain.ErrAlreadySettled
	}
	now := r.clock.Now()
	if now.Unix() < r.settlementAvailableAt.Unix() {
		return domain.Event{}, domain.ErrWaitLonger
	}

	o := outcome
	r.outcome = &o
	r.settledAt = now
	r.updatedAt = now

	return r.emit(domain.Event{
		Type:      domain.EventSettled,
		Caller:    call.From,
		Asset:     r.asset,
		Outcome:   &o,
		BlockTime: now,
	}), nil
}

// Claim pays participant its share of the pool. Anyone may trigger it; the
// payout always goes to the participant.
func (r *Round) Claim(ctx context.Context, call domain.Call, participant common.Address) (domain.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return domain.Event{}, domain.ErrNotInitialized
	}
	if r.outcome == nil {
		return domain.Event{}, domain.ErrNotSettled
	}
	side, ok := r.sides[participant]
	if !ok {
		return domain.Event{}, domain.ErrDidNotWager
	}
	if side != *r.outcome {
		return domain.Event{}, domain.ErrDidNotWin
	}
	if r.claimed[participant] {
		return domain.Event{}, domain.ErrAlreadyClaimed
	}

	payout := r.payoutLocked()
	if err := r.ledger.Push(ctx, r.asset, r.address, participant, payout); err != nil {
		return domain.Event{}, fmt.Errorf("round: claim: %w", err)
	}

	now := r.clock.Now()
	r.claimed[participant] = true
	r.paidOut.Add(r.paidOut, payout)
	r.updatedAt = now

	return r.emit(domain.Event{
		Type:        domain.EventPayout,
		Caller:      call.From,
		Participant: participant,
		Asset:       r.asset,
		Amount:      new(big.Int).Set(payout),
		BlockTime:   now,
	}), nil
}

// payoutLocked is floor(totalWagered / winners). Callers guarantee at least
// one winner exists.
func (r *Round) payoutLocked() *big.Int {
	winners := new(big.Int).SetUint64(r.sideCounts[*r.outcome])
	return new(big.Int).Quo(r.totalWagered, winners)
}

func (r *Round) emit(ev domain.Event) domain.Event {
	r.seq++
	ev.ID = uuid.NewString()
	ev.Round = r.address
	ev.Seq = r.seq
	r.events = append(r.events, ev)
	return ev
}

// Address returns the round's own identity, its custody account.
func (r *Round) Address() common.Address {
	return r.address
}

// Authority returns the identity allowed to settle.
func (r *Round) Authority() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authority
}

// Asset returns the wager asset.
func (r *Round) Asset() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asset
}

// StakeAmount returns a copy of the fixed stake.
func (r *Round) StakeAmount() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.stake)
}

// IsParticipating reports whether addr has wagered.
func (r *Round) IsParticipating(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sides[addr]
	return ok
}

// TotalParticipants returns the number of recorded wagers.
func (r *Round) TotalParticipants() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participants
}

// TotalWageredAmount returns a copy of the pooled stake.
func (r *Round) TotalWageredAmount() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.totalWagered)
}

// HasClaimed reports whether addr has already been paid.
func (r *Round) HasClaimed(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claimed[addr]
}

// Outcome returns the settled outcome, if any.
func (r *Round) Outcome() (domain.Side, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return false, false
	}
	return *r.outcome, true
}

// Phase derives the lifecycle state at the current block time.
func (r *Round) Phase() domain.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseLocked(r.clock.Now())
}

func (r *Round) phaseLocked(now time.Time) domain.Phase {
	switch {
	case !r.initialized:
		return domain.PhaseUninitialized
	case r.outcome != nil:
		return domain.PhaseSettled
	case now.Unix() > r.wagerDeadlineAt.Unix():
		return domain.PhaseAwaitingSettlement
	default:
		return domain.PhaseOpen
	}
}

// WinnerCount returns the number of participants on the settled side, or
// zero before settlement.
func (r *Round) WinnerCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return 0
	}
	return r.sideCounts[*r.outcome]
}

// PayoutAmount returns what each winner receives.
func (r *Round) PayoutAmount() (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return nil, domain.ErrNotSettled
	}
	if r.sideCounts[*r.outcome] == 0 {
		return new(big.Int), nil
	}
	return r.payoutLocked(), nil
}

// PaidOut returns the sum of all payouts so far.
func (r *Round) PaidOut() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return new(big.Int).Set(r.paidOut)
}

// Dust returns the part of the pool no winner can ever claim: the division
// remainder, or the whole pool when nobody picked the winning side.
func (r *Round) Dust() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcome == nil {
		return new(big.Int)
	}
	winners := r.sideCounts[*r.outcome]
	if winners == 0 {
		return new(big.Int).Set(r.totalWagered)
	}
	return new(big.Int).Rem(r.totalWagered, new(big.Int).SetUint64(winners))
}

// Participants lists every wager in insertion order.
func (r *Round) Participants() []domain.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.participantsLocked()
}

func (r *Round) participantsLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(r.order))
	for _, a := range r.order {
		out = append(out, domain.Participant{
			Address: a,
			Side:    r.sides[a],
			Claimed: r.claimed[a],
		})
	}
	return out
}

// Seq returns the sequence number of the latest event.
func (r *Round) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Events returns a copy of the round's event log.
func (r *Round) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Snapshot captures the complete state for persistence.
func (r *Round) Snapshot() domain.RoundSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := domain.RoundSnapshot{
		Address:               r.address,
		Factory:               r.factory,
		WagerAsset:            r.asset,
		StakeAmount:           new(big.Int).Set(r.stake),
		ResolverAuthority:     r.authority,
		WagerDeadlineAt:       r.wagerDeadlineAt,
		SettlementAvailableAt: r.settlementAvailableAt,
		MetadataURI:           r.metadataURI,
		Participants:          r.participantsLocked(),
		TotalParticipants:     r.participants,
		TotalWageredAmount:    new(big.Int).Set(r.totalWagered),
		PaidOut:               new(big.Int).Set(r.paidOut),
		EventSeq:              r.seq,
		CreatedAt:             r.createdAt,
		UpdatedAt:             r.updatedAt,
	}
	if r.outcome != nil {
		o := *r.outcome
		at := r.settledAt
		snap.Outcome = &o
		snap.SettledAt = &at
	}
	return snap
}
