package round

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// Template is the shared round logic. Every clone reuses the template's
// ledger and clock but keeps independent state under its own address.
type Template struct {
	address common.Address
	factory common.Address
	ledger  domain.ValueTransfer
	clock   domain.Clock
}

// NewTemplate creates the round logic deployed once per factory.
func NewTemplate(addr, factory common.Address, ledger domain.ValueTransfer, clock domain.Clock) *Template {
	return &Template{
		address: addr,
		factory: factory,
		ledger:  ledger,
		clock:   clock,
	}
}

// Address returns the template's own identity.
func (t *Template) Address() common.Address {
	return t.address
}

// Factory returns the factory that owns this template.
func (t *Template) Factory() common.Address {
	return t.factory
}

// Clone returns a fresh, uninitialized round at addr.
func (t *Template) Clone(addr common.Address) *Round {
	return newRound(addr, t.factory, t.ledger, t.clock)
}

// Restore rebuilds a round from a persisted snapshot and its event log.
// Events with Seq 0 belong to the factory and are skipped. Events past the
// snapshot's EventSeq were stored after the snapshot was last saved and are
// applied on top of it.
func (t *Template) Restore(snap domain.RoundSnapshot, events []domain.Event) (*Round, error) {
	r := t.Clone(snap.Address)
	if err := r.Initialize(domain.RoundParams{
		WagerAsset:            snap.WagerAsset,
		StakeAmount:           snap.StakeAmount,
		ResolverAuthority:     snap.ResolverAuthority,
		WagerDeadlineAt:       snap.WagerDeadlineAt,
		SettlementAvailableAt: snap.SettlementAvailableAt,
		MetadataURI:           snap.MetadataURI,
	}); err != nil {
		return nil, fmt.Errorf("round: restore %s: %w", snap.Address.Hex(), err)
	}

	if snap.Factory != (common.Address{}) {
		r.factory = snap.Factory
	}
	for _, p := range snap.Participants {
		if _, dup := r.sides[p.Address]; dup {
			return nil, fmt.Errorf("round: restore %s: duplicate participant %s", snap.Address.Hex(), p.Address.Hex())
		}
		r.sides[p.Address] = p.Side
		r.order = append(r.order, p.Address)
		r.sideCounts[p.Side]++
		if p.Claimed {
			r.claimed[p.Address] = true
		}
	}
	r.participants = uint64(len(snap.Participants))
	r.totalWagered = new(big.Int).Mul(r.stake, new(big.Int).SetUint64(r.participants))
	if snap.TotalWageredAmount != nil && snap.TotalWageredAmount.Cmp(r.totalWagered) != 0 {
		return nil, fmt.Errorf("round: restore %s: total %s does not match %d stakes",
			snap.Address.Hex(), snap.TotalWageredAmount, r.participants)
	}
	if snap.Outcome != nil {
		o := *snap.Outcome
		r.outcome = &o
		if snap.SettledAt != nil {
			r.settledAt = snap.SettledAt.UTC()
		}
	}
	if snap.PaidOut != nil {
		r.paidOut = new(big.Int).Set(snap.PaidOut)
	}

	r.seq = snap.EventSeq
	r.createdAt = snap.CreatedAt
	r.updatedAt = snap.UpdatedAt
	for _, ev := range events {
		if ev.Seq == 0 {
			continue
		}
		if ev.Seq > r.seq {
			if ev.Seq != r.seq+1 {
				return nil, fmt.Errorf("round: restore %s: event %d follows %d", snap.Address.Hex(), ev.Seq, r.seq)
			}
			if err := r.apply(ev); err != nil {
				return nil, fmt.Errorf("round: restore %s: event %d: %w", snap.Address.Hex(), ev.Seq, err)
			}
			r.seq = ev.Seq
			r.updatedAt = ev.BlockTime
		}
		r.events = append(r.events, ev)
	}
	return r, nil
}

// apply folds an already committed event into the round's state.
func (r *Round) apply(ev domain.Event) error {
	switch ev.Type {
	case domain.EventWagered:
		if ev.Side == nil {
			return errors.New("wager without side")
		}
		if _, dup := r.sides[ev.Participant]; dup {
			return domain.ErrAlreadyWagered
		}
		r.sides[ev.Participant] = *ev.Side
		r.order = append(r.order, ev.Participant)
		r.sideCounts[*ev.Side]++
		r.participants++
		r.totalWagered.Add(r.totalWagered, r.stake)
	case domain.EventSettled:
		if ev.Outcome == nil {
			return errors.New("settlement without outcome")
		}
		if r.outcome != nil {
			return domain.ErrAlreadySettled
		}
		o := *ev.Outcome
		r.outcome = &o
		r.settledAt = ev.BlockTime.UTC()
	case domain.EventPayout:
		if r.claimed[ev.Participant] {
			return domain.ErrAlreadyClaimed
		}
		r.claimed[ev.Participant] = true
		if ev.Amount != nil {
			r.paidOut.Add(r.paidOut, ev.Amount)
		}
	default:
		return fmt.Errorf("unexpected event type %q", ev.Type)
	}
	return nil
}
