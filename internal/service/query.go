package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// RoundView is a snapshot plus the projections derived from it.
type RoundView struct {
	domain.RoundSnapshot
	Phase        domain.Phase `json:"phase"`
	WinnerCount  uint64       `json:"winner_count"`
	PayoutAmount *big.Int     `json:"payout_amount,omitempty"`
	Dust         *big.Int     `json:"dust,omitempty"`
}

// ParticipantView answers whether an address wagered on a round.
type ParticipantView struct {
	Round         common.Address `json:"round"`
	Address       common.Address `json:"address"`
	Participating bool           `json:"participating"`
	Side          *domain.Side   `json:"side,omitempty"`
	Claimed       bool           `json:"claimed"`
}

// Round returns the round at addr, preferring the cache.
func (s *RoundService) Round(ctx context.Context, addr common.Address) (RoundView, error) {
	snap, err := s.snapshot(ctx, addr)
	if err != nil {
		return RoundView{}, err
	}
	return s.view(snap), nil
}

func (s *RoundService) snapshot(ctx context.Context, addr common.Address) (domain.RoundSnapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.Get(ctx, addr)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "cache read failed",
				slog.String("round", addr.Hex()),
				slog.String("error", err.Error()),
			)
		}
	}

	r, err := s.registry.Get(addr)
	if err != nil {
		return domain.RoundSnapshot{}, fmt.Errorf("service: %w", err)
	}
	return r.Snapshot(), nil
}

func (s *RoundService) view(snap domain.RoundSnapshot) RoundView {
	v := RoundView{RoundSnapshot: snap, Phase: snap.PhaseAt(s.clock.Now())}
	if snap.Outcome == nil {
		return v
	}
	for _, p := range snap.Participants {
		if p.Side == *snap.Outcome {
			v.WinnerCount++
		}
	}
	total := snap.TotalWageredAmount
	if total == nil {
		total = new(big.Int)
	}
	if v.WinnerCount == 0 {
		v.PayoutAmount = new(big.Int)
		v.Dust = new(big.Int).Set(total)
		return v
	}
	winners := new(big.Int).SetUint64(v.WinnerCount)
	v.PayoutAmount, v.Dust = new(big.Int).QuoRem(total, winners, new(big.Int))
	return v
}

// ListRounds pages through rounds, newest first.
func (s *RoundService) ListRounds(ctx context.Context, opts domain.ListOpts) ([]RoundView, error) {
	var snaps []domain.RoundSnapshot
	if s.rounds != nil {
		var err error
		snaps, err = s.rounds.List(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("service: list rounds: %w", err)
		}
	} else {
		all := s.registry.List()
		for i := len(all) - 1; i >= 0; i-- {
			snap := all[i].Snapshot()
			if opts.Since != nil && snap.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && snap.CreatedAt.After(*opts.Until) {
				continue
			}
			snaps = append(snaps, snap)
		}
		snaps = page(snaps, opts)
	}

	out := make([]RoundView, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.view(snap))
	}
	return out, nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

// Events returns the round's full log, RoundCreated first.
func (s *RoundService) Events(_ context.Context, addr common.Address) ([]domain.Event, error) {
	r, err := s.registry.Get(addr)
	if err != nil {
		return nil, fmt.Errorf("service: %w", err)
	}
	evs := r.Events()

	s.mu.Lock()
	created, ok := s.created[addr]
	s.mu.Unlock()
	if !ok {
		return evs, nil
	}
	return append([]domain.Event{created}, evs...), nil
}

// Participant reports participant's standing in the round at addr.
func (s *RoundService) Participant(_ context.Context, addr, participant common.Address) (ParticipantView, error) {
	r, err := s.registry.Get(addr)
	if err != nil {
		return ParticipantView{}, fmt.Errorf("service: %w", err)
	}
	v := ParticipantView{Round: addr, Address: participant}
	for _, p := range r.Participants() {
		if p.Address == participant {
			side := p.Side
			v.Participating = true
			v.Side = &side
			v.Claimed = p.Claimed
			break
		}
	}
	return v, nil
}

// Group returns the resolver group at addr.
func (s *RoundService) Group(_ context.Context, addr common.Address) (domain.GroupSnapshot, error) {
	g, err := s.groups.Group(addr)
	if err != nil {
		return domain.GroupSnapshot{}, fmt.Errorf("service: %w", err)
	}
	return g.Snapshot(), nil
}
