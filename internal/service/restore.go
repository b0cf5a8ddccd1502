package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/betcha/internal/domain"
)

// restorePageSize bounds each round page read during Restore.
const restorePageSize = 500

// Restore reloads groups and rounds from storage into the registry and
// advances the factory nonce past every persisted round. It is a no-op
// without a round store.
func (s *RoundService) Restore(ctx context.Context) error {
	if s.rounds == nil {
		return nil
	}

	if s.groupStore != nil {
		snaps, err := s.groupStore.List(ctx)
		if err != nil {
			return fmt.Errorf("service: restore groups: %w", err)
		}
		if err := s.groups.Restore(snaps); err != nil {
			return fmt.Errorf("service: restore groups: %w", err)
		}
		s.logger.InfoContext(ctx, "groups restored", slog.Int("count", len(snaps)))
	}

	restored := 0
	for offset := 0; ; offset += restorePageSize {
		snaps, err := s.rounds.List(ctx, domain.ListOpts{Limit: restorePageSize, Offset: offset})
		if err != nil {
			return fmt.Errorf("service: restore rounds: %w", err)
		}
		for _, snap := range snaps {
			if _, err := s.registry.Get(snap.Address); err == nil {
				continue
			}
			var evs []domain.Event
			if s.events != nil {
				evs, err = s.events.ListByRound(ctx, snap.Address)
				if err != nil {
					return fmt.Errorf("service: restore events %s: %w", snap.Address.Hex(), err)
				}
			}
			r, err := s.template.Restore(snap, evs)
			if err != nil {
				return fmt.Errorf("service: restore round %s: %w", snap.Address.Hex(), err)
			}
			if err := s.registry.Register(r); err != nil {
				return fmt.Errorf("service: restore round %s: %w", snap.Address.Hex(), err)
			}
			s.rememberCreated(snap.Address, evs)
			restored++
		}
		if len(snaps) < restorePageSize {
			break
		}
	}

	count, err := s.rounds.Count(ctx)
	if err != nil {
		return fmt.Errorf("service: restore count: %w", err)
	}
	s.factory.SetNonce(uint64(count))

	s.logger.InfoContext(ctx, "rounds restored",
		slog.Int("count", restored),
		slog.Uint64("factory_nonce", s.factory.Nonce()),
	)
	return nil
}
