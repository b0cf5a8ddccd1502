package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/betcha/internal/authority"
	"github.com/alanyoungcy/betcha/internal/domain"
	"github.com/alanyoungcy/betcha/internal/factory"
	"github.com/alanyoungcy/betcha/internal/ledger"
	"github.com/alanyoungcy/betcha/internal/round"
	"github.com/alanyoungcy/betcha/internal/service"
)

// tokenLedger is a ledger that can also enumerate its tokens.
type tokenLedger interface {
	domain.Ledger
	service.TokenLister
}

// buildLedger selects the balance backend and makes sure every configured
// token exists on it.
func (a *App) buildLedger(ctx context.Context, deps *Dependencies) (tokenLedger, error) {
	symbols := make([]string, 0, len(a.cfg.Ledger.Tokens))
	for sym := range a.cfg.Ledger.Tokens {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	if a.cfg.Ledger.Backend == "memory" {
		mem := ledger.NewMemory()
		for _, sym := range symbols {
			addr := mem.DeployToken(a.cfg.Ledger.Tokens[sym], sym)
			a.logger.InfoContext(ctx, "token deployed",
				slog.String("symbol", sym),
				slog.String("address", addr.Hex()),
			)
		}
		return mem, nil
	}

	existing, err := deps.PGLedger.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: list tokens: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.Symbol] = true
	}
	for _, sym := range symbols {
		if have[sym] {
			continue
		}
		addr, err := deps.PGLedger.DeployToken(ctx, a.cfg.Ledger.Tokens[sym], sym)
		if err != nil {
			return nil, fmt.Errorf("app: deploy token %s: %w", sym, err)
		}
		a.logger.InfoContext(ctx, "token deployed",
			slog.String("symbol", sym),
			slog.String("address", addr.Hex()),
		)
	}
	return deps.PGLedger, nil
}

// buildService assembles the round engine on top of deps and restores the
// persisted rounds and groups into it.
func (a *App) buildService(ctx context.Context, deps *Dependencies) (*service.RoundService, error) {
	l, err := a.buildLedger(ctx, deps)
	if err != nil {
		return nil, err
	}

	chain := a.cfg.Chain
	clock := ledger.BlockClock{}
	registry := round.NewRegistry()
	lookup := func(addr common.Address) (authority.Settler, error) {
		r, err := registry.Get(addr)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	groups := authority.NewProvisioner(authority.ProvisionerConfig{
		ProxyDeployer:     common.HexToAddress(chain.ProxyDeployer),
		AuthorityTemplate: common.HexToAddress(chain.AuthorityTemplate),
		Threshold:         a.cfg.Authority.Threshold,
		ChainID:           chain.ChainID,
	}, lookup, clock)

	factoryAddr := common.HexToAddress(chain.FactoryAddress)
	template := round.NewTemplate(common.HexToAddress(chain.RoundTemplate), factoryAddr, l, clock)
	f := factory.New(factory.Config{
		Address:           factoryAddr,
		ProxyDeployer:     common.HexToAddress(chain.ProxyDeployer),
		AuthorityTemplate: common.HexToAddress(chain.AuthorityTemplate),
	}, template, groups, registry, clock, a.logger)

	svc := service.NewRoundService(service.Deps{
		Factory:    f,
		Template:   template,
		Registry:   registry,
		Groups:     groups,
		Ledger:     l,
		Tokens:     l,
		Clock:      clock,
		Rounds:     deps.RoundStore,
		Events:     deps.EventStore,
		GroupStore: deps.GroupStore,
		Audit:      deps.AuditStore,
		Cache:      deps.RoundCache,
		Locks:      deps.LockManager,
		Bus:        deps.SignalBus,
		Notifier:   deps.Notifier,
		LockTTL:    time.Duration(a.cfg.Redis.LockTTLSeconds) * time.Second,
		Logger:     a.logger,
	})

	start := time.Now()
	if err := svc.Restore(ctx); err != nil {
		return nil, fmt.Errorf("app: restore rounds: %w", err)
	}
	a.logger.InfoContext(ctx, "rounds restored",
		slog.Int("rounds", registry.Len()),
		slog.Int("groups", len(groups.Groups())),
		slog.Duration("took", time.Since(start)),
	)
	return svc, nil
}

// replayGuard picks the distributed guard when Redis locks are available.
// The in-memory fallback is swept by the returned cleanup loop.
func replayGuard(deps *Dependencies) (service.ReplayGuard, func(ctx context.Context) error) {
	if deps.LockManager != nil {
		return service.NewLockReplayGuard(deps.LockManager), nil
	}
	mem := service.NewMemoryReplayGuard()
	return mem, func(ctx context.Context) error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				mem.Cleanup()
			}
		}
	}
}
