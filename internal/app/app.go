// Package app runs the betcha service: it wires the stores, caches, archive
// storage and round engine, then runs the configured mode until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/betcha/internal/config"
)

// modeFunc runs one operating mode and blocks until ctx is cancelled or a
// component fails.
type modeFunc func(a *App, ctx context.Context, deps *Dependencies) error

var modes = map[string]modeFunc{
	"server":  (*App).ServerMode,
	"archive": (*App).ArchiveMode,
	"full":    (*App).FullMode,
}

// App owns the configuration and the closers registered during wiring, which
// run in reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires dependencies and blocks in the configured mode. An unknown mode
// fails before any connection is opened.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	run, ok := modes[mode]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	a.logger.InfoContext(ctx, "starting betcha",
		slog.String("mode", mode),
		slog.Int64("chain_id", a.cfg.Chain.ChainID),
		slog.String("ledger", a.cfg.Ledger.Backend),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	return run(a, ctx, deps)
}

// Close is idempotent.
func (a *App) Close() {
	if len(a.closers) == 0 {
		return
	}
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
