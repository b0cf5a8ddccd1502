package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/betcha/internal/blob/s3"
	"github.com/alanyoungcy/betcha/internal/server"
	"github.com/alanyoungcy/betcha/internal/server/handler"
	"github.com/alanyoungcy/betcha/internal/server/ws"
	"github.com/alanyoungcy/betcha/internal/service"
)

// ServerMode restores the round engine and serves the HTTP + WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	svc, err := a.buildService(ctx, deps)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// ArchiveMode periodically copies settled rounds to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("archive mode: archive.enabled is false")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API server and the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svc, err := a.buildService(ctx, deps)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, svc)
	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	} else {
		a.logger.InfoContext(ctx, "archive: disabled")
	}
	return g.Wait()
}

// startHTTPServer builds the handlers and the WebSocket hub and runs the
// server until ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *service.RoundService) {
	guard, sweep := replayGuard(deps)
	if sweep != nil {
		g.Go(func() error { return sweep(ctx) })
	}
	verifier := handler.NewCallVerifier(guard, a.cfg.Server.CallTTL.Duration)
	a.startFlusher(ctx, g, svc)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	if deps.SignalBus == nil {
		unsubscribe := svc.OnEvent(hub.Broadcast)
		a.closers = append(a.closers, unsubscribe)
	}
	g.Go(func() error {
		return hub.Run(ctx)
	})

	checks := make(map[string]handler.HealthCheck, len(deps.Health))
	for name, fn := range deps.Health {
		checks[name] = fn
	}

	rounds := handler.NewRoundHandler(svc, verifier, a.logger)
	if deps.BlobReader != nil {
		rounds = rounds.WithArchive(deps.BlobReader, s3blob.ArchivePath)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		APISecret:   a.cfg.Server.APISecret,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:      handler.NewHealthHandler(checks, a.logger),
		Rounds:      rounds,
		Authorities: handler.NewAuthorityHandler(svc, verifier, a.logger),
		Ledger:      handler.NewLedgerHandler(svc, verifier, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// flushInterval paces retries of round writes that failed to persist.
const flushInterval = 15 * time.Second

// startFlusher retries failed snapshot and event writes until ctx is
// cancelled, with a final attempt on shutdown.
func (a *App) startFlusher(ctx context.Context, g *errgroup.Group, svc *service.RoundService) {
	g.Go(func() error {
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if n := svc.Flush(flushCtx); n > 0 {
					a.logger.ErrorContext(flushCtx, "rounds left unpersisted at shutdown", slog.Int("rounds", n))
				}
				return nil
			case <-ticker.C:
				if svc.Pending() == 0 {
					continue
				}
				if n := svc.Flush(ctx); n > 0 {
					a.logger.WarnContext(ctx, "round writes still pending", slog.Int("rounds", n))
				}
			}
		}
	})
}

// startArchiver runs the archive sweep once immediately and then on every
// tick of archive.interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	age := time.Duration(a.cfg.Archive.AfterDays) * 24 * time.Hour

	runOnce := func() {
		before := time.Now().UTC().Add(-age)
		n, err := deps.Archiver.ArchiveSettledBefore(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "archive: sweep failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if n > 0 {
			a.logger.InfoContext(ctx, "archive: rounds archived",
				slog.Int("rounds", n),
				slog.Time("settled_before", before),
			)
		}
	}

	g.Go(func() error {
		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})

	a.logger.InfoContext(ctx, "archive worker started",
		slog.Duration("interval", interval),
		slog.Int("after_days", a.cfg.Archive.AfterDays),
	)
}
