// Package app wires the dependency graph and owns the process lifecycle:
// coordinator, HTTP ingress, pre-close scheduler, rollover engine,
// confirmation channel, event hub, and audit archiver.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"pmbot/internal/config"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 10 * time.Second

// App is the root application object.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the long-running components, and blocks
// until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("test_mode", a.cfg.TestMode),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// The position book rebuilds from the database before anything can
	// trade; a follower carries the same book so a promotion starts warm.
	if err := deps.Book.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore portfolio: %w", err)
	}

	deps.Coordinator.Start(ctx)
	defer deps.Coordinator.Stop()

	deps.Rollover.Start(ctx)
	defer deps.Rollover.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return deps.Hub.Run(ctx) })
	g.Go(func() error { return deps.EOD.Run(ctx) })
	g.Go(func() error { return deps.Server.Start() })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return deps.Server.Shutdown(sctx)
	})

	if deps.Telegram != nil {
		g.Go(func() error { return deps.Telegram.Run(ctx) })
	}
	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx) })
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. Safe to call
// more than once.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
