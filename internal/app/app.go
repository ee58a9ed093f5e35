// Package app wires the sniper bot's components together and supervises
// their run loops.
package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Luisqbd/sniperbot/internal/config"
)

// App is the running process: the wired dependency graph plus its cleanup.
type App struct {
	deps    *Dependencies
	cleanup func()
}

// New wires everything from cfg.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	deps, cleanup, err := Wire(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &App{deps: deps, cleanup: cleanup}, nil
}

// Run starts every loop and blocks until ctx is cancelled or a loop fails
// fatally. Context cancellation is the normal shutdown path and is not
// reported as an error.
func (a *App) Run(ctx context.Context) error {
	logger := a.deps.Logger

	balance, err := a.deps.Wallet.BalanceETH(ctx)
	if err != nil {
		logger.Warn("balance check failed", slog.Any("error", err))
	} else {
		logger.Info("wallet ready",
			slog.String("address", a.deps.Wallet.Address().Hex()),
			slog.Float64("balance_eth", balance),
		)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.deps.Monitor.RunPools(gctx) })
	g.Go(func() error { return a.deps.Monitor.RunMempool(gctx) })
	g.Go(func() error { return a.deps.Engine.RunExits(gctx) })
	if a.deps.Feed != nil {
		g.Go(func() error { return a.deps.Feed.Run(gctx) })
	}
	if a.deps.Archiver != nil {
		g.Go(func() error { return a.deps.Archiver.Run(gctx) })
	}

	logger.Info("sniper bot running")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every resource in reverse construction order.
func (a *App) Close() {
	a.cleanup()
}
