// Package app wires the process together: venue gateway, reconciliation
// engine, stream manager, strategy runner, and the operator HTTP server.
package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	kcfg "keel/internal/config"
	"keel/internal/engine"
	"keel/internal/logger"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/strategy"
	"keel/internal/stream"
	apihttp "keel/internal/transport/http/api"
	"keel/internal/venue"
)

type App struct {
	cfg     *kcfg.Config
	gateway venue.Gateway
	store   *store.Store
	jrnl    *journal.Journal
	engine  *engine.Engine
	stream  *stream.Manager
	runner  *strategy.Runner
	api     *apihttp.Server
}

// NewApp builds the application from config without starting anything.
func NewApp(cfg *kcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts every component and blocks until ctx is canceled or one of
// them fails. The engine owns graceful shutdown of trading state; Close
// handles the rest.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.engine == nil {
		return fmt.Errorf("engine not initialized")
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.stream != nil {
		a.engine.SetEventSource(a.stream.Events())
		group.Go(func() error {
			return a.stream.Run(ctx)
		})
	}
	if a.api != nil {
		group.Go(func() error {
			logger.Infof("api server listening on %s", a.api.Addr())
			if err := a.api.Start(ctx); err != nil {
				return fmt.Errorf("api server error: %w", err)
			}
			return nil
		})
	}
	if a.runner != nil {
		group.Go(func() error {
			return a.runner.Run(ctx)
		})
	}
	group.Go(func() error {
		return a.engine.Run(ctx)
	})

	err := group.Wait()
	a.Close()
	return err
}

// Engine exposes the reconciliation engine (for testing and replay
// harnesses).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			logger.Warnf("gateway close failed: %v", err)
		}
	}
	if a.jrnl != nil {
		if err := a.jrnl.Close(); err != nil {
			logger.Warnf("journal close failed: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("store close failed: %v", err)
		}
	}
}
