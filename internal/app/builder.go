package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	kcfg "keel/internal/config"
	"keel/internal/engine"
	"keel/internal/logger"
	"keel/internal/riskprofile"
	"keel/internal/store"
	"keel/internal/store/journal"
	"keel/internal/strategy"
	"keel/internal/stream"
	"keel/internal/trader"
	apihttp "keel/internal/transport/http/api"
	"keel/internal/venue"
	"keel/internal/venue/binance"
	"keel/internal/venue/paper"
)

type AppBuilder struct {
	cfg *kcfg.Config

	gatewayFn func(*kcfg.Config) (venue.Gateway, error)
	serverFn  func(kcfg.HTTPConfig, *apihttp.Router) (*apihttp.Server, error)

	gatewayOverride venue.Gateway
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *kcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		gatewayFn: buildGateway,
		serverFn:  buildAPIServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithGateway swaps the venue gateway, used by tests to inject the paper
// venue with scripted behavior.
func WithGateway(gw venue.Gateway) AppBuilderOption {
	return func(b *AppBuilder) {
		if gw != nil {
			b.gatewayOverride = gw
		}
	}
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	gw := b.gatewayOverride
	if gw == nil {
		var err error
		gw, err = b.gatewayFn(cfg)
		if err != nil {
			return nil, err
		}
	}

	dataDir := strings.TrimSpace(cfg.App.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	st, err := store.Open(filepath.Join(dataDir, "keel.db"))
	if err != nil {
		return nil, fmt.Errorf("opening state store failed: %w", err)
	}
	jrnl, err := journal.Open(filepath.Join(dataDir, "journal.db"))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening journal failed: %w", err)
	}

	profiles, err := riskprofile.NewRegistry(cfg.Risk.ProfilePath)
	if err != nil {
		_ = jrnl.Close()
		_ = st.Close()
		return nil, fmt.Errorf("loading risk profiles failed: %w", err)
	}

	state := trader.NewState(st, uuid.NewString())
	eng := engine.New(gw, state, st, jrnl, profiles, engine.Options{
		ReconcileInterval:  cfg.Engine.ReconcileInterval,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		CheckpointRetain:   cfg.Engine.CheckpointRetain,
		CheckpointMaxAge:   cfg.Engine.CheckpointMaxAge,
	})

	var mgr *stream.Manager
	if cfg.Stream.Enabled {
		mgr = stream.NewManager(gw, stream.Options{
			QueueSize:  cfg.Stream.QueueSize,
			MinDelay:   cfg.Stream.MinDelay,
			MaxDelay:   cfg.Stream.MaxDelay,
			StaleAfter: cfg.Stream.StaleAfter,
		})
	}

	var runner *strategy.Runner
	if len(cfg.Strategy.Detectors) > 0 && len(cfg.Strategy.Symbols) > 0 {
		detectors, err := strategy.NewSet(cfg.Strategy.Detectors, cfg.Strategy.Params)
		if err != nil {
			_ = jrnl.Close()
			_ = st.Close()
			return nil, fmt.Errorf("building strategy detectors failed: %w", err)
		}
		runner = strategy.NewRunner(gw, eng, detectors, cfg.Strategy.Symbols, cfg.Strategy.Interval)
		logger.Infof("strategy runner: detectors=%v symbols=%v interval=%s",
			cfg.Strategy.Detectors, cfg.Strategy.Symbols, cfg.Strategy.Interval)
	}

	var api *apihttp.Server
	if cfg.HTTP.Enabled {
		api, err = b.serverFn(cfg.HTTP, apihttp.NewRouter(eng, state, st, jrnl, mgr))
		if err != nil {
			_ = jrnl.Close()
			_ = st.Close()
			return nil, err
		}
	}

	return &App{
		cfg:     cfg,
		gateway: gw,
		store:   st,
		jrnl:    jrnl,
		engine:  eng,
		stream:  mgr,
		runner:  runner,
		api:     api,
	}, nil
}

func buildGateway(cfg *kcfg.Config) (venue.Gateway, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Venue.Driver)) {
	case "paper", "":
		logger.Infof("venue: paper gateway (no real orders will be placed)")
		return paper.New(), nil
	case "binance":
		gw, err := binance.New(binance.Config{
			APIKey:        cfg.Venue.APIKey,
			APISecret:     cfg.Venue.APISecret,
			RESTBaseURL:   cfg.Venue.RESTBaseURL,
			HTTPTimeout:   cfg.Venue.HTTPTimeout,
			ProxyEnabled:  cfg.Venue.ProxyEnabled,
			RESTProxyURL:  cfg.Venue.RESTProxyURL,
			WSProxyURL:    cfg.Venue.WSProxyURL,
			KlineInterval: cfg.Venue.KlineInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("building binance gateway failed: %w", err)
		}
		return gw, nil
	default:
		return nil, fmt.Errorf("unknown venue.driver %q", cfg.Venue.Driver)
	}
}

func buildAPIServer(cfg kcfg.HTTPConfig, router *apihttp.Router) (*apihttp.Server, error) {
	return apihttp.NewServer(apihttp.ServerConfig{
		Addr:   cfg.Listen,
		Router: router,
	})
}
