package strategy

import (
	"context"
	"time"

	"keel/internal/logger"
	"keel/internal/types"
	"keel/internal/venue"
)

// SignalSink is the slice of the engine the runner needs.
type SignalSink interface {
	OnStrategySignal(ctx context.Context, spec types.EntrySpec) (string, error)
	CurrentOpenPositions() []*types.Position
}

// Runner evaluates the configured detectors against recent closes on a
// fixed interval and forwards entry candidates to the engine.
type Runner struct {
	gateway   venue.Gateway
	sink      SignalSink
	detectors []Detector
	symbols   []string
	lookback  int
	interval  time.Duration
}

func NewRunner(gw venue.Gateway, sink SignalSink, detectors []Detector, symbols []string, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		gateway:   gw,
		sink:      sink,
		detectors: detectors,
		symbols:   symbols,
		lookback:  200,
		interval:  interval,
	}
}

func (r *Runner) Run(ctx context.Context) error {
	if len(r.detectors) == 0 || len(r.symbols) == 0 {
		logger.Infof("strategy runner idle: no detectors or symbols configured")
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.evaluate(ctx)
		}
	}
}

func (r *Runner) evaluate(ctx context.Context) {
	open := make(map[string]bool)
	for _, p := range r.sink.CurrentOpenPositions() {
		open[p.Symbol] = true
	}
	for _, symbol := range r.symbols {
		symbol = types.NormalizeSymbol(symbol)
		if open[symbol] {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		closes, err := r.gateway.RecentCloses(cctx, symbol, r.lookback)
		cancel()
		if err != nil {
			logger.Warnf("strategy: fetch closes for %s failed: %v", symbol, err)
			continue
		}
		for _, d := range r.detectors {
			if !d.DetectSetup(closes) {
				continue
			}
			spec, ok := d.GenerateSignal(symbol, closes)
			if !ok {
				continue
			}
			if _, err := r.sink.OnStrategySignal(ctx, spec); err != nil {
				logger.Warnf("strategy: signal %s for %s not accepted: %v", d.Name(), symbol, err)
				continue
			}
			// One entry per symbol per pass.
			break
		}
	}
}
