// Package main runs offline validation: an event-driven backtest over
// CSV candles, optional purged walk-forward evaluation and a block
// bootstrap Monte Carlo pass over the resulting returns.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/backtester"
	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/data"
	"github.com/vantage-quant/decision-engine/internal/fusion"
	"github.com/vantage-quant/decision-engine/internal/regime"
	"github.com/vantage-quant/decision-engine/internal/sizing"
	"github.com/vantage-quant/decision-engine/internal/trader"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

func main() {
	csvPath := flag.String("csv", "", "Path to candle CSV (timestamp,open,high,low,close,volume)")
	symbol := flag.String("symbol", "BTC/USDT", "Symbol label for the candles")
	configPath := flag.String("config", "", "Path to YAML config file")
	walkForward := flag.Bool("walkforward", false, "Run purged walk-forward evaluation")
	monteCarlo := flag.Bool("montecarlo", true, "Run block bootstrap Monte Carlo on the returns")
	perturb := flag.Int("perturb", 0, "Re-run the backtest this many times with jittered sizing and cost parameters")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	if *csvPath == "" {
		logger.Fatal("missing -csv")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	bars, err := data.LoadBars(*csvPath, *symbol)
	if err != nil {
		logger.Fatal("failed to load candles", zap.Error(err))
	}
	feats := data.ComputeFeatures(bars, cfg.Trader.VolLookbackBars, cfg.Backtest.BarsPerYear)
	logger.Info("candles loaded", zap.String("symbol", *symbol), zap.Int("bars", len(bars)))

	ctx := context.Background()
	engine := backtester.NewEngine(cfg.Backtest, cfg.Risk, logger)

	if *walkForward {
		if err := runWalkForward(ctx, engine, cfg, bars, feats, logger); err != nil {
			logger.Fatal("walk-forward failed", zap.Error(err))
		}
		return
	}

	// Single full-history run: fit on the first MinFitBars, trade the rest.
	if len(bars) <= cfg.Regime.MinFitBars {
		logger.Fatal("not enough bars to fit the regime model",
			zap.Int("bars", len(bars)), zap.Int("needed", cfg.Regime.MinFitBars+1))
	}
	// Trade only out-of-sample: the fit window is excluded from the run.
	strategy, err := newStrategy(cfg, bars, feats, 0, cfg.Regime.MinFitBars, cfg.Regime.MinFitBars, logger)
	if err != nil {
		logger.Fatal("regime model fit failed", zap.Error(err))
	}
	result, err := engine.Run(ctx, bars[cfg.Regime.MinFitBars:], strategy)
	if err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}
	printJSON("metrics", result.Metrics)

	if *monteCarlo {
		mc := backtester.NewMonteCarlo(cfg.MonteCarlo, cfg.Backtest.BarsPerYear, logger)
		mcResult, err := mc.Run(result.Returns)
		if err != nil {
			logger.Fatal("monte carlo failed", zap.Error(err))
		}
		printJSON("monteCarlo", mcResult)
	}

	if *perturb > 0 {
		runs, err := runPerturbations(ctx, engine, cfg, bars, feats, *perturb, logger)
		if err != nil {
			logger.Fatal("perturbation sweep failed", zap.Error(err))
		}
		printJSON("perturbations", runs)
	}
}

// runPerturbations sweeps the sizing and cost parameters within
// ±perturbPct and replays the out-of-sample window once per draw.
func runPerturbations(ctx context.Context, engine *backtester.Engine, cfg *config.Config, bars []types.Bar, feats []types.Features, runs int, logger *zap.Logger) ([]backtester.PerturbationRun, error) {
	base := map[string]float64{
		"sizing.volTarget":      cfg.Sizing.VolTarget,
		"sizing.maxPositionPct": cfg.Sizing.MaxPositionPct,
		"costs.spreadBps":       cfg.Backtest.Costs.SpreadBps,
		"costs.linearImpactBps": cfg.Backtest.Costs.LinearImpactBps,
		"costs.takerFeeBps":     cfg.Backtest.Costs.TakerFeeBps,
	}
	factory := func(params map[string]float64) (backtester.Strategy, error) {
		pcfg := *cfg
		if v, ok := params["sizing.volTarget"]; ok {
			pcfg.Sizing.VolTarget = v
		}
		if v, ok := params["sizing.maxPositionPct"]; ok {
			pcfg.Sizing.MaxPositionPct = v
		}
		return newStrategy(&pcfg, bars, feats, 0, pcfg.Regime.MinFitBars, pcfg.Regime.MinFitBars, logger)
	}
	return engine.RunPerturbations(ctx, bars[cfg.Regime.MinFitBars:], base,
		runs, cfg.MonteCarlo.PerturbPct, cfg.MonteCarlo.Seed, factory)
}

// pipelineStrategy replays the live decision pipeline bar by bar. The
// provider cursor tracks the engine's history so the pipeline only ever
// sees bars up to the current one.
type pipelineStrategy struct {
	provider *data.HistoryProvider
	pipeline *trader.Pipeline
	offset   int // index of the engine's first bar within the full series
}

func (s *pipelineStrategy) OnBar(ctx context.Context, bar types.Bar, history []types.Bar, equity decimal.Decimal, position types.Position) (*types.SizedOrderIntent, error) {
	s.provider.SetCursor(s.offset + len(history))
	decision, err := s.pipeline.Decide(ctx, bar.Symbol, equity, bar.Timestamp)
	if err != nil {
		return nil, err
	}
	if decision.Intent == nil {
		return nil, nil
	}
	intent, ok := trader.DeltaIntent(*decision.Intent, position)
	if !ok {
		return nil, nil
	}
	return &intent, nil
}

// newStrategy builds a pipeline strategy with the regime model fitted
// on bars [fitStart, fitEnd). offset is where the engine's bar slice
// begins within the full series.
func newStrategy(cfg *config.Config, bars []types.Bar, feats []types.Features, fitStart, fitEnd, offset int, logger *zap.Logger) (*pipelineStrategy, error) {
	detector, err := regime.NewDetector(logger, regime.Config{
		NumStates:  cfg.Regime.NumStates,
		MinFitBars: cfg.Regime.MinFitBars,
		MaxEMIters: cfg.Regime.MaxEMIters,
		Seed:       cfg.Regime.Seed,
	})
	if err != nil {
		return nil, err
	}
	logReturns := make([]float64, 0, fitEnd-fitStart)
	vols := make([]float64, 0, fitEnd-fitStart)
	for _, f := range feats[fitStart:fitEnd] {
		logReturns = append(logReturns, f.LogReturn)
		vols = append(vols, f.RealizedVol)
	}
	if err := detector.Fit(logReturns, vols); err != nil {
		return nil, err
	}

	provider := data.NewHistoryProvider(bars, feats)
	pipeline := trader.NewPipeline(provider, nil, nil, detector,
		fusion.NewFuser(cfg.Fusion),
		sizing.NewSizer(cfg.Sizing.VolTarget, cfg.Sizing.MaxPositionPct),
		cfg.Fusion, cfg.Trader.VolLookbackBars, logger)
	return &pipelineStrategy{provider: provider, pipeline: pipeline, offset: offset}, nil
}

// runWalkForward fits on each training window and backtests the
// following test window, reporting per-split and aggregate metrics.
func runWalkForward(ctx context.Context, engine *backtester.Engine, cfg *config.Config, bars []types.Bar, feats []types.Features, logger *zap.Logger) error {
	splits, err := backtester.GenerateSplits(len(bars), cfg.WalkForward)
	if err != nil {
		return err
	}
	logger.Info("walk-forward layout",
		zap.Int("splits", len(splits)),
		zap.Int("trainBars", cfg.WalkForward.TrainBars),
		zap.Int("purgeBars", cfg.WalkForward.PurgeBars),
		zap.Int("testBars", cfg.WalkForward.TestBars),
		zap.Int("embargoBars", cfg.WalkForward.EmbargoBars))

	type splitResult struct {
		Split   backtester.Split   `json:"split"`
		Metrics backtester.Metrics `json:"metrics"`
	}
	results := make([]splitResult, 0, len(splits))
	sharpeSum := 0.0
	for i, split := range splits {
		strategy, err := newStrategy(cfg, bars, feats, split.TrainStart, split.TrainEnd, split.TestStart, logger)
		if err != nil {
			return fmt.Errorf("split %d fit: %w", i, err)
		}
		testBars := bars[split.TestStart:split.TestEnd]
		result, err := engine.Run(ctx, testBars, strategy)
		if err != nil {
			return fmt.Errorf("split %d run: %w", i, err)
		}
		results = append(results, splitResult{Split: split, Metrics: result.Metrics})
		sharpeSum += result.Metrics.SharpeRatio
	}

	printJSON("walkForward", map[string]any{
		"splits":     results,
		"meanSharpe": sharpeSum / float64(len(splits)),
	})
	return nil
}

func printJSON(name string, v any) {
	out, err := json.MarshalIndent(map[string]any{name: v}, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(out))
}
