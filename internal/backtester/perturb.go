package backtester

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// PerturbationRun is one full backtest under a jittered parameter set.
type PerturbationRun struct {
	Params  map[string]float64 `json:"params"`
	Metrics Metrics            `json:"metrics"`
}

// StrategyFactory builds a fresh strategy for one perturbed parameter
// set. Keys the factory does not recognize are left to the engine.
type StrategyFactory func(params map[string]float64) (Strategy, error)

// RunPerturbations re-runs the backtest once per draw with every base
// parameter jittered uniformly within ±pct of its value. Cost-model
// keys (costs.spreadBps, costs.linearImpactBps, costs.makerFeeBps,
// costs.takerFeeBps) are applied to the engine itself; everything else
// is the factory's to wire into its strategy.
func (e *Engine) RunPerturbations(
	ctx context.Context,
	bars []types.Bar,
	base map[string]float64,
	runs int,
	pct float64,
	seed int64,
	factory StrategyFactory,
) ([]PerturbationRun, error) {
	if runs <= 0 {
		return nil, fmt.Errorf("perturbation: runs must be positive, have %d", runs)
	}
	if pct <= 0 {
		return nil, fmt.Errorf("perturbation: pct must be positive, have %f", pct)
	}

	rng := rand.New(rand.NewSource(seed))
	out := make([]PerturbationRun, 0, runs)
	for i := 0; i < runs; i++ {
		params := PerturbParameters(base, pct, rng)

		cfg := e.cfg
		cfg.Costs = applyCostParams(cfg.Costs, params)
		run := NewEngine(cfg, e.riskCfg, e.logger)

		strategy, err := factory(params)
		if err != nil {
			return nil, fmt.Errorf("perturbation %d: %w", i, err)
		}
		result, err := run.Run(ctx, bars, strategy)
		if err != nil {
			return nil, fmt.Errorf("perturbation %d: %w", i, err)
		}
		out = append(out, PerturbationRun{Params: params, Metrics: result.Metrics})
	}

	e.logger.Info("perturbation sweep complete",
		zap.Int("runs", runs),
		zap.Float64("pct", pct))
	return out, nil
}

func applyCostParams(cfg config.CostConfig, params map[string]float64) config.CostConfig {
	if v, ok := params["costs.spreadBps"]; ok {
		cfg.SpreadBps = v
	}
	if v, ok := params["costs.linearImpactBps"]; ok {
		cfg.LinearImpactBps = v
	}
	if v, ok := params["costs.makerFeeBps"]; ok {
		cfg.MakerFeeBps = v
	}
	if v, ok := params["costs.takerFeeBps"]; ok {
		cfg.TakerFeeBps = v
	}
	return cfg
}
