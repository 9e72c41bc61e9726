// Package trader runs the live/paper decision loop: features to regime
// to fused signal to sized order to risk-checked execution, one cycle
// per bar interval.
package trader

import (
	"context"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// FeatureProvider supplies bar history and derived features. The
// engine treats it as the single source of market data truth.
type FeatureProvider interface {
	// History returns up to lookback bars for the symbol, oldest first.
	History(ctx context.Context, symbol string, lookback int) ([]types.Bar, error)
	// Features returns the per-bar feature vectors aligned with History.
	Features(ctx context.Context, symbol string, lookback int) ([]types.Features, error)
}

// Predictor is the external quantile model. A Predictor failure
// degrades the cycle (the ML component is dropped and its fusion
// weight redistributed) rather than aborting it.
type Predictor interface {
	Predict(ctx context.Context, symbol string, features []types.Features) (types.Prediction, error)
}

// SentimentProvider scores market sentiment in [-1, 1]. Failures
// degrade to a missing component, same as the Predictor.
type SentimentProvider interface {
	Score(ctx context.Context, symbol string) (float64, error)
}
