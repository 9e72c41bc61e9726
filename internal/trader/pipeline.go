package trader

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/fusion"
	"github.com/vantage-quant/decision-engine/internal/regime"
	"github.com/vantage-quant/decision-engine/internal/sizing"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// mlScale maps the model's median log-return forecast to signal
// strength: a forecast of ±1% saturates the score.
const mlScale = 0.01

// Pipeline turns market data into a sized order intent: regime
// classification, component scoring, regime-gated fusion, volatility
// targeted sizing. It holds no portfolio state.
type Pipeline struct {
	features  FeatureProvider
	predictor Predictor
	sentiment SentimentProvider
	detector  *regime.Detector
	fuser     *fusion.Fuser
	sizer     *sizing.Sizer
	fusionCfg config.FusionConfig
	lookback  int
	logger    *zap.Logger
}

// Decision is one cycle's output. Intent is nil when the fused signal
// is flat or sizes to zero.
type Decision struct {
	Regime      types.RegimeState
	Signal      types.FusedSignal
	Intent      *types.SizedOrderIntent
	Price       decimal.Decimal
	LastBarTime time.Time
}

// NewPipeline assembles the decision pipeline.
func NewPipeline(
	features FeatureProvider,
	predictor Predictor,
	sentiment SentimentProvider,
	detector *regime.Detector,
	fuser *fusion.Fuser,
	sizer *sizing.Sizer,
	fusionCfg config.FusionConfig,
	lookback int,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		features:  features,
		predictor: predictor,
		sentiment: sentiment,
		detector:  detector,
		fuser:     fuser,
		sizer:     sizer,
		fusionCfg: fusionCfg,
		lookback:  lookback,
		logger:    logger,
	}
}

// Decide runs one decision cycle for a symbol. An
// InsufficientDataError means the cycle should be skipped with prior
// state kept; any other error aborts the cycle.
func (p *Pipeline) Decide(ctx context.Context, symbol string, equity decimal.Decimal, now time.Time) (*Decision, error) {
	bars, err := p.features.History(ctx, symbol, p.lookback)
	if err != nil {
		return nil, err
	}
	feats, err := p.features.Features(ctx, symbol, p.lookback)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 || len(feats) == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}

	logReturns := make([]float64, len(feats))
	vols := make([]float64, len(feats))
	for i, f := range feats {
		logReturns[i] = f.LogReturn
		vols[i] = f.RealizedVol
	}

	state, err := p.detector.Classify(logReturns, vols)
	if err != nil {
		return nil, err
	}
	state.Symbol = symbol
	state.Timestamp = now

	last := feats[len(feats)-1]
	components := map[types.SignalSource]float64{
		types.SourceTechnical: technicalScore(last),
	}
	confidence := 0.5
	if p.predictor != nil {
		pred, err := p.predictor.Predict(ctx, symbol, feats)
		if err != nil {
			p.logger.Warn("predictor unavailable, dropping ml component",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			components[types.SourceML] = mlScore(pred)
			confidence = fusion.ConfidenceFromIQR(pred.IQR(), p.fusionCfg.MinIQR, p.fusionCfg.MaxIQR)
		}
	}
	if p.sentiment != nil {
		score, err := p.sentiment.Score(ctx, symbol)
		if err != nil {
			p.logger.Warn("sentiment unavailable, dropping component",
				zap.String("symbol", symbol), zap.Error(err))
		} else {
			components[types.SourceSentiment] = score
		}
	}

	signal := p.fuser.Combine(symbol, components, state.Regime, confidence, now)

	lastBar := bars[len(bars)-1]
	decision := &Decision{
		Regime:      *state,
		Signal:      signal,
		Price:       lastBar.Close,
		LastBarTime: lastBar.Timestamp,
	}
	if signal.Direction == types.DirectionFlat {
		return decision, nil
	}
	intent := p.sizer.ComputeSize(signal, equity, lastBar.Close, last.RealizedVol)
	if intent.Quantity.IsPositive() {
		decision.Intent = &intent
	}
	return decision, nil
}

// Retrain refits the regime model on the full available history.
func (p *Pipeline) Retrain(ctx context.Context, symbol string, fitBars int) error {
	feats, err := p.features.Features(ctx, symbol, fitBars)
	if err != nil {
		return err
	}
	logReturns := make([]float64, len(feats))
	vols := make([]float64, len(feats))
	for i, f := range feats {
		logReturns[i] = f.LogReturn
		vols[i] = f.RealizedVol
	}
	return p.detector.Fit(logReturns, vols)
}

// technicalScore blends RSI displacement, Bollinger %B and VWAP
// deviation into one momentum-flavored score in [-1, 1].
func technicalScore(f types.Features) float64 {
	rsi := (f.RSI - 50) / 50
	bb := 2*f.BBPctB - 1
	vwap := math.Tanh(f.VWAPDev)
	score := 0.5*rsi + 0.3*bb + 0.2*vwap
	return clamp(score, -1, 1)
}

// mlScore converts a quantile forecast into a score. The median
// forecast drives sign and magnitude; when the classifier head
// disagrees with the median's sign the score is halved.
func mlScore(pred types.Prediction) float64 {
	if len(pred.Quantiles) != 5 {
		return 0
	}
	q50 := pred.Quantiles[2]
	score := clamp(q50/mlScale, -1, 1)
	labelSign := pred.Label - 1
	if labelSign != 0 && float64(labelSign)*q50 < 0 {
		score /= 2
	}
	return score
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
