package trader_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/data"
	"github.com/vantage-quant/decision-engine/internal/fusion"
	"github.com/vantage-quant/decision-engine/internal/regime"
	"github.com/vantage-quant/decision-engine/internal/sizing"
	"github.com/vantage-quant/decision-engine/internal/trader"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

var decideAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeFeed serves canned bars and features.
type fakeFeed struct {
	bars  []types.Bar
	feats []types.Features
}

func (f *fakeFeed) History(_ context.Context, _ string, lookback int) ([]types.Bar, error) {
	if len(f.bars) == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	if lookback > 0 && len(f.bars) > lookback {
		return f.bars[len(f.bars)-lookback:], nil
	}
	return f.bars, nil
}

func (f *fakeFeed) Features(_ context.Context, _ string, lookback int) ([]types.Features, error) {
	if len(f.feats) == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	if lookback > 0 && len(f.feats) > lookback {
		return f.feats[len(f.feats)-lookback:], nil
	}
	return f.feats, nil
}

type fakePredictor struct {
	pred types.Prediction
	err  error
}

func (f *fakePredictor) Predict(context.Context, string, []types.Features) (types.Prediction, error) {
	return f.pred, f.err
}

type fakeSentiment struct {
	score float64
	err   error
}

func (f *fakeSentiment) Score(context.Context, string) (float64, error) {
	return f.score, f.err
}

// clusteredFeed builds a history whose volatility clusters fall from
// high to low, so the visible tail classifies as the low-vol regime.
func clusteredFeed() *fakeFeed {
	rng := rand.New(rand.NewSource(11))
	feed := &fakeFeed{}
	ts := decideAt.Add(-300 * time.Hour)
	for i, vol := range []float64{1.0, 0.5, 0.1} {
		for j := 0; j < 100; j++ {
			n := i*100 + j
			feed.bars = append(feed.bars, types.Bar{
				Timestamp: ts.Add(time.Duration(n) * time.Hour),
				Symbol:    "BTC/USD",
				Close:     decimal.NewFromInt(100),
				Volume:    decimal.NewFromInt(1000),
			})
			feed.feats = append(feed.feats, types.Features{
				LogReturn:   rng.NormFloat64() * 0.005,
				RealizedVol: vol + rng.NormFloat64()*vol*0.05,
				RSI:         50,
				BBPctB:      0.5,
				VWAPDev:     0,
				Timestamp:   feed.bars[n].Timestamp,
			})
		}
	}
	return feed
}

func newPipeline(t *testing.T, feed *fakeFeed, predictor trader.Predictor, sentiment trader.SentimentProvider) *trader.Pipeline {
	t.Helper()
	cfg := config.Default()
	detector, err := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	p := trader.NewPipeline(
		feed, predictor, sentiment,
		detector,
		fusion.NewFuser(cfg.Fusion),
		sizing.NewSizer(cfg.Sizing.VolTarget, cfg.Sizing.MaxPositionPct),
		cfg.Fusion,
		20,
		zap.NewNop(),
	)
	if err := p.Retrain(context.Background(), "BTC/USD", len(feed.feats)); err != nil {
		t.Fatalf("Retrain failed: %v", err)
	}
	return p
}

func TestDecideProducesSizedIntent(t *testing.T) {
	predictor := &fakePredictor{pred: types.Prediction{
		Symbol:    "BTC/USD",
		Quantiles: []float64{0.015, 0.018, 0.02, 0.022, 0.025},
		Label:     2,
	}}
	sentiment := &fakeSentiment{score: 0.5}
	p := newPipeline(t, clusteredFeed(), predictor, sentiment)

	decision, err := p.Decide(context.Background(), "BTC/USD", decimal.NewFromInt(100000), decideAt)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}

	if decision.Regime.Regime != types.RegimeTrending {
		t.Errorf("low-vol tail should classify trending, got %s", decision.Regime.Regime)
	}
	if decision.Regime.Symbol != "BTC/USD" || !decision.Regime.Timestamp.Equal(decideAt) {
		t.Errorf("regime state should carry symbol and decision time, got %+v", decision.Regime)
	}
	if decision.Signal.Direction != types.DirectionLong {
		t.Fatalf("bullish forecast and sentiment should go long, got %s", decision.Signal.Direction)
	}
	if decision.Intent == nil {
		t.Fatal("expected a sized intent")
	}
	if decision.Intent.Side != types.OrderSideBuy {
		t.Errorf("expected buy side, got %s", decision.Intent.Side)
	}
	// Tight quantiles give full confidence and the vol-target size caps
	// at 25% of equity: 25000 / 100 = 250 units.
	if !decision.Intent.Quantity.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected quantity 250, got %s", decision.Intent.Quantity)
	}
	if !decision.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("expected decision price 100, got %s", decision.Price)
	}
}

func TestDecideDegradesWithoutExternalSources(t *testing.T) {
	predictor := &fakePredictor{err: errors.New("model host down")}
	sentiment := &fakeSentiment{err: errors.New("feed down")}
	p := newPipeline(t, clusteredFeed(), predictor, sentiment)

	decision, err := p.Decide(context.Background(), "BTC/USD", decimal.NewFromInt(100000), decideAt)
	if err != nil {
		t.Fatalf("failed sources must degrade, not abort: %v", err)
	}

	// Only the neutral technical component remains, so the signal is flat
	// and nothing is sized.
	if decision.Signal.Direction != types.DirectionFlat {
		t.Errorf("expected flat with neutral technicals only, got %s", decision.Signal.Direction)
	}
	if decision.Intent != nil {
		t.Errorf("flat signal must not produce an intent, got %+v", decision.Intent)
	}
	if _, ok := decision.Signal.Components[types.SourceML]; ok {
		t.Error("failed predictor must not contribute a component")
	}
}

func TestDecideWithoutOptionalProviders(t *testing.T) {
	p := newPipeline(t, clusteredFeed(), nil, nil)

	decision, err := p.Decide(context.Background(), "BTC/USD", decimal.NewFromInt(100000), decideAt)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision.Signal.Direction != types.DirectionFlat {
		t.Errorf("expected flat signal, got %s", decision.Signal.Direction)
	}
}

// trendCandles builds an uptrending candle series whose noise falls in
// three blocks so the regime model sees distinct volatility clusters.
func trendCandles(n int) []types.Bar {
	rng := rand.New(rand.NewSource(23))
	bars := make([]types.Bar, n)
	ts := decideAt.Add(-time.Duration(n) * time.Hour)
	price := 100.0
	for i := 0; i < n; i++ {
		noise := 0.02
		switch {
		case i >= 2*n/3:
			noise = 0.002
		case i >= n/3:
			noise = 0.01
		}
		price *= 1 + 0.005 + rng.NormFloat64()*noise
		px := decimal.NewFromFloat(price)
		bars[i] = types.Bar{
			Timestamp: ts.Add(time.Duration(i) * time.Hour),
			Symbol:    "BTC/USD",
			Open:      px,
			High:      decimal.NewFromFloat(price * 1.001),
			Low:       decimal.NewFromFloat(price * 0.999),
			Close:     px,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

// Candles alone must be able to drive a trade: with no predictor and no
// sentiment feed, indicator-derived technicals carry the whole signal.
func TestDecideEmitsIntentFromCandlesAlone(t *testing.T) {
	bars := trendCandles(300)
	feats := data.ComputeFeatures(bars, 24, 8760)
	provider := data.NewHistoryProvider(bars, feats)

	cfg := config.Default()
	detector, err := regime.NewDetector(zap.NewNop(), regime.DefaultConfig())
	if err != nil {
		t.Fatalf("NewDetector failed: %v", err)
	}
	p := trader.NewPipeline(
		provider, nil, nil,
		detector,
		fusion.NewFuser(cfg.Fusion),
		sizing.NewSizer(cfg.Sizing.VolTarget, cfg.Sizing.MaxPositionPct),
		cfg.Fusion,
		20,
		zap.NewNop(),
	)
	if err := p.Retrain(context.Background(), "BTC/USD", len(feats)); err != nil {
		t.Fatalf("Retrain failed: %v", err)
	}

	decision, err := p.Decide(context.Background(), "BTC/USD", decimal.NewFromInt(100000), decideAt)
	if err != nil {
		t.Fatalf("Decide failed: %v", err)
	}
	if decision.Signal.Direction != types.DirectionLong {
		t.Fatalf("sustained uptrend should fuse long on technicals alone, got %s (strength %f)",
			decision.Signal.Direction, decision.Signal.Strength)
	}
	if decision.Signal.Components[types.SourceTechnical] <= 0 {
		t.Errorf("expected a positive technical component, got %f",
			decision.Signal.Components[types.SourceTechnical])
	}
	if decision.Intent == nil {
		t.Fatal("expected a sized intent from candles alone")
	}
	if decision.Intent.Side != types.OrderSideBuy || !decision.Intent.Quantity.IsPositive() {
		t.Errorf("expected a positive buy quantity, got %s %s",
			decision.Intent.Side, decision.Intent.Quantity)
	}
}

func TestDecidePropagatesDataGaps(t *testing.T) {
	// An empty feed reports a recoverable gap before any model runs.
	gap := trader.NewPipeline(
		&fakeFeed{}, nil, nil, nil, nil, nil, config.Default().Fusion, 20, zap.NewNop(),
	)

	_, err := gap.Decide(context.Background(), "BTC/USD", decimal.NewFromInt(100000), decideAt)
	var insufficient *errs.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
}
