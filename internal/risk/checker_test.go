package risk_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/risk"
	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPct:      0.15,
		MaxConcentrationPct: 0.40,
		MaxPositionPct:      0.25,
		MinTradeUSD:         25,
		StalenessThreshold:  30 * time.Minute,
	}
}

func newChecker(t *testing.T, cfg config.RiskConfig) (*risk.Checker, *risk.KillSwitch, *risk.DrawdownMonitor) {
	t.Helper()
	st := store.NewMemoryStore()
	ks := risk.NewKillSwitch(st, zap.NewNop())
	dd := risk.NewDrawdownMonitor()
	return risk.NewChecker(cfg, ks, dd, zap.NewNop()), ks, dd
}

func buyIntent(symbol string, qty float64) types.SizedOrderIntent {
	return types.SizedOrderIntent{
		Symbol:   symbol,
		Side:     types.OrderSideBuy,
		Quantity: decimal.NewFromFloat(qty),
	}
}

func rejectionReason(t *testing.T, err error) errs.RejectReason {
	t.Helper()
	var rejected *errs.RiskRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected RiskRejectedError, got %v", err)
	}
	return rejected.Reason
}

func TestCheckOrderApproves(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	err := c.CheckOrder(buyIntent("BTC/USD", 100), price, equity, nil, now.Add(-time.Minute), now)
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
}

func TestCheckOrderMinSize(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())

	err := c.CheckOrder(buyIntent("BTC/USD", 0.1), decimal.NewFromInt(100), decimal.NewFromInt(100000), nil, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonMinSize {
		t.Errorf("expected %s, got %s", errs.ReasonMinSize, got)
	}
}

func TestCheckOrderPositionLimit(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// 300 * 100 = 30000 = 30% of equity, limit 25%.
	err := c.CheckOrder(buyIntent("BTC/USD", 300), price, equity, nil, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonPositionLimit {
		t.Errorf("expected %s, got %s", errs.ReasonPositionLimit, got)
	}
}

func TestCheckOrderConcentrationLimit(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(1000000)
	price := decimal.NewFromInt(100)
	positions := map[string]types.Position{
		"ETH/USD": {
			Symbol:        "ETH/USD",
			Side:          types.DirectionLong,
			Quantity:      decimal.NewFromInt(100),
			AvgEntryPrice: decimal.NewFromInt(100),
		},
	}

	// Post-trade BTC exposure 20000 of 30000 total = 66%, limit 40%.
	// Position pct is only 2% of equity so concentration fires first.
	err := c.CheckOrder(buyIntent("BTC/USD", 200), price, equity, positions, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonConcentrationLimit {
		t.Errorf("expected %s, got %s", errs.ReasonConcentrationLimit, got)
	}
}

func TestCheckOrderReducingTradePassesLimits(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)
	positions := map[string]types.Position{
		"BTC/USD": {
			Symbol:        "BTC/USD",
			Side:          types.DirectionLong,
			Quantity:      decimal.NewFromInt(400), // 40% of equity, over the 25% limit
			AvgEntryPrice: price,
		},
	}

	sell := types.SizedOrderIntent{
		Symbol:   "BTC/USD",
		Side:     types.OrderSideSell,
		Quantity: decimal.NewFromInt(100),
	}
	if err := c.CheckOrder(sell, price, equity, positions, now, now); err != nil {
		t.Fatalf("reducing trade should pass size limits: %v", err)
	}

	// Growing the same over-limit position must still be rejected.
	err := c.CheckOrder(buyIntent("BTC/USD", 100), price, equity, positions, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonPositionLimit {
		t.Errorf("expected %s, got %s", errs.ReasonPositionLimit, got)
	}
}

func TestCheckOrderStaleData(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())

	err := c.CheckOrder(buyIntent("BTC/USD", 100), decimal.NewFromInt(100), decimal.NewFromInt(100000),
		nil, now.Add(-45*time.Minute), now)
	if got := rejectionReason(t, err); got != errs.ReasonStaleData {
		t.Errorf("expected %s, got %s", errs.ReasonStaleData, got)
	}
}

func TestDrawdownTripsKillSwitch(t *testing.T) {
	c, ks, dd := newChecker(t, testRiskConfig())
	ctx := context.Background()
	dd.SeedPeak(100000)

	if err := c.UpdateEquity(ctx, 90000); err != nil {
		t.Fatalf("10%% drawdown should not trip: %v", err)
	}
	if ks.Tripped() {
		t.Fatal("kill switch tripped below the limit")
	}

	// 16% drawdown crosses the 15% limit.
	if err := c.UpdateEquity(ctx, 84000); !errors.Is(err, errs.ErrKillSwitchTripped) {
		t.Fatalf("expected ErrKillSwitchTripped, got %v", err)
	}
	if !ks.Tripped() {
		t.Fatal("kill switch should be tripped")
	}

	// Recovery does not re-arm and later updates report no transition.
	if err := c.UpdateEquity(ctx, 99000); err != nil {
		t.Fatalf("post-trip update should not error: %v", err)
	}
	if !ks.Tripped() {
		t.Fatal("recovery must not reset the kill switch")
	}

	// Every order is rejected while tripped.
	err := c.CheckOrder(buyIntent("BTC/USD", 100), decimal.NewFromInt(100), decimal.NewFromInt(99000), nil, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonKillSwitch {
		t.Errorf("expected %s, got %s", errs.ReasonKillSwitch, got)
	}
}

func TestKillSwitchPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	ks := risk.NewKillSwitch(st, zap.NewNop())
	if err := ks.Trip(ctx, "drawdown limit"); err != nil {
		t.Fatalf("Trip failed: %v", err)
	}

	// A fresh switch on the same store restores the tripped state.
	restored := risk.NewKillSwitch(st, zap.NewNop())
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !restored.Tripped() {
		t.Fatal("restored switch should be tripped")
	}

	if err := restored.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if restored.Tripped() {
		t.Fatal("switch should be armed after manual reset")
	}

	again := risk.NewKillSwitch(st, zap.NewNop())
	if err := again.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if again.Tripped() {
		t.Fatal("reset should persist")
	}
}

func TestRevalidateRestrictsOverLimitPosition(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(100000)
	entry := decimal.NewFromInt(100)
	positions := map[string]types.Position{
		"BTC/USD": {
			Symbol:        "BTC/USD",
			Side:          types.DirectionLong,
			Quantity:      decimal.NewFromInt(200), // 20% at entry
			AvgEntryPrice: entry,
		},
	}

	// Price appreciation pushes the position to 30% of equity.
	marks := map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(150)}
	c.Revalidate(positions, marks, equity)

	err := c.CheckOrder(buyIntent("BTC/USD", 1), decimal.NewFromInt(150), equity, positions, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonPositionLimit {
		t.Errorf("restricted symbol should reject increases, got %s", got)
	}

	sell := types.SizedOrderIntent{
		Symbol:   "BTC/USD",
		Side:     types.OrderSideSell,
		Quantity: decimal.NewFromInt(50),
	}
	if err := c.CheckOrder(sell, decimal.NewFromInt(150), equity, positions, now, now); err != nil {
		t.Fatalf("restricted symbol should still allow reducing trades: %v", err)
	}

	// Back under the limit, restriction clears.
	c.Revalidate(positions, map[string]decimal.Decimal{"BTC/USD": decimal.NewFromInt(100)}, equity)
	if err := c.CheckOrder(buyIntent("BTC/USD", 10), decimal.NewFromInt(100), equity, positions, now, now); err != nil {
		t.Fatalf("restriction should clear once under the limit: %v", err)
	}
}

func TestRevalidateRestrictsConcentratedPosition(t *testing.T) {
	c, _, _ := newChecker(t, testRiskConfig())
	equity := decimal.NewFromInt(1000000)
	positions := map[string]types.Position{
		"BTC/USD": {
			Symbol:        "BTC/USD",
			Side:          types.DirectionLong,
			Quantity:      decimal.NewFromInt(600),
			AvgEntryPrice: decimal.NewFromInt(100),
		},
		"ETH/USD": {
			Symbol:        "ETH/USD",
			Side:          types.DirectionLong,
			Quantity:      decimal.NewFromInt(10),
			AvgEntryPrice: decimal.NewFromInt(1000),
		},
	}

	// BTC marked to 150 is 90000 of 100000 total exposure: 90% versus
	// the 40% concentration limit, while only 9% of equity.
	c.Revalidate(positions, map[string]decimal.Decimal{
		"BTC/USD": decimal.NewFromInt(150),
		"ETH/USD": decimal.NewFromInt(1000),
	}, equity)

	// After a crash to 5 the current concentration is back under the
	// limit, but the restriction holds until the next revalidation.
	err := c.CheckOrder(buyIntent("BTC/USD", 10), decimal.NewFromInt(5), equity, positions, now, now)
	if got := rejectionReason(t, err); got != errs.ReasonPositionLimit {
		t.Errorf("concentrated symbol should reject increases, got %s", got)
	}

	sell := types.SizedOrderIntent{
		Symbol:   "BTC/USD",
		Side:     types.OrderSideSell,
		Quantity: decimal.NewFromInt(50),
	}
	if err := c.CheckOrder(sell, decimal.NewFromInt(5), equity, positions, now, now); err != nil {
		t.Fatalf("concentrated symbol should still allow reducing trades: %v", err)
	}

	c.Revalidate(positions, map[string]decimal.Decimal{
		"BTC/USD": decimal.NewFromInt(5),
		"ETH/USD": decimal.NewFromInt(1000),
	}, equity)
	if err := c.CheckOrder(buyIntent("BTC/USD", 10), decimal.NewFromInt(5), equity, positions, now, now); err != nil {
		t.Fatalf("restriction should clear once concentration is back under the limit: %v", err)
	}
}

func TestDrawdownMonitor(t *testing.T) {
	dd := risk.NewDrawdownMonitor()
	dd.SeedPeak(100000)

	if got := dd.Update(95000); got != 0.05 {
		t.Errorf("expected drawdown 0.05, got %f", got)
	}
	if got := dd.Update(80000); got != 0.2 {
		t.Errorf("expected drawdown 0.2, got %f", got)
	}
	// New high resets the drawdown and raises the peak.
	if got := dd.Update(110000); got != 0 {
		t.Errorf("expected drawdown 0 at new high, got %f", got)
	}
	if dd.Peak() != 110000 {
		t.Errorf("expected peak 110000, got %f", dd.Peak())
	}
	if dd.Max() != 0.2 {
		t.Errorf("expected max drawdown 0.2, got %f", dd.Max())
	}
}

func TestVolAndSharpe(t *testing.T) {
	flat := []float64{100, 100, 100, 100}
	vol, sharpe := risk.VolAndSharpe(flat, 365)
	if vol != 0 {
		t.Errorf("flat equity should have zero vol, got %f", vol)
	}
	if sharpe != nil {
		t.Error("flat equity should report nil Sharpe")
	}

	short := []float64{100, 101, 102}
	if _, sharpe := risk.VolAndSharpe(short, 365); sharpe != nil {
		t.Error("Sharpe should be nil below the minimum sample count")
	}

	long := make([]float64, 0, 60)
	e := 100.0
	for i := 0; i < 60; i++ {
		long = append(long, e)
		if i%2 == 0 {
			e *= 1.01
		} else {
			e *= 0.995
		}
	}
	vol, sharpe = risk.VolAndSharpe(long, 365)
	if vol <= 0 {
		t.Errorf("expected positive vol, got %f", vol)
	}
	if sharpe == nil {
		t.Fatal("expected a Sharpe ratio with 60 samples")
	}
	if *sharpe <= 0 {
		t.Errorf("upward-drifting equity should have positive Sharpe, got %f", *sharpe)
	}
}

func TestConcentration(t *testing.T) {
	if got := risk.Concentration(nil, nil); got != 0 {
		t.Errorf("empty book should have zero concentration, got %f", got)
	}

	positions := []types.Position{
		{Symbol: "BTC/USD", Quantity: decimal.NewFromInt(3), AvgEntryPrice: decimal.NewFromInt(100)},
		{Symbol: "ETH/USD", Quantity: decimal.NewFromInt(1), AvgEntryPrice: decimal.NewFromInt(100)},
	}
	if got := risk.Concentration(positions, nil); got != 0.75 {
		t.Errorf("expected concentration 0.75, got %f", got)
	}

	// Marks override entry prices.
	marks := map[string]decimal.Decimal{"ETH/USD": decimal.NewFromInt(300)}
	if got := risk.Concentration(positions, marks); got != 0.5 {
		t.Errorf("expected concentration 0.5 with marked prices, got %f", got)
	}
}
