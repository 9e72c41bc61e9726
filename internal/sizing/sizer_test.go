package sizing_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/internal/sizing"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

func longSignal(strength, confidence float64) types.FusedSignal {
	return types.FusedSignal{
		Symbol:     "BTC/USD",
		Direction:  types.DirectionLong,
		Strength:   strength,
		Confidence: confidence,
		Regime:     types.RegimeTrending,
	}
}

func TestComputeSizeVolTargetCap(t *testing.T) {
	s := sizing.NewSizer(0.15, 0.25)
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// raw = 0.15/0.30 = 0.5, capped at 0.25 of equity -> 25000 / 100 = 250.
	intent := s.ComputeSize(longSignal(1.0, 1.0), equity, price, 0.30)

	if intent.Side != types.OrderSideBuy {
		t.Errorf("expected buy side, got %s", intent.Side)
	}
	if !intent.NotionalPct.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("expected notional pct 0.25, got %s", intent.NotionalPct)
	}
	if !intent.Quantity.Equal(decimal.NewFromInt(250)) {
		t.Errorf("expected quantity 250, got %s", intent.Quantity)
	}
}

func TestComputeSizeUncapped(t *testing.T) {
	s := sizing.NewSizer(0.25, 1.0)
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	// raw = 0.25/0.5 = 0.5, * strength 0.5 * confidence 0.5 = 0.125.
	intent := s.ComputeSize(longSignal(0.5, 0.5), equity, price, 0.5)

	if !intent.NotionalPct.Equal(decimal.NewFromFloat(0.125)) {
		t.Errorf("expected notional pct 0.125, got %s", intent.NotionalPct)
	}
	if !intent.Quantity.Equal(decimal.NewFromInt(125)) {
		t.Errorf("expected quantity 125, got %s", intent.Quantity)
	}
}

func TestComputeSizeDecreasesWithVol(t *testing.T) {
	s := sizing.NewSizer(0.15, 1.0)
	equity := decimal.NewFromInt(50000)
	price := decimal.NewFromInt(200)

	prev := decimal.NewFromInt(1 << 30)
	for _, vol := range []float64{0.2, 0.4, 0.8, 1.6} {
		intent := s.ComputeSize(longSignal(0.7, 0.9), equity, price, vol)
		if intent.Quantity.GreaterThanOrEqual(prev) {
			t.Errorf("quantity should shrink as vol rises: vol=%f qty=%s prev=%s", vol, intent.Quantity, prev)
		}
		prev = intent.Quantity
	}
}

func TestComputeSizeVolFloor(t *testing.T) {
	s := sizing.NewSizer(0.15, 10.0)
	equity := decimal.NewFromInt(1000)
	price := decimal.NewFromInt(10)

	zero := s.ComputeSize(longSignal(1.0, 1.0), equity, price, 0)
	tiny := s.ComputeSize(longSignal(1.0, 1.0), equity, price, 1e-9)
	if !zero.Quantity.Equal(tiny.Quantity) {
		t.Errorf("vols below the floor should size identically: %s vs %s", zero.Quantity, tiny.Quantity)
	}
	if zero.Quantity.Sign() <= 0 {
		t.Error("floored vol should still produce a positive size")
	}
}

func TestComputeSizeShortSide(t *testing.T) {
	s := sizing.NewSizer(0.15, 0.25)
	sig := longSignal(-0.6, 0.9)
	sig.Direction = types.DirectionShort

	intent := s.ComputeSize(sig, decimal.NewFromInt(100000), decimal.NewFromInt(50), 0.5)

	if intent.Side != types.OrderSideSell {
		t.Errorf("expected sell side for short signal, got %s", intent.Side)
	}
	if intent.Quantity.Sign() <= 0 {
		t.Error("short intents carry a positive quantity with a sell side")
	}
}

func TestComputeSizeGuards(t *testing.T) {
	s := sizing.NewSizer(0.15, 0.25)
	equity := decimal.NewFromInt(100000)
	price := decimal.NewFromInt(100)

	cases := []struct {
		name   string
		signal types.FusedSignal
		equity decimal.Decimal
		price  decimal.Decimal
	}{
		{"flat signal", types.FusedSignal{Symbol: "BTC/USD", Direction: types.DirectionFlat}, equity, price},
		{"zero price", longSignal(1.0, 1.0), equity, decimal.Zero},
		{"negative price", longSignal(1.0, 1.0), equity, decimal.NewFromInt(-5)},
		{"zero equity", longSignal(1.0, 1.0), decimal.Zero, price},
		{"zero confidence", longSignal(1.0, 0.0), equity, price},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			intent := s.ComputeSize(tc.signal, tc.equity, tc.price, 0.5)
			if !intent.Quantity.IsZero() {
				t.Errorf("expected zero quantity, got %s", intent.Quantity)
			}
			if !intent.NotionalPct.IsZero() {
				t.Errorf("expected zero notional pct, got %s", intent.NotionalPct)
			}
		})
	}
}
