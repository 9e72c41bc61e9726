package trader_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/internal/trader"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

func target(side types.OrderSide, qty int64) types.SizedOrderIntent {
	return types.SizedOrderIntent{
		Symbol:   "BTC/USD",
		Side:     side,
		Quantity: decimal.NewFromInt(qty),
	}
}

func position(side types.Direction, qty int64) types.Position {
	return types.Position{
		Symbol:   "BTC/USD",
		Side:     side,
		Quantity: decimal.NewFromInt(qty),
	}
}

func TestDeltaIntent(t *testing.T) {
	cases := []struct {
		name     string
		intent   types.SizedOrderIntent
		pos      types.Position
		wantSide types.OrderSide
		wantQty  int64
		wantOK   bool
	}{
		{
			name:     "flat to long buys the target",
			intent:   target(types.OrderSideBuy, 100),
			pos:      position(types.DirectionFlat, 0),
			wantSide: types.OrderSideBuy,
			wantQty:  100,
			wantOK:   true,
		},
		{
			name:     "increase buys only the difference",
			intent:   target(types.OrderSideBuy, 100),
			pos:      position(types.DirectionLong, 60),
			wantSide: types.OrderSideBuy,
			wantQty:  40,
			wantOK:   true,
		},
		{
			name:     "decrease sells the excess",
			intent:   target(types.OrderSideBuy, 40),
			pos:      position(types.DirectionLong, 100),
			wantSide: types.OrderSideSell,
			wantQty:  60,
			wantOK:   true,
		},
		{
			name:   "already at target",
			intent: target(types.OrderSideBuy, 100),
			pos:    position(types.DirectionLong, 100),
			wantOK: false,
		},
		{
			name:     "long to short crosses through flat",
			intent:   target(types.OrderSideSell, 50),
			pos:      position(types.DirectionLong, 30),
			wantSide: types.OrderSideSell,
			wantQty:  80,
			wantOK:   true,
		},
		{
			name:     "short to long crosses through flat",
			intent:   target(types.OrderSideBuy, 20),
			pos:      position(types.DirectionShort, 50),
			wantSide: types.OrderSideBuy,
			wantQty:  70,
			wantOK:   true,
		},
		{
			name:     "flat target unwinds the position",
			intent:   target(types.OrderSideBuy, 0),
			pos:      position(types.DirectionLong, 25),
			wantSide: types.OrderSideSell,
			wantQty:  25,
			wantOK:   true,
		},
		{
			name:   "flat target with no position",
			intent: target(types.OrderSideBuy, 0),
			pos:    position(types.DirectionFlat, 0),
			wantOK: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := trader.DeltaIntent(tc.intent, tc.pos)
			if ok != tc.wantOK {
				t.Fatalf("expected ok=%v, got %v", tc.wantOK, ok)
			}
			if !ok {
				return
			}
			if got.Side != tc.wantSide {
				t.Errorf("expected side %s, got %s", tc.wantSide, got.Side)
			}
			if !got.Quantity.Equal(decimal.NewFromInt(tc.wantQty)) {
				t.Errorf("expected quantity %d, got %s", tc.wantQty, got.Quantity)
			}
			if got.Symbol != tc.intent.Symbol {
				t.Errorf("delta must keep the intent's symbol, got %s", got.Symbol)
			}
		})
	}
}
