// Package sizing converts fused signals into volatility-targeted
// position sizes.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// volEpsilon floors realized volatility so a near-zero vol reading can
// never produce an unbounded position.
const volEpsilon = 1e-4

// Sizer computes position sizes from signal strength, confidence and
// realized volatility:
//
//	raw = (volTarget / realizedVol) * |strength|
//	sized = raw * confidence
//	capped = min(sized, maxPositionPct)
//	quantity = capped * equity / price
type Sizer struct {
	volTarget      float64
	maxPositionPct float64
}

// NewSizer creates a sizer from validated configuration.
func NewSizer(volTarget, maxPositionPct float64) *Sizer {
	return &Sizer{
		volTarget:      volTarget,
		maxPositionPct: maxPositionPct,
	}
}

// ComputeSize returns a SizedOrderIntent for the signal. The quantity is
// always non-negative: direction is carried on the intent's side. A flat
// signal, non-positive price, or non-positive equity sizes to zero.
func (s *Sizer) ComputeSize(
	signal types.FusedSignal,
	equity decimal.Decimal,
	currentPrice decimal.Decimal,
	realizedVol float64,
) types.SizedOrderIntent {
	intent := types.SizedOrderIntent{
		Symbol:         signal.Symbol,
		Side:           sideFor(signal.Direction),
		Quantity:       decimal.Zero,
		NotionalPct:    decimal.Zero,
		SignalStrength: signal.Strength,
		SignalRegime:   signal.Regime,
	}

	if signal.Direction == types.DirectionFlat {
		return intent
	}
	if currentPrice.Sign() <= 0 || equity.Sign() <= 0 {
		return intent
	}

	vol := realizedVol
	if vol < volEpsilon {
		vol = volEpsilon
	}

	strength := signal.Strength
	if strength < 0 {
		strength = -strength
	}

	rawPct := (s.volTarget / vol) * strength
	sizedPct := rawPct * signal.Confidence
	if sizedPct > s.maxPositionPct {
		sizedPct = s.maxPositionPct
	}
	if sizedPct <= 0 {
		return intent
	}

	pct := decimal.NewFromFloat(sizedPct)
	notional := pct.Mul(equity)
	intent.NotionalPct = pct
	intent.Quantity = notional.Div(currentPrice)
	return intent
}

func sideFor(direction types.Direction) types.OrderSide {
	if direction == types.DirectionShort {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}
