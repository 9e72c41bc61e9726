package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// CostModel prices simulated executions: half the quoted spread plus
// linear market impact scaled by trade size relative to rolling average
// daily dollar volume, and exchange fees on the filled notional.
type CostModel struct {
	cfg config.CostConfig
}

// NewCostModel creates a cost model.
func NewCostModel(cfg config.CostConfig) *CostModel {
	return &CostModel{cfg: cfg}
}

// FillPrice returns the simulated execution price for a trade against
// the reference price. Costs always move the price against the trader;
// a zero ADV disables the impact term rather than dividing by zero.
func (c *CostModel) FillPrice(ref decimal.Decimal, buy bool, tradeNotional, adv decimal.Decimal) decimal.Decimal {
	halfSpread := c.cfg.SpreadBps / 2
	impact := 0.0
	if adv.IsPositive() {
		frac, _ := tradeNotional.Div(adv).Float64()
		impact = c.cfg.LinearImpactBps * frac
	}
	moveBps := decimal.NewFromFloat((halfSpread + impact) / 10000)
	if buy {
		return ref.Mul(decimal.NewFromInt(1).Add(moveBps))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(moveBps))
}

// Fees returns exchange fees on a filled notional: the maker rate for
// limit orders, the taker rate for everything that crosses the spread.
func (c *CostModel) Fees(notional decimal.Decimal, orderType types.OrderType) decimal.Decimal {
	bps := c.cfg.TakerFeeBps
	if orderType == types.OrderTypeLimit {
		bps = c.cfg.MakerFeeBps
	}
	return notional.Abs().Mul(decimal.NewFromFloat(bps / 10000))
}

// ADVTracker maintains a rolling average of per-bar dollar volume as
// the liquidity proxy.
type ADVTracker struct {
	window int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewADVTracker creates a tracker over the given bar window.
func NewADVTracker(window int) *ADVTracker {
	if window <= 0 {
		window = 1
	}
	return &ADVTracker{window: window}
}

// Observe records one bar's dollar volume.
func (a *ADVTracker) Observe(dollarVolume decimal.Decimal) {
	a.values = append(a.values, dollarVolume)
	a.sum = a.sum.Add(dollarVolume)
	if len(a.values) > a.window {
		a.sum = a.sum.Sub(a.values[0])
		a.values = a.values[1:]
	}
}

// Average returns the rolling average dollar volume, zero before any
// observation.
func (a *ADVTracker) Average() decimal.Decimal {
	if len(a.values) == 0 {
		return decimal.Zero
	}
	return a.sum.Div(decimal.NewFromInt(int64(len(a.values))))
}
