package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Checker runs pre-trade risk checks in a fixed order: kill switch,
// minimum trade size, concentration, per-position limit, data
// staleness. The first failing check rejects the order; a rejection is
// expected control flow, not an error condition in the system.
type Checker struct {
	cfg config.RiskConfig
	ks  *KillSwitch
	dd  *DrawdownMonitor

	mu         sync.RWMutex
	restricted map[string]bool

	logger *zap.Logger
}

// NewChecker creates a checker wired to the shared kill switch and
// drawdown monitor.
func NewChecker(cfg config.RiskConfig, ks *KillSwitch, dd *DrawdownMonitor, logger *zap.Logger) *Checker {
	return &Checker{
		cfg:        cfg,
		ks:         ks,
		dd:         dd,
		restricted: make(map[string]bool),
		logger:     logger,
	}
}

// CheckOrder validates an order intent against current portfolio state.
// A nil return approves the order. positions maps symbol to the current
// open position; lastData is the timestamp of the freshest market data
// for the intent's symbol.
func (c *Checker) CheckOrder(
	intent types.SizedOrderIntent,
	price, equity decimal.Decimal,
	positions map[string]types.Position,
	lastData time.Time,
	now time.Time,
) error {
	if c.ks.Tripped() {
		return &errs.RiskRejectedError{
			Reason: errs.ReasonKillSwitch,
			Detail: "kill switch tripped: " + c.ks.Reason(),
		}
	}

	notional := intent.Quantity.Mul(price).Abs()
	if notional.LessThan(decimal.NewFromFloat(c.cfg.MinTradeUSD)) {
		return &errs.RiskRejectedError{
			Reason: errs.ReasonMinSize,
			Detail: fmt.Sprintf("notional %s below minimum %.2f", notional.StringFixed(2), c.cfg.MinTradeUSD),
		}
	}

	postQty := postTradeQuantity(positions[intent.Symbol], intent)
	postNotional := postQty.Abs().Mul(price)

	if equity.IsPositive() {
		// Concentration is measured against total portfolio exposure
		// after the trade, the per-position limit against equity. A book
		// with no other exposure is trivially 100% concentrated, so the
		// check only binds when other positions exist.
		otherExposure := decimal.Zero
		for sym, pos := range positions {
			if sym == intent.Symbol {
				continue
			}
			otherExposure = otherExposure.Add(pos.Quantity.Abs().Mul(pos.AvgEntryPrice))
		}
		if otherExposure.IsPositive() {
			totalExposure := postNotional.Add(otherExposure)
			conc, _ := postNotional.Div(totalExposure).Float64()
			if conc > c.cfg.MaxConcentrationPct && c.isIncrease(positions[intent.Symbol], intent) {
				return &errs.RiskRejectedError{
					Reason: errs.ReasonConcentrationLimit,
					Detail: fmt.Sprintf("%s would be %.1f%% of exposure, limit %.1f%%",
						intent.Symbol, conc*100, c.cfg.MaxConcentrationPct*100),
				}
			}
		}

		posPct, _ := postNotional.Div(equity).Float64()
		if posPct > c.cfg.MaxPositionPct && c.isIncrease(positions[intent.Symbol], intent) {
			return &errs.RiskRejectedError{
				Reason: errs.ReasonPositionLimit,
				Detail: fmt.Sprintf("%s would be %.1f%% of equity, limit %.1f%%",
					intent.Symbol, posPct*100, c.cfg.MaxPositionPct*100),
			}
		}
	}

	if c.isRestricted(intent.Symbol) && c.isIncrease(positions[intent.Symbol], intent) {
		return &errs.RiskRejectedError{
			Reason: errs.ReasonPositionLimit,
			Detail: intent.Symbol + " is restricted to reducing trades",
		}
	}

	if now.Sub(lastData) > c.cfg.StalenessThreshold {
		return &errs.RiskRejectedError{
			Reason: errs.ReasonStaleData,
			Detail: fmt.Sprintf("market data for %s is %s old, threshold %s",
				intent.Symbol, now.Sub(lastData).Round(time.Second), c.cfg.StalenessThreshold),
		}
	}

	return nil
}

// UpdateEquity records a new equity mark, trips the kill switch when the
// drawdown reaches the configured limit, and returns ErrKillSwitchTripped
// on the transition.
func (c *Checker) UpdateEquity(ctx context.Context, equity float64) error {
	dd := c.dd.Update(equity)
	if dd >= c.cfg.MaxDrawdownPct && !c.ks.Tripped() {
		reason := fmt.Sprintf("drawdown %.2f%% reached limit %.2f%% (peak %.2f, equity %.2f)",
			dd*100, c.cfg.MaxDrawdownPct*100, c.dd.Peak(), equity)
		if err := c.ks.Trip(ctx, reason); err != nil {
			return err
		}
		return errs.ErrKillSwitchTripped
	}
	return nil
}

// Revalidate re-checks open positions against the position and
// concentration limits after fills. A position that has grown past
// either limit (for example through price appreciation) is restricted
// to reducing trades until it is back under. As in CheckOrder,
// concentration binds only when other positions carry exposure.
func (c *Checker) Revalidate(positions map[string]types.Position, marks map[string]decimal.Decimal, equity decimal.Decimal) {
	if !equity.IsPositive() {
		return
	}

	notionals := make(map[string]decimal.Decimal, len(positions))
	totalExposure := decimal.Zero
	for sym, pos := range positions {
		price, ok := marks[sym]
		if !ok {
			price = pos.AvgEntryPrice
		}
		n := pos.Quantity.Abs().Mul(price)
		notionals[sym] = n
		totalExposure = totalExposure.Add(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sym := range positions {
		pct, _ := notionals[sym].Div(equity).Float64()
		overPos := pct > c.cfg.MaxPositionPct

		conc := 0.0
		if other := totalExposure.Sub(notionals[sym]); other.IsPositive() {
			conc, _ = notionals[sym].Div(totalExposure).Float64()
		}
		overConc := conc > c.cfg.MaxConcentrationPct

		over := overPos || overConc
		if over && !c.restricted[sym] {
			c.logger.Warn("position over limit, restricting to reducing trades",
				zap.String("symbol", sym),
				zap.Float64("positionPct", pct),
				zap.Float64("concentrationPct", conc),
				zap.Float64("positionLimit", c.cfg.MaxPositionPct),
				zap.Float64("concentrationLimit", c.cfg.MaxConcentrationPct))
		}
		c.restricted[sym] = over
	}
}

func (c *Checker) isRestricted(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restricted[symbol]
}

// isIncrease reports whether the intent grows absolute exposure in the
// symbol. Reducing trades always pass size limits so an over-limit
// position can be unwound.
func (c *Checker) isIncrease(pos types.Position, intent types.SizedOrderIntent) bool {
	cur := signedQuantity(pos)
	post := postTradeQuantity(pos, intent)
	return post.Abs().GreaterThan(cur.Abs())
}

func signedQuantity(pos types.Position) decimal.Decimal {
	if pos.Side == types.DirectionShort {
		return pos.Quantity.Neg()
	}
	return pos.Quantity
}

func postTradeQuantity(pos types.Position, intent types.SizedOrderIntent) decimal.Decimal {
	cur := signedQuantity(pos)
	if intent.Side == types.OrderSideBuy {
		return cur.Add(intent.Quantity)
	}
	return cur.Sub(intent.Quantity)
}
