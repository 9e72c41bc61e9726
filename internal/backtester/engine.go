package backtester

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/portfolio"
	"github.com/vantage-quant/decision-engine/internal/risk"
	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Strategy produces an order intent from bar history. history contains
// every bar up to and including the current one; nothing after the
// current bar is ever visible to the strategy.
type Strategy interface {
	OnBar(ctx context.Context, bar types.Bar, history []types.Bar, equity decimal.Decimal, position types.Position) (*types.SizedOrderIntent, error)
}

// Result is the output of one backtest run.
type Result struct {
	EquityCurve    []types.EquityCurvePoint `json:"equityCurve"`
	Trades         []types.TradeRecord      `json:"trades"`
	Returns        []float64                `json:"returns"` // per-bar simple returns
	Metrics        Metrics                  `json:"metrics"`
	BarsProcessed  int                      `json:"barsProcessed"`
	OrdersPlaced   int                      `json:"ordersPlaced"`
	OrdersRejected int                      `json:"ordersRejected"`
}

// Engine replays bars through the same signal, risk and portfolio code
// paths as live trading. Events within a bar process in a fixed order
// (bar close, signal, order, fill) and fills honor the configured
// latency, so a signal can never execute against information from its
// own bar unless latency is explicitly zero.
type Engine struct {
	cfg     config.BacktestConfig
	riskCfg config.RiskConfig
	logger  *zap.Logger
}

// NewEngine creates a backtest engine.
func NewEngine(cfg config.BacktestConfig, riskCfg config.RiskConfig, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, riskCfg: riskCfg, logger: logger}
}

// openOrder is an order waiting to fill, with liquidity-constrained
// remainders carried across bars. fillBar is the earliest bar the
// order may execute at.
type openOrder struct {
	order     *types.Order
	remaining decimal.Decimal
	fillBar   int
}

// roundTrip accumulates one open round trip until the position returns
// to flat.
type roundTrip struct {
	side          types.Direction
	entryTime     time.Time
	entryQty      decimal.Decimal
	entryNotional decimal.Decimal
	exitQty       decimal.Decimal
	exitNotional  decimal.Decimal
	fees          decimal.Decimal
}

// Run executes the backtest over chronologically ordered bars of a
// single symbol.
func (e *Engine) Run(ctx context.Context, bars []types.Bar, strategy Strategy) (*Result, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("backtest: no bars")
	}
	symbol := bars[0].Symbol
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			return nil, fmt.Errorf("backtest: bars out of order at index %d", i)
		}
		if bars[i].Symbol != symbol {
			return nil, fmt.Errorf("backtest: mixed symbols %s and %s", symbol, bars[i].Symbol)
		}
	}

	st := store.NewMemoryStore()
	ks := risk.NewKillSwitch(st, e.logger)
	dd := risk.NewDrawdownMonitor()
	checker := risk.NewChecker(e.riskCfg, ks, dd, e.logger)
	book := portfolio.NewState(decimal.NewFromFloat(e.cfg.InitialCapital), e.logger)
	costs := NewCostModel(e.cfg.Costs)
	adv := NewADVTracker(e.cfg.ADVWindow)
	dd.SeedPeak(e.cfg.InitialCapital)

	queue := NewEventQueue()
	for i := range bars {
		queue.Push(&Event{Bar: i, Phase: PhaseBarClose, At: bars[i].Timestamp, BarData: &bars[i]})
	}

	result := &Result{}
	var open []*openOrder
	var trip *roundTrip
	peak := e.cfg.InitialCapital
	prevEquity := e.cfg.InitialCapital
	var tradedNotional decimal.Decimal
	equitySum := 0.0
	lastBar := -1

	for queue.Len() > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		ev := queue.Pop()
		bar := bars[ev.Bar]

		// The previous bar is complete once the first event of the next
		// bar surfaces.
		if ev.Bar != lastBar {
			if lastBar >= 0 {
				prevEquity, peak, equitySum = e.closeBar(ctx, result, book, checker, st, bars[lastBar], prevEquity, peak, equitySum)
			}
			lastBar = ev.Bar
		}

		switch ev.Phase {
		case PhaseBarClose:
			book.MarkToMarket(symbol, bar.Close)
			adv.Observe(bar.Close.Mul(bar.Volume))
			queue.Push(&Event{Bar: ev.Bar, Phase: PhaseSignal, At: bar.Timestamp, BarData: &bars[ev.Bar]})
			// Exactly one fill attempt per open order per bar, once its
			// latency has elapsed.
			for _, oo := range open {
				if oo.fillBar <= ev.Bar {
					queue.Push(&Event{Bar: ev.Bar, Phase: PhaseFill, At: bar.Timestamp, Order: oo.order})
				}
			}

		case PhaseSignal:
			snap := book.Snapshot(bar.Timestamp)
			pos, _ := book.Position(symbol)
			intent, err := strategy.OnBar(ctx, bar, bars[:ev.Bar+1], snap.Equity, pos)
			if err != nil {
				var insufficient *errs.InsufficientDataError
				if errors.As(err, &insufficient) {
					break // warm-up, skip the bar
				}
				return nil, fmt.Errorf("strategy at bar %d: %w", ev.Bar, err)
			}
			if intent != nil && intent.Quantity.IsPositive() {
				queue.Push(&Event{Bar: ev.Bar, Phase: PhaseOrder, At: bar.Timestamp, Intent: intent})
			}

		case PhaseOrder:
			snap := book.Snapshot(bar.Timestamp)
			if err := checker.CheckOrder(*ev.Intent, bar.Close, snap.Equity, book.Positions(), bar.Timestamp, bar.Timestamp); err != nil {
				result.OrdersRejected++
				e.logger.Debug("backtest order rejected",
					zap.Int("bar", ev.Bar), zap.Error(err))
				break
			}
			result.OrdersPlaced++
			order := &types.Order{
				ID:        "bt_" + uuid.NewString(),
				Symbol:    symbol,
				Side:      ev.Intent.Side,
				Type:      types.OrderTypeMarket,
				Quantity:  ev.Intent.Quantity,
				Status:    types.OrderStatusSubmitted,
				CreatedAt: bar.Timestamp,
				UpdatedAt: bar.Timestamp,
			}
			oo := &openOrder{order: order, remaining: order.Quantity, fillBar: ev.Bar + e.cfg.FillLatencyBars}
			open = append(open, oo)
			if oo.fillBar == ev.Bar {
				// Zero latency fills within the same bar's fill phase.
				queue.Push(&Event{Bar: ev.Bar, Phase: PhaseFill, At: bar.Timestamp, Order: order})
			}

		case PhaseFill:
			oo := findOpen(open, ev.Order.ID)
			if oo == nil || !oo.remaining.IsPositive() {
				break
			}
			fillQty := e.fillableQty(oo.remaining, bar)
			if !fillQty.IsPositive() {
				break
			}
			buy := oo.order.Side == types.OrderSideBuy
			notional := fillQty.Mul(bar.Close)
			price := costs.FillPrice(bar.Close, buy, notional, adv.Average())
			filledNotional := fillQty.Mul(price)
			fill := types.Fill{
				FillID:    "btf_" + uuid.NewString(),
				OrderID:   oo.order.ID,
				Symbol:    symbol,
				Side:      oo.order.Side,
				Quantity:  fillQty,
				Price:     price,
				Fees:      costs.Fees(filledNotional, oo.order.Type),
				Timestamp: bar.Timestamp,
			}
			prePos, _ := book.Position(symbol)
			if err := book.ApplyFill(fill); err != nil {
				return nil, fmt.Errorf("apply fill at bar %d: %w", ev.Bar, err)
			}
			trip = e.recordFill(result, trip, prePos, fill)
			tradedNotional = tradedNotional.Add(filledNotional)

			oo.remaining = oo.remaining.Sub(fillQty)
			oo.order.FilledQty = oo.order.Quantity.Sub(oo.remaining)
			if oo.remaining.IsPositive() {
				oo.order.Status = types.OrderStatusPartial
			} else {
				oo.order.Status = types.OrderStatusFilled
				open = removeOpen(open, oo.order.ID)
			}
		}

	}
	if lastBar >= 0 {
		_, _, equitySum = e.closeBar(ctx, result, book, checker, st, bars[lastBar], prevEquity, peak, equitySum)
	}

	avgEquity := equitySum / float64(len(bars))
	turnover := 0.0
	if avgEquity > 0 {
		tn, _ := tradedNotional.Float64()
		turnover = tn / avgEquity
	}
	result.BarsProcessed = len(bars)
	result.Metrics = ComputeMetrics(result.EquityCurve, result.Trades, e.cfg.BarsPerYear, turnover)

	e.logger.Info("backtest complete",
		zap.String("symbol", symbol),
		zap.Int("bars", result.BarsProcessed),
		zap.Int("ordersPlaced", result.OrdersPlaced),
		zap.Int("ordersRejected", result.OrdersRejected),
		zap.Int("trades", len(result.Trades)),
		zap.Float64("totalReturn", result.Metrics.TotalReturn))
	return result, nil
}

// closeBar snapshots equity, feeds the drawdown monitor and appends the
// equity curve point and per-bar return.
func (e *Engine) closeBar(ctx context.Context, result *Result, book *portfolio.State, checker *risk.Checker, st store.Store, bar types.Bar, prevEquity, peak, equitySum float64) (float64, float64, float64) {
	snap := book.Snapshot(bar.Timestamp)
	// Post-trade re-validation: a position pushed past its limits by
	// the bar's price action is restricted to reducing trades.
	checker.Revalidate(book.Positions(), map[string]decimal.Decimal{bar.Symbol: bar.Close}, snap.Equity)
	eq, _ := snap.Equity.Float64()
	if eq > peak {
		peak = eq
	}
	drawdown := 0.0
	if peak > 0 {
		drawdown = (peak - eq) / peak
	}
	snap.DrawdownPct = drawdown
	_ = st.AppendSnapshot(ctx, snap)
	if err := checker.UpdateEquity(ctx, eq); err != nil && err != errs.ErrKillSwitchTripped {
		e.logger.Error("drawdown update failed", zap.Error(err))
	}

	result.EquityCurve = append(result.EquityCurve, types.EquityCurvePoint{
		Timestamp: bar.Timestamp,
		Equity:    snap.Equity,
		Cash:      snap.Cash,
		Drawdown:  drawdown,
	})
	if prevEquity > 0 {
		result.Returns = append(result.Returns, eq/prevEquity-1)
	}
	return eq, peak, equitySum + eq
}

// fillableQty caps a fill by the bar's accessible liquidity:
// LiquidityFraction of the bar's volume, of which a single order may
// take PartialFillPct per bar.
func (e *Engine) fillableQty(remaining decimal.Decimal, bar types.Bar) decimal.Decimal {
	// A bar that traded nothing has nothing to fill against.
	if !bar.Volume.IsPositive() {
		return decimal.Zero
	}
	maxQty := bar.Volume.
		Mul(decimal.NewFromFloat(e.cfg.LiquidityFraction)).
		Mul(decimal.NewFromFloat(e.cfg.PartialFillPct))
	if maxQty.IsPositive() && remaining.GreaterThan(maxQty) {
		return maxQty
	}
	return remaining
}

// recordFill folds a fill into round-trip accounting, closing a trade
// record whenever the position returns through flat.
func (e *Engine) recordFill(result *Result, trip *roundTrip, prePos types.Position, fill types.Fill) *roundTrip {
	preQty := prePos.Quantity
	if prePos.Side == types.DirectionShort {
		preQty = preQty.Neg()
	}
	delta := fill.Quantity
	if fill.Side == types.OrderSideSell {
		delta = delta.Neg()
	}
	postQty := preQty.Add(delta)

	openQty := decimal.Zero  // portion increasing exposure
	closeQty := decimal.Zero // portion reducing exposure
	switch {
	case preQty.IsZero() || preQty.Sign() == delta.Sign():
		openQty = delta.Abs()
	case postQty.Sign() == 0 || postQty.Sign() == preQty.Sign():
		closeQty = delta.Abs()
	default:
		closeQty = preQty.Abs()
		openQty = postQty.Abs()
	}

	// A flip-through-flat fill belongs to two trades: its fees split
	// pro rata between the closing and the opening quantities.
	totalQty := closeQty.Add(openQty)
	closeFees := decimal.Zero
	openFees := decimal.Zero
	if totalQty.IsPositive() {
		closeFees = fill.Fees.Mul(closeQty).Div(totalQty)
		openFees = fill.Fees.Sub(closeFees)
	}

	if closeQty.IsPositive() && trip != nil {
		trip.exitQty = trip.exitQty.Add(closeQty)
		trip.exitNotional = trip.exitNotional.Add(closeQty.Mul(fill.Price))
		trip.fees = trip.fees.Add(closeFees)
		if trip.exitQty.GreaterThanOrEqual(trip.entryQty) {
			result.Trades = append(result.Trades, trip.close(fill))
			trip = nil
		}
	}
	if openQty.IsPositive() {
		if trip == nil {
			side := types.DirectionLong
			if postQty.Sign() < 0 {
				side = types.DirectionShort
			}
			trip = &roundTrip{side: side, entryTime: fill.Timestamp}
		}
		trip.entryQty = trip.entryQty.Add(openQty)
		trip.entryNotional = trip.entryNotional.Add(openQty.Mul(fill.Price))
		trip.fees = trip.fees.Add(openFees)
	}
	return trip
}

func (t *roundTrip) close(lastFill types.Fill) types.TradeRecord {
	entryPrice := t.entryNotional.Div(t.entryQty)
	exitPrice := t.exitNotional.Div(t.exitQty)
	gross := exitPrice.Sub(entryPrice).Mul(t.entryQty)
	if t.side == types.DirectionShort {
		gross = gross.Neg()
	}
	return types.TradeRecord{
		Symbol:     lastFill.Symbol,
		EntryTime:  t.entryTime,
		ExitTime:   lastFill.Timestamp,
		Side:       t.side,
		Quantity:   t.entryQty,
		EntryPrice: entryPrice,
		ExitPrice:  exitPrice,
		Fees:       t.fees,
		PnL:        gross.Sub(t.fees),
	}
}

func findOpen(open []*openOrder, id string) *openOrder {
	for _, oo := range open {
		if oo.order.ID == id {
			return oo
		}
	}
	return nil
}

func removeOpen(open []*openOrder, id string) []*openOrder {
	for i, oo := range open {
		if oo.order.ID == id {
			return append(open[:i], open[i+1:]...)
		}
	}
	return open
}
