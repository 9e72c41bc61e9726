package trader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/config"
	"github.com/vantage-quant/decision-engine/internal/execution"
	"github.com/vantage-quant/decision-engine/internal/monitoring"
	"github.com/vantage-quant/decision-engine/internal/portfolio"
	"github.com/vantage-quant/decision-engine/internal/risk"
	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// ErrRetrainRunning is returned when a retrain is requested while one
// is already in progress.
var ErrRetrainRunning = errors.New("retrain already running")

// Trader drives the decision loop: one cycle per symbol per tick, with
// an in-flight guard so a slow cycle is never stacked on by the next
// tick. Orders are delta-sized against the existing position, so a
// repeated signal converges instead of accumulating.
type Trader struct {
	cfg      config.TraderConfig
	pipeline *Pipeline
	checker  *risk.Checker
	ks       *risk.KillSwitch
	dd       *risk.DrawdownMonitor
	book     *portfolio.State
	orders   *execution.OrderManager
	store    store.Store
	metrics  *monitoring.Metrics
	reporter *risk.Reporter
	logger   *zap.Logger

	mu         sync.RWMutex
	inFlight   map[string]bool
	lastSignal map[string]types.FusedSignal
	lastRegime map[string]types.RegimeState

	retrainMu sync.Mutex
}

// New assembles a trader.
func New(
	cfg config.TraderConfig,
	pipeline *Pipeline,
	checker *risk.Checker,
	ks *risk.KillSwitch,
	dd *risk.DrawdownMonitor,
	book *portfolio.State,
	orders *execution.OrderManager,
	st store.Store,
	metrics *monitoring.Metrics,
	reporter *risk.Reporter,
	logger *zap.Logger,
) *Trader {
	return &Trader{
		cfg:        cfg,
		pipeline:   pipeline,
		checker:    checker,
		ks:         ks,
		dd:         dd,
		book:       book,
		orders:     orders,
		store:      st,
		metrics:    metrics,
		reporter:   reporter,
		logger:     logger,
		inFlight:   make(map[string]bool),
		lastSignal: make(map[string]types.FusedSignal),
		lastRegime: make(map[string]types.RegimeState),
	}
}

// Start restores persisted state and runs the tick and risk loops until
// the context is cancelled.
func (t *Trader) Start(ctx context.Context) error {
	if err := t.ks.Restore(ctx); err != nil {
		return err
	}
	// Seed the drawdown peak from history so a restart cannot launder
	// a drawdown.
	peak, err := t.store.PeakEquity(ctx)
	if err != nil {
		return err
	}
	if peak > 0 {
		t.dd.SeedPeak(peak)
	} else {
		t.dd.SeedPeak(t.cfg.InitialEquity)
	}

	go t.reporter.Run(ctx, t.cfg.RiskInterval, func() ([]types.Position, map[string]decimal.Decimal) {
		positions := t.book.Positions()
		out := make([]types.Position, 0, len(positions))
		for _, p := range positions {
			out = append(out, p)
		}
		return out, t.book.Marks()
	})

	t.logger.Info("trader started",
		zap.Strings("symbols", t.cfg.Symbols),
		zap.Duration("tickInterval", t.cfg.TickInterval),
		zap.Bool("killSwitchTripped", t.ks.Tripped()))

	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Tick(ctx)
		}
	}
}

// Tick runs one decision cycle for every symbol not already in flight.
func (t *Trader) Tick(ctx context.Context) {
	t.pollFills(ctx)

	var wg sync.WaitGroup
	for _, symbol := range t.cfg.Symbols {
		t.mu.Lock()
		if t.inFlight[symbol] {
			t.mu.Unlock()
			t.metrics.CyclesSkipped.WithLabelValues(symbol, "in_flight").Inc()
			t.logger.Warn("cycle still in flight, skipping", zap.String("symbol", symbol))
			continue
		}
		t.inFlight[symbol] = true
		t.mu.Unlock()

		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			defer func() {
				t.mu.Lock()
				t.inFlight[symbol] = false
				t.mu.Unlock()
			}()
			t.processSymbol(ctx, symbol)
		}(symbol)
	}
	wg.Wait()
	t.afterCycle(ctx)
}

func (t *Trader) processSymbol(ctx context.Context, symbol string) {
	now := time.Now().UTC()
	snap := t.book.Snapshot(now)

	decision, err := t.pipeline.Decide(ctx, symbol, snap.Equity, now)
	if err != nil {
		var insufficient *errs.InsufficientDataError
		if errors.As(err, &insufficient) {
			t.metrics.CyclesSkipped.WithLabelValues(symbol, "insufficient_data").Inc()
			t.logger.Info("insufficient data, keeping prior state",
				zap.String("symbol", symbol),
				zap.Int("needed", insufficient.Needed),
				zap.Int("got", insufficient.Got))
			return
		}
		t.metrics.CyclesSkipped.WithLabelValues(symbol, "error").Inc()
		t.logger.Error("decision cycle failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	t.mu.Lock()
	t.lastSignal[symbol] = decision.Signal
	t.lastRegime[symbol] = decision.Regime
	t.mu.Unlock()
	t.metrics.SignalsGenerated.WithLabelValues(symbol, string(decision.Signal.Direction)).Inc()
	t.metrics.SignalStrength.WithLabelValues(symbol).Set(decision.Signal.Strength)
	t.metrics.SetRegime(symbol, string(decision.Regime.Regime))
	t.book.MarkToMarket(symbol, decision.Price)

	if decision.Intent == nil {
		return
	}
	pos, _ := t.book.Position(symbol)
	intent, ok := DeltaIntent(*decision.Intent, pos)
	if !ok {
		t.metrics.CyclesSkipped.WithLabelValues(symbol, "no_delta").Inc()
		return
	}

	if err := t.checker.CheckOrder(intent, decision.Price, snap.Equity, t.book.Positions(), decision.LastBarTime, now); err != nil {
		reason := "unknown"
		var rejected *errs.RiskRejectedError
		if errors.As(err, &rejected) {
			reason = string(rejected.Reason)
		}
		t.metrics.OrdersRejected.WithLabelValues(symbol, reason).Inc()
		t.logger.Info("order rejected", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	order, fills, err := t.orders.Execute(ctx, intent, decision.Signal.Symbol+"@"+decision.Signal.Timestamp.Format(time.RFC3339))
	if err != nil {
		t.logger.Error("order execution failed", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	t.metrics.OrdersPlaced.WithLabelValues(symbol).Inc()
	t.logger.Debug("order placed",
		zap.String("symbol", symbol),
		zap.String("orderId", order.ID),
		zap.Int("immediateFills", len(fills)))
	t.applyFills(ctx, fills)
}

// DeltaIntent converts a target-position intent into the trade that
// moves the current position to the target. An already-converged
// position produces no order.
func DeltaIntent(intent types.SizedOrderIntent, pos types.Position) (types.SizedOrderIntent, bool) {
	target := intent.Quantity
	if intent.Side == types.OrderSideSell {
		target = target.Neg()
	}
	current := pos.Quantity
	if pos.Side == types.DirectionShort {
		current = current.Neg()
	}
	delta := target.Sub(current)
	if delta.IsZero() {
		return intent, false
	}
	out := intent
	out.Quantity = delta.Abs()
	out.Side = types.OrderSideBuy
	if delta.Sign() < 0 {
		out.Side = types.OrderSideSell
	}
	return out, true
}

func (t *Trader) pollFills(ctx context.Context) {
	fills, err := t.orders.PollOpen(ctx)
	if err != nil {
		t.logger.Error("poll fills failed", zap.Error(err))
		return
	}
	t.applyFills(ctx, fills)
}

func (t *Trader) applyFills(ctx context.Context, fills []types.Fill) {
	for _, fill := range fills {
		if err := t.book.ApplyFill(fill); err != nil {
			var dup *errs.IdempotencyError
			if errors.As(err, &dup) {
				t.logger.Warn("duplicate fill ignored", zap.String("fillId", dup.FillID))
				continue
			}
			t.logger.Error("apply fill failed", zap.String("fillId", fill.FillID), zap.Error(err))
			continue
		}
		t.metrics.FillsApplied.Inc()
		if pos, ok := t.book.Position(fill.Symbol); ok {
			_ = t.store.UpsertPosition(ctx, pos)
		} else {
			_ = t.store.UpsertPosition(ctx, types.Position{Symbol: fill.Symbol, Side: types.DirectionFlat})
		}
	}
}

// afterCycle snapshots the portfolio, feeds the drawdown monitor (which
// may trip the kill switch) and re-validates open positions.
func (t *Trader) afterCycle(ctx context.Context) {
	now := time.Now().UTC()
	snap := t.book.Snapshot(now)
	eq, _ := snap.Equity.Float64()

	if err := t.checker.UpdateEquity(ctx, eq); err != nil {
		if errors.Is(err, errs.ErrKillSwitchTripped) {
			t.logger.Error("kill switch tripped by drawdown", zap.Float64("equity", eq))
		} else {
			t.logger.Error("equity update failed", zap.Error(err))
		}
	}
	snap.DrawdownPct = t.dd.Current()
	if err := t.store.AppendSnapshot(ctx, snap); err != nil {
		t.logger.Error("persist snapshot failed", zap.Error(err))
	}
	t.checker.Revalidate(t.book.Positions(), t.book.Marks(), snap.Equity)

	t.metrics.Equity.Set(eq)
	t.metrics.DrawdownPct.Set(t.dd.Current())
	t.metrics.OpenOrders.Set(float64(t.orders.OpenCount()))
	if t.ks.Tripped() {
		t.metrics.KillSwitchActive.Set(1)
	} else {
		t.metrics.KillSwitchActive.Set(0)
	}
}

// Retrain refits the regime model for every symbol. Only one retrain
// runs at a time; a concurrent request returns ErrRetrainRunning.
func (t *Trader) Retrain(ctx context.Context, fitBars int) error {
	if !t.retrainMu.TryLock() {
		return ErrRetrainRunning
	}
	defer t.retrainMu.Unlock()

	for _, symbol := range t.cfg.Symbols {
		t.logger.Info("retraining regime model", zap.String("symbol", symbol))
		if err := t.pipeline.Retrain(ctx, symbol, fitBars); err != nil {
			return err
		}
	}
	return nil
}

// LastSignal returns the most recent fused signal for a symbol.
func (t *Trader) LastSignal(symbol string) (types.FusedSignal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sig, ok := t.lastSignal[symbol]
	return sig, ok
}

// LastRegime returns the most recent regime classification for a symbol.
func (t *Trader) LastRegime(symbol string) (types.RegimeState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.lastRegime[symbol]
	return state, ok
}
