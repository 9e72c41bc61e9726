package risk

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// minSharpeSamples is the smallest equity history from which a Sharpe
// ratio is reported. Below this the estimate is noise and the panel
// shows null instead.
const minSharpeSamples = 30

// Reporter recomputes the derived risk metrics panel from snapshot
// history on its own cadence, independent of the trading loop.
type Reporter struct {
	store        store.Store
	dd           *DrawdownMonitor
	ks           *KillSwitch
	periodsPerYr float64
	historyLimit int
	logger       *zap.Logger
}

// NewReporter creates a metrics reporter. periodsPerYear annualizes
// volatility and Sharpe from the snapshot cadence.
func NewReporter(st store.Store, dd *DrawdownMonitor, ks *KillSwitch, periodsPerYear float64, logger *zap.Logger) *Reporter {
	return &Reporter{
		store:        st,
		dd:           dd,
		ks:           ks,
		periodsPerYr: periodsPerYear,
		historyLimit: 2000,
		logger:       logger,
	}
}

// Refresh computes the current panel, persists it, and returns it.
func (r *Reporter) Refresh(ctx context.Context, positions []types.Position, marks map[string]decimal.Decimal) (types.RiskMetrics, error) {
	equities, err := r.store.EquityHistory(ctx, r.historyLimit)
	if err != nil {
		return types.RiskMetrics{}, err
	}

	vol, sharpe := VolAndSharpe(equities, r.periodsPerYr)
	metrics := types.RiskMetrics{
		Timestamp:          time.Now().UTC(),
		CurrentDrawdownPct: r.dd.Current(),
		MaxDrawdownPct:     r.dd.Max(),
		PortfolioVol:       vol,
		SharpeRatio:        sharpe,
		ConcentrationPct:   Concentration(positions, marks),
		KillSwitchActive:   r.ks.Tripped(),
	}
	if err := r.store.AppendRiskMetrics(ctx, metrics); err != nil {
		return types.RiskMetrics{}, err
	}
	return metrics, nil
}

// Run refreshes on a fixed interval until the context is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration, positionsFn func() ([]types.Position, map[string]decimal.Decimal)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			positions, marks := positionsFn()
			if _, err := r.Refresh(ctx, positions, marks); err != nil {
				r.logger.Error("risk metrics refresh failed", zap.Error(err))
			}
		}
	}
}

// VolAndSharpe computes annualized volatility and Sharpe ratio from an
// equity series. Sharpe is nil while the history is too short for a
// meaningful estimate.
func VolAndSharpe(equities []float64, periodsPerYear float64) (float64, *float64) {
	if len(equities) < 2 {
		return 0, nil
	}
	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, equities[i]/equities[i-1]-1)
		}
	}
	if len(returns) < 2 {
		return 0, nil
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	std := math.Sqrt(variance)

	vol := std * math.Sqrt(periodsPerYear)
	if len(returns) < minSharpeSamples || std == 0 {
		return vol, nil
	}
	sharpe := mean / std * math.Sqrt(periodsPerYear)
	return vol, &sharpe
}

// Concentration returns the largest single position's share of total
// portfolio exposure, 0 for an empty book.
func Concentration(positions []types.Position, marks map[string]decimal.Decimal) float64 {
	total := decimal.Zero
	largest := decimal.Zero
	for _, pos := range positions {
		price, ok := marks[pos.Symbol]
		if !ok {
			price = pos.AvgEntryPrice
		}
		notional := pos.Quantity.Abs().Mul(price)
		total = total.Add(notional)
		if notional.GreaterThan(largest) {
			largest = notional
		}
	}
	if !total.IsPositive() {
		return 0
	}
	conc, _ := largest.Div(total).Float64()
	return conc
}
