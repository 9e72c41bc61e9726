package backtester

import (
	"math"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Metrics is the performance summary of one backtest.
type Metrics struct {
	TotalReturn      float64 `json:"totalReturn"`
	AnnualizedReturn float64 `json:"annualizedReturn"`
	SharpeRatio      float64 `json:"sharpeRatio"`
	SortinoRatio     float64 `json:"sortinoRatio"`
	CalmarRatio      float64 `json:"calmarRatio"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	MaxDrawdownBars  int     `json:"maxDrawdownBars"`
	Volatility       float64 `json:"volatility"`
	HitRate          float64 `json:"hitRate"`
	ProfitFactor     float64 `json:"profitFactor"`
	Turnover         float64 `json:"turnover"`
	NumTrades        int     `json:"numTrades"`
}

// ComputeMetrics summarizes an equity curve and its closed trades.
// barsPerYear annualizes return, volatility and the ratios.
func ComputeMetrics(curve []types.EquityCurvePoint, trades []types.TradeRecord, barsPerYear, turnover float64) Metrics {
	m := Metrics{Turnover: turnover, NumTrades: len(trades)}
	if len(curve) < 2 {
		return m
	}

	equities := make([]float64, len(curve))
	for i, p := range curve {
		equities[i], _ = p.Equity.Float64()
	}
	returns := make([]float64, 0, len(equities)-1)
	for i := 1; i < len(equities); i++ {
		if equities[i-1] > 0 {
			returns = append(returns, equities[i]/equities[i-1]-1)
		}
	}

	if equities[0] > 0 {
		m.TotalReturn = equities[len(equities)-1]/equities[0] - 1
	}
	years := float64(len(returns)) / barsPerYear
	if years > 0 && m.TotalReturn > -1 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	}

	mean, std := meanStd(returns)
	m.Volatility = std * math.Sqrt(barsPerYear)
	if std > 0 {
		m.SharpeRatio = mean / std * math.Sqrt(barsPerYear)
	}
	if down := downsideStd(returns, mean); down > 0 {
		m.SortinoRatio = mean / down * math.Sqrt(barsPerYear)
	}

	m.MaxDrawdown, m.MaxDrawdownBars = maxDrawdown(equities)
	if m.MaxDrawdown > 0 {
		m.CalmarRatio = m.AnnualizedReturn / m.MaxDrawdown
	}

	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	for _, t := range trades {
		pnl, _ := t.PnL.Float64()
		if pnl > 0 {
			wins++
			grossProfit += pnl
		} else {
			grossLoss += -pnl
		}
	}
	if len(trades) > 0 {
		m.HitRate = float64(wins) / float64(len(trades))
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	} else if grossProfit > 0 {
		m.ProfitFactor = math.Inf(1)
	}
	return m
}

func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(len(xs)-1))
}

// downsideStd is the standard deviation of negative returns only,
// the Sortino denominator.
func downsideStd(xs []float64, _ float64) float64 {
	sum := 0.0
	n := 0
	for _, x := range xs {
		if x < 0 {
			sum += x * x
			n++
		}
	}
	if n < 2 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// maxDrawdown returns the deepest peak-to-trough loss and the longest
// stretch of bars spent below a prior peak.
func maxDrawdown(equities []float64) (float64, int) {
	peak := math.Inf(-1)
	maxDD := 0.0
	longest, current := 0, 0
	for _, eq := range equities {
		if eq >= peak {
			peak = eq
			current = 0
			continue
		}
		current++
		if current > longest {
			longest = current
		}
		if peak > 0 {
			if dd := (peak - eq) / peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, longest
}
