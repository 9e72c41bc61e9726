// Package monitoring exposes engine state as Prometheus metrics.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the engine's Prometheus surface. Counters cover decision
// flow (signals, orders, rejections by reason); gauges mirror the risk
// panel so dashboards and the kill-switch alert can read it directly.
type Metrics struct {
	registry *prometheus.Registry

	SignalsGenerated  *prometheus.CounterVec
	OrdersPlaced      *prometheus.CounterVec
	OrdersRejected    *prometheus.CounterVec
	FillsApplied      prometheus.Counter
	CyclesSkipped     *prometheus.CounterVec
	SignalStrength    *prometheus.GaugeVec
	RegimeState       *prometheus.GaugeVec
	Equity            prometheus.Gauge
	DrawdownPct       prometheus.Gauge
	KillSwitchActive  prometheus.Gauge
	OpenOrders        prometheus.Gauge
}

// New creates and registers the metric set on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SignalsGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_generated_total",
			Help: "Fused signals generated, by symbol and direction.",
		}, []string{"symbol", "direction"}),
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Orders accepted by risk checks and submitted, by symbol.",
		}, []string{"symbol"}),
		OrdersRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Orders rejected by risk checks, by reason.",
		}, []string{"symbol", "reason"}),
		FillsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_fills_applied_total",
			Help: "Fills applied to the portfolio.",
		}),
		CyclesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cycles_skipped_total",
			Help: "Decision cycles skipped, by symbol and cause.",
		}, []string{"symbol", "cause"}),
		SignalStrength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_signal_strength",
			Help: "Latest fused signal strength in [-1, 1], by symbol.",
		}, []string{"symbol"}),
		RegimeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engine_regime_state",
			Help: "1 for the symbol's current regime label, 0 otherwise.",
		}, []string{"symbol", "regime"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity_usd",
			Help: "Current portfolio equity.",
		}),
		DrawdownPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_drawdown_pct",
			Help: "Current drawdown from peak equity, as a fraction.",
		}),
		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_kill_switch_active",
			Help: "1 when the kill switch is tripped.",
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_orders",
			Help: "Non-terminal orders being tracked.",
		}),
	}
	m.registry.MustRegister(
		m.SignalsGenerated, m.OrdersPlaced, m.OrdersRejected, m.FillsApplied,
		m.CyclesSkipped, m.SignalStrength, m.RegimeState,
		m.Equity, m.DrawdownPct, m.KillSwitchActive, m.OpenOrders,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetRegime flips the regime gauge so exactly one label is 1 per symbol.
func (m *Metrics) SetRegime(symbol, regime string) {
	for _, r := range []string{"trending", "mean_reverting", "choppy"} {
		v := 0.0
		if r == regime {
			v = 1
		}
		m.RegimeState.WithLabelValues(symbol, r).Set(v)
	}
}
