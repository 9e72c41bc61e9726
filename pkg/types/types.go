// Package types provides shared type definitions for the decision engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime represents a discrete market behavior state.
type Regime string

const (
	RegimeTrending      Regime = "trending"
	RegimeMeanReverting Regime = "mean_reverting"
	RegimeChoppy        Regime = "choppy"
)

// Direction represents the direction of a fused signal.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusSubmitted OrderStatus = "submitted"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// SignalSource identifies a component signal producer.
type SignalSource string

const (
	SourceTechnical SignalSource = "technical"
	SourceML        SignalSource = "ml"
	SourceSentiment SignalSource = "sentiment"
)

// Bar represents a single OHLCV candlestick. Immutable once produced.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// RegimeState is the classified regime for a (symbol, timestamp) tuple.
// Never mutated, only superseded by the next classification.
type RegimeState struct {
	Symbol     string    `json:"symbol"`
	Regime     Regime    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ComponentSignal is a single raw score from an external signal source.
type ComponentSignal struct {
	Source    SignalSource `json:"source"`
	Score     float64      `json:"score"` // [-1, 1]
	Timestamp time.Time    `json:"timestamp"`
}

// FusedSignal is the output of regime-gated signal fusion.
// Direction is flat iff |Strength| <= the configured direction threshold.
type FusedSignal struct {
	Symbol     string                   `json:"symbol"`
	Direction  Direction                `json:"direction"`
	Strength   float64                  `json:"strength"`   // [-1, 1]
	Confidence float64                  `json:"confidence"` // [0, 1]
	Regime     Regime                   `json:"regime"`
	Components map[SignalSource]float64 `json:"components"`
	Timestamp  time.Time                `json:"timestamp"`
}

// SizedOrderIntent is a risk-unchecked order proposal from the position sizer.
type SizedOrderIntent struct {
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	NotionalPct    decimal.Decimal `json:"notionalPctOfEquity"`
	SignalStrength float64         `json:"signalStrength"`
	SignalRegime   Regime          `json:"signalRegime"`
}

// Order represents a trading order. IDs are unique and never reused;
// FilledQty only ever increases.
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	LimitPrice   decimal.Decimal `json:"limitPrice,omitempty"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Fees         decimal.Decimal `json:"fees"`
	SignalID     string          `json:"signalId,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Fill is a single execution report applied to the portfolio.
// FillID is the idempotency key: applying the same fill twice is a no-op.
type Fill struct {
	FillID    string          `json:"fillId"`
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      OrderSide       `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Fees      decimal.Decimal `json:"fees"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position represents the open position in one symbol. Owned exclusively
// by PortfolioState and mutated only through fill application.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          Direction       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
}

// PortfolioSnapshot is one point of the append-only equity time series.
// Invariant: Equity = Cash + PositionsValue.
type PortfolioSnapshot struct {
	Timestamp      time.Time       `json:"timestamp"`
	Equity         decimal.Decimal `json:"equity"`
	Cash           decimal.Decimal `json:"cash"`
	PositionsValue decimal.Decimal `json:"positionsValue"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	DrawdownPct    float64         `json:"drawdownPct"`
}

// RiskMetrics is the derived risk panel recomputed from snapshot history.
type RiskMetrics struct {
	Timestamp          time.Time `json:"timestamp"`
	CurrentDrawdownPct float64   `json:"currentDrawdownPct"`
	MaxDrawdownPct     float64   `json:"maxDrawdownPct"`
	PortfolioVol       float64   `json:"portfolioVol"`
	SharpeRatio        *float64  `json:"sharpeRatio,omitempty"`
	ConcentrationPct   float64   `json:"concentrationPct"`
	KillSwitchActive   bool      `json:"killSwitchActive"`
}

// Prediction is the external model predictor's output for one symbol.
type Prediction struct {
	Symbol    string    `json:"symbol"`
	Quantiles []float64 `json:"quantiles"` // q10, q25, q50, q75, q90
	Label     int       `json:"label"`     // 0=down, 1=neutral, 2=up
	Timestamp time.Time `json:"timestamp"`
}

// IQR returns the interquartile range q75-q25 used as an uncertainty proxy.
func (p Prediction) IQR() float64 {
	if len(p.Quantiles) != 5 {
		return 0
	}
	return p.Quantiles[3] - p.Quantiles[1]
}

// Features is the per-bar feature vector from the external feature provider.
type Features struct {
	LogReturn   float64   `json:"logReturn"`
	RealizedVol float64   `json:"realizedVol"`
	RSI         float64   `json:"rsi"`
	ATR         float64   `json:"atr"`
	BBPctB      float64   `json:"bbPctB"`
	VWAPDev     float64   `json:"vwapDev"`
	Timestamp   time.Time `json:"timestamp"`
}

// TradeRecord is one closed round trip recorded by the backtester.
type TradeRecord struct {
	Symbol     string          `json:"symbol"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	Side       Direction       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	Fees       decimal.Decimal `json:"fees"`
	PnL        decimal.Decimal `json:"pnl"`
}

// EquityCurvePoint is one point of a backtest equity curve.
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  float64         `json:"drawdown"`
}
