// Package execution manages the order lifecycle: creation, submission
// through an exchange adapter, fill tracking and terminal states.
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Adapter submits orders to a venue and reports fills. Implementations
// must be safe for concurrent use.
type Adapter interface {
	// Submit sends the order and returns any immediate fills. Orders
	// resting on the venue report later fills through Poll.
	Submit(ctx context.Context, order *types.Order) ([]types.Fill, error)
	// Poll returns new fills for an open order since the last call.
	Poll(ctx context.Context, orderID string) ([]types.Fill, error)
	// Cancel cancels an open order.
	Cancel(ctx context.Context, orderID string) error
}

// PriceSource returns the current mark price for a symbol.
type PriceSource func(symbol string) (decimal.Decimal, bool)

// PaperAdapter simulates executions against mark prices: market orders
// fill immediately at the mark shifted by half the configured slippage,
// plus taker fees. No partial fills are simulated in paper mode; the
// backtester owns liquidity-constrained fills.
type PaperAdapter struct {
	prices      PriceSource
	slippageBps float64
	takerFeeBps float64
}

// NewPaperAdapter creates a paper execution adapter.
func NewPaperAdapter(prices PriceSource, slippageBps, takerFeeBps float64) *PaperAdapter {
	return &PaperAdapter{prices: prices, slippageBps: slippageBps, takerFeeBps: takerFeeBps}
}

func (p *PaperAdapter) Submit(_ context.Context, order *types.Order) ([]types.Fill, error) {
	mark, ok := p.prices(order.Symbol)
	if !ok || !mark.IsPositive() {
		return nil, fmt.Errorf("paper fill: no mark price for %s", order.Symbol)
	}

	// Half-spread moves against the order.
	slip := mark.Mul(decimal.NewFromFloat(p.slippageBps / 2 / 10000))
	fillPrice := mark.Add(slip)
	if order.Side == types.OrderSideSell {
		fillPrice = mark.Sub(slip)
	}
	fees := order.Quantity.Mul(fillPrice).Mul(decimal.NewFromFloat(p.takerFeeBps / 10000))

	fill := types.Fill{
		FillID:    "fill_" + uuid.NewString(),
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  order.Quantity,
		Price:     fillPrice,
		Fees:      fees,
		Timestamp: time.Now().UTC(),
	}
	return []types.Fill{fill}, nil
}

func (p *PaperAdapter) Poll(context.Context, string) ([]types.Fill, error) {
	// Paper orders always fill on submit.
	return nil, nil
}

func (p *PaperAdapter) Cancel(context.Context, string) error { return nil }
