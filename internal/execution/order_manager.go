package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/store"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// OrderManager owns the order state machine. Valid transitions are
// pending -> submitted -> {partial -> ...} -> filled | cancelled, with
// rejected reachable from pending or submitted. Terminal orders are
// never resurrected; every transition is persisted.
type OrderManager struct {
	adapter Adapter
	store   store.Store
	logger  *zap.Logger

	mu   sync.RWMutex
	open map[string]*types.Order
}

// NewOrderManager creates an order manager over the given adapter.
func NewOrderManager(adapter Adapter, st store.Store, logger *zap.Logger) *OrderManager {
	return &OrderManager{
		adapter: adapter,
		store:   st,
		logger:  logger,
		open:    make(map[string]*types.Order),
	}
}

// Execute creates a market order from the intent, submits it, and
// returns the order plus any immediate fills. The order is persisted at
// every state change so a restart sees the latest state.
func (m *OrderManager) Execute(ctx context.Context, intent types.SizedOrderIntent, signalID string) (*types.Order, []types.Fill, error) {
	now := time.Now().UTC()
	order := &types.Order{
		ID:        "ord_" + uuid.NewString(),
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      types.OrderTypeMarket,
		Quantity:  intent.Quantity,
		Status:    types.OrderStatusPending,
		SignalID:  signalID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.AppendOrder(ctx, *order); err != nil {
		return nil, nil, fmt.Errorf("persist order: %w", err)
	}

	order.Status = types.OrderStatusSubmitted
	order.UpdatedAt = time.Now().UTC()
	fills, err := m.adapter.Submit(ctx, order)
	if err != nil {
		order.Status = types.OrderStatusRejected
		order.UpdatedAt = time.Now().UTC()
		if perr := m.store.AppendOrder(ctx, *order); perr != nil {
			m.logger.Error("persist rejected order failed", zap.String("orderId", order.ID), zap.Error(perr))
		}
		m.logger.Warn("order rejected by venue",
			zap.String("orderId", order.ID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		return order, nil, err
	}

	for _, fill := range fills {
		m.applyFill(order, fill)
		if err := m.store.AppendFill(ctx, fill); err != nil {
			m.logger.Error("persist fill failed", zap.String("fillId", fill.FillID), zap.Error(err))
		}
	}
	if order.Status == types.OrderStatusSubmitted || order.Status == types.OrderStatusPartial {
		m.mu.Lock()
		m.open[order.ID] = order
		m.mu.Unlock()
	}
	if err := m.store.AppendOrder(ctx, *order); err != nil {
		return order, fills, fmt.Errorf("persist order: %w", err)
	}

	m.logger.Info("order executed",
		zap.String("orderId", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("status", string(order.Status)))
	return order, fills, nil
}

// PollOpen polls the venue for fills on every non-terminal order and
// returns the new fills, oldest first.
func (m *OrderManager) PollOpen(ctx context.Context) ([]types.Fill, error) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.open))
	for id := range m.open {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var all []types.Fill
	for _, id := range ids {
		fills, err := m.adapter.Poll(ctx, id)
		if err != nil {
			m.logger.Error("poll order failed", zap.String("orderId", id), zap.Error(err))
			continue
		}
		if len(fills) == 0 {
			continue
		}
		m.mu.Lock()
		order := m.open[id]
		for _, fill := range fills {
			m.applyFill(order, fill)
			if err := m.store.AppendFill(ctx, fill); err != nil {
				m.logger.Error("persist fill failed", zap.String("fillId", fill.FillID), zap.Error(err))
			}
		}
		if order.Status == types.OrderStatusFilled {
			delete(m.open, id)
		}
		m.mu.Unlock()
		if err := m.store.AppendOrder(ctx, *order); err != nil {
			m.logger.Error("persist order failed", zap.String("orderId", id), zap.Error(err))
		}
		all = append(all, fills...)
	}
	return all, nil
}

// Cancel cancels an open order. Terminal orders are a no-op.
func (m *OrderManager) Cancel(ctx context.Context, orderID string) error {
	m.mu.Lock()
	order, ok := m.open[orderID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.open, orderID)
	order.Status = types.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	m.mu.Unlock()

	if err := m.adapter.Cancel(ctx, orderID); err != nil {
		return fmt.Errorf("cancel %s: %w", orderID, err)
	}
	return m.store.AppendOrder(ctx, *order)
}

// OpenCount returns the number of non-terminal orders being tracked.
func (m *OrderManager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

// applyFill folds a fill into the order's cumulative fill state.
// FilledQty only ever increases.
func (m *OrderManager) applyFill(order *types.Order, fill types.Fill) {
	prevNotional := order.FilledQty.Mul(order.AvgFillPrice)
	order.FilledQty = order.FilledQty.Add(fill.Quantity)
	if order.FilledQty.IsPositive() {
		order.AvgFillPrice = prevNotional.Add(fill.Quantity.Mul(fill.Price)).Div(order.FilledQty)
	}
	order.Fees = order.Fees.Add(fill.Fees)
	if order.FilledQty.GreaterThanOrEqual(order.Quantity) {
		order.Status = types.OrderStatusFilled
	} else {
		order.Status = types.OrderStatusPartial
	}
	order.UpdatedAt = fill.Timestamp
}
