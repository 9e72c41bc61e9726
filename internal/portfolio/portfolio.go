// Package portfolio owns cash, positions and the equity time series.
// All mutation flows through fill application; nothing else may touch
// a position.
package portfolio

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// State holds the live portfolio. Fills are applied idempotently: a
// FillID seen before is rejected without touching state, so replayed
// execution reports cannot double-count.
type State struct {
	mu           sync.RWMutex
	cash         decimal.Decimal
	positions    map[string]*types.Position
	marks        map[string]decimal.Decimal
	appliedFills map[string]struct{}
	realizedPnL  decimal.Decimal
	logger       *zap.Logger
}

// NewState creates a portfolio with the given starting cash and no
// positions.
func NewState(startingCash decimal.Decimal, logger *zap.Logger) *State {
	return &State{
		cash:         startingCash,
		positions:    make(map[string]*types.Position),
		marks:        make(map[string]decimal.Decimal),
		appliedFills: make(map[string]struct{}),
		logger:       logger,
	}
}

// ApplyFill applies one execution report. Duplicate FillIDs return an
// IdempotencyError and leave state untouched. Reducing fills realize
// PnL against the average entry price; a fill crossing through flat
// closes the old position and opens the remainder on the other side.
func (s *State) ApplyFill(fill types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.appliedFills[fill.FillID]; seen {
		return &errs.IdempotencyError{FillID: fill.FillID, OrderID: fill.OrderID}
	}
	s.appliedFills[fill.FillID] = struct{}{}

	signedQty := fill.Quantity
	if fill.Side == types.OrderSideSell {
		signedQty = signedQty.Neg()
	}

	// Cash moves by the full notional plus fees regardless of
	// position effect.
	notional := fill.Quantity.Mul(fill.Price)
	if fill.Side == types.OrderSideBuy {
		s.cash = s.cash.Sub(notional).Sub(fill.Fees)
	} else {
		s.cash = s.cash.Add(notional).Sub(fill.Fees)
	}

	pos, ok := s.positions[fill.Symbol]
	if !ok {
		pos = &types.Position{Symbol: fill.Symbol, Side: types.DirectionFlat}
		s.positions[fill.Symbol] = pos
	}
	cur := signedPositionQty(pos)
	next := cur.Add(signedQty)

	switch {
	case cur.IsZero():
		// Opening from flat.
		pos.AvgEntryPrice = fill.Price
	case cur.Sign() == signedQty.Sign():
		// Adding to the existing side: blend the average entry price.
		totalCost := cur.Abs().Mul(pos.AvgEntryPrice).Add(signedQty.Abs().Mul(fill.Price))
		pos.AvgEntryPrice = totalCost.Div(cur.Abs().Add(signedQty.Abs()))
	default:
		// Reducing, closing, or flipping.
		closedQty := decimal.Min(cur.Abs(), signedQty.Abs())
		perUnit := fill.Price.Sub(pos.AvgEntryPrice)
		if cur.Sign() < 0 {
			perUnit = perUnit.Neg()
		}
		realized := perUnit.Mul(closedQty)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		s.realizedPnL = s.realizedPnL.Add(realized)
		if next.Sign() != 0 && next.Sign() != cur.Sign() {
			// Flipped through flat: the remainder is a fresh position
			// at the fill price.
			pos.AvgEntryPrice = fill.Price
		}
	}

	pos.Quantity = next.Abs()
	switch next.Sign() {
	case 1:
		pos.Side = types.DirectionLong
	case -1:
		pos.Side = types.DirectionShort
	default:
		pos.Side = types.DirectionFlat
		pos.AvgEntryPrice = decimal.Zero
	}

	s.marks[fill.Symbol] = fill.Price
	s.updateUnrealizedLocked(fill.Symbol)

	s.logger.Debug("fill applied",
		zap.String("fillId", fill.FillID),
		zap.String("symbol", fill.Symbol),
		zap.String("side", string(fill.Side)),
		zap.String("quantity", fill.Quantity.String()),
		zap.String("price", fill.Price.String()))
	return nil
}

// MarkToMarket updates the mark price for a symbol and recomputes its
// unrealized PnL.
func (s *State) MarkToMarket(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
	s.updateUnrealizedLocked(symbol)
}

func (s *State) updateUnrealizedLocked(symbol string) {
	pos, ok := s.positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		if ok {
			pos.UnrealizedPnL = decimal.Zero
		}
		return
	}
	mark := s.marks[symbol]
	perUnit := mark.Sub(pos.AvgEntryPrice)
	if pos.Side == types.DirectionShort {
		perUnit = perUnit.Neg()
	}
	pos.UnrealizedPnL = perUnit.Mul(pos.Quantity)
}

// Snapshot returns a consistent view at the given time. The equality
// Equity = Cash + PositionsValue holds exactly, in decimal.
func (s *State) Snapshot(at time.Time) types.PortfolioSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	posValue := decimal.Zero
	unrealized := decimal.Zero
	for sym, pos := range s.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		mark, ok := s.marks[sym]
		if !ok {
			mark = pos.AvgEntryPrice
		}
		value := pos.Quantity.Mul(mark)
		if pos.Side == types.DirectionShort {
			value = value.Neg()
		}
		posValue = posValue.Add(value)
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}

	return types.PortfolioSnapshot{
		Timestamp:      at,
		Equity:         s.cash.Add(posValue),
		Cash:           s.cash,
		PositionsValue: posValue,
		UnrealizedPnL:  unrealized,
		RealizedPnL:    s.realizedPnL,
	}
}

// Position returns a copy of the position for symbol and whether one
// with nonzero quantity exists.
func (s *State) Position(symbol string) (types.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[symbol]
	if !ok || pos.Quantity.IsZero() {
		return types.Position{Symbol: symbol, Side: types.DirectionFlat}, false
	}
	return *pos, true
}

// Positions returns copies of all open positions keyed by symbol.
func (s *State) Positions() map[string]types.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.Position, len(s.positions))
	for sym, pos := range s.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		out[sym] = *pos
	}
	return out
}

// Marks returns a copy of the current mark prices.
func (s *State) Marks() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(s.marks))
	for sym, price := range s.marks {
		out[sym] = price
	}
	return out
}

// Cash returns current cash.
func (s *State) Cash() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cash
}

func signedPositionQty(pos *types.Position) decimal.Decimal {
	if pos.Side == types.DirectionShort {
		return pos.Quantity.Neg()
	}
	return pos.Quantity
}
