// Package store provides persistence for portfolio snapshots, orders,
// positions, risk metrics and kill-switch state.
//
// The in-memory implementation serves backtests and tests, where no
// durability is required. The SQLite implementation backs live and
// paper trading; the kill switch rides it so a trip survives restart.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vantage-quant/decision-engine/pkg/types"
)

// Store persists engine state. Implementations must be safe for
// concurrent use.
type Store interface {
	AppendSnapshot(ctx context.Context, snap types.PortfolioSnapshot) error
	LatestSnapshot(ctx context.Context) (*types.PortfolioSnapshot, error)
	// EquityHistory returns up to limit equities in chronological order.
	EquityHistory(ctx context.Context, limit int) ([]float64, error)
	// PeakEquity returns the historical maximum recorded equity, or 0
	// when no snapshots exist. Used to seed drawdown tracking on startup.
	PeakEquity(ctx context.Context) (float64, error)

	UpsertPosition(ctx context.Context, pos types.Position) error
	GetPosition(ctx context.Context, symbol string) (*types.Position, error)
	Positions(ctx context.Context) ([]types.Position, error)

	AppendOrder(ctx context.Context, order types.Order) error
	AppendFill(ctx context.Context, fill types.Fill) error
	AppendRiskMetrics(ctx context.Context, metrics types.RiskMetrics) error

	// SaveKillSwitch durably records kill-switch state. A trip must be
	// recorded before the next order is considered.
	SaveKillSwitch(ctx context.Context, tripped bool, reason string, at time.Time) error
	LoadKillSwitch(ctx context.Context) (bool, error)

	Close() error
}

// MemoryStore is an in-memory Store for backtests and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   []types.PortfolioSnapshot
	positions   map[string]types.Position
	orders      []types.Order
	fills       []types.Fill
	riskMetrics []types.RiskMetrics
	ksTripped   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]types.Position),
	}
}

func (m *MemoryStore) AppendSnapshot(_ context.Context, snap types.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context) (*types.PortfolioSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	snap := m.snapshots[len(m.snapshots)-1]
	return &snap, nil
}

func (m *MemoryStore) EquityHistory(_ context.Context, limit int) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start := 0
	if limit > 0 && len(m.snapshots) > limit {
		start = len(m.snapshots) - limit
	}
	out := make([]float64, 0, len(m.snapshots)-start)
	for _, s := range m.snapshots[start:] {
		eq, _ := s.Equity.Float64()
		out = append(out, eq)
	}
	return out, nil
}

func (m *MemoryStore) PeakEquity(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	peak := 0.0
	for _, s := range m.snapshots {
		eq, _ := s.Equity.Float64()
		if eq > peak {
			peak = eq
		}
	}
	return peak, nil
}

func (m *MemoryStore) UpsertPosition(_ context.Context, pos types.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[pos.Symbol] = pos
	return nil
}

func (m *MemoryStore) GetPosition(_ context.Context, symbol string) (*types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return nil, nil
	}
	return &pos, nil
}

func (m *MemoryStore) Positions(_ context.Context) ([]types.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (m *MemoryStore) AppendOrder(_ context.Context, order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	return nil
}

func (m *MemoryStore) AppendFill(_ context.Context, fill types.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, fill)
	return nil
}

func (m *MemoryStore) AppendRiskMetrics(_ context.Context, metrics types.RiskMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskMetrics = append(m.riskMetrics, metrics)
	return nil
}

func (m *MemoryStore) SaveKillSwitch(_ context.Context, tripped bool, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ksTripped = tripped
	return nil
}

func (m *MemoryStore) LoadKillSwitch(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ksTripped, nil
}

func (m *MemoryStore) Close() error { return nil }

// Orders returns all recorded orders, oldest first.
func (m *MemoryStore) Orders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Order, len(m.orders))
	copy(out, m.orders)
	return out
}

// RiskMetricsHistory returns all recorded risk metric rows, oldest first.
func (m *MemoryStore) RiskMetricsHistory() []types.RiskMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.RiskMetrics, len(m.riskMetrics))
	copy(out, m.riskMetrics)
	return out
}
