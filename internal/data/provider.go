package data

import (
	"context"
	"sync"

	"github.com/vantage-quant/decision-engine/pkg/errs"
	"github.com/vantage-quant/decision-engine/pkg/types"
)

// HistoryProvider serves bar history and features from a preloaded
// slice. A movable cursor bounds what is visible, so a backtest can
// replay the series without exposing future bars; live paper runs set
// the cursor to the end.
type HistoryProvider struct {
	mu    sync.RWMutex
	bars  []types.Bar
	feats []types.Features
	end   int // visible prefix length
}

// NewHistoryProvider creates a provider over precomputed bars and
// features, fully visible.
func NewHistoryProvider(bars []types.Bar, feats []types.Features) *HistoryProvider {
	return &HistoryProvider{bars: bars, feats: feats, end: len(bars)}
}

// SetCursor limits visibility to the first n bars.
func (p *HistoryProvider) SetCursor(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n > len(p.bars) {
		n = len(p.bars)
	}
	p.end = n
}

// History returns up to lookback visible bars, oldest first.
func (p *HistoryProvider) History(_ context.Context, _ string, lookback int) ([]types.Bar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.end == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	start := p.end - lookback
	if lookback <= 0 || start < 0 {
		start = 0
	}
	out := make([]types.Bar, p.end-start)
	copy(out, p.bars[start:p.end])
	return out, nil
}

// Features returns the feature vectors aligned with History.
func (p *HistoryProvider) Features(_ context.Context, _ string, lookback int) ([]types.Features, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.end == 0 {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	start := p.end - lookback
	if lookback <= 0 || start < 0 {
		start = 0
	}
	out := make([]types.Features, p.end-start)
	copy(out, p.feats[start:p.end])
	return out, nil
}

// LastBar returns the latest visible bar.
func (p *HistoryProvider) LastBar() (types.Bar, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.end == 0 {
		return types.Bar{}, false
	}
	return p.bars[p.end-1], true
}

// MultiProvider routes provider calls by symbol.
type MultiProvider struct {
	providers map[string]*HistoryProvider
}

// NewMultiProvider creates a symbol-keyed provider set.
func NewMultiProvider(providers map[string]*HistoryProvider) *MultiProvider {
	return &MultiProvider{providers: providers}
}

// Get returns the per-symbol provider.
func (m *MultiProvider) Get(symbol string) (*HistoryProvider, bool) {
	p, ok := m.providers[symbol]
	return p, ok
}

// History implements trader.FeatureProvider.
func (m *MultiProvider) History(ctx context.Context, symbol string, lookback int) ([]types.Bar, error) {
	p, ok := m.providers[symbol]
	if !ok {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	return p.History(ctx, symbol, lookback)
}

// Features implements trader.FeatureProvider.
func (m *MultiProvider) Features(ctx context.Context, symbol string, lookback int) ([]types.Features, error) {
	p, ok := m.providers[symbol]
	if !ok {
		return nil, &errs.InsufficientDataError{Needed: 1, Got: 0}
	}
	return p.Features(ctx, symbol, lookback)
}
