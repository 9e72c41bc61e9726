package risk

import "sync"

// DrawdownMonitor tracks peak equity and the current peak-to-trough
// drawdown. The peak is seeded from historical snapshots at startup so
// a restart cannot launder a drawdown.
type DrawdownMonitor struct {
	mu      sync.RWMutex
	peak    float64
	maxDD   float64
	current float64
}

// NewDrawdownMonitor creates a monitor with no peak recorded.
func NewDrawdownMonitor() *DrawdownMonitor {
	return &DrawdownMonitor{}
}

// SeedPeak initializes the peak from historical equity. A zero or
// negative seed is ignored.
func (d *DrawdownMonitor) SeedPeak(equity float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if equity > d.peak {
		d.peak = equity
	}
}

// Update records a new equity observation and returns the current
// drawdown as a fraction of peak (0.16 = 16% below peak).
func (d *DrawdownMonitor) Update(equity float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if equity > d.peak {
		d.peak = equity
	}
	if d.peak <= 0 {
		d.current = 0
		return 0
	}
	d.current = (d.peak - equity) / d.peak
	if d.current > d.maxDD {
		d.maxDD = d.current
	}
	return d.current
}

// Current returns the drawdown from the latest Update.
func (d *DrawdownMonitor) Current() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// Max returns the worst drawdown observed since startup (including the
// seeded peak).
func (d *DrawdownMonitor) Max() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.maxDD
}

// Peak returns the highest equity observed.
func (d *DrawdownMonitor) Peak() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.peak
}
