// Package risk implements pre-trade checks, drawdown tracking, the
// kill switch and the derived risk metrics panel.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vantage-quant/decision-engine/internal/store"
)

// KillSwitch is the global trading halt. Once tripped it stays tripped
// across restarts and regime changes until an operator resets it; a
// drawdown recovering above the trigger level never re-arms it.
type KillSwitch struct {
	mu        sync.RWMutex
	tripped   bool
	reason    string
	trippedAt time.Time

	store  store.Store
	logger *zap.Logger
}

// NewKillSwitch creates an armed kill switch persisting state through st.
func NewKillSwitch(st store.Store, logger *zap.Logger) *KillSwitch {
	return &KillSwitch{store: st, logger: logger}
}

// Restore loads persisted state. Called once at startup so a trip from a
// previous run keeps trading halted.
func (k *KillSwitch) Restore(ctx context.Context) error {
	tripped, err := k.store.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("restore kill switch: %w", err)
	}
	k.mu.Lock()
	k.tripped = tripped
	k.mu.Unlock()
	if tripped {
		k.logger.Warn("kill switch restored in tripped state, trading halted")
	}
	return nil
}

// Trip halts all trading. The state is persisted before returning so no
// order can be considered with the trip unrecorded.
func (k *KillSwitch) Trip(ctx context.Context, reason string) error {
	k.mu.Lock()
	if k.tripped {
		k.mu.Unlock()
		return nil
	}
	k.tripped = true
	k.reason = reason
	k.trippedAt = time.Now().UTC()
	at := k.trippedAt
	k.mu.Unlock()

	k.logger.Error("kill switch tripped, all trading halted",
		zap.String("reason", reason))
	if err := k.store.SaveKillSwitch(ctx, true, reason, at); err != nil {
		return fmt.Errorf("persist kill switch trip: %w", err)
	}
	return nil
}

// Reset re-arms the switch. Manual operator action only.
func (k *KillSwitch) Reset(ctx context.Context) error {
	k.mu.Lock()
	wasTripped := k.tripped
	k.tripped = false
	k.reason = ""
	k.mu.Unlock()

	if wasTripped {
		k.logger.Warn("kill switch manually reset, trading resumed")
	}
	if err := k.store.SaveKillSwitch(ctx, false, "manual reset", time.Now().UTC()); err != nil {
		return fmt.Errorf("persist kill switch reset: %w", err)
	}
	return nil
}

// Tripped reports whether trading is halted.
func (k *KillSwitch) Tripped() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tripped
}

// Reason returns the trip reason, empty when armed.
func (k *KillSwitch) Reason() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.reason
}
