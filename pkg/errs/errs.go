// Package errs defines the error taxonomy shared across the decision engine.
//
// ConfigError is fatal at startup and never raised at decision time.
// InsufficientDataError is recoverable: the caller skips the cycle and
// keeps the prior state. RiskRejectedError is expected control flow and
// carries a structured reason. ErrKillSwitchTripped suppresses all
// symbols until a manual reset. IdempotencyError and WindowError are
// loud invariant failures.
package errs

import (
	"errors"
	"fmt"
)

// RejectReason identifies which risk rule rejected an order.
type RejectReason string

const (
	ReasonKillSwitch         RejectReason = "kill_switch"
	ReasonMinSize            RejectReason = "min_size"
	ReasonPositionLimit      RejectReason = "position_limit"
	ReasonConcentrationLimit RejectReason = "concentration_limit"
	ReasonStaleData          RejectReason = "stale_data"
)

// ErrKillSwitchTripped halts trading across every symbol. Distinct from a
// per-order risk rejection: it must be surfaced to operators, not just logged.
var ErrKillSwitchTripped = errors.New("kill switch tripped: all trading halted")

// ConfigError reports invalid configuration (bad weight sums, wrong HMM
// state count). Always fatal at load time.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Detail)
}

// InsufficientDataError reports too little history to fit or classify.
type InsufficientDataError struct {
	Needed int
	Got    int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need %d samples, have %d", e.Needed, e.Got)
}

// RiskRejectedError reports a pre-trade risk rejection with a named reason.
type RiskRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Reason, e.Detail)
}

// IdempotencyError reports a duplicate fill application. Seeing one means
// fill dedup upstream broke an internal invariant.
type IdempotencyError struct {
	FillID  string
	OrderID string
}

func (e *IdempotencyError) Error() string {
	return fmt.Sprintf("duplicate fill %s for order %s", e.FillID, e.OrderID)
}

// WindowError reports walk-forward windows that do not fit the history.
type WindowError struct {
	HistoryLen int
	Detail     string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("invalid window for history of %d bars: %s", e.HistoryLen, e.Detail)
}
