package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a holding.
type PositionStatus string

const (
	PositionActive            PositionStatus = "ACTIVE"
	PositionClosing           PositionStatus = "CLOSING"
	PositionClosed            PositionStatus = "CLOSED"
	PositionNeedsIntervention PositionStatus = "NEEDS_INTERVENTION"
)

// ExitReason records which exit condition fired for a position.
type ExitReason string

const (
	ExitTarget  ExitReason = "WIN"
	ExitStop    ExitReason = "LOSE"
	ExitTimeout ExitReason = "NEUTRAL"
)

// SignalStatus maps the exit trigger to the terminal signal status.
func (r ExitReason) SignalStatus() SignalStatus {
	switch r {
	case ExitTarget:
		return SignalWin
	case ExitStop:
		return SignalLose
	default:
		return SignalNeutral
	}
}

// Position represents a holding opened from exactly one executed signal.
type Position struct {
	ID                 int64           `json:"id"`
	SignalID           int64           `json:"signal_id"`
	UserID             int64           `json:"user_id"`
	Market             string          `json:"market"`
	Quantity           decimal.Decimal `json:"quantity"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	TargetPrice        decimal.Decimal `json:"target_price"`
	StopLossPrice      decimal.Decimal `json:"stop_loss_price"`
	Status             PositionStatus  `json:"status"`
	OpenedAt           time.Time       `json:"opened_at"`
	ClosedAt           *time.Time      `json:"closed_at,omitempty"`
	ClosingStartedAt   *time.Time      `json:"closing_started_at,omitempty"`
	ExitPrice          decimal.Decimal `json:"exit_price,omitempty"`
	ExitReason         ExitReason      `json:"exit_reason,omitempty"`
	ProfitLoss         decimal.Decimal `json:"profit_loss"`
	ProfitLossPercent  decimal.Decimal `json:"profit_loss_percent"`
	OrderRef           string          `json:"order_ref,omitempty"`
	ExitOrderRef       string          `json:"exit_order_ref,omitempty"`
	InterventionReason string          `json:"intervention_reason,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ExitTrigger decides whether the position should be closed at price.
// Target takes precedence over stop, and both over the holding window.
func (p *Position) ExitTrigger(price decimal.Decimal, now time.Time, maxHold time.Duration) (ExitReason, bool) {
	switch {
	case price.GreaterThanOrEqual(p.TargetPrice):
		return ExitTarget, true
	case price.LessThanOrEqual(p.StopLossPrice):
		return ExitStop, true
	case maxHold > 0 && now.Sub(p.OpenedAt) >= maxHold:
		return ExitTimeout, true
	}
	return "", false
}

// PriceScale is the number of decimal places stored for prices and
// quantities. ProfitLossScale holds the product of two such values exactly.
const (
	PriceScale      = 8
	ProfitLossScale = 2 * PriceScale
)

// ProfitLoss returns the realized P/L and its percentage of the entry price.
// With inputs at PriceScale the absolute value fits ProfitLossScale exactly;
// the percentage is rounded to 4 places.
func ProfitLoss(entry, exit, quantity decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	pl := exit.Sub(entry).Mul(quantity)
	if entry.IsZero() {
		return pl, decimal.Zero
	}
	pct := exit.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).Round(4)
	return pl, pct
}
