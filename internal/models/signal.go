package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SignalStatus is the lifecycle state of a detected opportunity.
type SignalStatus string

const (
	SignalPending  SignalStatus = "PENDING"
	SignalExecuted SignalStatus = "EXECUTED"
	SignalFailed   SignalStatus = "FAILED"
	SignalExpired  SignalStatus = "EXPIRED"
	SignalWin      SignalStatus = "WIN"
	SignalLose     SignalStatus = "LOSE"
	SignalNeutral  SignalStatus = "NEUTRAL"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case SignalFailed, SignalExpired, SignalWin, SignalLose, SignalNeutral:
		return true
	}
	return false
}

// Signal represents one detected surge opportunity for a single user.
// Rows are append-only; only status and outcome columns change.
type Signal struct {
	ID                int64              `json:"id"`
	UserID            int64              `json:"user_id"`
	Market            string             `json:"market"`
	DetectedAt        time.Time          `json:"detected_at"`
	Confidence        float64            `json:"confidence"`
	EntryPrice        decimal.Decimal    `json:"entry_price"`
	TargetPrice       decimal.Decimal    `json:"target_price"`
	StopLossPrice     decimal.Decimal    `json:"stop_loss_price"`
	Status            SignalStatus       `json:"status"`
	Reason            string             `json:"reason,omitempty"`
	AutoTraded        bool               `json:"auto_traded"`
	OrderRef          string             `json:"order_ref,omitempty"`
	ClosedAt          *time.Time         `json:"closed_at,omitempty"`
	ProfitLoss        decimal.Decimal    `json:"profit_loss"`
	ProfitLossPercent decimal.Decimal    `json:"profit_loss_percent"`
	WeekBucket        string             `json:"week_bucket"`
	ScoreBreakdown    map[string]float64 `json:"score_breakdown,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}
