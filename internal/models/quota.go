package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// QuotaCounter is one user's entry counter and budget for one ISO week.
// DisplayedLimit is what the user is shown; EnforcedLimit is what gating uses.
type QuotaCounter struct {
	UserID           int64           `json:"user_id"`
	WeekBucket       string          `json:"week_bucket"`
	ExecutedCount    int             `json:"executed_count"`
	DisplayedLimit   int             `json:"displayed_limit"`
	EnforcedLimit    int             `json:"enforced_limit"`
	RemainingBudget  decimal.Decimal `json:"remaining_budget"`
	QuotaNotifiedAt  *time.Time      `json:"quota_notified_at,omitempty"`
	BudgetNotifiedAt *time.Time      `json:"budget_notified_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PlanLimits holds the weekly entry limits for a plan tier.
type PlanLimits struct {
	Displayed int `toml:"displayed" json:"displayed"`
	Enforced  int `toml:"enforced" json:"enforced"`
}

// NotifyKind selects which once-per-week notification flag to set.
type NotifyKind string

const (
	NotifyQuota  NotifyKind = "quota"
	NotifyBudget NotifyKind = "budget"
)

// ReservationStatus is the state of a quota/budget hold for one signal.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationConsumed ReservationStatus = "CONSUMED"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationOrphaned ReservationStatus = "ORPHANED"
)

// Reservation is the quota/budget hold taken for a signal. SignalID is the
// primary key, which makes reserving the same signal twice impossible.
type Reservation struct {
	SignalID   int64             `json:"signal_id"`
	UserID     int64             `json:"user_id"`
	WeekBucket string            `json:"week_bucket"`
	Market     string            `json:"market"`
	Amount     decimal.Decimal   `json:"amount"`
	Status     ReservationStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// WeekBucket returns the ISO year-week of t in the form 2026-W07.
func WeekBucket(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
