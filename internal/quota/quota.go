// Package quota implements the per-user weekly entry quota and budget.
//
// The primitives LockCounter, Reserve and ReleaseTx run inside a caller's
// transaction so the entry executor can gate, reserve and update the signal
// atomically. Ledger wraps them in their own transactions and runs the
// weekly reset.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// Result is the outcome of a reservation attempt
type Result struct {
	OK              bool
	Reason          error
	RemainingBudget decimal.Decimal
	ExecutedCount   int
	// FirstRejection is true when this rejection is the first of its kind
	// for the user this week, i.e. the one that should notify.
	FirstRejection bool
}

// PlanFor looks up the limits of a plan tier
func PlanFor(plans map[string]models.PlanLimits, tier string) (models.PlanLimits, error) {
	limits, ok := plans[tier]
	if !ok {
		return models.PlanLimits{}, fmt.Errorf("%w: unknown plan tier %q", models.ErrValidation, tier)
	}
	return limits, nil
}

// Seed builds the initial counter row for a user's week
func Seed(userID int64, week string, plan models.PlanLimits, totalBudget decimal.Decimal, now time.Time) models.QuotaCounter {
	return models.QuotaCounter{
		UserID:          userID,
		WeekBucket:      week,
		DisplayedLimit:  plan.Displayed,
		EnforcedLimit:   plan.Enforced,
		RemainingBudget: totalBudget,
		CreatedAt:       now,
	}
}

// LockCounter locks the user's counter for week, creating it from the plan
// when missing. Limits follow the current plan but the enforced limit never
// drops below what was already executed this week.
func LockCounter(ctx context.Context, tx models.TradingTx, userID int64, week string, plan models.PlanLimits, totalBudget decimal.Decimal, now time.Time) (*models.QuotaCounter, error) {
	c, err := tx.LockQuotaCounter(ctx, Seed(userID, week, plan, totalBudget, now))
	if err != nil {
		return nil, err
	}

	enforced := plan.Enforced
	if c.ExecutedCount > enforced {
		enforced = c.ExecutedCount
	}
	displayed := plan.Displayed
	if displayed > enforced {
		displayed = enforced
	}
	if enforced == c.EnforcedLimit && displayed == c.DisplayedLimit {
		return c, nil
	}

	c.EnforcedLimit = enforced
	c.DisplayedLimit = displayed
	if err := tx.SaveQuotaCounter(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Reserve takes one entry and amount from a locked counter and records the
// hold for signalID. Quota is checked before budget. A rejection marks the
// matching once-per-week notification flag.
func Reserve(ctx context.Context, tx models.TradingTx, c *models.QuotaCounter, signalID int64, market string, amount decimal.Decimal, now time.Time) (Result, error) {
	var (
		reason error
		kind   models.NotifyKind
	)
	switch {
	case c.ExecutedCount >= c.EnforcedLimit:
		reason, kind = models.ErrQuotaExceeded, models.NotifyQuota
	case c.RemainingBudget.LessThan(amount):
		reason, kind = models.ErrBudgetExceeded, models.NotifyBudget
	}

	if reason != nil {
		first, err := tx.MarkQuotaNotified(ctx, c.UserID, c.WeekBucket, kind, now)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Reason:          reason,
			RemainingBudget: c.RemainingBudget,
			ExecutedCount:   c.ExecutedCount,
			FirstRejection:  first,
		}, nil
	}

	c.ExecutedCount++
	c.RemainingBudget = c.RemainingBudget.Sub(amount)
	if err := tx.SaveQuotaCounter(ctx, c); err != nil {
		return Result{}, err
	}

	err := tx.InsertReservation(ctx, &models.Reservation{
		SignalID:   signalID,
		UserID:     c.UserID,
		WeekBucket: c.WeekBucket,
		Market:     market,
		Amount:     amount,
		Status:     models.ReservationReserved,
		CreatedAt:  now,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		OK:              true,
		RemainingBudget: c.RemainingBudget,
		ExecutedCount:   c.ExecutedCount,
	}, nil
}

// ReleaseTx credits back the reservation of signalID to the week it was
// taken from. Only a RESERVED hold is released, so repeated calls are
// no-ops. Reports whether anything was credited.
func ReleaseTx(ctx context.Context, tx models.TradingTx, signalID int64) (bool, error) {
	r, err := tx.LockReservation(ctx, signalID)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if r.Status != models.ReservationReserved {
		return false, nil
	}

	if err := tx.SetReservationStatus(ctx, signalID, models.ReservationReleased); err != nil {
		return false, err
	}

	c, err := tx.LockQuotaCounter(ctx, models.QuotaCounter{
		UserID:     r.UserID,
		WeekBucket: r.WeekBucket,
		CreatedAt:  r.CreatedAt,
	})
	if err != nil {
		return false, err
	}
	if c.ExecutedCount > 0 {
		c.ExecutedCount--
	}
	c.RemainingBudget = c.RemainingBudget.Add(r.Amount)
	if err := tx.SaveQuotaCounter(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}
