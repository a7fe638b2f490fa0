package testkit

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// memTx operates on the store state while InTx holds the store mutex.
type memTx struct {
	s *Store
}

var _ models.TradingTx = (*memTx)(nil)
var _ models.TxRunner = (*Store)(nil)

func (t *memTx) fail(op string) error {
	return t.s.injected(op)
}

func (t *memTx) LockSignal(ctx context.Context, id int64) (*models.Signal, error) {
	if err := t.fail("LockSignal"); err != nil {
		return nil, err
	}
	sig, ok := t.s.state.signals[id]
	if !ok {
		return nil, fmt.Errorf("signal %d: %w", id, models.ErrNotFound)
	}
	return &sig, nil
}

func (t *memTx) SetSignalStatus(ctx context.Context, id int64, status models.SignalStatus, reason string) error {
	if err := t.fail("SetSignalStatus"); err != nil {
		return err
	}
	sig, ok := t.s.state.signals[id]
	if !ok {
		return fmt.Errorf("signal %d not updated: %w", id, models.ErrConcurrencyConflict)
	}
	sig.Status = status
	sig.Reason = reason
	sig.UpdatedAt = time.Now()
	t.s.state.signals[id] = sig
	return nil
}

func (t *memTx) MarkSignalExecuted(ctx context.Context, id int64, orderRef string) error {
	if err := t.fail("MarkSignalExecuted"); err != nil {
		return err
	}
	sig, ok := t.s.state.signals[id]
	if !ok || sig.Status != models.SignalPending {
		return fmt.Errorf("pending signal %d not updated: %w", id, models.ErrConcurrencyConflict)
	}
	sig.Status = models.SignalExecuted
	sig.AutoTraded = true
	sig.OrderRef = orderRef
	sig.Reason = ""
	sig.UpdatedAt = time.Now()
	t.s.state.signals[id] = sig
	return nil
}

func (t *memTx) CloseSignal(ctx context.Context, id int64, status models.SignalStatus, closedAt time.Time, pl, plPct decimal.Decimal) error {
	if err := t.fail("CloseSignal"); err != nil {
		return err
	}
	sig, ok := t.s.state.signals[id]
	if !ok || sig.Status != models.SignalExecuted {
		return fmt.Errorf("executed signal %d not updated: %w", id, models.ErrConcurrencyConflict)
	}
	sig.Status = status
	sig.ClosedAt = &closedAt
	sig.ProfitLoss = pl
	sig.ProfitLossPercent = plPct
	sig.UpdatedAt = closedAt
	t.s.state.signals[id] = sig
	return nil
}

func (t *memTx) GetUserSettings(ctx context.Context, userID int64) (*models.UserTradingSettings, error) {
	return t.s.getSettings(userID)
}

func (t *memTx) LockQuotaCounter(ctx context.Context, seed models.QuotaCounter) (*models.QuotaCounter, error) {
	if err := t.fail("LockQuotaCounter"); err != nil {
		return nil, err
	}
	key := counterKey{seed.UserID, seed.WeekBucket}
	c, ok := t.s.state.counters[key]
	if !ok {
		c = seed
		t.s.state.counters[key] = c
	}
	return &c, nil
}

func (t *memTx) SaveQuotaCounter(ctx context.Context, c *models.QuotaCounter) error {
	if err := t.fail("SaveQuotaCounter"); err != nil {
		return err
	}
	key := counterKey{c.UserID, c.WeekBucket}
	existing, ok := t.s.state.counters[key]
	if !ok {
		return fmt.Errorf("quota counter for user %d not updated: %w", c.UserID, models.ErrConcurrencyConflict)
	}
	if c.DisplayedLimit > c.EnforcedLimit || c.ExecutedCount < 0 || c.ExecutedCount > c.EnforcedLimit || c.RemainingBudget.IsNegative() {
		return fmt.Errorf("quota counter check constraint violated: %+v", *c)
	}
	existing.ExecutedCount = c.ExecutedCount
	existing.DisplayedLimit = c.DisplayedLimit
	existing.EnforcedLimit = c.EnforcedLimit
	existing.RemainingBudget = c.RemainingBudget
	t.s.state.counters[key] = existing
	return nil
}

func (t *memTx) MarkQuotaNotified(ctx context.Context, userID int64, week string, kind models.NotifyKind, at time.Time) (bool, error) {
	key := counterKey{userID, week}
	c, ok := t.s.state.counters[key]
	if !ok {
		return false, nil
	}
	switch kind {
	case models.NotifyQuota:
		if c.QuotaNotifiedAt != nil {
			return false, nil
		}
		c.QuotaNotifiedAt = &at
	case models.NotifyBudget:
		if c.BudgetNotifiedAt != nil {
			return false, nil
		}
		c.BudgetNotifiedAt = &at
	default:
		return false, fmt.Errorf("unknown notify kind %q", kind)
	}
	t.s.state.counters[key] = c
	return true, nil
}

func (t *memTx) CountOpenExposure(ctx context.Context, userID int64) (int, error) {
	count := 0
	for _, p := range t.s.state.positions {
		if p.UserID == userID && (p.Status == models.PositionActive || p.Status == models.PositionClosing) {
			count++
		}
	}
	for _, r := range t.s.state.reservations {
		if r.UserID == userID && r.Status == models.ReservationReserved {
			count++
		}
	}
	return count, nil
}

func (t *memTx) HasMarketExposure(ctx context.Context, userID int64, market string) (bool, error) {
	for _, p := range t.s.state.positions {
		if p.UserID == userID && p.Market == market && (p.Status == models.PositionActive || p.Status == models.PositionClosing) {
			return true, nil
		}
	}
	for _, r := range t.s.state.reservations {
		if r.UserID == userID && r.Market == market && r.Status == models.ReservationReserved {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if err := t.fail("InsertReservation"); err != nil {
		return err
	}
	if _, exists := t.s.state.reservations[r.SignalID]; exists {
		return fmt.Errorf("signal %d already reserved: %w", r.SignalID, models.ErrConcurrencyConflict)
	}
	r.UpdatedAt = r.CreatedAt
	t.s.state.reservations[r.SignalID] = *r
	return nil
}

func (t *memTx) LockReservation(ctx context.Context, signalID int64) (*models.Reservation, error) {
	r, ok := t.s.state.reservations[signalID]
	if !ok {
		return nil, fmt.Errorf("reservation for signal %d: %w", signalID, models.ErrNotFound)
	}
	return &r, nil
}

func (t *memTx) SetReservationStatus(ctx context.Context, signalID int64, status models.ReservationStatus) error {
	r, ok := t.s.state.reservations[signalID]
	if !ok {
		return fmt.Errorf("reservation for signal %d not updated: %w", signalID, models.ErrConcurrencyConflict)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	t.s.state.reservations[signalID] = r
	return nil
}

func (t *memTx) InsertPosition(ctx context.Context, p *models.Position) error {
	if err := t.fail("InsertPosition"); err != nil {
		return err
	}
	for _, existing := range t.s.state.positions {
		if existing.SignalID == p.SignalID {
			return fmt.Errorf("position for signal %d already exists: %w", p.SignalID, models.ErrConcurrencyConflict)
		}
	}
	t.s.state.nextPosition++
	p.ID = t.s.state.nextPosition
	p.Status = models.PositionActive
	p.UpdatedAt = p.OpenedAt
	t.s.state.positions[p.ID] = *p
	return nil
}

func (t *memTx) LockPosition(ctx context.Context, id int64) (*models.Position, error) {
	p, ok := t.s.state.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %d: %w", id, models.ErrNotFound)
	}
	return &p, nil
}

func (t *memTx) FinalizeClose(ctx context.Context, p *models.Position) error {
	if err := t.fail("FinalizeClose"); err != nil {
		return err
	}
	existing, ok := t.s.state.positions[p.ID]
	if !ok || existing.Status != models.PositionClosing {
		return fmt.Errorf("closing position %d not updated: %w", p.ID, models.ErrConcurrencyConflict)
	}
	existing.Status = models.PositionClosed
	existing.ClosedAt = p.ClosedAt
	existing.ExitPrice = p.ExitPrice
	existing.ExitReason = p.ExitReason
	existing.ProfitLoss = p.ProfitLoss
	existing.ProfitLossPercent = p.ProfitLossPercent
	existing.ExitOrderRef = p.ExitOrderRef
	if p.ClosedAt != nil {
		existing.UpdatedAt = *p.ClosedAt
	}
	t.s.state.positions[p.ID] = existing
	p.Status = models.PositionClosed
	return nil
}
