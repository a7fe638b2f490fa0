package quota

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/metrics"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// Store is the persistence the ledger needs
type Store interface {
	models.TxRunner
	CreateQuotaCounter(ctx context.Context, seed models.QuotaCounter) (bool, error)
	ListUserSettings(ctx context.Context, enabledOnly bool) ([]*models.UserTradingSettings, error)
}

// Ledger owns standalone quota operations and the weekly reset
type Ledger struct {
	store   Store
	plans   map[string]models.PlanLimits
	loc     *time.Location
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLedger creates a ledger. Week buckets are computed in loc.
func NewLedger(store Store, plans map[string]models.PlanLimits, loc *time.Location, logger zerolog.Logger, m *metrics.Metrics) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		store:   store,
		plans:   plans,
		loc:     loc,
		logger:  logging.Component(logger, "quota"),
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Week returns the current week bucket
func (l *Ledger) Week() string {
	return models.WeekBucket(l.now().In(l.loc))
}

// Reserve takes one entry of amount from userID's current week for
// signalID in a single transaction.
func (l *Ledger) Reserve(ctx context.Context, userID, signalID int64, market string, amount decimal.Decimal) (Result, error) {
	var result Result
	now := l.now()
	week := models.WeekBucket(now.In(l.loc))

	err := l.store.InTx(ctx, func(tx models.TradingTx) error {
		settings, err := tx.GetUserSettings(ctx, userID)
		if err != nil {
			return err
		}
		plan, err := PlanFor(l.plans, settings.PlanTier)
		if err != nil {
			return err
		}
		c, err := LockCounter(ctx, tx, userID, week, plan, settings.TotalBudget, now)
		if err != nil {
			return err
		}
		result, err = Reserve(ctx, tx, c, signalID, market, amount, now)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// Release credits back a signal's reservation. Safe to call repeatedly.
func (l *Ledger) Release(ctx context.Context, signalID int64) (bool, error) {
	var released bool
	err := l.store.InTx(ctx, func(tx models.TradingTx) error {
		var err error
		released, err = ReleaseTx(ctx, tx, signalID)
		return err
	})
	return released, err
}

// ResetWeek makes sure every user with settings has a counter for the
// current week. Existing rows, including earlier weeks, are left alone.
// Returns the number of rows created.
func (l *Ledger) ResetWeek(ctx context.Context) (int, error) {
	now := l.now()
	week := models.WeekBucket(now.In(l.loc))

	users, err := l.store.ListUserSettings(ctx, false)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, settings := range users {
		plan, err := PlanFor(l.plans, settings.PlanTier)
		if err != nil {
			l.logger.Warn().Err(err).Int64("user_id", settings.UserID).Msg("Skipping quota row for user")
			continue
		}
		ok, err := l.store.CreateQuotaCounter(ctx, Seed(settings.UserID, week, plan, settings.TotalBudget, now))
		if err != nil {
			l.logger.Error().Err(err).Int64("user_id", settings.UserID).Msg("Failed to create quota row")
			continue
		}
		if ok {
			created++
		}
	}

	l.metrics.QuotaRowsCreated(created)
	if created > 0 {
		l.logger.Info().Str("week", week).Int("created", created).Msg("Weekly quota rows created")
	}
	return created, nil
}

// Run performs a reset immediately and then on every tick until ctx ends
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := l.ResetWeek(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error().Err(err).Msg("Weekly quota reset failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
