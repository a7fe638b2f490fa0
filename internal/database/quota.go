package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/trogers1052/surge-autotrader/internal/models"
)

const quotaColumns = `
	user_id, week_bucket, executed_count, displayed_limit, enforced_limit,
	remaining_budget, quota_notified_at, budget_notified_at, created_at`

const insertQuotaCounter = `
	INSERT INTO quota_counters (
		user_id, week_bucket, executed_count, displayed_limit, enforced_limit,
		remaining_budget, created_at
	) VALUES ($1, $2, 0, $3, $4, $5, $6)
	ON CONFLICT (user_id, week_bucket) DO NOTHING
`

func scanQuotaCounter(row rowScanner) (*models.QuotaCounter, error) {
	var c models.QuotaCounter
	var quotaNotified, budgetNotified sql.NullTime

	err := row.Scan(
		&c.UserID, &c.WeekBucket, &c.ExecutedCount, &c.DisplayedLimit, &c.EnforcedLimit,
		&c.RemainingBudget, &quotaNotified, &budgetNotified, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.QuotaNotifiedAt = timePtr(quotaNotified)
	c.BudgetNotifiedAt = timePtr(budgetNotified)
	return &c, nil
}

// CreateQuotaCounter inserts the weekly row for a user unless it already
// exists. Existing rows, including past weeks, are never touched.
func (db *DB) CreateQuotaCounter(ctx context.Context, seed models.QuotaCounter) (bool, error) {
	result, err := db.conn.ExecContext(ctx, insertQuotaCounter,
		seed.UserID, seed.WeekBucket, seed.DisplayedLimit, seed.EnforcedLimit,
		seed.RemainingBudget, seed.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create quota counter: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetQuotaCounter retrieves a user's counter for a week
func (db *DB) GetQuotaCounter(ctx context.Context, userID int64, week string) (*models.QuotaCounter, error) {
	query := `SELECT ` + quotaColumns + ` FROM quota_counters WHERE user_id = $1 AND week_bucket = $2`
	c, err := scanQuotaCounter(db.conn.QueryRowContext(ctx, query, userID, week))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("quota counter %d/%s: %w", userID, week, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quota counter: %w", err)
	}
	return c, nil
}

// ListOrphanedReservations returns RESERVED holds created before the cutoff
// whose signal never left PENDING.
func (db *DB) ListOrphanedReservations(ctx context.Context, before time.Time) ([]*models.Reservation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.signal_id, r.user_id, r.week_bucket, r.market, r.amount, r.status, r.created_at, r.updated_at
		FROM signal_reservations r
		JOIN signals s ON s.id = r.signal_id
		WHERE r.status = 'RESERVED' AND r.created_at < $1 AND s.status = 'PENDING'
		ORDER BY r.created_at ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("failed to get orphaned reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		reservations = append(reservations, r)
	}
	return reservations, rows.Err()
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var status string
	err := row.Scan(&r.SignalID, &r.UserID, &r.WeekBucket, &r.Market, &r.Amount, &status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.ReservationStatus(status)
	return &r, nil
}

// LockQuotaCounter creates the weekly row if needed and locks it
func (t *Tx) LockQuotaCounter(ctx context.Context, seed models.QuotaCounter) (*models.QuotaCounter, error) {
	_, err := t.tx.ExecContext(ctx, insertQuotaCounter,
		seed.UserID, seed.WeekBucket, seed.DisplayedLimit, seed.EnforcedLimit,
		seed.RemainingBudget, seed.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota counter: %w", err)
	}

	query := `SELECT ` + quotaColumns + ` FROM quota_counters WHERE user_id = $1 AND week_bucket = $2 FOR UPDATE`
	c, err := scanQuotaCounter(t.tx.QueryRowContext(ctx, query, seed.UserID, seed.WeekBucket))
	if err != nil {
		return nil, fmt.Errorf("failed to lock quota counter: %w", err)
	}
	return c, nil
}

// SaveQuotaCounter writes back counts, limits and budget for a locked row
func (t *Tx) SaveQuotaCounter(ctx context.Context, c *models.QuotaCounter) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE quota_counters
		SET executed_count = $3, displayed_limit = $4, enforced_limit = $5, remaining_budget = $6
		WHERE user_id = $1 AND week_bucket = $2
	`, c.UserID, c.WeekBucket, c.ExecutedCount, c.DisplayedLimit, c.EnforcedLimit, c.RemainingBudget)
	if err != nil {
		return fmt.Errorf("failed to save quota counter: %w", err)
	}
	return expectOneRow(result, "quota counter for user", c.UserID)
}

// MarkQuotaNotified sets a notification flag only if it is still unset
func (t *Tx) MarkQuotaNotified(ctx context.Context, userID int64, week string, kind models.NotifyKind, at time.Time) (bool, error) {
	var query string
	switch kind {
	case models.NotifyQuota:
		query = `UPDATE quota_counters SET quota_notified_at = $3
			WHERE user_id = $1 AND week_bucket = $2 AND quota_notified_at IS NULL`
	case models.NotifyBudget:
		query = `UPDATE quota_counters SET budget_notified_at = $3
			WHERE user_id = $1 AND week_bucket = $2 AND budget_notified_at IS NULL`
	default:
		return false, fmt.Errorf("unknown notify kind %q", kind)
	}

	result, err := t.tx.ExecContext(ctx, query, userID, week, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s notification: %w", kind, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// CountOpenExposure counts open positions plus in-flight reservations
func (t *Tx) CountOpenExposure(ctx context.Context, userID int64) (int, error) {
	var count int
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM positions
			 WHERE user_id = $1 AND status IN ('ACTIVE', 'CLOSING'))
			+
			(SELECT COUNT(*) FROM signal_reservations
			 WHERE user_id = $1 AND status = 'RESERVED')
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count open exposure: %w", err)
	}
	return count, nil
}

// HasMarketExposure reports an open position or in-flight entry on market
func (t *Tx) HasMarketExposure(ctx context.Context, userID int64, market string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM positions
			WHERE user_id = $1 AND market = $2 AND status IN ('ACTIVE', 'CLOSING')
		) OR EXISTS (
			SELECT 1 FROM signal_reservations
			WHERE user_id = $1 AND market = $2 AND status = 'RESERVED'
		)
	`, userID, market).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check market exposure: %w", err)
	}
	return exists, nil
}

// InsertReservation records the hold taken for a signal
func (t *Tx) InsertReservation(ctx context.Context, r *models.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO signal_reservations (
			signal_id, user_id, week_bucket, market, amount, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, r.SignalID, r.UserID, r.WeekBucket, r.Market, r.Amount, string(r.Status), r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("signal %d already reserved: %w", r.SignalID, models.ErrConcurrencyConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

// LockReservation loads a signal's reservation and locks it
func (t *Tx) LockReservation(ctx context.Context, signalID int64) (*models.Reservation, error) {
	r, err := scanReservation(t.tx.QueryRowContext(ctx, `
		SELECT signal_id, user_id, week_bucket, market, amount, status, created_at, updated_at
		FROM signal_reservations
		WHERE signal_id = $1
		FOR UPDATE
	`, signalID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reservation for signal %d: %w", signalID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock reservation: %w", err)
	}
	return r, nil
}

// SetReservationStatus updates the state of a signal's reservation
func (t *Tx) SetReservationStatus(ctx context.Context, signalID int64, status models.ReservationStatus) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE signal_reservations SET status = $2, updated_at = NOW()
		WHERE signal_id = $1
	`, signalID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	return expectOneRow(result, "reservation for signal", signalID)
}
