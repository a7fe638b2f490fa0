package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

const signalColumns = `
	id, user_id, market, detected_at, confidence, entry_price, target_price,
	stop_loss_price, status, reason, auto_traded, order_ref, closed_at,
	profit_loss, profit_loss_percent, week_bucket, score_breakdown, updated_at`

func scanSignal(row rowScanner) (*models.Signal, error) {
	var s models.Signal
	var status string
	var reason, orderRef sql.NullString
	var closedAt sql.NullTime
	var breakdown []byte

	err := row.Scan(
		&s.ID, &s.UserID, &s.Market, &s.DetectedAt, &s.Confidence, &s.EntryPrice, &s.TargetPrice,
		&s.StopLossPrice, &status, &reason, &s.AutoTraded, &orderRef, &closedAt,
		&s.ProfitLoss, &s.ProfitLossPercent, &s.WeekBucket, &breakdown, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Status = models.SignalStatus(status)
	s.Reason = reason.String
	s.OrderRef = orderRef.String
	s.ClosedAt = timePtr(closedAt)
	if len(breakdown) > 0 {
		if err := json.Unmarshal(breakdown, &s.ScoreBreakdown); err != nil {
			return nil, fmt.Errorf("failed to decode score breakdown: %w", err)
		}
	}
	return &s, nil
}

func scanSignals(rows *sql.Rows) ([]*models.Signal, error) {
	defer rows.Close()

	var signals []*models.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// InsertSignalIfNoDuplicate inserts sig unless a PENDING or EXECUTED signal
// for the same (user, market) was detected at or after since. The check and
// the insert are serialized per (user, market) with an advisory lock held
// for the life of the transaction. Reports whether the row was inserted.
func (db *DB) InsertSignalIfNoDuplicate(ctx context.Context, sig *models.Signal, since time.Time) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lockKey := fmt.Sprintf("signal:%d:%s", sig.UserID, sig.Market)
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return false, fmt.Errorf("failed to take dedup lock: %w", err)
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM signals
			WHERE user_id = $1 AND market = $2
			  AND status IN ('PENDING', 'EXECUTED')
			  AND detected_at >= $3
		)
	`, sig.UserID, sig.Market, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate signal: %w", err)
	}
	if exists {
		return false, nil
	}

	var breakdown []byte
	if len(sig.ScoreBreakdown) > 0 {
		breakdown, err = json.Marshal(sig.ScoreBreakdown)
		if err != nil {
			return false, fmt.Errorf("failed to encode score breakdown: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO signals (
			user_id, market, detected_at, confidence, entry_price, target_price,
			stop_loss_price, status, week_bucket, score_breakdown, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		sig.UserID, sig.Market, sig.DetectedAt, sig.Confidence, sig.EntryPrice, sig.TargetPrice,
		sig.StopLossPrice, string(models.SignalPending), sig.WeekBucket, breakdown, sig.DetectedAt,
	).Scan(&sig.ID)
	if err != nil {
		return false, fmt.Errorf("failed to create signal: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	sig.Status = models.SignalPending
	sig.UpdatedAt = sig.DetectedAt
	return true, nil
}

// ListPendingSignals returns up to limit PENDING signals, oldest first
func (db *DB) ListPendingSignals(ctx context.Context, limit int) ([]*models.Signal, error) {
	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE status = 'PENDING'
		ORDER BY detected_at ASC
		LIMIT $1
	`
	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending signals: %w", err)
	}
	return scanSignals(rows)
}

// GetSignalsByUser returns a user's most recent signals
func (db *DB) GetSignalsByUser(ctx context.Context, userID int64, limit int) ([]*models.Signal, error) {
	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE user_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`
	rows, err := db.conn.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get signals: %w", err)
	}
	return scanSignals(rows)
}

// LockSignal loads a signal and locks its row until the transaction ends
func (t *Tx) LockSignal(ctx context.Context, id int64) (*models.Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = $1 FOR UPDATE`
	s, err := scanSignal(t.tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("signal %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock signal: %w", err)
	}
	return s, nil
}

// SetSignalStatus records a status transition with its reason
func (t *Tx) SetSignalStatus(ctx context.Context, id int64, status models.SignalStatus, reason string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE signals SET status = $2, reason = $3, updated_at = NOW()
		WHERE id = $1
	`, id, string(status), nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	return expectOneRow(result, "signal", id)
}

// MarkSignalExecuted flags the signal as auto-traded with the fill reference
func (t *Tx) MarkSignalExecuted(ctx context.Context, id int64, orderRef string) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE signals
		SET status = 'EXECUTED', auto_traded = TRUE, order_ref = $2, reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`, id, orderRef)
	if err != nil {
		return fmt.Errorf("failed to mark signal executed: %w", err)
	}
	return expectOneRow(result, "pending signal", id)
}

// CloseSignal records the terminal outcome of an executed signal
func (t *Tx) CloseSignal(ctx context.Context, id int64, status models.SignalStatus, closedAt time.Time, pl, plPct decimal.Decimal) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE signals
		SET status = $2, closed_at = $3, profit_loss = $4, profit_loss_percent = $5, updated_at = $3
		WHERE id = $1 AND status = 'EXECUTED'
	`, id, string(status), closedAt, pl, plPct)
	if err != nil {
		return fmt.Errorf("failed to close signal: %w", err)
	}
	return expectOneRow(result, "executed signal", id)
}

// expectOneRow turns a zero-row conditional update into ErrConcurrencyConflict
func expectOneRow(result sql.Result, what string, id int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s %d not updated: %w", what, id, models.ErrConcurrencyConflict)
	}
	return nil
}
