package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

const positionColumns = `
	id, signal_id, user_id, market, quantity, entry_price, target_price,
	stop_loss_price, status, opened_at, closed_at, closing_started_at,
	exit_price, exit_reason, profit_loss, profit_loss_percent, order_ref,
	exit_order_ref, intervention_reason, updated_at`

func scanPosition(row rowScanner) (*models.Position, error) {
	var p models.Position
	var status string
	var closedAt, closingStartedAt sql.NullTime
	var exitPrice decimal.NullDecimal
	var exitReason, exitOrderRef, interventionReason sql.NullString

	err := row.Scan(
		&p.ID, &p.SignalID, &p.UserID, &p.Market, &p.Quantity, &p.EntryPrice, &p.TargetPrice,
		&p.StopLossPrice, &status, &p.OpenedAt, &closedAt, &closingStartedAt,
		&exitPrice, &exitReason, &p.ProfitLoss, &p.ProfitLossPercent, &p.OrderRef,
		&exitOrderRef, &interventionReason, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Status = models.PositionStatus(status)
	p.ClosedAt = timePtr(closedAt)
	p.ClosingStartedAt = timePtr(closingStartedAt)
	if exitPrice.Valid {
		p.ExitPrice = exitPrice.Decimal
	}
	p.ExitReason = models.ExitReason(exitReason.String)
	p.ExitOrderRef = exitOrderRef.String
	p.InterventionReason = interventionReason.String
	return &p, nil
}

func queryPositions(ctx context.Context, q queryer, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ListActivePositions returns every ACTIVE position across all users
func (db *DB) ListActivePositions(ctx context.Context) ([]*models.Position, error) {
	return queryPositions(ctx, db.conn, `SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'ACTIVE'
		ORDER BY opened_at ASC
	`)
}

// ListStuckClosing returns CLOSING positions claimed before the cutoff
func (db *DB) ListStuckClosing(ctx context.Context, before time.Time) ([]*models.Position, error) {
	return queryPositions(ctx, db.conn, `SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'CLOSING' AND closing_started_at < $1
		ORDER BY closing_started_at ASC
	`, before)
}

// ListPositionsNeedingIntervention returns positions parked for manual handling
func (db *DB) ListPositionsNeedingIntervention(ctx context.Context) ([]*models.Position, error) {
	return queryPositions(ctx, db.conn, `SELECT `+positionColumns+`
		FROM positions
		WHERE status = 'NEEDS_INTERVENTION'
		ORDER BY updated_at DESC
	`)
}

// GetPositionsByUser returns a user's positions, optionally filtered by status
func (db *DB) GetPositionsByUser(ctx context.Context, userID int64, status string) ([]*models.Position, error) {
	if status != "" {
		return queryPositions(ctx, db.conn, `SELECT `+positionColumns+`
			FROM positions
			WHERE user_id = $1 AND status = $2
			ORDER BY opened_at DESC
		`, userID, status)
	}
	return queryPositions(ctx, db.conn, `SELECT `+positionColumns+`
		FROM positions
		WHERE user_id = $1
		ORDER BY opened_at DESC
	`, userID)
}

// ClaimPositionForClose performs the conditional ACTIVE -> CLOSING update.
// It reports false when another worker already claimed the position.
func (db *DB) ClaimPositionForClose(ctx context.Context, id int64, reason models.ExitReason, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSING', exit_reason = $2, closing_started_at = $3, updated_at = $3
		WHERE id = $1 AND status = 'ACTIVE'
	`, id, string(reason), now)
	if err != nil {
		return false, fmt.Errorf("failed to claim position: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// MarkNeedsIntervention parks a CLOSING position for manual handling
func (db *DB) MarkNeedsIntervention(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE positions
		SET status = 'NEEDS_INTERVENTION', intervention_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'CLOSING'
	`, id, reason, now)
	if err != nil {
		return false, fmt.Errorf("failed to mark position for intervention: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// InsertPosition creates an ACTIVE position for a filled entry
func (t *Tx) InsertPosition(ctx context.Context, p *models.Position) error {
	query := `
		INSERT INTO positions (
			signal_id, user_id, market, quantity, entry_price, target_price,
			stop_loss_price, status, opened_at, order_ref, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $9)
		RETURNING id
	`
	err := t.tx.QueryRowContext(ctx, query,
		p.SignalID, p.UserID, p.Market, p.Quantity, p.EntryPrice, p.TargetPrice,
		p.StopLossPrice, string(models.PositionActive), p.OpenedAt, p.OrderRef,
	).Scan(&p.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("position for signal %d already exists: %w", p.SignalID, models.ErrConcurrencyConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}
	p.Status = models.PositionActive
	p.UpdatedAt = p.OpenedAt
	return nil
}

// LockPosition loads a position and locks its row until the transaction ends
func (t *Tx) LockPosition(ctx context.Context, id int64) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1 FOR UPDATE`
	p, err := scanPosition(t.tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %d: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock position: %w", err)
	}
	return p, nil
}

// FinalizeClose moves a CLOSING position to CLOSED
func (t *Tx) FinalizeClose(ctx context.Context, p *models.Position) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE positions
		SET status = 'CLOSED', closed_at = $2, exit_price = $3, exit_reason = $4,
		    profit_loss = $5, profit_loss_percent = $6, exit_order_ref = $7, updated_at = $2
		WHERE id = $1 AND status = 'CLOSING'
	`, p.ID, nullTime(p.ClosedAt), p.ExitPrice, string(p.ExitReason),
		p.ProfitLoss, p.ProfitLossPercent, nullString(p.ExitOrderRef))
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if err := expectOneRow(result, "closing position", p.ID); err != nil {
		return err
	}
	p.Status = models.PositionClosed
	return nil
}
