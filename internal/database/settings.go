package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

const settingsColumns = `
	user_id, enabled, total_budget, per_trade_amount, min_confidence,
	max_positions, stop_loss_pct, take_profit_pct, excluded_markets,
	plan_tier, allow_same_market_positions, updated_at`

func scanSettings(row rowScanner) (*models.UserTradingSettings, error) {
	var s models.UserTradingSettings
	var excluded pq.StringArray

	err := row.Scan(
		&s.UserID, &s.Enabled, &s.TotalBudget, &s.PerTradeAmount, &s.MinConfidence,
		&s.MaxPositions, &s.StopLossPct, &s.TakeProfitPct, &excluded,
		&s.PlanTier, &s.AllowSameMarketPositions, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	s.ExcludedMarkets = []string(excluded)
	return &s, nil
}

func getUserSettings(ctx context.Context, q queryer, userID int64) (*models.UserTradingSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM user_trading_settings WHERE user_id = $1`
	s, err := scanSettings(q.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trading settings for user %d: %w", userID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trading settings: %w", err)
	}
	return s, nil
}

// GetUserSettings reads a user's settings. Never cached.
func (db *DB) GetUserSettings(ctx context.Context, userID int64) (*models.UserTradingSettings, error) {
	return getUserSettings(ctx, db.conn, userID)
}

// GetUserSettings reads a user's settings inside the transaction
func (t *Tx) GetUserSettings(ctx context.Context, userID int64) (*models.UserTradingSettings, error) {
	return getUserSettings(ctx, t.tx, userID)
}

// ListUserSettings returns all settings rows, or only enabled ones
func (db *DB) ListUserSettings(ctx context.Context, enabledOnly bool) ([]*models.UserTradingSettings, error) {
	query := `SELECT ` + settingsColumns + ` FROM user_trading_settings`
	if enabledOnly {
		query += ` WHERE enabled = TRUE`
	}
	query += ` ORDER BY user_id`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get trading settings: %w", err)
	}
	defer rows.Close()

	var settings []*models.UserTradingSettings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trading settings: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}
