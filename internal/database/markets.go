package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// UpsertMarket inserts or re-enables a market in the scan universe
func (db *DB) UpsertMarket(ctx context.Context, m *models.Market) error {
	query := `
		INSERT INTO markets (symbol, name, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name = '' THEN markets.name ELSE EXCLUDED.name END,
			enabled = EXCLUDED.enabled
		RETURNING id, created_at
	`
	err := db.conn.QueryRowContext(ctx, query, m.Symbol, m.Name, m.Enabled).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert market %s: %w", m.Symbol, err)
	}
	return nil
}

// GetAllMarkets returns every market, enabled or not
func (db *DB) GetAllMarkets(ctx context.Context) ([]*models.Market, error) {
	return db.queryMarkets(ctx, `SELECT id, symbol, name, enabled, created_at FROM markets ORDER BY symbol`)
}

// ListEnabledMarkets returns the markets the scanner should score
func (db *DB) ListEnabledMarkets(ctx context.Context) ([]*models.Market, error) {
	return db.queryMarkets(ctx, `SELECT id, symbol, name, enabled, created_at FROM markets WHERE enabled = TRUE ORDER BY symbol`)
}

func (db *DB) queryMarkets(ctx context.Context, query string) ([]*models.Market, error) {
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get markets: %w", err)
	}
	defer rows.Close()

	var markets []*models.Market
	for rows.Next() {
		var m models.Market
		if err := rows.Scan(&m.ID, &m.Symbol, &m.Name, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan market: %w", err)
		}
		markets = append(markets, &m)
	}
	return markets, rows.Err()
}

// DisableMarket removes a market from the scan universe. Rows are kept
// because signals and positions reference the symbol.
func (db *DB) DisableMarket(ctx context.Context, symbol string) error {
	result, err := db.conn.ExecContext(ctx, `UPDATE markets SET enabled = FALSE WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to disable market %s: %w", symbol, err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("market %s: %w", symbol, models.ErrNotFound)
	}
	return nil
}

// UpsertCandle stores a closed candle, replacing an earlier revision
func (db *DB) UpsertCandle(ctx context.Context, c *models.Candle) error {
	query := `
		INSERT INTO candles (market, interval, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (market, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume
	`
	_, err := db.conn.ExecContext(ctx, query,
		c.Market, c.Interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert candle %s: %w", c.Market, err)
	}
	return nil
}

// GetRecentCandles returns the latest limit candles for a market in
// chronological order.
func (db *DB) GetRecentCandles(ctx context.Context, market, interval string, limit int) ([]models.Candle, error) {
	query := `
		SELECT market, interval, open_time, open, high, low, close, volume
		FROM (
			SELECT market, interval, open_time, open, high, low, close, volume
			FROM candles
			WHERE market = $1 AND interval = $2
			ORDER BY open_time DESC
			LIMIT $3
		) recent
		ORDER BY open_time ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, market, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", market, err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Market, &c.Interval, &c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// LatestClose returns the most recent close for a market. A newest candle
// that opened before since is reported as ErrDataStale.
func (db *DB) LatestClose(ctx context.Context, market string, since time.Time) (decimal.Decimal, error) {
	var price decimal.Decimal
	var openTime time.Time
	err := db.conn.QueryRowContext(ctx, `
		SELECT close, open_time FROM candles WHERE market = $1 ORDER BY open_time DESC LIMIT 1
	`, market).Scan(&price, &openTime)
	if err == sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("no candles for %s: %w", market, models.ErrDataStale)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get latest close for %s: %w", market, err)
	}
	if openTime.Before(since) {
		return decimal.Zero, fmt.Errorf("latest candle for %s opened at %s: %w",
			market, openTime.UTC().Format(time.RFC3339), models.ErrDataStale)
	}
	return price, nil
}
