package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market is one tradable instrument in the scan universe.
type Market struct {
	ID        int64     `json:"id"`
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Market   string          `json:"market"`
	Interval string          `json:"interval"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// MarketDataEvent represents a Kafka message from the market-data feed
type MarketDataEvent struct {
	EventType string              `json:"event_type"`
	Source    string              `json:"source"`
	Timestamp string              `json:"timestamp"`
	Data      MarketDataEventData `json:"data"`
}

// MarketDataEventData carries either a closed candle or a ticker price
type MarketDataEventData struct {
	Market   string `json:"market"`
	Interval string `json:"interval,omitempty"`
	OpenTime string `json:"open_time,omitempty"`
	Open     string `json:"open,omitempty"`
	High     string `json:"high,omitempty"`
	Low      string `json:"low,omitempty"`
	Close    string `json:"close,omitempty"`
	Volume   string `json:"volume,omitempty"`
	Price    string `json:"price,omitempty"`
}
