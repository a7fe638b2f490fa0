package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// CandleRepository defines the interface for candle storage
type CandleRepository interface {
	UpsertCandle(ctx context.Context, c *models.Candle) error
}

// PriceCache defines the interface for the latest-price cache
type PriceCache interface {
	SetMarketPrice(ctx context.Context, market string, price decimal.Decimal, at time.Time) error
}

// messageReader is the subset of *kafka.Reader the consumer uses
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
	Config() kafka.ReaderConfig
}

// MarketDataConsumer ingests candle and ticker events from the market-data feed
type MarketDataConsumer struct {
	reader messageReader
	repo   CandleRepository
	cache  PriceCache
	logger zerolog.Logger
}

// NewMarketDataConsumer creates a new Kafka consumer for market data. cache may be nil.
func NewMarketDataConsumer(brokers []string, topic, groupID string, repo CandleRepository, cache PriceCache, logger zerolog.Logger) *MarketDataConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID + "-market-data",
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset, // Only read new messages (not historical)
		CommitInterval: time.Second,
	})

	return newMarketDataConsumer(reader, repo, cache, logger)
}

func newMarketDataConsumer(reader messageReader, repo CandleRepository, cache PriceCache, logger zerolog.Logger) *MarketDataConsumer {
	return &MarketDataConsumer{
		reader: reader,
		repo:   repo,
		cache:  cache,
		logger: logging.Component(logger, "market-data-consumer"),
	}
}

// Start begins consuming messages from Kafka
func (c *MarketDataConsumer) Start(ctx context.Context) error {
	c.logger.Info().Str("topic", c.reader.Config().Topic).Msg("starting market data consumer")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("market data consumer shutting down")
			return c.reader.Close()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil // Context cancelled, normal shutdown
				}
				c.logger.Error().Err(err).Msg("error reading market data message")
				continue
			}

			if err := c.processMessage(ctx, msg); err != nil {
				// Continue processing other messages
				c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("error processing market data message")
			}
		}
	}
}

// processMessage handles a single Kafka message
func (c *MarketDataConsumer) processMessage(ctx context.Context, msg kafka.Message) error {
	var event models.MarketDataEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal market data event: %w", err)
	}

	market := strings.ToUpper(strings.TrimSpace(event.Data.Market))
	if market == "" {
		return fmt.Errorf("market data event %s without market", event.EventType)
	}

	switch event.EventType {
	case "CANDLE_CLOSED":
		candle, err := convertCandle(market, event.Data)
		if err != nil {
			return err
		}
		if err := c.repo.UpsertCandle(ctx, candle); err != nil {
			return fmt.Errorf("failed to store candle: %w", err)
		}
		c.cachePrice(ctx, market, candle.Close, candle.OpenTime)
		return nil

	case "TICKER":
		price, err := decimal.NewFromString(event.Data.Price)
		if err != nil {
			return fmt.Errorf("invalid ticker price %q: %w", event.Data.Price, err)
		}
		c.cachePrice(ctx, market, price, parseTimestamp(event.Timestamp))
		return nil

	default:
		c.logger.Debug().Str("event_type", event.EventType).Msg("ignoring market data event")
		return nil
	}
}

// cachePrice is best effort; a cache miss falls back to the candle table
func (c *MarketDataConsumer) cachePrice(ctx context.Context, market string, price decimal.Decimal, at time.Time) {
	if c.cache == nil || !price.IsPositive() {
		return
	}
	if err := c.cache.SetMarketPrice(ctx, market, price, at); err != nil {
		c.logger.Warn().Err(err).Str("market", market).Msg("failed to cache price")
	}
}

// convertCandle converts event data to a Candle model
func convertCandle(market string, d models.MarketDataEventData) (*models.Candle, error) {
	if d.Interval == "" {
		return nil, fmt.Errorf("candle for %s without interval", market)
	}
	openTime, err := time.Parse(time.RFC3339, d.OpenTime)
	if err != nil {
		return nil, fmt.Errorf("invalid open_time %q: %w", d.OpenTime, err)
	}

	var parseErr error
	parse := func(name, raw string) decimal.Decimal {
		v, err := decimal.NewFromString(raw)
		if err != nil && parseErr == nil {
			parseErr = fmt.Errorf("invalid %s %q: %w", name, raw, err)
		}
		return v
	}

	candle := &models.Candle{
		Market:   market,
		Interval: d.Interval,
		OpenTime: openTime.UTC(),
		Open:     parse("open", d.Open),
		High:     parse("high", d.High),
		Low:      parse("low", d.Low),
		Close:    parse("close", d.Close),
		Volume:   parse("volume", d.Volume),
	}
	if parseErr != nil {
		return nil, parseErr
	}
	return candle, nil
}

func parseTimestamp(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t
	}
	return time.Now().UTC()
}

// Close closes the Kafka consumer
func (c *MarketDataConsumer) Close() error {
	return c.reader.Close()
}
