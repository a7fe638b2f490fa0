package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// ErrLockHeld is returned when another holder owns the lock
var ErrLockHeld = errors.New("lock already held")

// unlockScript deletes the key only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Client wraps the Redis client with market price and lock operations
type Client struct {
	rdb      *redis.Client
	priceTTL time.Duration
}

// New creates a new Redis client
func New(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewFromClient(rdb, cfg.PriceTTL), nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, priceTTL time.Duration) *Client {
	if priceTTL <= 0 {
		priceTTL = 30 * time.Second
	}
	return &Client{rdb: rdb, priceTTL: priceTTL}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Market price caching operations

type cachedPrice struct {
	Price     string    `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

func priceKey(market string) string {
	return fmt.Sprintf("market:%s:price", market)
}

// SetMarketPrice caches the latest traded price for a market
func (c *Client) SetMarketPrice(ctx context.Context, market string, price decimal.Decimal, at time.Time) error {
	payload, err := json.Marshal(cachedPrice{Price: price.String(), UpdatedAt: at})
	if err != nil {
		return fmt.Errorf("failed to marshal price: %w", err)
	}
	return c.rdb.Set(ctx, priceKey(market), payload, c.priceTTL).Err()
}

// GetMarketPrice retrieves a cached price. An expired or missing entry is
// reported as ErrDataStale.
func (c *Client) GetMarketPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	raw, err := c.rdb.Get(ctx, priceKey(market)).Bytes()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, fmt.Errorf("no cached price for %s: %w", market, models.ErrDataStale)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get price for %s: %w", market, err)
	}

	var cp cachedPrice
	if err := json.Unmarshal(raw, &cp); err != nil {
		return decimal.Zero, fmt.Errorf("failed to unmarshal price: %w", err)
	}
	price, err := decimal.NewFromString(cp.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid cached price %q: %w", cp.Price, err)
	}
	return price, nil
}

// Distributed locks

// AcquireLock takes a TTL-bounded lock. The returned release func is safe to
// call more than once.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := "lock:" + key

	ok, err := c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Caller's context may already be cancelled
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(unlockCtx, c.rdb, []string{lk}, token).Err()
		})
	}
	return release, nil
}

// Pub/Sub operations for real-time updates

// Publish publishes a message to a channel
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	jsonData, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.rdb.Publish(ctx, channel, jsonData).Err()
}
