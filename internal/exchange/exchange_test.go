package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

func fixedPrice(p string) PriceSource {
	return PriceSourceFunc(func(ctx context.Context, market string) (decimal.Decimal, error) {
		return decimal.RequireFromString(p), nil
	})
}

func TestRetry_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("timeout"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_StopsAfterAttempts(t *testing.T) {
	calls := 0
	var retries []time.Duration
	err := Retry(context.Background(), RetryPolicy{Attempts: 3, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Transient(errors.New("rate limited"))
	}, func(err error, wait time.Duration) {
		retries = append(retries, wait)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangeTransient))
	assert.Equal(t, 3, calls)
	assert.Len(t, retries, 2)
}

func TestRetry_PermanentIsNotRetried(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, Initial: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return Permanent(errors.New("order rejected"))
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangePermanent))
	assert.Equal(t, 1, calls)
}

func TestClassify(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Classify(ctx, nil))
	assert.True(t, errors.Is(Classify(ctx, errors.New("boom")), models.ErrExchangePermanent))

	transient := Transient(errors.New("slow"))
	assert.Equal(t, transient, Classify(ctx, transient))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.True(t, errors.Is(Classify(cancelled, errors.New("io")), models.ErrExchangeTransient))
}

func TestPaperClient_BuyAndSell(t *testing.T) {
	client := NewPaperClient(fixedPrice("100000"), decimal.NewFromInt(1_000_000))
	ctx := context.Background()

	res, err := client.PlaceOrder(ctx, "KRW-BTC", Buy, decimal.RequireFromString("2"))
	require.NoError(t, err)
	assert.True(t, res.Filled)
	assert.True(t, res.FillPrice.Equal(decimal.NewFromInt(100000)))
	assert.NotEmpty(t, res.OrderRef)

	balance, _ := client.GetBalance(ctx)
	assert.True(t, balance.Equal(decimal.NewFromInt(800000)), balance.String())

	_, err = client.PlaceOrder(ctx, "KRW-BTC", Sell, decimal.RequireFromString("1"))
	require.NoError(t, err)
	balance, _ = client.GetBalance(ctx)
	assert.True(t, balance.Equal(decimal.NewFromInt(900000)), balance.String())
}

func TestPaperClient_InsufficientBalanceIsPermanent(t *testing.T) {
	client := NewPaperClient(fixedPrice("100000"), decimal.NewFromInt(50000))

	_, err := client.PlaceOrder(context.Background(), "KRW-BTC", Buy, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangePermanent))
	assert.Contains(t, err.Error(), "insufficient balance")
}

func TestPaperClient_MissingPriceIsTransient(t *testing.T) {
	missing := PriceSourceFunc(func(ctx context.Context, market string) (decimal.Decimal, error) {
		return decimal.Zero, models.ErrDataStale
	})
	client := NewPaperClient(FallbackPrices{missing}, decimal.NewFromInt(1))

	_, err := client.GetPrice(context.Background(), "KRW-ETH")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrExchangeTransient))
}

func TestFallbackPrices_UsesFirstAvailable(t *testing.T) {
	missing := PriceSourceFunc(func(ctx context.Context, market string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("cache miss")
	})
	src := FallbackPrices{missing, fixedPrice("4000000")}

	price, err := src.GetMarketPrice(context.Background(), "KRW-ETH")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromInt(4000000)))
}
