package scanner

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/models"
	cache "github.com/trogers1052/surge-autotrader/internal/redis"
	"github.com/trogers1052/surge-autotrader/internal/scoring"
	"github.com/trogers1052/surge-autotrader/internal/testkit"
)

var now = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)

func testConfig() config.ScannerConfig {
	return config.ScannerConfig{
		Interval:           config.Duration{Duration: time.Minute},
		Workers:            2,
		MarketTimeout:      config.Duration{Duration: time.Second},
		CandleInterval:     "15m",
		CandleLookback:     60,
		DetectionThreshold: 70,
		DedupWindow:        config.Duration{Duration: 24 * time.Hour},
		TargetPct:          5,
		StopPct:            5,
		Weights: map[string]float64{
			scoring.VolumeSurge:    40,
			scoring.Trend:          30,
			scoring.MomentumSignal: 30,
		},
	}
}

func candles(market string, n int, surge bool) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		price := 100.0
		if surge {
			price = 100 * math.Pow(1.01, float64(i))
		}
		c := decimal.NewFromFloat(price).Round(4)
		out[i] = models.Candle{
			Market: market, Interval: "15m",
			OpenTime: now.Add(time.Duration(i-n) * 15 * time.Minute),
			Open:     c, High: c, Low: c, Close: c,
			Volume: decimal.NewFromInt(10),
		}
	}
	if surge {
		out[n-1].Volume = decimal.NewFromInt(40)
	}
	return out
}

func newScanner(store *testkit.Store) *Scanner {
	return New(store, testConfig(), time.UTC, zerolog.Nop(), nil).
		WithClock(func() time.Time { return now })
}

func seed(store *testkit.Store) {
	store.PutMarket(models.Market{Symbol: "KRW-BTC", Enabled: true})
	store.PutMarket(models.Market{Symbol: "KRW-ETH", Enabled: true})
	store.PutMarket(models.Market{Symbol: "KRW-OFF", Enabled: false})
	store.PutCandles("KRW-BTC", candles("KRW-BTC", 40, true))
	store.PutCandles("KRW-ETH", candles("KRW-ETH", 40, false))
	store.PutCandles("KRW-OFF", candles("KRW-OFF", 40, true))

	store.PutSettings(testkit.Settings(1))
	store.PutSettings(testkit.Settings(2))
	disabled := testkit.Settings(3)
	disabled.Enabled = false
	store.PutSettings(disabled)
}

func TestScan_EmitsSignalPerEnabledUser(t *testing.T) {
	store := testkit.NewStore()
	seed(store)

	stats, err := newScanner(store).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Markets)
	assert.Equal(t, 2, stats.Scored)
	assert.Equal(t, 2, stats.Emitted)

	signals := store.Signals()
	require.Len(t, signals, 2)
	entry := candles("KRW-BTC", 40, true)[39].Close
	for _, sig := range signals {
		assert.Equal(t, "KRW-BTC", sig.Market)
		assert.Contains(t, []int64{1, 2}, sig.UserID)
		assert.Equal(t, models.SignalPending, sig.Status)
		assert.Equal(t, 100.0, sig.Confidence)
		assert.Equal(t, "2026-W11", sig.WeekBucket)
		assert.True(t, sig.EntryPrice.Equal(entry))
		assert.True(t, sig.TargetPrice.Equal(entry.Mul(testkit.D("1.05"))))
		assert.True(t, sig.StopLossPrice.Equal(entry.Mul(testkit.D("0.95"))))
		assert.Equal(t, 40.0, sig.ScoreBreakdown[scoring.VolumeSurge])
	}
}

func TestScan_DeduplicatesWithinWindow(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	s := newScanner(store)

	_, err := s.Scan(context.Background())
	require.NoError(t, err)
	stats, err := s.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Emitted)
	assert.Len(t, store.Signals(), 2)
}

func TestScan_ClosedSignalsDoNotBlock(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	store.PutSignal(models.Signal{UserID: 1, Market: "KRW-BTC", DetectedAt: now.Add(-time.Hour), Status: models.SignalExpired})

	stats, err := newScanner(store).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Emitted)
}

func TestScan_BadMarketDoesNotAbortCycle(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	store.PutMarket(models.Market{Symbol: "KRW-BAD", Enabled: true})
	store.PutMarket(models.Market{Symbol: "KRW-NEW", Enabled: true})
	store.PutCandles("KRW-NEW", candles("KRW-NEW", 5, true))
	store.Fail("GetRecentCandles:KRW-BAD", errors.New("query timeout"))

	stats, err := newScanner(store).Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Markets)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 2, stats.Scored)
	assert.Equal(t, 2, stats.Emitted)
}

func TestScan_NoEnabledUsers(t *testing.T) {
	store := testkit.NewStore()
	store.PutMarket(models.Market{Symbol: "KRW-BTC", Enabled: true})
	store.PutCandles("KRW-BTC", candles("KRW-BTC", 40, true))

	stats, err := newScanner(store).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Emitted)
	assert.Empty(t, store.Signals())
}

func TestScan_ListMarketsError(t *testing.T) {
	store := testkit.NewStore()
	store.Fail("ListEnabledMarkets", errors.New("connection refused"))

	_, err := newScanner(store).Scan(context.Background())
	assert.Error(t, err)
}

type fakeLocker struct {
	err      error
	mu       sync.Mutex
	ttl      time.Duration
	released int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.ttl = ttl
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, nil
}

type fakeExecutor struct {
	drains int
}

func (e *fakeExecutor) DrainPending(ctx context.Context) (int, error) {
	e.drains++
	return 0, nil
}

func TestCycle_LockHeldSkipsScanButDrains(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	exec := &fakeExecutor{}
	s := newScanner(store).WithLocker(&fakeLocker{err: cache.ErrLockHeld}).WithExecutor(exec)

	s.Cycle(context.Background())

	assert.Empty(t, store.Signals())
	assert.Equal(t, 1, exec.drains)
}

func TestCycle_LockAcquiredScansAndLetsLockExpire(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	locker := &fakeLocker{}
	exec := &fakeExecutor{}
	s := newScanner(store).WithLocker(locker).WithExecutor(exec)

	s.Cycle(context.Background())

	assert.Len(t, store.Signals(), 2)
	assert.Zero(t, locker.released)
	assert.Equal(t, 1, exec.drains)
	// Expires within the interval so the next tick can take it again
	assert.Positive(t, locker.ttl)
	assert.Less(t, locker.ttl, time.Minute)
}

func TestCycle_LockErrorStillScans(t *testing.T) {
	store := testkit.NewStore()
	seed(store)
	s := newScanner(store).WithLocker(&fakeLocker{err: errors.New("redis down")})

	s.Cycle(context.Background())

	assert.Len(t, store.Signals(), 2)
}
