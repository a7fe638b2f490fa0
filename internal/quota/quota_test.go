package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/testkit"
)

var fixedNow = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC) // 2026-W11

func newLedger(store *testkit.Store) *Ledger {
	return NewLedger(store, testkit.Plans(), time.UTC, zerolog.Nop(), nil).
		WithClock(func() time.Time { return fixedNow })
}

func seedUser(store *testkit.Store, executed int, budget string) {
	store.PutSettings(testkit.Settings(1))
	store.PutCounter(models.QuotaCounter{
		UserID:          1,
		WeekBucket:      "2026-W11",
		ExecutedCount:   executed,
		DisplayedLimit:  3,
		EnforcedLimit:   5,
		RemainingBudget: testkit.D(budget),
	})
}

func TestReserve_TakesQuotaAndBudget(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 3, "500000")

	result, err := newLedger(store).Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	require.NoError(t, err)

	assert.True(t, result.OK)
	assert.Equal(t, 4, result.ExecutedCount)
	assert.True(t, result.RemainingBudget.Equal(testkit.D("400000")))

	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 4, c.ExecutedCount)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("400000")))

	r, ok := store.Reservation(10)
	require.True(t, ok)
	assert.Equal(t, models.ReservationReserved, r.Status)
	assert.Equal(t, "2026-W11", r.WeekBucket)
}

func TestReserve_QuotaExceededNotifiesOnce(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 5, "500000")
	ledger := newLedger(store)

	first, err := ledger.Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	require.NoError(t, err)
	second, err := ledger.Reserve(context.Background(), 1, 11, "KRW-ETH", testkit.D("100000"))
	require.NoError(t, err)

	assert.False(t, first.OK)
	assert.ErrorIs(t, first.Reason, models.ErrQuotaExceeded)
	assert.True(t, first.FirstRejection)
	assert.False(t, second.FirstRejection)

	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 5, c.ExecutedCount)
	_, reserved := store.Reservation(10)
	assert.False(t, reserved)
}

func TestReserve_BudgetExceeded(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 1, "50000")

	result, err := newLedger(store).Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	require.NoError(t, err)

	assert.False(t, result.OK)
	assert.ErrorIs(t, result.Reason, models.ErrBudgetExceeded)
	assert.True(t, result.FirstRejection)
	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 1, c.ExecutedCount)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("50000")))
}

func TestReserve_SameSignalTwiceConflicts(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 0, "500000")
	ledger := newLedger(store)

	_, err := ledger.Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	require.NoError(t, err)
	_, err = ledger.Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 1, c.ExecutedCount, "second attempt must roll back")
	assert.True(t, c.RemainingBudget.Equal(testkit.D("400000")))
}

func TestReserve_CreatesCounterFromPlan(t *testing.T) {
	store := testkit.NewStore()
	settings := testkit.Settings(2)
	settings.PlanTier = "pro"
	store.PutSettings(settings)

	result, err := newLedger(store).Reserve(context.Background(), 2, 20, "KRW-XRP", testkit.D("100000"))
	require.NoError(t, err)
	require.True(t, result.OK)

	c, ok := store.Counter(2, "2026-W11")
	require.True(t, ok)
	assert.Equal(t, 10, c.DisplayedLimit)
	assert.Equal(t, 15, c.EnforcedLimit)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("900000")))
}

func TestReserve_UnknownPlanIsValidationError(t *testing.T) {
	store := testkit.NewStore()
	settings := testkit.Settings(1)
	settings.PlanTier = "gold"
	store.PutSettings(settings)

	_, err := newLedger(store).Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestLockCounter_DowngradeKeepsExecuted(t *testing.T) {
	store := testkit.NewStore()
	store.PutCounter(models.QuotaCounter{
		UserID: 1, WeekBucket: "2026-W11", ExecutedCount: 8,
		DisplayedLimit: 10, EnforcedLimit: 15, RemainingBudget: testkit.D("0"),
	})

	var got *models.QuotaCounter
	err := store.InTx(context.Background(), func(tx models.TradingTx) error {
		var err error
		got, err = LockCounter(context.Background(), tx, 1, "2026-W11",
			models.PlanLimits{Displayed: 3, Enforced: 5}, testkit.D("0"), fixedNow)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 8, got.EnforcedLimit)
	assert.Equal(t, 3, got.DisplayedLimit)
	assert.LessOrEqual(t, got.DisplayedLimit, got.EnforcedLimit)
}

func TestRelease_IsIdempotent(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 3, "500000")
	ledger := newLedger(store)

	_, err := ledger.Reserve(context.Background(), 1, 10, "KRW-BTC", testkit.D("100000"))
	require.NoError(t, err)

	released, err := ledger.Release(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = ledger.Release(context.Background(), 10)
	require.NoError(t, err)
	assert.False(t, released)

	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 3, c.ExecutedCount)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("500000")))
	r, _ := store.Reservation(10)
	assert.Equal(t, models.ReservationReleased, r.Status)
}

func TestRelease_CreditsReservationWeek(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 2, "300000")
	store.PutCounter(models.QuotaCounter{
		UserID: 1, WeekBucket: "2026-W10", ExecutedCount: 4,
		DisplayedLimit: 3, EnforcedLimit: 5, RemainingBudget: testkit.D("600000"),
	})
	store.PutReservation(models.Reservation{
		SignalID: 7, UserID: 1, WeekBucket: "2026-W10", Market: "KRW-BTC",
		Amount: testkit.D("100000"), Status: models.ReservationReserved,
	})

	released, err := newLedger(store).Release(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, released)

	previous, _ := store.Counter(1, "2026-W10")
	current, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 3, previous.ExecutedCount)
	assert.Equal(t, 2, current.ExecutedCount)
}

func TestRelease_UnknownSignal(t *testing.T) {
	released, err := newLedger(testkit.NewStore()).Release(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestReserve_ConcurrentNeverOverspends(t *testing.T) {
	store := testkit.NewStore()
	seedUser(store, 0, "350000")
	ledger := newLedger(store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(signalID int64) {
			defer wg.Done()
			_, _ = ledger.Reserve(context.Background(), 1, signalID, "KRW-BTC", testkit.D("100000"))
		}(int64(100 + i))
	}
	wg.Wait()

	c, _ := store.Counter(1, "2026-W11")
	assert.Equal(t, 3, c.ExecutedCount)
	assert.LessOrEqual(t, c.ExecutedCount, c.EnforcedLimit)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("50000")))

	reserved := decimal.Zero
	for i := 0; i < 20; i++ {
		if r, ok := store.Reservation(int64(100 + i)); ok {
			reserved = reserved.Add(r.Amount)
		}
	}
	assert.True(t, reserved.Add(c.RemainingBudget).Equal(testkit.D("350000")))
}

func TestResetWeek_CreatesOnlyMissingRows(t *testing.T) {
	store := testkit.NewStore()
	store.PutSettings(testkit.Settings(1))
	disabled := testkit.Settings(2)
	disabled.Enabled = false
	store.PutSettings(disabled)
	history := models.QuotaCounter{
		UserID: 1, WeekBucket: "2026-W10", ExecutedCount: 5,
		DisplayedLimit: 3, EnforcedLimit: 5, RemainingBudget: testkit.D("500000"),
	}
	store.PutCounter(history)
	ledger := newLedger(store)

	created, err := ledger.ResetWeek(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	created, err = ledger.ResetWeek(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	past, _ := store.Counter(1, "2026-W10")
	assert.Equal(t, history.ExecutedCount, past.ExecutedCount)
	assert.True(t, history.RemainingBudget.Equal(past.RemainingBudget))

	fresh, ok := store.Counter(1, "2026-W11")
	require.True(t, ok)
	assert.Equal(t, 0, fresh.ExecutedCount)
	assert.True(t, fresh.RemainingBudget.Equal(testkit.D("1000000")))
}

func TestResetWeek_ListError(t *testing.T) {
	store := testkit.NewStore()
	store.Fail("ListUserSettings", errors.New("connection refused"))

	_, err := newLedger(store).ResetWeek(context.Background())
	assert.Error(t, err)
}

func TestWeek_UsesLocation(t *testing.T) {
	seoul, err := time.LoadLocation("Asia/Seoul")
	require.NoError(t, err)
	// Sunday 20:00 UTC is Monday 05:00 in Seoul
	sunday := time.Date(2026, 3, 15, 20, 0, 0, 0, time.UTC)

	ledger := NewLedger(testkit.NewStore(), testkit.Plans(), seoul, zerolog.Nop(), nil).
		WithClock(func() time.Time { return sunday })

	assert.Equal(t, "2026-W12", ledger.Week())
}
