package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/exchange"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/notify"
	"github.com/trogers1052/surge-autotrader/internal/testkit"
)

func TestDrainPending_ProcessesBatch(t *testing.T) {
	f := newFixture(t)
	btc := f.signal("KRW-BTC", 90)
	eth := f.signal("KRW-ETH", 50)
	f.store.PutSignal(models.Signal{UserID: 1, Market: "KRW-XRP", DetectedAt: now, Status: models.SignalExpired})

	decided, err := f.exec.DrainPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, decided)

	sig, _ := f.store.Signal(btc)
	assert.Equal(t, models.SignalExecuted, sig.Status)
	sig, _ = f.store.Signal(eth)
	assert.Equal(t, models.SignalExpired, sig.Status)
}

func TestDrainPending_OneBadSignalDoesNotStopBatch(t *testing.T) {
	f := newFixture(t)
	first := f.signal("KRW-BTC", 90)
	second := f.signal("KRW-ETH", 90)
	f.store.PutReservation(models.Reservation{
		SignalID: first, UserID: 1, WeekBucket: week, Market: "KRW-BTC",
		Amount: testkit.D("100000"), Status: models.ReservationReserved, CreatedAt: now,
	})

	decided, err := f.exec.DrainPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, decided)

	sig, _ := f.store.Signal(first)
	assert.Equal(t, models.SignalPending, sig.Status)
	sig, _ = f.store.Signal(second)
	assert.Equal(t, models.SignalExecuted, sig.Status)
}

func TestDrainPending_ListError(t *testing.T) {
	f := newFixture(t)
	f.store.Fail("ListPendingSignals", errors.New("connection reset"))

	_, err := f.exec.DrainPending(context.Background())
	assert.Error(t, err)
}

func TestSweepOrphans_ParksWithoutCredit(t *testing.T) {
	f := newFixture(t)
	f.counter(4, "400000")
	id := f.store.PutSignal(models.Signal{
		UserID: 1, Market: "KRW-BTC", DetectedAt: now.Add(-30 * time.Minute),
		Confidence: 90, Status: models.SignalPending,
	})
	f.store.PutReservation(models.Reservation{
		SignalID: id, UserID: 1, WeekBucket: week, Market: "KRW-BTC",
		Amount: testkit.D("100000"), Status: models.ReservationReserved,
		CreatedAt: now.Add(-20 * time.Minute),
	})

	parked, err := f.exec.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, parked)

	r, _ := f.store.Reservation(id)
	assert.Equal(t, models.ReservationOrphaned, r.Status)
	sig, _ := f.store.Signal(id)
	assert.Equal(t, models.SignalFailed, sig.Status)
	assert.Equal(t, ReasonOrphaned, sig.Reason)

	c, _ := f.store.Counter(1, week)
	assert.Equal(t, 4, c.ExecutedCount)
	assert.True(t, c.RemainingBudget.Equal(testkit.D("400000")))
	assert.Equal(t, 1, f.sink.Count(notify.NeedsIntervention))
	assert.Empty(t, f.ex.Calls())

	parked, err = f.exec.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, parked)
}

func TestSweepOrphans_IgnoresRecentReservations(t *testing.T) {
	f := newFixture(t)
	id := f.signal("KRW-BTC", 90)
	f.store.PutReservation(models.Reservation{
		SignalID: id, UserID: 1, WeekBucket: week, Market: "KRW-BTC",
		Amount: testkit.D("100000"), Status: models.ReservationReserved,
		CreatedAt: now.Add(-time.Minute),
	})

	parked, err := f.exec.SweepOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, parked)

	r, _ := f.store.Reservation(id)
	assert.Equal(t, models.ReservationReserved, r.Status)
	assert.Equal(t, 0, f.ex.CallCount(exchange.Buy))
}
