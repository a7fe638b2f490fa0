package testkit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

func TestStore_InTxRollsBackOnError(t *testing.T) {
	store := NewStore()
	id := store.PutSignal(models.Signal{UserID: 1, Market: "BTC", Status: models.SignalPending})

	err := store.InTx(context.Background(), func(tx models.TradingTx) error {
		require.NoError(t, tx.SetSignalStatus(context.Background(), id, models.SignalExpired, "x"))
		return errors.New("boom")
	})
	require.Error(t, err)

	sig, _ := store.Signal(id)
	assert.Equal(t, models.SignalPending, sig.Status)
	assert.Equal(t, 0, store.Commits)
}

func TestStore_ClaimIsConditional(t *testing.T) {
	store := NewStore()
	id := store.PutPosition(models.Position{UserID: 1, Market: "BTC", Status: models.PositionActive})
	now := time.Now()

	first, err := store.ClaimPositionForClose(context.Background(), id, models.ExitTarget, now)
	require.NoError(t, err)
	second, err := store.ClaimPositionForClose(context.Background(), id, models.ExitTarget, now)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
}

func TestStore_InsertSignalDedup(t *testing.T) {
	store := NewStore()
	now := time.Now()

	sig := &models.Signal{UserID: 1, Market: "BTC", DetectedAt: now}
	inserted, err := store.InsertSignalIfNoDuplicate(context.Background(), sig, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &models.Signal{UserID: 1, Market: "BTC", DetectedAt: now.Add(time.Minute)}
	inserted, err = store.InsertSignalIfNoDuplicate(context.Background(), dup, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted)
}
