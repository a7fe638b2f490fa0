package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/testkit"
)

const week = "2026-W42"

type testStore struct {
	*testkit.Store
	pingErr error
}

func (s *testStore) Ping() error { return s.pingErr }

type fixedWeek string

func (w fixedWeek) Week() string { return string(w) }

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(store *testStore, redis Pinger) http.Handler {
	h := NewHandler(store, redis, true, fixedWeek(week), testkit.Plans(), zerolog.Nop())
	return SetupRoutes(h, http.NotFoundHandler())
}

func do(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMarkets_AddListRemove(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodPost, "/api/v1/markets", `{"symbol":" krw-btc ","name":"Bitcoin"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/v1/markets", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var markets []models.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &markets))
	require.Len(t, markets, 1)
	assert.Equal(t, "KRW-BTC", markets[0].Symbol)
	assert.True(t, markets[0].Enabled)

	rec = do(t, router, http.MethodDelete, "/api/v1/markets/krw-btc", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	enabled, err := store.ListEnabledMarkets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, enabled)
}

func TestAddMarket_Validation(t *testing.T) {
	router := newTestRouter(&testStore{Store: testkit.NewStore()}, nil)

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/v1/markets", `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodPost, "/api/v1/markets", `{"symbol":"  "}`).Code)
}

func TestRemoveMarket_UnknownIs404(t *testing.T) {
	router := newTestRouter(&testStore{Store: testkit.NewStore()}, nil)

	rec := do(t, router, http.MethodDelete, "/api/v1/markets/KRW-NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetMarkets_StoreErrorIs500(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	store.Fail("ListEnabledMarkets", errors.New("connection reset"))
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/markets", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestGetUserSignals_NewestFirstWithLimit(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	base := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		store.PutSignal(models.Signal{
			UserID:     7,
			Market:     "KRW-BTC",
			DetectedAt: base.Add(time.Duration(i) * time.Hour),
			Confidence: 90,
			Status:     models.SignalPending,
		})
	}
	store.PutSignal(models.Signal{UserID: 8, Market: "KRW-ETH", DetectedAt: base, Status: models.SignalPending})
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/7/signals?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var signals []models.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &signals))
	require.Len(t, signals, 2)
	assert.True(t, signals[0].DetectedAt.After(signals[1].DetectedAt))

	assert.Equal(t, http.StatusBadRequest, do(t, router, http.MethodGet, "/api/v1/users/7/signals?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, router, http.MethodGet, "/api/v1/users/abc/signals", "").Code)
}

func TestGetUserSignals_EmptyIsArray(t *testing.T) {
	router := newTestRouter(&testStore{Store: testkit.NewStore()}, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/7/signals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetUserPositions_FiltersByStatus(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	store.PutPosition(models.Position{UserID: 7, Market: "KRW-BTC", Status: models.PositionActive})
	store.PutPosition(models.Position{UserID: 7, Market: "KRW-ETH", Status: models.PositionClosed})
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/7/positions?status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "KRW-BTC", positions[0].Market)

	rec = do(t, router, http.MethodGet, "/api/v1/users/7/positions?status=sideways", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUserQuota_HidesEnforcedLimit(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	store.PutCounter(models.QuotaCounter{
		UserID:          7,
		WeekBucket:      week,
		ExecutedCount:   4,
		DisplayedLimit:  3,
		EnforcedLimit:   5,
		RemainingBudget: testkit.D("600000"),
	})
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/7/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "enforced")

	var view quotaView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, week, view.WeekBucket)
	assert.Equal(t, 4, view.ExecutedCount)
	assert.Equal(t, 3, view.WeeklyLimit)
	assert.Equal(t, 0, view.RemainingEntries)
	assert.True(t, testkit.D("600000").Equal(view.RemainingBudget))
}

func TestGetUserQuota_NoCounterYetShowsPlan(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	settings := testkit.Settings(7)
	settings.PlanTier = "pro"
	store.PutSettings(settings)
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/7/quota", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view quotaView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 0, view.ExecutedCount)
	assert.Equal(t, 10, view.WeeklyLimit)
	assert.Equal(t, 10, view.RemainingEntries)
	assert.True(t, settings.TotalBudget.Equal(view.RemainingBudget))

	_, ok := store.Counter(7, week)
	assert.False(t, ok, "reading the quota must not create a counter")
}

func TestGetUserQuota_UnknownUserIs404(t *testing.T) {
	router := newTestRouter(&testStore{Store: testkit.NewStore()}, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/users/99/quota", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInterventions(t *testing.T) {
	store := &testStore{Store: testkit.NewStore()}
	store.PutPosition(models.Position{UserID: 7, Market: "KRW-BTC", Status: models.PositionNeedsIntervention})
	store.PutPosition(models.Position{UserID: 8, Market: "KRW-ETH", Status: models.PositionActive})
	router := newTestRouter(store, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/positions/intervention", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var positions []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &positions))
	require.Len(t, positions, 1)
	assert.Equal(t, int64(7), positions[0].UserID)
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		redis    Pinger
		status   string
		redisMsg string
	}{
		{
			name:     "all healthy",
			redis:    pingerFunc(func(context.Context) error { return nil }),
			status:   "healthy",
			redisMsg: "healthy",
		},
		{
			name:     "database down",
			pingErr:  errors.New("refused"),
			status:   "degraded",
			redisMsg: "not configured",
		},
		{
			name:     "redis down is not degraded",
			redis:    pingerFunc(func(context.Context) error { return errors.New("timeout") }),
			status:   "healthy",
			redisMsg: "unhealthy: timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&testStore{Store: testkit.NewStore(), pingErr: tt.pingErr}, tt.redis)

			rec := do(t, router, http.MethodGet, "/health", "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body struct {
				Status   string            `json:"status"`
				Services map[string]string `json:"services"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.redisMsg, body.Services["redis"])
			assert.Equal(t, "configured", body.Services["kafka"])
		})
	}
}
