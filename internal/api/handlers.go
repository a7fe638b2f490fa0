package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/quota"
)

const (
	defaultSignalLimit = 50
	maxSignalLimit     = 500
)

// Store is the read side the API serves from
type Store interface {
	Ping() error
	GetAllMarkets(ctx context.Context) ([]*models.Market, error)
	UpsertMarket(ctx context.Context, m *models.Market) error
	DisableMarket(ctx context.Context, symbol string) error
	GetSignalsByUser(ctx context.Context, userID int64, limit int) ([]*models.Signal, error)
	GetPositionsByUser(ctx context.Context, userID int64, status string) ([]*models.Position, error)
	ListPositionsNeedingIntervention(ctx context.Context) ([]*models.Position, error)
	GetQuotaCounter(ctx context.Context, userID int64, week string) (*models.QuotaCounter, error)
	GetUserSettings(ctx context.Context, userID int64) (*models.UserTradingSettings, error)
}

// Pinger is a dependency the health check probes
type Pinger interface {
	Ping(ctx context.Context) error
}

// Weeks yields the current week bucket
type Weeks interface {
	Week() string
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store  Store
	redis  Pinger
	kafka  bool
	weeks  Weeks
	plans  map[string]models.PlanLimits
	logger zerolog.Logger
}

// NewHandler creates a new Handler. redis may be nil.
func NewHandler(store Store, redis Pinger, kafkaEnabled bool, weeks Weeks, plans map[string]models.PlanLimits, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  store,
		redis:  redis,
		kafka:  kafkaEnabled,
		weeks:  weeks,
		plans:  plans,
		logger: logging.Component(logger, "api"),
	}
}

// GetMarkets handles GET /markets
func (h *Handler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.store.GetAllMarkets(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if markets == nil {
		markets = []*models.Market{}
	}
	respondJSON(w, http.StatusOK, markets)
}

// AddMarket handles POST /markets
func (h *Handler) AddMarket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}

	market := &models.Market{Symbol: symbol, Name: req.Name, Enabled: true}
	if err := h.store.UpsertMarket(r.Context(), market); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info().Str("market", symbol).Msg("Market enabled")
	respondJSON(w, http.StatusCreated, market)
}

// RemoveMarket handles DELETE /markets/{symbol}
func (h *Handler) RemoveMarket(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])

	if err := h.store.DisableMarket(r.Context(), symbol); err != nil {
		h.respondError(w, err)
		return
	}

	h.logger.Info().Str("market", symbol).Msg("Market disabled")
	w.WriteHeader(http.StatusNoContent)
}

// GetUserSignals handles GET /users/{userID}/signals
func (h *Handler) GetUserSignals(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	limit := defaultSignalLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSignalLimit)
	}

	signals, err := h.store.GetSignalsByUser(r.Context(), userID, limit)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if signals == nil {
		signals = []*models.Signal{}
	}
	respondJSON(w, http.StatusOK, signals)
}

// GetUserPositions handles GET /users/{userID}/positions
func (h *Handler) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}

	status := strings.ToUpper(r.URL.Query().Get("status"))
	switch models.PositionStatus(status) {
	case "", models.PositionActive, models.PositionClosing, models.PositionClosed, models.PositionNeedsIntervention:
	default:
		http.Error(w, "unknown position status", http.StatusBadRequest)
		return
	}

	positions, err := h.store.GetPositionsByUser(r.Context(), userID, status)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if positions == nil {
		positions = []*models.Position{}
	}
	respondJSON(w, http.StatusOK, positions)
}

// quotaView is what users see of their weekly quota. The enforced limit
// stays internal.
type quotaView struct {
	WeekBucket       string          `json:"week_bucket"`
	ExecutedCount    int             `json:"executed_count"`
	WeeklyLimit      int             `json:"weekly_limit"`
	RemainingEntries int             `json:"remaining_entries"`
	RemainingBudget  decimal.Decimal `json:"remaining_budget"`
}

// GetUserQuota handles GET /users/{userID}/quota
func (h *Handler) GetUserQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := parseUserID(w, r)
	if !ok {
		return
	}
	week := h.weeks.Week()

	counter, err := h.store.GetQuotaCounter(r.Context(), userID, week)
	if errors.Is(err, models.ErrNotFound) {
		// Nothing executed yet this week; show the plan's fresh allowance
		settings, serr := h.store.GetUserSettings(r.Context(), userID)
		if serr != nil {
			h.respondError(w, serr)
			return
		}
		plan, perr := quota.PlanFor(h.plans, settings.PlanTier)
		if perr != nil {
			h.respondError(w, perr)
			return
		}
		seed := quota.Seed(userID, week, plan, settings.TotalBudget, time.Now())
		counter, err = &seed, nil
	}
	if err != nil {
		h.respondError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, quotaView{
		WeekBucket:       counter.WeekBucket,
		ExecutedCount:    counter.ExecutedCount,
		WeeklyLimit:      counter.DisplayedLimit,
		RemainingEntries: max(counter.DisplayedLimit-counter.ExecutedCount, 0),
		RemainingBudget:  counter.RemainingBudget,
	})
}

// GetInterventions handles GET /positions/intervention
func (h *Handler) GetInterventions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.ListPositionsNeedingIntervention(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	if positions == nil {
		positions = []*models.Position{}
	}
	respondJSON(w, http.StatusOK, positions)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := map[string]string{}
	allHealthy := true

	if err := h.store.Ping(); err != nil {
		services["postgres"] = "unhealthy: " + err.Error()
		allHealthy = false
	} else {
		services["postgres"] = "healthy"
	}

	if h.redis != nil {
		if err := h.redis.Ping(ctx); err != nil {
			services["redis"] = "unhealthy: " + err.Error()
		} else {
			services["redis"] = "healthy"
		}
	} else {
		services["redis"] = "not configured"
	}

	if h.kafka {
		services["kafka"] = "configured"
	} else {
		services["kafka"] = "not configured"
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services":  services,
	})
}

func parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(mux.Vars(r)["userID"], 10, 64)
	if err != nil || userID < 1 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return userID, true
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrValidation):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error().Err(err).Msg("Request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
