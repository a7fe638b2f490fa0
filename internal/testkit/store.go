// Package testkit provides in-memory fakes of the engine's collaborators for
// package tests: a transactional store, a scriptable exchange and a
// recording notification sink.
package testkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

type counterKey struct {
	userID int64
	week   string
}

type storeState struct {
	signals      map[int64]models.Signal
	positions    map[int64]models.Position
	counters     map[counterKey]models.QuotaCounter
	reservations map[int64]models.Reservation
	settings     map[int64]models.UserTradingSettings
	markets      map[string]models.Market
	candles      map[string][]models.Candle
	nextSignal   int64
	nextPosition int64
}

func (s *storeState) clone() storeState {
	c := storeState{
		signals:      make(map[int64]models.Signal, len(s.signals)),
		positions:    make(map[int64]models.Position, len(s.positions)),
		counters:     make(map[counterKey]models.QuotaCounter, len(s.counters)),
		reservations: make(map[int64]models.Reservation, len(s.reservations)),
		settings:     s.settings,
		markets:      s.markets,
		candles:      s.candles,
		nextSignal:   s.nextSignal,
		nextPosition: s.nextPosition,
	}
	for k, v := range s.signals {
		c.signals[k] = v
	}
	for k, v := range s.positions {
		c.positions[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	return c
}

// Store is an in-memory stand-in for the Postgres store. Transactions are
// fully serialized and roll back to a snapshot when fn returns an error,
// which gives the same outcomes as row locks under READ COMMITTED for the
// access patterns the engine uses.
type Store struct {
	mu    sync.Mutex
	state storeState
	errs  map[string]error

	// Commits counts successful InTx calls.
	Commits int
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		state: storeState{
			signals:      make(map[int64]models.Signal),
			positions:    make(map[int64]models.Position),
			counters:     make(map[counterKey]models.QuotaCounter),
			reservations: make(map[int64]models.Reservation),
			settings:     make(map[int64]models.UserTradingSettings),
			markets:      make(map[string]models.Market),
			candles:      make(map[string][]models.Candle),
		},
		errs: make(map[string]error),
	}
}

// Fail makes every call of op return err. op is a method name, optionally
// suffixed with ":" and the market symbol for market-scoped reads.
func (s *Store) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[op] = err
}

func (s *Store) injected(op string) error {
	return s.errs[op]
}

// InTx implements models.TxRunner
func (s *Store) InTx(ctx context.Context, fn func(tx models.TradingTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.injected("InTx"); err != nil {
		return err
	}

	snapshot := s.state.clone()
	if err := fn(&memTx{s: s}); err != nil {
		s.state = snapshot
		return err
	}
	s.Commits++
	return nil
}

// Seeding and inspection

// PutSettings stores a user's settings
func (s *Store) PutSettings(settings models.UserTradingSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.settings[settings.UserID] = settings
}

// PutSignal stores sig, assigning an ID when it has none
func (s *Store) PutSignal(sig models.Signal) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig.ID == 0 {
		s.state.nextSignal++
		sig.ID = s.state.nextSignal
	} else if sig.ID > s.state.nextSignal {
		s.state.nextSignal = sig.ID
	}
	s.state.signals[sig.ID] = sig
	return sig.ID
}

// PutPosition stores p, assigning an ID when it has none
func (s *Store) PutPosition(p models.Position) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		s.state.nextPosition++
		p.ID = s.state.nextPosition
	} else if p.ID > s.state.nextPosition {
		s.state.nextPosition = p.ID
	}
	s.state.positions[p.ID] = p
	return p.ID
}

// PutCounter stores a quota counter row
func (s *Store) PutCounter(c models.QuotaCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.counters[counterKey{c.UserID, c.WeekBucket}] = c
}

// PutReservation stores a reservation row
func (s *Store) PutReservation(r models.Reservation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.reservations[r.SignalID] = r
}

// PutMarket stores a market
func (s *Store) PutMarket(m models.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.markets[m.Symbol] = m
}

// PutCandles replaces the candle history of a market, oldest first
func (s *Store) PutCandles(market string, candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.candles[market] = append([]models.Candle(nil), candles...)
}

// Signal returns a copy of the stored signal
func (s *Store) Signal(id int64) (models.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.state.signals[id]
	return sig, ok
}

// Signals returns every stored signal ordered by ID
func (s *Store) Signals() []models.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Signal, 0, len(s.state.signals))
	for _, sig := range s.state.signals {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Position returns a copy of the stored position
func (s *Store) Position(id int64) (models.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.state.positions[id]
	return p, ok
}

// Positions returns every stored position ordered by ID
func (s *Store) Positions() []models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Position, 0, len(s.state.positions))
	for _, p := range s.state.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counter returns a copy of a quota counter row
func (s *Store) Counter(userID int64, week string) (models.QuotaCounter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.counters[counterKey{userID, week}]
	return c, ok
}

// Counters returns every quota counter row for a user
func (s *Store) Counters(userID int64) []models.QuotaCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QuotaCounter
	for k, c := range s.state.counters {
		if k.userID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekBucket < out[j].WeekBucket })
	return out
}

// Reservation returns a copy of a signal's reservation
func (s *Store) Reservation(signalID int64) (models.Reservation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.state.reservations[signalID]
	return r, ok
}

// Non-transactional reads and conditional writes

// InsertSignalIfNoDuplicate mirrors database.DB
func (s *Store) InsertSignalIfNoDuplicate(ctx context.Context, sig *models.Signal, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("InsertSignalIfNoDuplicate"); err != nil {
		return false, err
	}

	for _, existing := range s.state.signals {
		if existing.UserID != sig.UserID || existing.Market != sig.Market {
			continue
		}
		if existing.Status != models.SignalPending && existing.Status != models.SignalExecuted {
			continue
		}
		if !existing.DetectedAt.Before(since) {
			return false, nil
		}
	}

	s.state.nextSignal++
	sig.ID = s.state.nextSignal
	sig.Status = models.SignalPending
	sig.UpdatedAt = sig.DetectedAt
	s.state.signals[sig.ID] = *sig
	return true, nil
}

// ListPendingSignals mirrors database.DB
func (s *Store) ListPendingSignals(ctx context.Context, limit int) ([]*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListPendingSignals"); err != nil {
		return nil, err
	}

	var out []*models.Signal
	for _, sig := range s.state.signals {
		if sig.Status == models.SignalPending {
			sig := sig
			out = append(out, &sig)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetSignalsByUser mirrors database.DB
func (s *Store) GetSignalsByUser(ctx context.Context, userID int64, limit int) ([]*models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetSignalsByUser"); err != nil {
		return nil, err
	}

	var out []*models.Signal
	for _, sig := range s.state.signals {
		if sig.UserID == userID {
			sig := sig
			out = append(out, &sig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) positionsWhere(match func(p models.Position) bool) []*models.Position {
	var out []*models.Position
	for _, p := range s.state.positions {
		if match(p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListActivePositions mirrors database.DB
func (s *Store) ListActivePositions(ctx context.Context) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListActivePositions"); err != nil {
		return nil, err
	}
	return s.positionsWhere(func(p models.Position) bool {
		return p.Status == models.PositionActive
	}), nil
}

// ListStuckClosing mirrors database.DB
func (s *Store) ListStuckClosing(ctx context.Context, before time.Time) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListStuckClosing"); err != nil {
		return nil, err
	}
	return s.positionsWhere(func(p models.Position) bool {
		return p.Status == models.PositionClosing && p.ClosingStartedAt != nil && p.ClosingStartedAt.Before(before)
	}), nil
}

// ListPositionsNeedingIntervention mirrors database.DB
func (s *Store) ListPositionsNeedingIntervention(ctx context.Context) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionsWhere(func(p models.Position) bool {
		return p.Status == models.PositionNeedsIntervention
	}), nil
}

// GetPositionsByUser mirrors database.DB
func (s *Store) GetPositionsByUser(ctx context.Context, userID int64, status string) ([]*models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionsWhere(func(p models.Position) bool {
		return p.UserID == userID && (status == "" || string(p.Status) == status)
	}), nil
}

// ClaimPositionForClose mirrors database.DB
func (s *Store) ClaimPositionForClose(ctx context.Context, id int64, reason models.ExitReason, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ClaimPositionForClose"); err != nil {
		return false, err
	}

	p, ok := s.state.positions[id]
	if !ok || p.Status != models.PositionActive {
		return false, nil
	}
	p.Status = models.PositionClosing
	p.ExitReason = reason
	p.ClosingStartedAt = &now
	p.UpdatedAt = now
	s.state.positions[id] = p
	return true, nil
}

// MarkNeedsIntervention mirrors database.DB
func (s *Store) MarkNeedsIntervention(ctx context.Context, id int64, reason string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("MarkNeedsIntervention"); err != nil {
		return false, err
	}

	p, ok := s.state.positions[id]
	if !ok || p.Status != models.PositionClosing {
		return false, nil
	}
	p.Status = models.PositionNeedsIntervention
	p.InterventionReason = reason
	p.UpdatedAt = now
	s.state.positions[id] = p
	return true, nil
}

// CreateQuotaCounter mirrors database.DB
func (s *Store) CreateQuotaCounter(ctx context.Context, seed models.QuotaCounter) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateQuotaCounter"); err != nil {
		return false, err
	}

	key := counterKey{seed.UserID, seed.WeekBucket}
	if _, exists := s.state.counters[key]; exists {
		return false, nil
	}
	s.state.counters[key] = seed
	return true, nil
}

// GetQuotaCounter mirrors database.DB
func (s *Store) GetQuotaCounter(ctx context.Context, userID int64, week string) (*models.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.counters[counterKey{userID, week}]
	if !ok {
		return nil, fmt.Errorf("quota counter %d/%s: %w", userID, week, models.ErrNotFound)
	}
	return &c, nil
}

// ListOrphanedReservations mirrors database.DB
func (s *Store) ListOrphanedReservations(ctx context.Context, before time.Time) ([]*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListOrphanedReservations"); err != nil {
		return nil, err
	}

	var out []*models.Reservation
	for _, r := range s.state.reservations {
		sig, ok := s.state.signals[r.SignalID]
		if r.Status != models.ReservationReserved || !r.CreatedAt.Before(before) || !ok || sig.Status != models.SignalPending {
			continue
		}
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetUserSettings mirrors database.DB
func (s *Store) GetUserSettings(ctx context.Context, userID int64) (*models.UserTradingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSettings(userID)
}

func (s *Store) getSettings(userID int64) (*models.UserTradingSettings, error) {
	if err := s.injected("GetUserSettings"); err != nil {
		return nil, err
	}
	settings, ok := s.state.settings[userID]
	if !ok {
		return nil, fmt.Errorf("trading settings for user %d: %w", userID, models.ErrNotFound)
	}
	settings.ExcludedMarkets = append([]string(nil), settings.ExcludedMarkets...)
	return &settings, nil
}

// ListUserSettings mirrors database.DB
func (s *Store) ListUserSettings(ctx context.Context, enabledOnly bool) ([]*models.UserTradingSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListUserSettings"); err != nil {
		return nil, err
	}

	var out []*models.UserTradingSettings
	for _, settings := range s.state.settings {
		if enabledOnly && !settings.Enabled {
			continue
		}
		settings := settings
		out = append(out, &settings)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// UpsertMarket mirrors database.DB
func (s *Store) UpsertMarket(ctx context.Context, m *models.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UpsertMarket"); err != nil {
		return err
	}
	if existing, ok := s.state.markets[m.Symbol]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		m.ID = int64(len(s.state.markets) + 1)
	}
	s.state.markets[m.Symbol] = *m
	return nil
}

// GetAllMarkets mirrors database.DB
func (s *Store) GetAllMarkets(ctx context.Context) ([]*models.Market, error) {
	return s.marketsWhere(func(models.Market) bool { return true })
}

// ListEnabledMarkets mirrors database.DB
func (s *Store) ListEnabledMarkets(ctx context.Context) ([]*models.Market, error) {
	return s.marketsWhere(func(m models.Market) bool { return m.Enabled })
}

func (s *Store) marketsWhere(match func(models.Market) bool) ([]*models.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListEnabledMarkets"); err != nil {
		return nil, err
	}

	var out []*models.Market
	for _, m := range s.state.markets {
		if match(m) {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// DisableMarket mirrors database.DB
func (s *Store) DisableMarket(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.state.markets[symbol]
	if !ok {
		return fmt.Errorf("market %s: %w", symbol, models.ErrNotFound)
	}
	m.Enabled = false
	s.state.markets[m.Symbol] = m
	return nil
}

// UpsertCandle mirrors database.DB
func (s *Store) UpsertCandle(ctx context.Context, c *models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.state.candles[c.Market]
	for i := range history {
		if history[i].Interval == c.Interval && history[i].OpenTime.Equal(c.OpenTime) {
			history[i] = *c
			return nil
		}
	}
	s.state.candles[c.Market] = append(history, *c)
	return nil
}

// GetRecentCandles mirrors database.DB
func (s *Store) GetRecentCandles(ctx context.Context, market, interval string, limit int) ([]models.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("GetRecentCandles:" + market); err != nil {
		return nil, err
	}

	var out []models.Candle
	for _, c := range s.state.candles[market] {
		if interval == "" || c.Interval == interval {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// LatestClose mirrors database.DB
func (s *Store) LatestClose(ctx context.Context, market string, since time.Time) (decimal.Decimal, error) {
	candles, err := s.GetRecentCandles(ctx, market, "", 1)
	if err != nil {
		return decimal.Zero, err
	}
	if len(candles) == 0 {
		return decimal.Zero, fmt.Errorf("%w: no candles for %s", models.ErrDataStale, market)
	}
	if candles[0].OpenTime.Before(since) {
		return decimal.Zero, fmt.Errorf("%w: latest candle for %s opened at %s", models.ErrDataStale, market, candles[0].OpenTime)
	}
	return candles[0].Close, nil
}
