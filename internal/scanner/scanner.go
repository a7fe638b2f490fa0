// Package scanner scores the market universe on a fixed interval and
// records a PENDING signal per enabled user for every market whose score
// clears the detection threshold.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/metrics"
	"github.com/trogers1052/surge-autotrader/internal/models"
	cache "github.com/trogers1052/surge-autotrader/internal/redis"
	"github.com/trogers1052/surge-autotrader/internal/scoring"
	"golang.org/x/sync/errgroup"
)

const leaderLockKey = "scanner:cycle"

func leaderLockTTL(interval time.Duration) time.Duration {
	return interval * 9 / 10
}

// Store is the persistence the scanner needs
type Store interface {
	ListEnabledMarkets(ctx context.Context) ([]*models.Market, error)
	GetRecentCandles(ctx context.Context, market, interval string, limit int) ([]models.Candle, error)
	ListUserSettings(ctx context.Context, enabledOnly bool) ([]*models.UserTradingSettings, error)
	InsertSignalIfNoDuplicate(ctx context.Context, sig *models.Signal, since time.Time) (bool, error)
}

// Locker hands out a cross-replica lock for one scan cycle
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Executor drains the signals a cycle produced
type Executor interface {
	DrainPending(ctx context.Context) (int, error)
}

// CycleStats summarizes one scan
type CycleStats struct {
	Markets int
	Scored  int
	Failed  int
	Emitted int
}

// Scanner runs the scan half of the Scanner+Executor cycle
type Scanner struct {
	store    Store
	locker   Locker
	executor Executor
	cfg      config.ScannerConfig
	loc      *time.Location
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a scanner. Week buckets are computed in loc.
func New(store Store, cfg config.ScannerConfig, loc *time.Location, logger zerolog.Logger, m *metrics.Metrics) *Scanner {
	if loc == nil {
		loc = time.UTC
	}
	return &Scanner{
		store:   store,
		cfg:     cfg,
		loc:     loc,
		logger:  logging.Component(logger, "scanner"),
		metrics: m,
		now:     time.Now,
	}
}

// WithLocker enables the per-cycle leader lock
func (s *Scanner) WithLocker(l Locker) *Scanner {
	s.locker = l
	return s
}

// WithExecutor makes every cycle drain PENDING signals after scanning
func (s *Scanner) WithExecutor(e Executor) *Scanner {
	s.executor = e
	return s
}

// WithClock replaces the time source
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// Run performs a cycle immediately and then on every interval until ctx is
// cancelled.
func (s *Scanner) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.cfg.Interval.Duration).
		Int("workers", s.cfg.Workers).
		Float64("threshold", s.cfg.DetectionThreshold).
		Msg("Scanner started")

	ticker := time.NewTicker(s.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		s.Cycle(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scanner stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cycle scans once, if this replica wins the leader lock, and then drains
// pending signals. Draining is safe on every replica.
func (s *Scanner) Cycle(ctx context.Context) {
	scan := true
	if s.locker != nil {
		// The lock is never released. It expires just before this replica's
		// next tick so a fast scan cannot hand the cycle to another replica.
		_, err := s.locker.AcquireLock(ctx, leaderLockKey, leaderLockTTL(s.cfg.Interval.Duration))
		switch {
		case errors.Is(err, cache.ErrLockHeld):
			s.logger.Debug().Msg("Another replica is scanning this cycle")
			scan = false
		case err != nil:
			s.logger.Warn().Err(err).Msg("Leader lock unavailable, scanning anyway")
		}
	}

	if scan {
		stats, err := s.Scan(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("Scan failed")
		} else {
			s.logger.Info().
				Int("markets", stats.Markets).
				Int("scored", stats.Scored).
				Int("failed", stats.Failed).
				Int("signals", stats.Emitted).
				Msg("Scan complete")
		}
	}

	if s.executor != nil && ctx.Err() == nil {
		if _, err := s.executor.DrainPending(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to drain pending signals")
		}
	}
}

// Scan scores every enabled market on a bounded worker pool. A failure on
// one market is logged and never stops the others.
func (s *Scanner) Scan(ctx context.Context) (CycleStats, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveScan(time.Since(start)) }()

	markets, err := s.store.ListEnabledMarkets(ctx)
	if err != nil {
		return CycleStats{}, fmt.Errorf("failed to list markets: %w", err)
	}
	users, err := s.store.ListUserSettings(ctx, true)
	if err != nil {
		return CycleStats{}, fmt.Errorf("failed to list enabled users: %w", err)
	}

	stats := CycleStats{Markets: len(markets)}
	if len(users) == 0 {
		s.logger.Debug().Msg("No users with auto-trading enabled")
		return stats, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Workers, 1))
	for _, m := range markets {
		symbol := m.Symbol
		g.Go(func() error {
			emitted, err := s.scanMarket(ctx, symbol, users)

			mu.Lock()
			defer mu.Unlock()
			stats.Emitted += emitted
			if err != nil {
				stats.Failed++
				return nil
			}
			stats.Scored++
			return nil
		})
	}
	_ = g.Wait()
	return stats, nil
}

func (s *Scanner) scanMarket(ctx context.Context, market string, users []*models.UserTradingSettings) (int, error) {
	if s.cfg.MarketTimeout.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MarketTimeout.Duration)
		defer cancel()
	}
	logger := s.logger.With().Str("market", market).Logger()

	candles, err := s.store.GetRecentCandles(ctx, market, s.cfg.CandleInterval, s.cfg.CandleLookback)
	if err != nil {
		s.metrics.MarketScored("error")
		logger.Warn().Err(err).Msg("Failed to load candles")
		return 0, err
	}

	result, err := scoring.Score(candles, s.cfg.Weights)
	if err != nil {
		s.metrics.MarketScored("error")
		if errors.Is(err, scoring.ErrInsufficientData) {
			logger.Debug().Err(err).Msg("Skipping market")
		} else {
			logger.Warn().Err(err).Msg("Failed to score market")
		}
		return 0, err
	}
	if result.Score < s.cfg.DetectionThreshold {
		s.metrics.MarketScored("below_threshold")
		return 0, nil
	}
	s.metrics.MarketScored("detected")

	entry := candles[len(candles)-1].Close
	hundred := decimal.NewFromInt(100)
	target := entry.Mul(hundred.Add(decimal.NewFromFloat(s.cfg.TargetPct))).Div(hundred)
	stop := entry.Mul(hundred.Sub(decimal.NewFromFloat(s.cfg.StopPct))).Div(hundred)

	now := s.now()
	since := now.Add(-s.cfg.DedupWindow.Duration)
	emitted := 0
	for _, u := range users {
		sig := &models.Signal{
			UserID:         u.UserID,
			Market:         market,
			DetectedAt:     now,
			Confidence:     result.Score,
			EntryPrice:     entry,
			TargetPrice:    target,
			StopLossPrice:  stop,
			WeekBucket:     models.WeekBucket(now.In(s.loc)),
			ScoreBreakdown: result.Breakdown,
		}
		inserted, err := s.store.InsertSignalIfNoDuplicate(ctx, sig, since)
		if err != nil {
			logger.Error().Err(err).Int64("user_id", u.UserID).Msg("Failed to record signal")
			continue
		}
		if !inserted {
			continue
		}
		emitted++
		s.metrics.SignalEmitted()
		logger.Info().
			Int64("signal_id", sig.ID).
			Int64("user_id", u.UserID).
			Float64("confidence", result.Score).
			Str("entry_price", entry.String()).
			Msg("Signal detected")
	}
	return emitted, nil
}
