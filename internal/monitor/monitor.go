// Package monitor watches open positions and exits them at target, stop or
// the holding-time limit. Exits are claimed with a conditional
// ACTIVE -> CLOSING update so that concurrent monitors never sell the same
// position twice.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/exchange"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/metrics"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/notify"
	"golang.org/x/sync/errgroup"
)

const (
	orderTimeout = 10 * time.Second
	// defaultCloseTimeout bounds a claimed close, which must finish even
	// during shutdown
	defaultCloseTimeout = time.Minute
)

// Store is the persistence the monitor needs
type Store interface {
	models.TxRunner
	ListActivePositions(ctx context.Context) ([]*models.Position, error)
	ListStuckClosing(ctx context.Context, before time.Time) ([]*models.Position, error)
	ClaimPositionForClose(ctx context.Context, id int64, reason models.ExitReason, now time.Time) (bool, error)
	MarkNeedsIntervention(ctx context.Context, id int64, reason string, now time.Time) (bool, error)
}

// Result is what one tick did to one position
type Result string

const (
	Held         Result = "held"
	Closed       Result = "closed"
	Stale        Result = "data_stale"
	Conflict     Result = "conflict"
	Intervention Result = "needs_intervention"
	Errored      Result = "error"
)

// TickStats counts per-position results of one tick
type TickStats struct {
	Checked int
	Results map[Result]int
}

// Monitor evaluates ACTIVE positions on a fixed interval
type Monitor struct {
	store    Store
	exchange exchange.Client
	sink     notify.Sink
	cfg      config.MonitorConfig
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a position monitor
func New(store Store, ex exchange.Client, sink notify.Sink, cfg config.MonitorConfig, logger zerolog.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		store:    store,
		exchange: ex,
		sink:     sink,
		cfg:      cfg,
		logger:   logging.Component(logger, "monitor"),
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Run ticks until ctx is cancelled. Ticks never overlap.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info().
		Dur("interval", m.cfg.Interval.Duration).
		Int("workers", m.cfg.Workers).
		Msg("Position monitor started")

	ticker := time.NewTicker(m.cfg.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Position monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error().Err(err).Msg("Monitor tick failed")
			}
		}
	}
}

// Tick evaluates every ACTIVE position once on a bounded worker pool and
// then parks positions stuck in CLOSING.
func (m *Monitor) Tick(ctx context.Context) (TickStats, error) {
	start := time.Now()
	defer func() { m.metrics.ObserveMonitorTick(time.Since(start)) }()

	positions, err := m.store.ListActivePositions(ctx)
	if err != nil {
		return TickStats{}, fmt.Errorf("failed to list active positions: %w", err)
	}

	stats := TickStats{Checked: len(positions), Results: make(map[Result]int)}
	var mu sync.Mutex

	var g errgroup.Group
	workers := m.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, p := range positions {
		p := p
		g.Go(func() error {
			result := m.processPosition(ctx, p)
			mu.Lock()
			stats.Results[result]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if _, err := m.SweepStuck(ctx); err != nil {
		m.logger.Error().Err(err).Msg("Stuck CLOSING sweep failed")
	}
	return stats, nil
}

func (m *Monitor) processPosition(ctx context.Context, p *models.Position) Result {
	priceCtx, cancel := context.WithTimeout(ctx, m.priceTimeout())
	price, err := m.exchange.GetPrice(priceCtx, p.Market)
	cancel()
	if err == nil && !price.IsPositive() {
		err = fmt.Errorf("%w: non-positive price %s", models.ErrDataStale, price)
	}
	if err != nil {
		m.metrics.MonitorSkip(string(Stale))
		m.logger.Warn().Err(err).
			Int64("position_id", p.ID).
			Str("market", p.Market).
			Msg("Price unavailable, skipping position this tick")
		return Stale
	}

	reason, ok := p.ExitTrigger(price, m.now(), m.cfg.MaxHolding.Duration)
	if !ok {
		return Held
	}
	return m.Close(ctx, p, reason, price)
}

func (m *Monitor) closeTimeout() time.Duration {
	if d := m.cfg.CloseTimeout.Duration; d > 0 {
		return d
	}
	return defaultCloseTimeout
}

func (m *Monitor) priceTimeout() time.Duration {
	if d := m.cfg.PriceTimeout.Duration; d > 0 {
		return d
	}
	return 3 * time.Second
}

// Close claims p for closing and sells it. Only the caller whose claim
// succeeds reaches the exchange.
func (m *Monitor) Close(ctx context.Context, p *models.Position, reason models.ExitReason, quote decimal.Decimal) Result {
	logger := m.logger.With().
		Int64("position_id", p.ID).
		Int64("user_id", p.UserID).
		Str("market", p.Market).
		Str("exit_reason", string(reason)).
		Logger()

	claimed, err := m.store.ClaimPositionForClose(ctx, p.ID, reason, m.now())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to claim position for close")
		return Errored
	}
	if !claimed {
		m.metrics.ClaimConflict()
		logger.Debug().Msg("Position already claimed by another worker")
		return Conflict
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.closeTimeout())
	defer cancel()

	policy := exchange.RetryPolicy{
		Attempts: m.cfg.ExitAttempts,
		Initial:  m.cfg.ExitBackoff.Duration,
		Max:      5 * time.Second,
	}
	var fill exchange.OrderResult
	err = exchange.Retry(closeCtx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, orderTimeout)
		defer cancel()
		var err error
		fill, err = m.exchange.PlaceOrder(callCtx, p.Market, exchange.Sell, p.Quantity)
		if err == nil && !fill.Filled {
			return exchange.Permanent(errors.New("order not filled"))
		}
		return exchange.Classify(callCtx, err)
	}, func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("backoff", wait).Msg("Retrying exit order")
	})
	if err != nil {
		logger.Error().Err(err).Msg("Exit order failed")
		m.intervene(closeCtx, p, "exit order failed: "+models.ReasonFor(err))
		return Intervention
	}

	exitPrice := fill.FillPrice
	if !exitPrice.IsPositive() {
		exitPrice = quote
	}
	exitPrice = exitPrice.Round(models.PriceScale)
	pl, pct := models.ProfitLoss(p.EntryPrice, exitPrice, p.Quantity)
	closedAt := m.now()

	var closed *models.Position
	err = m.store.InTx(closeCtx, func(tx models.TradingTx) error {
		current, err := tx.LockPosition(closeCtx, p.ID)
		if err != nil {
			return err
		}
		current.ClosedAt = &closedAt
		current.ExitPrice = exitPrice
		current.ExitReason = reason
		current.ProfitLoss = pl
		current.ProfitLossPercent = pct
		current.ExitOrderRef = fill.OrderRef
		if err := tx.FinalizeClose(closeCtx, current); err != nil {
			return err
		}
		closed = current
		return tx.CloseSignal(closeCtx, current.SignalID, reason.SignalStatus(), closedAt, pl, pct)
	})
	if err != nil {
		logger.Error().Err(err).Str("order_ref", fill.OrderRef).Msg("Exit filled but not recorded")
		m.intervene(closeCtx, p, fmt.Sprintf("exit filled (order %s) but not recorded: %s", fill.OrderRef, models.ReasonFor(err)))
		return Intervention
	}

	m.metrics.ExitOutcome(string(reason))
	logger.Info().
		Str("entry_price", p.EntryPrice.String()).
		Str("exit_price", exitPrice.String()).
		Str("profit_loss", pl.String()).
		Str("profit_loss_percent", pct.String()).
		Msg("Position closed")

	m.sink.Notify(ctx, p.UserID, exitEvent(reason), map[string]interface{}{
		"position_id":         closed.ID,
		"signal_id":           closed.SignalID,
		"market":              closed.Market,
		"quantity":            closed.Quantity.String(),
		"entry_price":         closed.EntryPrice.String(),
		"exit_price":          exitPrice.String(),
		"profit_loss":         pl.String(),
		"profit_loss_percent": pct.String(),
		"order_ref":           fill.OrderRef,
	})
	return Closed
}

func exitEvent(reason models.ExitReason) notify.EventType {
	switch reason {
	case models.ExitTarget:
		return notify.ExitWin
	case models.ExitStop:
		return notify.ExitLose
	}
	return notify.ExitNeutral
}

// intervene parks a CLOSING position for a human and raises a
// high-priority notification.
func (m *Monitor) intervene(ctx context.Context, p *models.Position, reason string) {
	marked, err := m.store.MarkNeedsIntervention(ctx, p.ID, reason, m.now())
	if err != nil {
		m.logger.Error().Err(err).Int64("position_id", p.ID).Msg("Failed to mark position for intervention")
	}
	if !marked && err == nil {
		// Already parked by someone else, who notified
		return
	}

	m.metrics.ExitOutcome(string(models.PositionNeedsIntervention))
	m.logger.Error().
		Int64("position_id", p.ID).
		Int64("user_id", p.UserID).
		Str("market", p.Market).
		Str("reason", reason).
		Msg("Position needs intervention")

	m.sink.Notify(ctx, p.UserID, notify.NeedsIntervention, map[string]interface{}{
		"position_id": p.ID,
		"signal_id":   p.SignalID,
		"market":      p.Market,
		"quantity":    p.Quantity.String(),
		"reason":      reason,
	})
}

// SweepStuck parks positions that have been CLOSING longer than the
// configured age, e.g. after a crash between claim and finalize.
func (m *Monitor) SweepStuck(ctx context.Context) (int, error) {
	if m.cfg.StuckClosingAge.Duration <= 0 {
		return 0, nil
	}

	stuck, err := m.store.ListStuckClosing(ctx, m.now().Add(-m.cfg.StuckClosingAge.Duration))
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck positions: %w", err)
	}

	for _, p := range stuck {
		since := "unknown"
		if p.ClosingStartedAt != nil {
			since = p.ClosingStartedAt.UTC().Format(time.RFC3339)
		}
		m.intervene(ctx, p, "stuck in CLOSING since "+since)
	}
	return len(stuck), nil
}
