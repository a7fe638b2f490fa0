// Package executor turns PENDING signals into positions. Every decision is
// taken inside one transaction that locks the signal and the user's quota
// row, so a signal is entered at most once and a user's quota and budget
// are never overspent, however many executors run.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/exchange"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/metrics"
	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/notify"
	"github.com/trogers1052/surge-autotrader/internal/quota"
)

// ReasonOrphaned is stored on signals whose reservation was never resolved
const ReasonOrphaned = "orphaned reservation: order outcome unknown"

const compensationTimeout = 10 * time.Second

// Store is the persistence the executor needs
type Store interface {
	models.TxRunner
	ListPendingSignals(ctx context.Context, limit int) ([]*models.Signal, error)
	ListOrphanedReservations(ctx context.Context, before time.Time) ([]*models.Reservation, error)
}

// Outcome is what processing a signal did
type Outcome struct {
	Status   models.SignalStatus
	Reason   string
	Position *models.Position
	// Noop is set when the signal had already left PENDING
	Noop bool
}

// Executor gates and enters signals
type Executor struct {
	store    Store
	exchange exchange.Client
	sink     notify.Sink
	cfg      config.ExecutorConfig
	plans    map[string]models.PlanLimits
	loc      *time.Location
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates an executor. Week buckets are computed in loc.
func New(store Store, ex exchange.Client, sink notify.Sink, cfg config.ExecutorConfig, plans map[string]models.PlanLimits, loc *time.Location, logger zerolog.Logger, m *metrics.Metrics) *Executor {
	if loc == nil {
		loc = time.UTC
	}
	return &Executor{
		store:    store,
		exchange: ex,
		sink:     sink,
		cfg:      cfg,
		plans:    plans,
		loc:      loc,
		logger:   logging.Component(logger, "executor"),
		metrics:  m,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// gate is the result of the gating transaction
type gate struct {
	signal   *models.Signal
	settings *models.UserTradingSettings
	counter  models.QuotaCounter
	status   models.SignalStatus
	reason   string
	reserved bool
	noop     bool
	// rejection is set for quota and budget failures
	rejection      error
	firstRejection bool
}

// ProcessSignal runs one signal through gating and, when admitted, places
// the entry order. An error means nothing was decided for the signal and
// it stays PENDING, for example when another executor holds its
// reservation.
func (e *Executor) ProcessSignal(ctx context.Context, signalID int64) (Outcome, error) {
	g, err := e.gateSignal(ctx, signalID)
	if err != nil {
		return Outcome{}, err
	}

	switch {
	case g.noop:
		return Outcome{Status: g.signal.Status, Noop: true}, nil
	case g.reserved:
		return e.enter(ctx, g)
	}

	e.metrics.EntryOutcome(string(g.status), models.Classify(g.rejection))
	level := zerolog.InfoLevel
	if g.status == models.SignalFailed {
		level = zerolog.WarnLevel
	}
	e.logger.WithLevel(level).
		Int64("signal_id", g.signal.ID).
		Int64("user_id", g.signal.UserID).
		Str("market", g.signal.Market).
		Str("status", string(g.status)).
		Str("reason", g.reason).
		Msg("Signal not entered")

	if g.rejection != nil && g.firstRejection {
		e.notifyRejection(ctx, g)
	}
	return Outcome{Status: g.status, Reason: g.reason}, nil
}

func (e *Executor) gateSignal(ctx context.Context, signalID int64) (*gate, error) {
	var g *gate
	err := e.store.InTx(ctx, func(tx models.TradingTx) error {
		g = &gate{}
		sig, err := tx.LockSignal(ctx, signalID)
		if err != nil {
			return err
		}
		g.signal = sig
		if sig.Status != models.SignalPending {
			g.noop = true
			return nil
		}
		// A hold without a decision means an entry is in flight elsewhere
		if _, err := tx.LockReservation(ctx, sig.ID); err == nil {
			return fmt.Errorf("signal %d already reserved: %w", sig.ID, models.ErrConcurrencyConflict)
		} else if !errors.Is(err, models.ErrNotFound) {
			return err
		}

		expire := func(reason string) error {
			g.status, g.reason = models.SignalExpired, reason
			return tx.SetSignalStatus(ctx, sig.ID, models.SignalExpired, reason)
		}

		now := e.now()
		if ttl := e.cfg.SignalTTL.Duration; ttl > 0 && now.Sub(sig.DetectedAt) > ttl {
			return expire(fmt.Sprintf("stale signal: detected %s ago", now.Sub(sig.DetectedAt).Truncate(time.Second)))
		}

		settings, err := tx.GetUserSettings(ctx, sig.UserID)
		if errors.Is(err, models.ErrNotFound) {
			return expire(models.ReasonFor(fmt.Errorf("%w: no trading settings", models.ErrValidation)))
		}
		if err != nil {
			return err
		}
		if err := settings.Validate(); err != nil {
			return expire(models.ReasonFor(err))
		}
		if !settings.Enabled {
			return expire("auto-trading disabled")
		}
		plan, err := quota.PlanFor(e.plans, settings.PlanTier)
		if err != nil {
			return expire(models.ReasonFor(err))
		}
		g.settings = settings

		// Serializes every entry decision for this user
		counter, err := quota.LockCounter(ctx, tx, sig.UserID, models.WeekBucket(now.In(e.loc)), plan, settings.TotalBudget, now)
		if err != nil {
			return err
		}

		if sig.Confidence < settings.MinConfidence {
			return expire(fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, settings.MinConfidence))
		}
		if settings.IsExcluded(sig.Market) {
			return expire("market excluded: " + sig.Market)
		}
		open, err := tx.CountOpenExposure(ctx, sig.UserID)
		if err != nil {
			return err
		}
		if open >= settings.MaxPositions {
			return expire(fmt.Sprintf("max positions reached (%d)", settings.MaxPositions))
		}
		if !settings.AllowSameMarketPositions {
			exposed, err := tx.HasMarketExposure(ctx, sig.UserID, sig.Market)
			if err != nil {
				return err
			}
			if exposed {
				return expire("position already open on " + sig.Market)
			}
		}

		result, err := quota.Reserve(ctx, tx, counter, sig.ID, sig.Market, settings.PerTradeAmount, now)
		if err != nil {
			return err
		}
		g.counter = *counter
		if !result.OK {
			g.status, g.reason = models.SignalFailed, models.ReasonFor(result.Reason)
			g.rejection, g.firstRejection = result.Reason, result.FirstRejection
			return tx.SetSignalStatus(ctx, sig.ID, models.SignalFailed, g.reason)
		}
		g.reserved = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to gate signal %d: %w", signalID, err)
	}
	return g, nil
}

func (e *Executor) notifyRejection(ctx context.Context, g *gate) {
	payload := map[string]interface{}{
		"signal_id":   g.signal.ID,
		"market":      g.signal.Market,
		"week_bucket": g.counter.WeekBucket,
	}
	eventType := notify.QuotaExceeded
	if errors.Is(g.rejection, models.ErrBudgetExceeded) {
		eventType = notify.BudgetExceeded
		payload["remaining_budget"] = g.counter.RemainingBudget.String()
		payload["per_trade_amount"] = g.settings.PerTradeAmount.String()
	} else {
		payload["weekly_limit"] = g.counter.DisplayedLimit
	}
	e.sink.Notify(ctx, g.signal.UserID, eventType, payload)
}

func (e *Executor) retryPolicy() exchange.RetryPolicy {
	return exchange.RetryPolicy{Attempts: e.cfg.OrderAttempts, Initial: e.cfg.OrderBackoff.Duration, Max: 5 * time.Second}
}

// enter places the buy for a reserved signal and records the position, or
// compensates the reservation when the order fails.
func (e *Executor) enter(ctx context.Context, g *gate) (Outcome, error) {
	sig := g.signal
	amount := g.settings.PerTradeAmount
	logger := e.logger.With().Int64("signal_id", sig.ID).Int64("user_id", sig.UserID).Str("market", sig.Market).Logger()
	onRetry := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("backoff", wait).Msg("Retrying exchange call")
	}

	var price decimal.Decimal
	err := exchange.Retry(ctx, e.retryPolicy(), func(ctx context.Context) error {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		var err error
		price, err = e.exchange.GetPrice(callCtx, sig.Market)
		return exchange.Classify(callCtx, err)
	}, onRetry)
	if err != nil {
		return e.compensate(ctx, g, err)
	}

	quantity := amount.Div(price).RoundDown(e.cfg.QuantityPlaces)
	if !quantity.IsPositive() {
		return e.compensate(ctx, g, exchange.Permanent(fmt.Errorf("amount %s buys nothing at %s", amount, price)))
	}

	var fill exchange.OrderResult
	err = exchange.Retry(ctx, e.retryPolicy(), func(ctx context.Context) error {
		callCtx, cancel := e.callContext(ctx)
		defer cancel()
		var err error
		fill, err = e.exchange.PlaceOrder(callCtx, sig.Market, exchange.Buy, quantity)
		if err == nil && !fill.Filled {
			return exchange.Permanent(errors.New("order not filled"))
		}
		return exchange.Classify(callCtx, err)
	}, onRetry)
	if err != nil {
		return e.compensate(ctx, g, err)
	}

	fillPrice := fill.FillPrice
	if !fillPrice.IsPositive() {
		fillPrice = price
	}
	if fill.Quantity.IsPositive() {
		quantity = fill.Quantity
	}
	// Keep what is recorded identical to what the columns store, so P/L
	// computed from these values matches P/L recomputed from the rows
	fillPrice = fillPrice.Round(models.PriceScale)
	quantity = quantity.RoundDown(models.PriceScale)
	target, stop := g.settings.ExitPrices(fillPrice, sig.TargetPrice, sig.StopLossPrice)
	target, stop = target.Round(models.PriceScale), stop.Round(models.PriceScale)

	pos := &models.Position{
		SignalID:      sig.ID,
		UserID:        sig.UserID,
		Market:        sig.Market,
		Quantity:      quantity,
		EntryPrice:    fillPrice,
		TargetPrice:   target,
		StopLossPrice: stop,
		OpenedAt:      e.now(),
		OrderRef:      fill.OrderRef,
	}

	// The order is filled; recording it must not be cut short by shutdown
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err = e.store.InTx(recordCtx, func(tx models.TradingTx) error {
		if _, err := tx.LockSignal(recordCtx, sig.ID); err != nil {
			return err
		}
		r, err := tx.LockReservation(recordCtx, sig.ID)
		if err != nil {
			return err
		}
		if r.Status != models.ReservationReserved {
			return fmt.Errorf("reservation for signal %d is %s: %w", sig.ID, r.Status, models.ErrConcurrencyConflict)
		}
		if err := tx.SetReservationStatus(recordCtx, sig.ID, models.ReservationConsumed); err != nil {
			return err
		}
		if err := tx.InsertPosition(recordCtx, pos); err != nil {
			return err
		}
		return tx.MarkSignalExecuted(recordCtx, sig.ID, fill.OrderRef)
	})
	if err != nil {
		// Left RESERVED so the orphan sweep parks it without re-crediting
		logger.Error().Err(err).Str("order_ref", fill.OrderRef).Msg("Filled entry could not be recorded")
		e.sink.Notify(ctx, sig.UserID, notify.NeedsIntervention, map[string]interface{}{
			"signal_id": sig.ID,
			"market":    sig.Market,
			"order_ref": fill.OrderRef,
			"quantity":  quantity.String(),
			"reason":    "filled entry could not be recorded: " + err.Error(),
		})
		e.metrics.EntryOutcome("UNRECORDED", models.Classify(err))
		return Outcome{}, fmt.Errorf("failed to record entry for signal %d: %w", sig.ID, err)
	}

	e.metrics.EntryOutcome(string(models.SignalExecuted), "")
	logger.Info().
		Int64("position_id", pos.ID).
		Str("quantity", quantity.String()).
		Str("entry_price", fillPrice.String()).
		Str("order_ref", fill.OrderRef).
		Msg("Entry executed")

	e.sink.Notify(ctx, sig.UserID, notify.EntryExecuted, map[string]interface{}{
		"signal_id":       sig.ID,
		"position_id":     pos.ID,
		"market":          sig.Market,
		"amount":          amount.String(),
		"quantity":        quantity.String(),
		"entry_price":     fillPrice.String(),
		"target_price":    target.String(),
		"stop_loss_price": stop.String(),
		"order_ref":       fill.OrderRef,
	})
	return Outcome{Status: models.SignalExecuted, Position: pos}, nil
}

func (e *Executor) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := e.cfg.OrderTimeout.Duration; d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// compensate releases the reservation and fails the signal in one
// transaction. Releasing is conditional on RESERVED, so it credits at most
// once.
func (e *Executor) compensate(ctx context.Context, g *gate, cause error) (Outcome, error) {
	sig := g.signal
	reason := models.ReasonFor(cause)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	err := e.store.InTx(cctx, func(tx models.TradingTx) error {
		// Signal before reservation, the same lock order as gating
		current, err := tx.LockSignal(cctx, sig.ID)
		if err != nil {
			return err
		}
		if _, err := quota.ReleaseTx(cctx, tx, sig.ID); err != nil {
			return err
		}
		if current.Status != models.SignalPending {
			return nil
		}
		return tx.SetSignalStatus(cctx, sig.ID, models.SignalFailed, reason)
	})
	if err != nil {
		e.logger.Error().Err(err).Int64("signal_id", sig.ID).AnErr("cause", cause).Msg("Failed to compensate reservation")
		return Outcome{}, fmt.Errorf("failed to compensate signal %d: %w", sig.ID, err)
	}

	e.metrics.EntryOutcome(string(models.SignalFailed), models.Classify(cause))
	e.logger.Warn().Err(cause).
		Int64("signal_id", sig.ID).
		Int64("user_id", sig.UserID).
		Str("market", sig.Market).
		Msg("Entry order failed, reservation released")

	e.sink.Notify(ctx, sig.UserID, notify.EntryFailed, map[string]interface{}{
		"signal_id": sig.ID,
		"market":    sig.Market,
		"reason":    reason,
	})
	return Outcome{Status: models.SignalFailed, Reason: reason}, nil
}
