package executor

import (
	"context"
	"errors"

	"github.com/trogers1052/surge-autotrader/internal/models"
	"github.com/trogers1052/surge-autotrader/internal/notify"
)

// DrainPending sweeps orphaned reservations and then processes up to one
// batch of PENDING signals, oldest first. Per-signal errors are logged and
// skipped. Returns the number of signals that reached a decision.
func (e *Executor) DrainPending(ctx context.Context) (int, error) {
	if _, err := e.SweepOrphans(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Orphan sweep failed")
	}

	signals, err := e.store.ListPendingSignals(ctx, e.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	decided := 0
	for _, sig := range signals {
		if ctx.Err() != nil {
			return decided, ctx.Err()
		}

		outcome, err := e.ProcessSignal(ctx, sig.ID)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			e.logger.Debug().Err(err).Int64("signal_id", sig.ID).Msg("Signal handled elsewhere")
			continue
		}
		if err != nil {
			e.logger.Error().Err(err).Int64("signal_id", sig.ID).Msg("Failed to process signal")
			continue
		}
		if !outcome.Noop {
			decided++
		}
	}
	return decided, nil
}

// SweepOrphans parks reservations whose order outcome is unknown: RESERVED
// past the orphan timeout while the signal is still PENDING. The quota is
// not credited back because the order may have filled.
func (e *Executor) SweepOrphans(ctx context.Context) (int, error) {
	if e.cfg.OrphanTimeout.Duration <= 0 {
		return 0, nil
	}

	orphans, err := e.store.ListOrphanedReservations(ctx, e.now().Add(-e.cfg.OrphanTimeout.Duration))
	if err != nil {
		return 0, err
	}

	parked := 0
	for _, r := range orphans {
		var changed bool
		err := e.store.InTx(ctx, func(tx models.TradingTx) error {
			changed = false
			sig, err := tx.LockSignal(ctx, r.SignalID)
			if err != nil {
				return err
			}
			if sig.Status != models.SignalPending {
				return nil
			}
			current, err := tx.LockReservation(ctx, r.SignalID)
			if err != nil {
				return err
			}
			if current.Status != models.ReservationReserved {
				return nil
			}
			if err := tx.SetReservationStatus(ctx, r.SignalID, models.ReservationOrphaned); err != nil {
				return err
			}
			changed = true
			return tx.SetSignalStatus(ctx, r.SignalID, models.SignalFailed, ReasonOrphaned)
		})
		if err != nil {
			e.logger.Error().Err(err).Int64("signal_id", r.SignalID).Msg("Failed to park orphaned reservation")
			continue
		}
		if !changed {
			continue
		}

		parked++
		e.metrics.EntryOutcome(string(models.SignalFailed), "Orphaned")
		e.logger.Error().
			Int64("signal_id", r.SignalID).
			Int64("user_id", r.UserID).
			Str("market", r.Market).
			Str("amount", r.Amount.String()).
			Msg("Reservation orphaned, needs intervention")
		e.sink.Notify(ctx, r.UserID, notify.NeedsIntervention, map[string]interface{}{
			"signal_id": r.SignalID,
			"market":    r.Market,
			"amount":    r.Amount.String(),
			"reason":    ReasonOrphaned,
		})
	}
	return parked, nil
}
