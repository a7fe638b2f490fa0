package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// TradingTx is the set of row-locking operations available inside one
// database transaction. Every method runs against the same transaction, so
// rows locked by one call stay locked until commit or rollback.
type TradingTx interface {
	// LockSignal loads a signal with SELECT ... FOR UPDATE.
	LockSignal(ctx context.Context, id int64) (*Signal, error)
	SetSignalStatus(ctx context.Context, id int64, status SignalStatus, reason string) error
	MarkSignalExecuted(ctx context.Context, id int64, orderRef string) error
	CloseSignal(ctx context.Context, id int64, status SignalStatus, closedAt time.Time, pl, plPct decimal.Decimal) error

	GetUserSettings(ctx context.Context, userID int64) (*UserTradingSettings, error)

	// LockQuotaCounter creates the (user, week) row from seed when it is
	// missing and returns it locked FOR UPDATE.
	LockQuotaCounter(ctx context.Context, seed QuotaCounter) (*QuotaCounter, error)
	SaveQuotaCounter(ctx context.Context, c *QuotaCounter) error
	// MarkQuotaNotified sets the once-per-week notification flag and reports
	// whether this call was the one that set it.
	MarkQuotaNotified(ctx context.Context, userID int64, week string, kind NotifyKind, at time.Time) (bool, error)

	// CountOpenExposure counts ACTIVE/CLOSING positions plus in-flight
	// reservations for the user.
	CountOpenExposure(ctx context.Context, userID int64) (int, error)
	HasMarketExposure(ctx context.Context, userID int64, market string) (bool, error)

	// InsertReservation fails with ErrConcurrencyConflict when the signal
	// already holds a reservation.
	InsertReservation(ctx context.Context, r *Reservation) error
	LockReservation(ctx context.Context, signalID int64) (*Reservation, error)
	SetReservationStatus(ctx context.Context, signalID int64, status ReservationStatus) error

	InsertPosition(ctx context.Context, p *Position) error
	LockPosition(ctx context.Context, id int64) (*Position, error)
	// FinalizeClose moves a CLOSING position to CLOSED with its exit fields.
	// Zero affected rows yields ErrConcurrencyConflict.
	FinalizeClose(ctx context.Context, p *Position) error
}

// TxRunner runs fn inside one transaction, committing when fn returns nil.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx TradingTx) error) error
}
