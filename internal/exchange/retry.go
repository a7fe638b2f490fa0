package exchange

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// RetryPolicy bounds retries of exchange calls
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Retry runs fn up to p.Attempts times with exponential backoff. Only
// transient errors are retried; the last error is returned.
func Retry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error, onRetry func(err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	if eb.InitialInterval <= 0 {
		eb.InitialInterval = 500 * time.Millisecond
	}
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2
	eb.MaxInterval = p.Max
	if eb.MaxInterval <= 0 {
		eb.MaxInterval = 10 * time.Second
	}
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	op := func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !models.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(err, wait)
		}
	})
}
