// Package exchange defines the exchange collaborator used for entries and
// exits, its error classification and a paper-trading implementation.
package exchange

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// Side is the order direction
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderResult is the exchange's answer to a market order
type OrderResult struct {
	Filled    bool            `json:"filled"`
	FillPrice decimal.Decimal `json:"fill_price"`
	Quantity  decimal.Decimal `json:"quantity"`
	OrderRef  string          `json:"order_ref"`
}

// Client is the exchange API consumed by the engine. Implementations return
// errors wrapping models.ErrExchangeTransient or models.ErrExchangePermanent.
type Client interface {
	GetPrice(ctx context.Context, market string) (decimal.Decimal, error)
	PlaceOrder(ctx context.Context, market string, side Side, quantity decimal.Decimal) (OrderResult, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Transient marks err as retryable (timeouts, rate limits)
func Transient(err error) error {
	return fmt.Errorf("%w: %v", models.ErrExchangeTransient, err)
}

// Permanent marks err as terminal (rejections, insufficient balance)
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", models.ErrExchangePermanent, err)
}

// Classify wraps an unclassified error. Context deadline errors count as
// transient; anything else unknown is treated as permanent.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if models.Classify(err) == models.ReasonExchangeTransient || models.Classify(err) == models.ReasonExchangePermanent {
		return err
	}
	if ctx.Err() != nil {
		return Transient(err)
	}
	return Permanent(err)
}
