package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// PriceSource yields the latest price for a market
type PriceSource interface {
	GetMarketPrice(ctx context.Context, market string) (decimal.Decimal, error)
}

// PriceSourceFunc adapts a function to PriceSource
type PriceSourceFunc func(ctx context.Context, market string) (decimal.Decimal, error)

// GetMarketPrice implements PriceSource
func (f PriceSourceFunc) GetMarketPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	return f(ctx, market)
}

// FallbackPrices tries each source in order and returns the first price.
type FallbackPrices []PriceSource

// GetMarketPrice implements PriceSource
func (f FallbackPrices) GetMarketPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	var errs []error
	for _, src := range f {
		price, err := src.GetMarketPrice(ctx, market)
		if err == nil && price.IsPositive() {
			return price, nil
		}
		if err == nil {
			err = fmt.Errorf("non-positive price %s", price)
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return decimal.Zero, fmt.Errorf("%w: no price for %s: %v", models.ErrDataStale, market, errors.Join(errs...))
}

// PaperClient fills market orders at the current quoted price against a
// simulated cash balance. It never talks to a real venue.
type PaperClient struct {
	prices PriceSource

	mu      sync.Mutex
	balance decimal.Decimal
}

// NewPaperClient creates a paper exchange with a starting cash balance
func NewPaperClient(prices PriceSource, startingBalance decimal.Decimal) *PaperClient {
	return &PaperClient{prices: prices, balance: startingBalance}
}

// GetPrice implements Client
func (p *PaperClient) GetPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	price, err := p.prices.GetMarketPrice(ctx, market)
	if err != nil {
		return decimal.Zero, Transient(err)
	}
	return price, nil
}

// PlaceOrder implements Client
func (p *PaperClient) PlaceOrder(ctx context.Context, market string, side Side, quantity decimal.Decimal) (OrderResult, error) {
	if !quantity.IsPositive() {
		return OrderResult{}, Permanent(fmt.Errorf("order quantity must be positive, got %s", quantity))
	}

	price, err := p.GetPrice(ctx, market)
	if err != nil {
		return OrderResult{}, err
	}
	notional := price.Mul(quantity)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case Buy:
		if p.balance.LessThan(notional) {
			return OrderResult{}, Permanent(fmt.Errorf("insufficient balance: need %s, have %s", notional, p.balance))
		}
		p.balance = p.balance.Sub(notional)
	case Sell:
		p.balance = p.balance.Add(notional)
	default:
		return OrderResult{}, Permanent(fmt.Errorf("unknown order side %q", side))
	}

	return OrderResult{
		Filled:    true,
		FillPrice: price,
		Quantity:  quantity,
		OrderRef:  "paper-" + uuid.New().String(),
	}, nil
}

// GetBalance implements Client
func (p *PaperClient) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

var _ Client = (*PaperClient)(nil)
