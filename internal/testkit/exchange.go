package testkit

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/exchange"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// OrderCall records one PlaceOrder invocation
type OrderCall struct {
	Market   string
	Side     exchange.Side
	Quantity decimal.Decimal
}

// Exchange is a scriptable exchange.Client. Orders fill at the configured
// price unless an error is queued for the side.
type Exchange struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	priceErr map[string]error
	orderErr map[exchange.Side][]error
	calls    []OrderCall
	seq      int

	// OnOrder runs before an order is answered, outside the lock.
	OnOrder func(call OrderCall)
}

var _ exchange.Client = (*Exchange)(nil)

// NewExchange returns an exchange with no prices
func NewExchange() *Exchange {
	return &Exchange{
		prices:   make(map[string]decimal.Decimal),
		priceErr: make(map[string]error),
		orderErr: make(map[exchange.Side][]error),
	}
}

// SetPrice sets the quote and fill price for a market
func (e *Exchange) SetPrice(market string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[market] = price
	delete(e.priceErr, market)
}

// FailPrice makes GetPrice for market return err
func (e *Exchange) FailPrice(market string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.priceErr[market] = err
}

// FailOrders queues errors returned by the next orders on side, one per call
func (e *Exchange) FailOrders(side exchange.Side, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderErr[side] = append(e.orderErr[side], errs...)
}

// Calls returns the orders placed so far
func (e *Exchange) Calls() []OrderCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]OrderCall(nil), e.calls...)
}

// CallCount counts orders placed on side
func (e *Exchange) CallCount(side exchange.Side) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Side == side {
			n++
		}
	}
	return n
}

// GetPrice implements exchange.Client
func (e *Exchange) GetPrice(ctx context.Context, market string) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.priceErr[market]; err != nil {
		return decimal.Zero, err
	}
	price, ok := e.prices[market]
	if !ok {
		return decimal.Zero, exchange.Transient(fmt.Errorf("%w: no quote for %s", models.ErrDataStale, market))
	}
	return price, nil
}

// PlaceOrder implements exchange.Client
func (e *Exchange) PlaceOrder(ctx context.Context, market string, side exchange.Side, quantity decimal.Decimal) (exchange.OrderResult, error) {
	call := OrderCall{Market: market, Side: side, Quantity: quantity}
	if e.OnOrder != nil {
		e.OnOrder(call)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)

	if queued := e.orderErr[side]; len(queued) > 0 {
		e.orderErr[side] = queued[1:]
		return exchange.OrderResult{}, queued[0]
	}

	price, ok := e.prices[market]
	if !ok {
		return exchange.OrderResult{}, exchange.Transient(fmt.Errorf("no quote for %s", market))
	}
	e.seq++
	return exchange.OrderResult{
		Filled:    true,
		FillPrice: price,
		Quantity:  quantity,
		OrderRef:  fmt.Sprintf("test-%s-%d", side, e.seq),
	}, nil
}

// GetBalance implements exchange.Client
func (e *Exchange) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000_000), nil
}
