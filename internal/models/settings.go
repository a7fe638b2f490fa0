package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UserTradingSettings is the per-user auto-trading configuration. It is
// managed outside this engine and must be read fresh on every decision.
type UserTradingSettings struct {
	UserID                   int64           `json:"user_id"`
	Enabled                  bool            `json:"enabled"`
	TotalBudget              decimal.Decimal `json:"total_budget"`
	PerTradeAmount           decimal.Decimal `json:"per_trade_amount"`
	MinConfidence            float64         `json:"min_confidence"`
	MaxPositions             int             `json:"max_positions"`
	StopLossPct              decimal.Decimal `json:"stop_loss_pct"`
	TakeProfitPct            decimal.Decimal `json:"take_profit_pct"`
	ExcludedMarkets          []string        `json:"excluded_markets"`
	PlanTier                 string          `json:"plan_tier"`
	AllowSameMarketPositions bool            `json:"allow_same_market_positions"`
	UpdatedAt                time.Time       `json:"updated_at"`
}

// Validate checks that the settings are usable for an entry decision.
func (s *UserTradingSettings) Validate() error {
	switch {
	case !s.PerTradeAmount.IsPositive():
		return fmt.Errorf("%w: per_trade_amount must be positive", ErrValidation)
	case s.TotalBudget.IsNegative():
		return fmt.Errorf("%w: total_budget must not be negative", ErrValidation)
	case s.MinConfidence < 0 || s.MinConfidence > 100:
		return fmt.Errorf("%w: min_confidence %.2f out of range", ErrValidation, s.MinConfidence)
	case s.MaxPositions < 1:
		return fmt.Errorf("%w: max_positions must be at least 1", ErrValidation)
	case s.StopLossPct.IsNegative() || s.TakeProfitPct.IsNegative():
		return fmt.Errorf("%w: stop/take-profit percentages must not be negative", ErrValidation)
	case s.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: stop_loss_pct must be below 100", ErrValidation)
	case s.PlanTier == "":
		return fmt.Errorf("%w: plan_tier is required", ErrValidation)
	}
	return nil
}

// IsExcluded reports whether market is on the user's exclusion list.
func (s *UserTradingSettings) IsExcluded(market string) bool {
	for _, m := range s.ExcludedMarkets {
		if strings.EqualFold(strings.TrimSpace(m), market) {
			return true
		}
	}
	return false
}

// ExitPrices derives target and stop prices from a fill price using the
// user's percentages. Zero percentages fall back to the provided defaults.
func (s *UserTradingSettings) ExitPrices(fill, defaultTarget, defaultStop decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	hundred := decimal.NewFromInt(100)
	target, stop := defaultTarget, defaultStop
	if s.TakeProfitPct.IsPositive() {
		target = fill.Mul(hundred.Add(s.TakeProfitPct)).Div(hundred)
	}
	if s.StopLossPct.IsPositive() {
		stop = fill.Mul(hundred.Sub(s.StopLossPct)).Div(hundred)
	}
	return target, stop
}
