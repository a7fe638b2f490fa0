package testkit

import (
	"github.com/shopspring/decimal"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// D parses a decimal literal and panics on malformed input
func D(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Settings returns enabled settings on the basic plan with room for five
// positions of 100,000 each.
func Settings(userID int64) models.UserTradingSettings {
	return models.UserTradingSettings{
		UserID:         userID,
		Enabled:        true,
		TotalBudget:    D("1000000"),
		PerTradeAmount: D("100000"),
		MinConfidence:  80,
		MaxPositions:   5,
		PlanTier:       "basic",
	}
}

// Plans mirrors the default plan table
func Plans() map[string]models.PlanLimits {
	return map[string]models.PlanLimits{
		"basic":   {Displayed: 3, Enforced: 5},
		"pro":     {Displayed: 10, Enforced: 15},
		"premium": {Displayed: 20, Enforced: 30},
	}
}
