// Package scoring turns candle history into a 0-100 surge confidence
// score built from weighted sub-signals.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/trogers1052/surge-autotrader/internal/models"
)

// Sub-signal names, also the keys of the weight table
const (
	VolumeSurge     = "volume_surge"
	RSIRecovery     = "rsi_recovery"
	SupportDistance = "support_distance"
	Trend           = "trend"
	MomentumSignal  = "momentum"
)

const (
	rsiPeriod      = 14
	rsiLookback    = 5
	oversold       = 30.0
	volumePeriod   = 20
	fastPeriod     = 7
	slowPeriod     = 25
	momentumPeriod = 5
	supportPeriod  = 30

	// MinBars is the shortest history that can be scored
	MinBars = slowPeriod + 1
)

// ErrInsufficientData is returned when a market has too little history
var ErrInsufficientData = errors.New("insufficient candle history")

// Result is a composite score with the points each sub-signal contributed.
// The contributions sum to Score.
type Result struct {
	Score     float64
	Breakdown map[string]float64
	LastClose float64
}

// Score rates candles (oldest first) against weights that sum to 100
func Score(candles []models.Candle, weights map[string]float64) (Result, error) {
	if len(candles) < MinBars {
		return Result{}, fmt.Errorf("%w: %d bars, need %d", ErrInsufficientData, len(candles), MinBars)
	}
	bars := FromCandles(candles)
	last := bars[len(bars)-1]
	if last.Close <= 0 {
		return Result{}, fmt.Errorf("%w: non-positive close", models.ErrDataStale)
	}

	subscores := map[string]float64{
		VolumeSurge:     volumeSurge(bars),
		RSIRecovery:     rsiRecovery(bars),
		SupportDistance: supportDistance(bars),
		Trend:           trend(bars),
		MomentumSignal:  momentum(bars),
	}

	result := Result{Breakdown: make(map[string]float64, len(subscores)), LastClose: last.Close}
	for name, sub := range subscores {
		points := round2(weights[name] * sub)
		result.Breakdown[name] = points
		result.Score += points
	}
	result.Score = math.Min(round2(result.Score), 100)
	return result, nil
}

// volumeSurge compares the last volume with the trailing average; 3x or
// more scores full.
func volumeSurge(bars []Bar) float64 {
	avg := AverageVolume(bars[:len(bars)-1], volumePeriod)
	if avg <= 0 {
		return 0
	}
	ratio := bars[len(bars)-1].Volume / avg
	return clamp01((ratio - 1) / 2)
}

// rsiRecovery rewards a rising RSI that recently dipped below oversold
func rsiRecovery(bars []Bar) float64 {
	now := RSI(bars, rsiPeriod)
	prev := RSI(bars[:len(bars)-1], rsiPeriod)
	if now <= prev {
		return 0
	}

	low := now
	for i := 1; i <= rsiLookback; i++ {
		if v := RSI(bars[:len(bars)-i], rsiPeriod); v < low {
			low = v
		}
	}
	if low < oversold {
		return clamp01((now - low) / 20)
	}
	if now < 50 {
		return 0.25
	}
	return 0
}

// supportDistance scores 1 at the support level, falling to 0 at 10% above
func supportDistance(bars []Bar) float64 {
	support := Support(bars, supportPeriod)
	last := bars[len(bars)-1].Close
	if support <= 0 {
		return 0
	}
	dist := (last - support) / last * 100
	return clamp01(1 - dist/10)
}

// trend is full when close > fast SMA > slow SMA, half when one holds
func trend(bars []Bar) float64 {
	last := bars[len(bars)-1].Close
	fast := SMA(bars, fastPeriod)
	slow := SMA(bars, slowPeriod)

	switch {
	case last > fast && fast > slow:
		return 1
	case last > fast || fast > slow:
		return 0.5
	}
	return 0
}

// momentum scales a 0-5% rise over the momentum window to 0-1
func momentum(bars []Bar) float64 {
	return clamp01(Momentum(bars, momentumPeriod) / 5)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
