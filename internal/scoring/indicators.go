package scoring

import "github.com/trogers1052/surge-autotrader/internal/models"

// Bar is a candle reduced to float64 for indicator math. Scores are
// advisory, so the precision loss against decimal prices is acceptable.
type Bar struct {
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// FromCandles converts stored candles, oldest first
func FromCandles(candles []models.Candle) []Bar {
	bars := make([]Bar, len(candles))
	for i, c := range candles {
		bars[i] = Bar{
			Open:   c.Open.InexactFloat64(),
			High:   c.High.InexactFloat64(),
			Low:    c.Low.InexactFloat64(),
			Close:  c.Close.InexactFloat64(),
			Volume: c.Volume.InexactFloat64(),
		}
	}
	return bars
}

// SMA is the simple moving average of the last period closes
func SMA(bars []Bar, period int) float64 {
	if period <= 0 || len(bars) < period {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// RSI is the relative strength index over the last period changes.
// Returns 50 when there is not enough history.
func RSI(bars []Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 50.0
	}

	gains, losses := 0.0, 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// AverageVolume is the mean volume of the last period bars
func AverageVolume(bars []Bar, period int) float64 {
	if period > len(bars) {
		period = len(bars)
	}
	if period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Volume
	}
	return sum / float64(period)
}

// Momentum is the percentage change of the close over period bars
func Momentum(bars []Bar, period int) float64 {
	if period <= 0 || len(bars) < period+1 {
		return 0
	}

	current := bars[len(bars)-1].Close
	past := bars[len(bars)-period-1].Close
	if past == 0 {
		return 0
	}
	return (current - past) / past * 100
}

// Support is the lowest low of the last period bars
func Support(bars []Bar, period int) float64 {
	if period > len(bars) {
		period = len(bars)
	}
	if period <= 0 {
		return 0
	}

	low := bars[len(bars)-period].Low
	for i := len(bars) - period; i < len(bars); i++ {
		if bars[i].Low < low {
			low = bars[i].Low
		}
	}
	return low
}
