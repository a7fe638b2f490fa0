package scoring

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

var defaultWeights = map[string]float64{
	VolumeSurge:     30,
	RSIRecovery:     20,
	SupportDistance: 15,
	Trend:           20,
	MomentumSignal:  15,
}

func candle(i int, closePrice, volume float64) models.Candle {
	c := decimal.NewFromFloat(closePrice)
	return models.Candle{
		Market:   "KRW-BTC",
		Interval: "15m",
		OpenTime: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * 15 * time.Minute),
		Open:     c,
		High:     c,
		Low:      decimal.NewFromFloat(closePrice * 0.995),
		Close:    c,
		Volume:   decimal.NewFromFloat(volume),
	}
}

func flatCandles(n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = candle(i, 100, 10)
		candles[i].Low = candles[i].Close
	}
	return candles
}

func uptrendWithSpike(n int) []models.Candle {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = candle(i, 100*math.Pow(1.01, float64(i)), 10)
	}
	candles[n-1].Volume = decimal.NewFromInt(40)
	return candles
}

func TestScore_FlatMarket(t *testing.T) {
	result, err := Score(flatCandles(40), defaultWeights)
	require.NoError(t, err)

	assert.Equal(t, 15.0, result.Score)
	assert.Equal(t, 15.0, result.Breakdown[SupportDistance])
	assert.Equal(t, 0.0, result.Breakdown[VolumeSurge])
	assert.Equal(t, 0.0, result.Breakdown[Trend])
}

func TestScore_UptrendWithVolumeSpike(t *testing.T) {
	result, err := Score(uptrendWithSpike(40), defaultWeights)
	require.NoError(t, err)

	assert.Equal(t, 30.0, result.Breakdown[VolumeSurge])
	assert.Equal(t, 20.0, result.Breakdown[Trend])
	assert.Equal(t, 15.0, result.Breakdown[MomentumSignal])
	assert.Equal(t, 0.0, result.Breakdown[RSIRecovery])
	assert.Equal(t, 0.0, result.Breakdown[SupportDistance])
	assert.Equal(t, 65.0, result.Score)
}

func TestScore_BreakdownSumsToScore(t *testing.T) {
	weights := map[string]float64{VolumeSurge: 40, Trend: 30, MomentumSignal: 30}
	result, err := Score(uptrendWithSpike(40), weights)
	require.NoError(t, err)

	sum := 0.0
	for _, points := range result.Breakdown {
		sum += points
	}
	assert.InDelta(t, result.Score, sum, 0.0001)
	assert.Equal(t, 100.0, result.Score)
}

func TestScore_InsufficientData(t *testing.T) {
	_, err := Score(flatCandles(MinBars-1), defaultWeights)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestScore_NonPositiveClose(t *testing.T) {
	candles := flatCandles(40)
	candles[len(candles)-1].Close = decimal.Zero

	_, err := Score(candles, defaultWeights)
	assert.ErrorIs(t, err, models.ErrDataStale)
}

func TestIndicators(t *testing.T) {
	bars := []Bar{{Close: 1}, {Close: 2}, {Close: 3}, {Close: 2}, {Close: 4}}

	assert.InDelta(t, 3.0, SMA(bars, 3), 0.0001)
	assert.Equal(t, 0.0, SMA(bars, 10))
	// gains 1+1+2=4, losses 1 over 4 changes
	assert.InDelta(t, 80.0, RSI(bars, 4), 0.0001)
	assert.Equal(t, 50.0, RSI(bars[:2], 4))
	assert.InDelta(t, 100.0, Momentum(bars, 3), 0.0001)
}

func TestRSIRecovery_AfterOversoldDip(t *testing.T) {
	var candles []models.Candle
	price := 100.0
	for i := 0; i < 30; i++ {
		price *= 0.98
		candles = append(candles, candle(i, price, 10))
	}
	for i := 30; i < 33; i++ {
		price *= 1.03
		candles = append(candles, candle(i, price, 10))
	}

	bars := FromCandles(candles)
	assert.Greater(t, rsiRecovery(bars), 0.0)
}
