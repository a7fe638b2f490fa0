package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

func TestDefaultEngineIsValid(t *testing.T) {
	e := DefaultEngine()
	require.NoError(t, e.Validate())

	assert.Equal(t, 16, e.Monitor.Workers)
	assert.Equal(t, 72*time.Hour, e.Monitor.MaxHolding.Duration)
	assert.Equal(t, time.Minute, e.Monitor.CloseTimeout.Duration)
	assert.Greater(t, e.Monitor.StuckClosingAge.Duration, e.Monitor.CloseTimeout.Duration)
	assert.Equal(t, 30*time.Minute, e.Paper.MaxCandleAge.Duration)
	assert.Equal(t, models.PlanLimits{Displayed: 3, Enforced: 5}, e.Plans["basic"])
	assert.Equal(t, time.UTC, e.Location())
}

func TestLoad_EngineFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
timezone = "Asia/Seoul"

[scanner]
interval = "1m"
detection_threshold = 75.0

[monitor]
workers = 4

[plans.enterprise]
displayed = 50
enforced = 60
`), 0o600))

	t.Setenv("ENGINE_CONFIG_FILE", path)
	t.Setenv("MONITOR_WORKERS", "32")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "Asia/Seoul", cfg.Engine.Location().String())
	assert.Equal(t, time.Minute, cfg.Engine.Scanner.Interval.Duration)
	assert.Equal(t, 75.0, cfg.Engine.Scanner.DetectionThreshold)
	assert.Equal(t, 32, cfg.Engine.Monitor.Workers, "env wins over file")
	assert.Equal(t, 8, cfg.Engine.Scanner.Workers, "untouched keys keep defaults")
	assert.Equal(t, models.PlanLimits{Displayed: 50, Enforced: 60}, cfg.Engine.Plans["enterprise"])
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_BadEngineFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.toml")
	require.NoError(t, os.WriteFile(path, []byte(`[scanner]
interval = "soon"
`), 0o600))
	t.Setenv("ENGINE_CONFIG_FILE", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_InvalidEngineRejected(t *testing.T) {
	t.Setenv("ENGINE_TIMEZONE", "Mars/Olympus")

	_, err := Load()
	assert.ErrorContains(t, err, "invalid timezone")
}

func TestEngineValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(e *EngineConfig)
		want   string
	}{
		{
			name:   "weights must sum to 100",
			modify: func(e *EngineConfig) { e.Scanner.Weights = map[string]float64{"trend": 50} },
			want:   "sum to 100",
		},
		{
			name: "negative weight",
			modify: func(e *EngineConfig) {
				e.Scanner.Weights = map[string]float64{"trend": 110, "momentum": -10}
			},
			want: "must not be negative",
		},
		{
			name:   "threshold out of range",
			modify: func(e *EngineConfig) { e.Scanner.DetectionThreshold = 120 },
			want:   "detection threshold",
		},
		{
			name:   "stop at 100 percent",
			modify: func(e *EngineConfig) { e.Scanner.StopPct = 100 },
			want:   "target/stop",
		},
		{
			name:   "no monitor workers",
			modify: func(e *EngineConfig) { e.Monitor.Workers = 0 },
			want:   "at least one worker",
		},
		{
			name:   "no exit attempts",
			modify: func(e *EngineConfig) { e.Monitor.ExitAttempts = 0 },
			want:   "order attempts",
		},
		{
			name:   "no plans",
			modify: func(e *EngineConfig) { e.Plans = nil },
			want:   "plan tier",
		},
		{
			name:   "displayed above enforced",
			modify: func(e *EngineConfig) { e.Plans["basic"] = models.PlanLimits{Displayed: 6, Enforced: 5} },
			want:   "exceeds enforced",
		},
		{
			name:   "quantity finer than stored prices",
			modify: func(e *EngineConfig) { e.Executor.QuantityPlaces = 12 },
			want:   "quantity places",
		},
		{
			name:   "no close timeout",
			modify: func(e *EngineConfig) { e.Monitor.CloseTimeout = Duration{} },
			want:   "close timeout must be positive",
		},
		{
			name: "stuck closing age within close timeout",
			modify: func(e *EngineConfig) {
				e.Monitor.StuckClosingAge = Duration{Duration: 30 * time.Second}
			},
			want: "must exceed close timeout",
		},
		{
			name: "stuck closing age equal to close timeout",
			modify: func(e *EngineConfig) {
				e.Monitor.StuckClosingAge = e.Monitor.CloseTimeout
			},
			want: "must exceed close timeout",
		},
		{
			name:   "no candle age bound",
			modify: func(e *EngineConfig) { e.Paper.MaxCandleAge = Duration{} },
			want:   "max candle age",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := DefaultEngine()
			tt.modify(&e)
			assert.ErrorContains(t, e.Validate(), tt.want)
		})
	}
}

func TestConnectionString(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "trading", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/trading?sslmode=disable", d.ConnectionString())
}
