package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/trogers1052/surge-autotrader/internal/models"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Log      LogConfig
	Engine   EngineConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxOpenConns  int
	MigrationsDir string
}

// KafkaConfig holds Kafka/Redpanda configuration
type KafkaConfig struct {
	Brokers            []string
	MarketDataTopic    string
	NotificationsTopic string
	ConsumerGroup      string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	PriceTTL time.Duration
}

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string
	Format string
}

// EngineConfig holds the trading engine settings. Everything under it can
// also be set from the TOML file named by ENGINE_CONFIG_FILE.
type EngineConfig struct {
	Timezone string `toml:"timezone"`

	Scanner  ScannerConfig                `toml:"scanner"`
	Executor ExecutorConfig               `toml:"executor"`
	Monitor  MonitorConfig                `toml:"monitor"`
	Quota    QuotaConfig                  `toml:"quota"`
	Plans    map[string]models.PlanLimits `toml:"plans"`
	Paper    PaperConfig                  `toml:"paper"`
}

// ScannerConfig controls the surge scanner
type ScannerConfig struct {
	Interval           Duration           `toml:"interval"`
	Workers            int                `toml:"workers"`
	MarketTimeout      Duration           `toml:"market_timeout"`
	CandleInterval     string             `toml:"candle_interval"`
	CandleLookback     int                `toml:"candle_lookback"`
	DetectionThreshold float64            `toml:"detection_threshold"`
	DedupWindow        Duration           `toml:"dedup_window"`
	TargetPct          float64            `toml:"target_pct"`
	StopPct            float64            `toml:"stop_pct"`
	Weights            map[string]float64 `toml:"weights"`
	LeaderLock         bool               `toml:"leader_lock"`
}

// ExecutorConfig controls entry execution
type ExecutorConfig struct {
	BatchSize      int      `toml:"batch_size"`
	SignalTTL      Duration `toml:"signal_ttl"`
	OrderTimeout   Duration `toml:"order_timeout"`
	OrderAttempts  int      `toml:"order_attempts"`
	OrderBackoff   Duration `toml:"order_backoff"`
	OrphanTimeout  Duration `toml:"orphan_timeout"`
	QuantityPlaces int32    `toml:"quantity_places"`
}

// MonitorConfig controls the position monitor
type MonitorConfig struct {
	Interval        Duration `toml:"interval"`
	Workers         int      `toml:"workers"`
	PriceTimeout    Duration `toml:"price_timeout"`
	MaxHolding      Duration `toml:"max_holding"`
	ExitAttempts    int      `toml:"exit_attempts"`
	ExitBackoff     Duration `toml:"exit_backoff"`
	CloseTimeout    Duration `toml:"close_timeout"`
	StuckClosingAge Duration `toml:"stuck_closing_age"`
}

// QuotaConfig controls the weekly reset job
type QuotaConfig struct {
	ResetInterval Duration `toml:"reset_interval"`
}

// PaperConfig controls the simulated exchange
type PaperConfig struct {
	StartingBalance float64 `toml:"starting_balance"`
	// MaxCandleAge bounds the candle-close fallback price, measured from
	// the candle's open time
	MaxCandleAge Duration `toml:"max_candle_age"`
}

// Duration lets TOML files use strings like "5m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Load reads configuration from .env, environment variables and the
// optional engine TOML file.
func Load() (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8081"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "postgres"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "trader"),
			Password:      getEnv("DB_PASSWORD", "trader5"),
			DBName:        getEnv("DB_NAME", "trading_platform"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:  getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "./db/migrations"),
		},
		Kafka: KafkaConfig{
			Brokers:            parseList(getEnv("KAFKA_BROKERS", "localhost:19092")),
			MarketDataTopic:    getEnv("KAFKA_MARKET_DATA_TOPIC", "market.candles"),
			NotificationsTopic: getEnv("KAFKA_NOTIFICATIONS_TOPIC", "autotrade.notifications"),
			ConsumerGroup:      getEnv("KAFKA_CONSUMER_GROUP", "surge-autotrader"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PriceTTL: getEnvDuration("REDIS_PRICE_TTL", 30*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Engine: DefaultEngine(),
	}

	if path := os.Getenv("ENGINE_CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg.Engine); err != nil {
			return nil, fmt.Errorf("failed to read engine config %s: %w", path, err)
		}
	}
	applyEngineEnv(&cfg.Engine)

	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultEngine returns the built-in engine settings
func DefaultEngine() EngineConfig {
	return EngineConfig{
		Timezone: "UTC",
		Scanner: ScannerConfig{
			Interval:           Duration{5 * time.Minute},
			Workers:            8,
			MarketTimeout:      Duration{10 * time.Second},
			CandleInterval:     "15m",
			CandleLookback:     60,
			DetectionThreshold: 70,
			DedupWindow:        Duration{24 * time.Hour},
			TargetPct:          5,
			StopPct:            5,
			Weights: map[string]float64{
				"volume_surge":     30,
				"rsi_recovery":     20,
				"support_distance": 15,
				"trend":            20,
				"momentum":         15,
			},
			LeaderLock: true,
		},
		Executor: ExecutorConfig{
			BatchSize:      100,
			SignalTTL:      Duration{15 * time.Minute},
			OrderTimeout:   Duration{10 * time.Second},
			OrderAttempts:  3,
			OrderBackoff:   Duration{500 * time.Millisecond},
			OrphanTimeout:  Duration{10 * time.Minute},
			QuantityPlaces: 8,
		},
		Monitor: MonitorConfig{
			Interval:        Duration{5 * time.Second},
			Workers:         16,
			PriceTimeout:    Duration{3 * time.Second},
			MaxHolding:      Duration{72 * time.Hour},
			ExitAttempts:    3,
			ExitBackoff:     Duration{500 * time.Millisecond},
			CloseTimeout:    Duration{time.Minute},
			StuckClosingAge: Duration{5 * time.Minute},
		},
		Quota: QuotaConfig{
			ResetInterval: Duration{time.Hour},
		},
		Plans: map[string]models.PlanLimits{
			"basic":   {Displayed: 3, Enforced: 5},
			"pro":     {Displayed: 10, Enforced: 15},
			"premium": {Displayed: 20, Enforced: 30},
		},
		Paper: PaperConfig{
			StartingBalance: 10_000_000,
			MaxCandleAge:    Duration{30 * time.Minute},
		},
	}
}

// Validate checks engine settings that would otherwise fail at runtime
func (e *EngineConfig) Validate() error {
	if _, err := time.LoadLocation(e.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", e.Timezone, err)
	}

	var total float64
	for name, w := range e.Scanner.Weights {
		if w < 0 {
			return fmt.Errorf("scanner weight %s must not be negative", name)
		}
		total += w
	}
	if total < 99.999 || total > 100.001 {
		return fmt.Errorf("scanner weights must sum to 100, got %.2f", total)
	}

	if e.Scanner.DetectionThreshold < 0 || e.Scanner.DetectionThreshold > 100 {
		return fmt.Errorf("detection threshold %.2f out of range", e.Scanner.DetectionThreshold)
	}
	if e.Scanner.StopPct <= 0 || e.Scanner.StopPct >= 100 || e.Scanner.TargetPct <= 0 {
		return fmt.Errorf("scanner target/stop percentages out of range")
	}
	if e.Scanner.Workers < 1 || e.Monitor.Workers < 1 {
		return fmt.Errorf("worker pools need at least one worker")
	}
	if e.Executor.OrderAttempts < 1 || e.Monitor.ExitAttempts < 1 {
		return fmt.Errorf("order attempts must be at least 1")
	}
	if e.Executor.QuantityPlaces < 0 || e.Executor.QuantityPlaces > models.PriceScale {
		return fmt.Errorf("quantity places must be between 0 and %d", models.PriceScale)
	}
	if e.Monitor.CloseTimeout.Duration <= 0 {
		return fmt.Errorf("monitor close timeout must be positive")
	}
	// A sweep younger than a close could park a position whose sell is in flight
	if e.Monitor.StuckClosingAge.Duration > 0 && e.Monitor.StuckClosingAge.Duration <= e.Monitor.CloseTimeout.Duration {
		return fmt.Errorf("stuck closing age %s must exceed close timeout %s",
			e.Monitor.StuckClosingAge.Duration, e.Monitor.CloseTimeout.Duration)
	}
	if e.Paper.MaxCandleAge.Duration <= 0 {
		return fmt.Errorf("paper max candle age must be positive")
	}
	if len(e.Plans) == 0 {
		return fmt.Errorf("at least one plan tier is required")
	}
	for tier, limits := range e.Plans {
		if limits.Enforced < 1 {
			return fmt.Errorf("plan %s: enforced limit must be at least 1", tier)
		}
		if limits.Displayed > limits.Enforced {
			return fmt.Errorf("plan %s: displayed limit %d exceeds enforced limit %d", tier, limits.Displayed, limits.Enforced)
		}
	}
	return nil
}

// Location returns the engine time zone used for week buckets
func (e *EngineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + d.Port + "/" + d.DBName + "?sslmode=" + d.SSLMode
}

// Address returns the Redis address in host:port format
func (r *RedisConfig) Address() string {
	return r.Host + ":" + r.Port
}

func applyEngineEnv(e *EngineConfig) {
	e.Timezone = getEnv("ENGINE_TIMEZONE", e.Timezone)
	e.Scanner.Interval.Duration = getEnvDuration("SCANNER_INTERVAL", e.Scanner.Interval.Duration)
	e.Scanner.Workers = getEnvInt("SCANNER_WORKERS", e.Scanner.Workers)
	e.Scanner.DetectionThreshold = getEnvFloat("SCANNER_DETECTION_THRESHOLD", e.Scanner.DetectionThreshold)
	e.Monitor.Interval.Duration = getEnvDuration("MONITOR_INTERVAL", e.Monitor.Interval.Duration)
	e.Monitor.Workers = getEnvInt("MONITOR_WORKERS", e.Monitor.Workers)
	e.Monitor.MaxHolding.Duration = getEnvDuration("MONITOR_MAX_HOLDING", e.Monitor.MaxHolding.Duration)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

// parseList splits a comma-separated list
func parseList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
