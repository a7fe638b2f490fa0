package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/trogers1052/surge-autotrader/internal/api"
	"github.com/trogers1052/surge-autotrader/internal/config"
	"github.com/trogers1052/surge-autotrader/internal/database"
	"github.com/trogers1052/surge-autotrader/internal/exchange"
	"github.com/trogers1052/surge-autotrader/internal/executor"
	"github.com/trogers1052/surge-autotrader/internal/kafka"
	"github.com/trogers1052/surge-autotrader/internal/logging"
	"github.com/trogers1052/surge-autotrader/internal/metrics"
	"github.com/trogers1052/surge-autotrader/internal/monitor"
	"github.com/trogers1052/surge-autotrader/internal/notify"
	"github.com/trogers1052/surge-autotrader/internal/quota"
	"github.com/trogers1052/surge-autotrader/internal/redis"
	"github.com/trogers1052/surge-autotrader/internal/scanner"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	engine := cfg.Engine
	loc := engine.Location()
	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	db, err := database.New(cfg.Database.ConnectionString(), database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxOpenConns / 2,
		ConnMaxLifetime: 30 * time.Minute,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := runMigrations(cfg.Database.MigrationsDir, cfg.Database.ConnectionString(), logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	logger.Info().Msg("Connected to PostgreSQL database")

	// Connect to Redis. Everything it backs has a fallback.
	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to connect to Redis (continuing without cache)")
		redisClient = nil
	} else {
		defer redisClient.Close()
		logger.Info().Str("addr", cfg.Redis.Address()).Msg("Connected to Redis cache")
	}

	kafkaEnabled := len(cfg.Kafka.Brokers) > 0

	// Notification fan-out
	senders := []notify.Sender{notify.NewLogSender(logger)}
	var producer *kafka.Producer
	if kafkaEnabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.NotificationsTopic, logger)
		defer producer.Close()
		senders = append(senders, producer)
	}
	if redisClient != nil {
		senders = append(senders, notify.NewPubSubSender(redisClient, "autotrade:notifications"))
	}
	dispatcher := notify.NewDispatcher(senders, 1024, logger)
	dispatcher.OnDrop(func(notify.Event) { m.NotificationDropped() })

	// Paper exchange priced from the cache, falling back to a recent candle
	maxCandleAge := engine.Paper.MaxCandleAge.Duration
	prices := exchange.FallbackPrices{exchange.PriceSourceFunc(func(ctx context.Context, market string) (decimal.Decimal, error) {
		return db.LatestClose(ctx, market, time.Now().Add(-maxCandleAge))
	})}
	if redisClient != nil {
		prices = append(exchange.FallbackPrices{redisClient}, prices...)
	}
	venue := exchange.NewPaperClient(prices, decimal.NewFromFloat(engine.Paper.StartingBalance))

	ledger := quota.NewLedger(db, engine.Plans, loc, logger, m)
	exec := executor.New(db, venue, dispatcher, engine.Executor, engine.Plans, loc, logger, m)
	scan := scanner.New(db, engine.Scanner, loc, logger, m).WithExecutor(exec)
	if engine.Scanner.LeaderLock && redisClient != nil {
		scan = scan.WithLocker(redisClient)
	}
	mon := monitor.New(db, venue, dispatcher, engine.Monitor, logger, m)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go dispatcher.Run(notifyCtx)

	g, gctx := errgroup.WithContext(ctx)

	if kafkaEnabled {
		var cache kafka.PriceCache
		if redisClient != nil {
			cache = redisClient
		}
		consumer := kafka.NewMarketDataConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.MarketDataTopic,
			cfg.Kafka.ConsumerGroup,
			db,
			cache,
			logger,
		)
		g.Go(func() error {
			if err := consumer.Start(gctx); err != nil {
				logger.Error().Err(err).Msg("Market data consumer error")
			}
			return nil
		})
	}

	g.Go(func() error { ledger.Run(gctx, engine.Quota.ResetInterval.Duration); return nil })
	g.Go(func() error { scan.Run(gctx); return nil })
	g.Go(func() error { mon.Run(gctx); return nil })

	// Set up HTTP handler and routes
	var pinger api.Pinger
	if redisClient != nil {
		pinger = redisClient
	}
	handler := api.NewHandler(db, pinger, kafkaEnabled, ledger, engine.Plans, logger)
	router := api.SetupRoutes(handler, promhttp.Handler())

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Str("addr", addr).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Stop the trading loops first so nothing new is raised
	cancel()
	_ = g.Wait()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Flush queued notifications
	stopNotify()
	dispatcher.Wait()

	logger.Info().Msg("Server stopped")
}

func runMigrations(dir, databaseURL string, logger zerolog.Logger) error {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}
	defer m.Close()

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info().Msg("No migrations to apply; database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
