package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/papertrade/engine/internal/config"
	"github.com/papertrade/engine/internal/executor"
	"github.com/papertrade/engine/internal/human"
	"github.com/papertrade/engine/internal/intake"
	"github.com/papertrade/engine/internal/ledger"
	"github.com/papertrade/engine/internal/margin"
	"github.com/papertrade/engine/internal/matcher"
	"github.com/papertrade/engine/internal/metrics"
	"github.com/papertrade/engine/internal/outbox"
	"github.com/papertrade/engine/pkg/bus"
	"github.com/papertrade/engine/pkg/pricestore"
	"github.com/papertrade/engine/pkg/types"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger := logrus.WithField("component", "engine")
	logger.Info("Starting trading engine...")

	if err := godotenv.Load(); err == nil {
		logger.Info("Loaded environment from .env")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Ledger database.
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	store := ledger.NewStore(db)
	if err := store.AutoMigrate(); err != nil {
		logger.Fatalf("Failed to migrate schema: %v", err)
	}

	// Redis price store.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Event bus.
	busClient, err := bus.NewClient(&bus.Config{
		URL:      cfg.NatsURL,
		ClientID: "engine",
		Streams:  bus.DefaultStreams(),
	})
	if err != nil {
		logger.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer busClient.Close()

	prices := pricestore.NewStore(rdb, busClient)
	engine := ledger.NewEngine(store, prices, ledger.UserRateDividends{Store: store})

	// Conditional matcher with its Redis book index.
	bookCache := matcher.NewCache(rdb, store, prices, cfg.CacheLockTTL)
	condMatcher := matcher.NewMatcher(bookCache, store, engine)
	go condMatcher.Run(ctx)

	// Margin watcher.
	marginWatcher := margin.NewWatcher(store, engine, prices, cfg.MaintenanceMarginRatio)
	go marginWatcher.Run(ctx)

	// Every tick fans out to both tick consumers.
	tickSub, err := busClient.SubscribePrices(func(tick *types.PriceTick) {
		condMatcher.Enqueue(tick)
		marginWatcher.Enqueue(tick)
	})
	if err != nil {
		logger.Fatalf("Failed to subscribe to price ticks: %v", err)
	}
	defer func() { _ = tickSub.Unsubscribe() }()

	// Settlement workers on the trade queue.
	workers := executor.NewExecutor(busClient, engine, cfg.ExecutorWorkers)
	if err := workers.Start(ctx); err != nil {
		logger.Fatalf("Failed to start settlement workers: %v", err)
	}

	// Order intake over request-reply.
	intakeSvc := intake.NewService(store, prices, busClient, bookCache)
	intakeServer := intake.NewServer(intakeSvc)
	if err := intakeServer.Start(ctx, busClient); err != nil {
		logger.Fatalf("Failed to start intake endpoints: %v", err)
	}

	// P2P book for HUMAN tickers.
	humanMatcher := human.NewMatcher(store, engine, prices, cfg.HumanMatchEvery)
	go humanMatcher.Run(ctx)

	// Outbox drain.
	publisher := outbox.NewPublisher(store, busClient, cfg.OutboxDrainEvery)
	go publisher.Run(ctx)

	go metrics.Serve(cfg.MetricsListenAddr)

	logger.Info("Trading engine started")
	<-ctx.Done()

	// Stop accepting work, let in-flight settlements finish, then drain
	// the connection.
	logger.Info("Shutting down...")
	intakeServer.Stop()
	workers.Stop()
	busClient.Drain()
	logger.Info("Engine stopped")
}
