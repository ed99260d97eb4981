/**
 * @description
 * This is the main entry point for the accrual-service.
 * It runs the daily accrual scheduler, the notification dispatcher and outbox
 * relay, and a small internal HTTP API for manual runs and ledger access.
 */
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/recoverly/accrual-service/internal/api"
	"github.com/recoverly/accrual-service/internal/app"
	"github.com/recoverly/accrual-service/internal/config"
	"github.com/recoverly/accrual-service/internal/logging"
	"github.com/recoverly/accrual-service/internal/store"
	"github.com/recoverly/accrual-service/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load .env for local development; absent in deployed environments.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to open store")
		os.Exit(1)
	}
	defer closeStore()

	publisher := openPublisher(cfg.RabbitMQURL, logger)
	defer publisher.Close()

	dispatcher := app.NewDispatcher(
		app.NewBrokerNotifier(publisher, cfg.NotificationExchange),
		repo,
		logger,
		app.DispatcherOptions{
			QueueSize:   cfg.NotifyQueueSize,
			Workers:     cfg.NotifyWorkers,
			MaxAttempts: cfg.NotifyMaxAttempts,
			Exchange:    cfg.NotificationExchange,
		},
	)
	dispatcher.Start()

	var locker app.UserLocker
	if cfg.RedisURL != "" && cfg.UserLockTTL > 0 {
		redisClient, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable; per-user locks disabled")
		} else {
			defer redisClient.Close()
			locker = app.NewRedisUserLocker(redisClient, cfg.RedisLockPrefix, cfg.UserLockTTL)
			logger.Info("Redis per-user locks enabled")
		}
	}

	engine := app.NewEngine(repo, dispatcher, locker, logger, app.EngineOptions{
		Workers:       cfg.AccrualWorkers,
		PageSize:      cfg.AccrualPageSize,
		MaxUsers:      cfg.AccrualMaxUsers,
		CommitRetries: cfg.AccrualCommitRetries,
		Location:      cfg.Location(),
	})

	jobs := app.NewJobs(engine, logger, cfg.AccrualRunTimeout)
	scheduler := app.NewScheduler(jobs, logger, app.ScheduleConfig{
		AccrualJobSchedule:      cfg.AccrualJobSchedule,
		AccrualRetryJobSchedule: cfg.AccrualRetryJobSchedule,
		Location:                cfg.Location(),
	})
	if err := scheduler.Start(); err != nil {
		logger.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}
	logger.Info("scheduler started")

	relay := app.NewOutboxRelay(repo, publisher, logger, cfg.OutboxPollInterval)
	go relay.Run(ctx)

	ledger := app.NewLedgerService(repo, logger)
	handler := api.NewHandler(engine, ledger, cfg.Location(), cfg.AccrualRunTimeout, logger)
	router := api.NewRouter(handler, cfg.InternalAPIKey, cfg.JWTSecret)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("port", cfg.ServerPort).Info("accrual service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown incomplete")
	}
	select {
	case <-scheduler.Stop().Done():
		logger.Info("scheduler stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("scheduler still running at shutdown deadline")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("notification dispatcher did not drain")
	}
	logger.Info("accrual service stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Repository, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory store; data is lost on restart")
		return store.NewMemoryRepository(), func() {}, nil
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	logger.Info("database connection established")
	return store.NewPostgresRepository(pool), pool.Close, nil
}

func openRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// openPublisher never leaves notifications silently dropped: without a broker every
// publish fails and the event is parked in the outbox for the relay.
func openPublisher(rawURL string, logger logrus.FieldLogger) rabbitmq.Publisher {
	if rawURL == "" {
		logger.Warn("RABBITMQ_URL not set; notifications will be parked in the outbox")
		return &rabbitmq.EventProducerFallback{Logger: logger}
	}
	producer, err := rabbitmq.NewEventProducer(rawURL, logger)
	if err == nil {
		logger.Info("RabbitMQ producer connected")
		return producer
	}
	deferred, deferErr := rabbitmq.NewDeferredEventProducer(rawURL, logger)
	if deferErr != nil {
		logger.WithError(deferErr).Warn("invalid RABBITMQ_URL; notifications will be parked in the outbox")
		return &rabbitmq.EventProducerFallback{Logger: logger}
	}
	logger.WithError(err).Warn("RabbitMQ unavailable; producer will redial on publish")
	return deferred
}
