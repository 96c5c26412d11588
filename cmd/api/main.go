package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/notification-engine/internal/config"
	"github.com/kursadbilgin/notification-engine/internal/domain"
	"github.com/kursadbilgin/notification-engine/internal/handler"
	"github.com/kursadbilgin/notification-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/notification-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/notification-engine/internal/infra/redis"
	"github.com/kursadbilgin/notification-engine/internal/ingestion"
	"github.com/kursadbilgin/notification-engine/internal/observability"
	"github.com/kursadbilgin/notification-engine/internal/provider"
	"github.com/kursadbilgin/notification-engine/internal/queue"
	"github.com/kursadbilgin/notification-engine/internal/repository"
	"github.com/kursadbilgin/notification-engine/internal/resilience/bulkhead"
	"github.com/kursadbilgin/notification-engine/internal/resilience/circuitbreaker"
	"github.com/kursadbilgin/notification-engine/internal/routing"
	"github.com/kursadbilgin/notification-engine/internal/service"
	"github.com/kursadbilgin/notification-engine/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("notification-engine stopped with error", zap.Error(err))
	}
	logger.Info("notification-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	metrics.SetErrorStatus(transport.StatusFor)

	db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, postgresql.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres initialization failed: %w", err)
	}
	if err := migrations.Migrate(db); err != nil {
		return fmt.Errorf("database migrations failed: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("postgres underlying db init failed: %w", err)
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL, infraredis.Options{
		PoolSize: cfg.RedisPoolSize,
		Timeout:  cfg.RedisTimeout,
	})
	if err != nil {
		return fmt.Errorf("redis initialization failed: %w", err)
	}
	defer rdb.Close()

	topology := queue.DefaultTopology()
	topology.EventsExchange = cfg.EventsExchange
	topology.EventsQueue = cfg.EventsQueue
	topology.OutcomesExchange = cfg.OutcomesExchange
	broker, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, topology)
	if err != nil {
		return fmt.Errorf("rabbitmq initialization failed: %w", err)
	}
	defer broker.Close()

	notificationRepo := repository.NewGormNotificationRepo(db)
	attemptRepo := repository.NewGormAttemptRepo(db)
	retryJobRepo := repository.NewGormRetryJobRepo(db)
	deadLetterRepo := repository.NewGormDeadLetterRepo(db)
	preferenceRepo := repository.NewGormPreferenceRepo(db)

	preferenceCache, err := infraredis.NewPreferenceCache(rdb, cfg.PreferenceCacheTTL)
	if err != nil {
		return err
	}
	dedupGuard, err := infraredis.NewDedupGuard(rdb, cfg.DedupWindow)
	if err != nil {
		return err
	}
	rateLimiter, err := infraredis.NewRedisRateLimiter(rdb, map[domain.Channel]int{
		domain.ChannelEmail: cfg.EmailRateLimitPerSec,
		domain.ChannelSMS:   cfg.SMSRateLimitPerSec,
		domain.ChannelChat:  cfg.ChatRateLimitPerSec,
	})
	if err != nil {
		return err
	}

	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}

	breakerConfig := circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Interval:         cfg.BreakerInterval,
		Timeout:          cfg.BreakerOpenTimeout,
		MaxRequests:      cfg.BreakerHalfOpenRequests,
		IsSuccessful:     provider.IsBreakerSuccess,
	}
	breakerConfigs := make(map[domain.Channel]circuitbreaker.Config, len(domain.ChannelPriority))
	for _, ch := range domain.ChannelPriority {
		breakerConfigs[ch] = breakerConfig
		metrics.SetCircuitBreakerState(ch.String(), string(circuitbreaker.StateClosed))
	}
	breakers := circuitbreaker.NewRegistry(breakerConfigs, logger, func(ch domain.Channel, _, to circuitbreaker.State) {
		metrics.SetCircuitBreakerState(ch.String(), string(to))
	})
	bulkheads := bulkhead.NewRegistry(map[domain.Channel]bulkhead.Config{
		domain.ChannelEmail: {MaxConcurrent: cfg.EmailBulkheadSize, AcquireTimeout: cfg.EmailBulkheadTimeout},
		domain.ChannelSMS:   {MaxConcurrent: cfg.SMSBulkheadSize, AcquireTimeout: cfg.SMSBulkheadTimeout},
		domain.ChannelChat:  {MaxConcurrent: cfg.ChatBulkheadSize, AcquireTimeout: cfg.ChatBulkheadTimeout},
	})

	// A typed nil publisher would defeat the lifecycle's nil check.
	var outcomes queue.OutcomePublisher
	if cfg.OutcomeEventsEnabled {
		outcomes = queue.NewRabbitMQPublisher(broker)
	}

	lifecycle, err := service.NewLifecycleManager(notificationRepo, attemptRepo, retryJobRepo, outcomes, cfg.CancelRetriesOnDelivered, logger)
	if err != nil {
		return err
	}
	lifecycle.SetMetrics(metrics)

	retries, err := service.NewRetryScheduler(notificationRepo, retryJobRepo, deadLetterRepo, service.BackoffConfig{
		Base:   cfg.RetryBaseDelay,
		Max:    cfg.RetryMaxDelay,
		Jitter: cfg.RetryJitter,
	}, logger)
	if err != nil {
		return err
	}
	retries.SetMetrics(metrics)

	preferenceService, err := service.NewPreferenceService(preferenceRepo, preferenceCache, logger)
	if err != nil {
		return err
	}

	dispatcher, err := service.NewDispatcher(
		lifecycle,
		retries,
		retryJobRepo,
		preferenceService,
		adapters,
		breakers,
		bulkheads,
		rateLimiter,
		map[domain.Channel]time.Duration{
			domain.ChannelEmail: cfg.EmailTimeout,
			domain.ChannelSMS:   cfg.SMSTimeout,
			domain.ChannelChat:  cfg.ChatTimeout,
		},
		logger,
	)
	if err != nil {
		return err
	}
	dispatcher.SetMetrics(metrics)

	notificationService, err := service.NewNotificationService(
		notificationRepo,
		attemptRepo,
		lifecycle,
		dispatcher,
		routing.NewRouter(),
		preferenceService,
		dedupGuard,
		cfg.DedupWindow,
		logger,
	)
	if err != nil {
		return err
	}
	notificationService.SetMetrics(metrics)

	deadLetterService, err := service.NewDeadLetterService(deadLetterRepo, notificationRepo, attemptRepo, lifecycle, dispatcher, logger)
	if err != nil {
		return err
	}

	retryScanner, err := service.NewRetryScanner(
		retryJobRepo,
		notificationRepo,
		dispatcher,
		cfg.RetryScanInterval,
		cfg.RetryScanLimit,
		cfg.RetryScanConcurrency,
		cfg.CancelRetriesOnDelivered,
		logger,
	)
	if err != nil {
		return err
	}

	scheduler, err := service.NewScheduler(notificationRepo, notificationService, cfg.SchedulerInterval, cfg.SchedulerLimit, logger)
	if err != nil {
		return err
	}

	consumer := queue.NewRabbitMQConsumer(broker, cfg.RabbitMQPrefetch, logger)
	loop, err := ingestion.NewLoop(consumer, notificationService, preferenceService, cfg.IngestionWorkers, logger)
	if err != nil {
		return err
	}
	loop.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		AppName:      observability.ServiceName,
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, handler.HealthDeps{
		DB:        sqlDB,
		Redis:     rdb,
		Broker:    broker,
		Breakers:  breakers,
		Bulkheads: bulkheads,
	})
	if err := handler.RegisterNotificationRoutes(app, notificationService); err != nil {
		return err
	}
	if err := handler.RegisterPreferenceRoutes(app, preferenceService); err != nil {
		return err
	}
	if err := handler.RegisterDeadLetterRoutes(app, deadLetterService); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("notification-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		if err := app.ShutdownWithTimeout(cfg.ShutdownTimeout); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		return loop.Start(groupCtx)
	})
	g.Go(func() error {
		return retryScanner.Start(groupCtx)
	})
	g.Go(func() error {
		return scheduler.Start(groupCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAdapters(cfg *config.Config) (provider.Adapters, error) {
	email, err := provider.NewEmailAdapter(provider.HTTPConfig{
		Endpoint:      cfg.EmailProviderURL,
		APIKey:        cfg.EmailProviderAPIKey,
		Timeout:       cfg.EmailTimeout,
		RatePerSecond: cfg.EmailRatePerSec,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("email adapter: %w", err)
	}
	sms, err := provider.NewSMSAdapter(provider.HTTPConfig{
		Endpoint:      cfg.SMSProviderURL,
		APIKey:        cfg.SMSProviderAPIKey,
		Timeout:       cfg.SMSTimeout,
		RatePerSecond: cfg.SMSRatePerSec,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("sms adapter: %w", err)
	}
	chat, err := provider.NewChatAdapter(provider.HTTPConfig{
		Endpoint:      cfg.ChatProviderURL,
		APIKey:        cfg.ChatProviderAPIKey,
		Timeout:       cfg.ChatTimeout,
		RatePerSecond: cfg.ChatRatePerSec,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chat adapter: %w", err)
	}
	return provider.NewAdapters(email, sms, chat), nil
}
