package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/database"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/health"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/httpclient"
	pkgkafka "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/kafka"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/pkg/tracing"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/config"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/event"
	handler "github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/handler/http"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/lock"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/recovery"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/repository/postgres"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/saga"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/workflow"
	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/migrations"
)

// App wires together all dependencies and runs the saga service.
type App struct {
	cfg              *config.Config
	logger           *slog.Logger
	pool             *pgxpool.Pool
	redisClient      *redis.Client
	producer         *pkgkafka.Producer
	checkoutConsumer *pkgkafka.Consumer
	sweeper          *recovery.Sweeper
	httpServer       *http.Server
	tracerShutdown   func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "saga",
		ServiceVersion: "0.1.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTELEndpoint,
		SampleRate:     cfg.OTELSampleRate,
		Enabled:        cfg.OTELEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPool(ctx, &pgCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "saga")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Configure slow query logging.
	if cfg.SlowQueryThresholdMs > 0 {
		database.SetSlowQueryLogging(time.Duration(cfg.SlowQueryThresholdMs)*time.Millisecond, logger)
	}

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Select the distributed lock backend.
	var (
		lockManager lock.Manager
		redisClient *redis.Client
	)
	switch cfg.LockBackend {
	case config.LockBackendRedis:
		redisClient, err = database.NewRedisClient(ctx, database.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		lockManager = lock.NewRedisManager(redisClient, cfg.RedisLockTTL())
	default:
		lockManager = lock.NewPostgresManager(pool)
	}
	logger.Info("saga lock manager initialized", slog.String("backend", cfg.LockBackend))

	// Build the dependency graph.
	repo := postgres.NewSagaStateRepository(pool, logger)
	eventProducer := event.NewProducer(producer, logger)

	orchestrator := saga.NewOrchestrator(repo, lockManager, logger,
		saga.WithObservers(eventProducer),
		saga.WithLockWait(cfg.LockWait()),
	)

	// Create HTTP client with circuit breaker for downstream service calls.
	baseClient := httpclient.New(httpclient.Config{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
	})

	cbCfg := httpclient.CircuitBreakerConfig{
		Name:         "saga-downstream",
		MaxRequests:  cfg.CBMaxRequests,
		Interval:     time.Duration(cfg.CBInterval) * time.Second,
		Timeout:      time.Duration(cfg.CBTimeout) * time.Second,
		FailureRatio: cfg.CBFailureRatio,
		MinRequests:  cfg.CBMinRequests,
	}
	cbClient := httpclient.NewCircuitBreakerClient(baseClient, cbCfg, logger).
		WithFallback(workflow.CircuitOpenFallback)
	logger.Info("circuit breaker initialized",
		slog.String("name", cbCfg.Name),
		slog.Uint64("max_requests", uint64(cbCfg.MaxRequests)),
		slog.Int("timeout_seconds", cfg.CBTimeout),
		slog.Uint64("min_requests", uint64(cbCfg.MinRequests)),
	)

	checkout := workflow.NewCheckout(
		cbClient,
		logger,
		cfg.CartServiceURL,
		cfg.InventoryServiceURL,
		cfg.OrderServiceURL,
		cfg.PaymentServiceURL,
		workflow.Timeouts{
			InventoryTimeout: time.Duration(cfg.SagaInventoryTimeout) * time.Second,
			OrderTimeout:     time.Duration(cfg.SagaOrderTimeout) * time.Second,
			PaymentTimeout:   time.Duration(cfg.SagaPaymentTimeout) * time.Second,
		},
		cfg.SagaMaxRetries,
	)

	// Register saga types so the recovery sweep can rebuild step lists
	// for sagas stranded by a crashed worker.
	registry := saga.NewRegistry()
	if err := checkout.Register(registry); err != nil {
		pool.Close()
		return nil, fmt.Errorf("register checkout saga type: %w", err)
	}

	sweeper := recovery.NewSweeper(orchestrator, repo, registry, logger,
		recovery.WithInterval(cfg.RecoveryInterval()),
		recovery.WithStaleAfter(cfg.RecoveryStaleAfter()),
		recovery.WithBatchSize(cfg.RecoveryBatchSize),
	)

	// Kafka consumer for asynchronous checkout requests. Redelivered
	// messages are dropped by the idempotency layer; poison messages go
	// to the DLQ.
	consumerHandler := event.NewConsumerHandler(orchestrator, checkout, logger)
	idempotencyStore := pkgkafka.NewMemoryIdempotencyStore(24 * time.Hour)
	checkoutConsumer := pkgkafka.NewConsumer(pkgkafka.ConsumerConfig{
		Brokers:   cfg.KafkaBrokers,
		GroupID:   event.ConsumerGroupID,
		Topic:     event.TopicCheckoutRequested,
		MinBytes:  1,
		MaxBytes:  10e6,
		EnableDLQ: true,
	}, pkgkafka.IdempotentHandler(idempotencyStore, consumerHandler.Handle, logger), logger)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.Register("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthHandler.Register("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})
	if redisClient != nil {
		healthHandler.Register("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	// HTTP router.
	sagaHandler := handler.NewSagaHandler(orchestrator, checkout, logger)
	router := handler.NewRouter(sagaHandler, healthHandler, logger, cfg.PprofAllowedCIDRs)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:              cfg,
		logger:           logger,
		pool:             pool,
		redisClient:      redisClient,
		producer:         producer,
		checkoutConsumer: checkoutConsumer,
		sweeper:          sweeper,
		httpServer:       httpServer,
		tracerShutdown:   tracerShutdown,
	}, nil
}

// Run starts the HTTP server, the checkout consumer, and the recovery
// sweep, blocking until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.sweeper.Run(sweepCtx)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	go func() {
		if err := a.checkoutConsumer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("checkout consumer: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	stopSweep()
	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Tracer (flush pending spans from drained requests)
// 3. Kafka consumer
// 4. Kafka producer
// 5. Redis client (when the redis lock backend is active)
// 6. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Flush pending spans after HTTP drain so in-flight request spans are captured.
	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 3. Close Kafka consumer.
	if err := a.checkoutConsumer.Close(); err != nil {
		a.logger.Error("kafka consumer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 4. Close Kafka producer.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 5. Close Redis client.
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 6. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
