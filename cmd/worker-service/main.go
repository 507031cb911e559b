package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/config"
	"github.com/cuongbtq/vendor-dispatch/internal/domain"
	"github.com/cuongbtq/vendor-dispatch/internal/metrics"
	"github.com/cuongbtq/vendor-dispatch/internal/ratelimit"
	"github.com/cuongbtq/vendor-dispatch/internal/retry"
	"github.com/cuongbtq/vendor-dispatch/internal/sanitizer"
	"github.com/cuongbtq/vendor-dispatch/internal/storage"
	"github.com/cuongbtq/vendor-dispatch/internal/vendor"
	"github.com/cuongbtq/vendor-dispatch/internal/worker"
	"github.com/cuongbtq/vendor-dispatch/shared/logger"
	"github.com/cuongbtq/vendor-dispatch/shared/postgresql"
	"github.com/cuongbtq/vendor-dispatch/shared/rabbitmq"
	"github.com/cuongbtq/vendor-dispatch/shared/redis"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("retry_scheduler", cfg.Retry.Scheduler),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established", slog.String("pool", dbClient.Stats()))

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	limiters, err := ratelimit.NewRegistry(map[domain.VendorKind]ratelimit.Settings{
		domain.VendorSync:  {RatePerSecond: cfg.RateLimit.Sync.RatePerSecond, Burst: cfg.RateLimit.Sync.Burst},
		domain.VendorAsync: {RatePerSecond: cfg.RateLimit.Async.RatePerSecond, Burst: cfg.RateLimit.Async.Burst},
	}, m.LimiterWait)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiters: %w", err)
	}

	vendors, err := initVendors(cfg, limiters, m, appLogger.Component("vendor").Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize vendor clients: %w", err)
	}

	// Create context for background loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler, closeScheduler, err := initScheduler(ctx, cfg, rabbitClient, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize retry scheduler: %w", err)
	}
	defer closeScheduler()

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          appLogger.Component("worker").Logger,
		Store:           storage.NewPostgres(dbClient.GetDB(), appLogger.Component("storage").Logger),
		Source:          worker.NewAMQPSource(rabbitClient, appLogger.Component("consumer").Logger),
		Scheduler:       scheduler,
		Vendors:         vendors,
		Sanitizer:       sanitizer.New(),
		Metrics:         m,
		ConsumerTag:     cfg.RabbitMQ.Consumer.Tag,
		Concurrency:     cfg.Worker.Concurrency,
		Prefetch:        cfg.RabbitMQ.Consumer.PrefetchCount,
		MaxRetries:      *cfg.Worker.MaxRetries,
		RetryBaseDelay:  cfg.Worker.RetryBaseDelay,
		ShutdownTimeout: cfg.Worker.ShutdownTimeout,
	})

	if err := workerInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	statusSrv := startStatusServer(cfg, workerInstance, limiters, rabbitClient, registry, appLogger.Logger)

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case <-workerInstance.Closed():
		appLogger.Error("Message source closed unexpectedly, shutting down")
		runErr = errors.New("message source closed")
	}

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	if err := workerInstance.Stop(shutdownCtx); err != nil {
		appLogger.Warn("Worker shutdown incomplete", slog.Any("error", err))
	} else {
		appLogger.Info("Worker stopped gracefully")
	}

	if statusSrv != nil {
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			appLogger.Warn("Status server shutdown failed", slog.Any("error", err))
		}
	}

	// stop the retry poller only after in-flight jobs have scheduled their retries
	cancel()

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		RequiredTables:  storage.Tables,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.DeadLetter.Exchange,
		DeadLetterQueue:    cfg.DeadLetter.Queue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initVendors builds one rate-limited HTTP client per vendor kind
func initVendors(cfg *config.Config, limiters *ratelimit.Registry, m *metrics.Metrics, logger *slog.Logger) (vendor.Set, error) {
	syncLimiter, err := limiters.For(domain.VendorSync)
	if err != nil {
		return nil, err
	}
	asyncLimiter, err := limiters.For(domain.VendorAsync)
	if err != nil {
		return nil, err
	}

	webhookURL := strings.TrimRight(cfg.Webhook.PublicBaseURL, "/") + "/vendor-webhook/" + string(domain.VendorAsync)

	return vendor.NewSet(
		vendor.NewSyncClient(vendorConfig(cfg.Vendors.Sync, ""), syncLimiter, logger,
			vendor.WithCallDuration(m.VendorCallDuration)),
		vendor.NewAsyncClient(vendorConfig(cfg.Vendors.Async, webhookURL), asyncLimiter, logger,
			vendor.WithCallDuration(m.VendorCallDuration)),
	), nil
}

func vendorConfig(cfg config.VendorConfig, webhookURL string) vendor.Config {
	return vendor.Config{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		Timeout:    cfg.Timeout,
		UserAgent:  cfg.UserAgent,
		WebhookURL: webhookURL,
		Breaker: vendor.BreakerConfig{
			ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
			OpenTimeout:         cfg.Breaker.OpenTimeout,
			HalfOpenRequests:    cfg.Breaker.HalfOpenRequests,
		},
	}
}

// initScheduler picks where delayed retries wait. The returned func releases any
// connection the scheduler opened.
func initScheduler(ctx context.Context, cfg *config.Config, rabbitClient *rabbitmq.Client, appLogger *logger.Logger) (worker.Scheduler, func(), error) {
	schedLogger := appLogger.Component("retry").Logger

	if cfg.Retry.Scheduler != config.SchedulerRedis {
		return retry.NewAMQPScheduler(rabbitClient, schedLogger), func() {}, nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.DialTimeout,
	}, appLogger.Logger)
	if err != nil {
		return nil, nil, err
	}

	scheduler := retry.NewRedisScheduler(redisClient.GetClient(), rabbitClient, retry.RedisConfig{
		Key:          cfg.Retry.RedisKey,
		PollInterval: cfg.Retry.PollInterval,
		BatchSize:    cfg.Retry.BatchSize,
	}, schedLogger)

	go func() {
		if err := scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			schedLogger.Error("Retry poller stopped", slog.Any("error", err))
		}
	}()

	return scheduler, func() { redisClient.Close() }, nil
}

// startStatusServer exposes /healthz and metrics on the metrics port
func startStatusServer(cfg *config.Config, w *worker.Worker, limiters *ratelimit.Registry, queue queueState, gatherer prometheus.Gatherer, logger *slog.Logger) *http.Server {
	if !cfg.Metrics.Enabled {
		return nil
	}

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newStatusRouter(w, limiters, queue, gatherer, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed", slog.Any("error", err))
		}
	}()

	logger.Info("Status server listening", slog.String("address", srv.Addr))
	return srv
}
