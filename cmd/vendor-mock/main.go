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
	"syscall"
	"time"

	"github.com/cuongbtq/vendor-dispatch/internal/config"
	"github.com/cuongbtq/vendor-dispatch/internal/vendormock"
	"github.com/cuongbtq/vendor-dispatch/shared/logger"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
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

	defaultConfigPath := os.Getenv("VENDOR_MOCK_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/vendor-mock/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	kind := flag.String("vendor", "sync", "Vendor to simulate: sync or async")
	port := flag.Int("port", 0, "Listen port, overrides server.port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := cfg.ValidateVendorMockConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	mock := cfg.VendorMock
	r, asyncVendor, err := vendormock.NewRouter(*kind, vendormock.Config{
		SyncMinDelay:      mock.SyncMinDelay,
		SyncMaxDelay:      mock.SyncMaxDelay,
		AsyncMinDelay:     mock.AsyncMinDelay,
		AsyncMaxDelay:     mock.AsyncMaxDelay,
		FailureRate:       mock.FailureRate,
		WebhookTimeout:    mock.WebhookTimeout,
		WebhookRetryDelay: mock.WebhookRetryDelay,
	}, appLogger.With(slog.String("vendor", *kind)).Logger)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("Vendor mock running",
		slog.String("vendor", *kind),
		slog.String("address", addr),
		slog.Float64("failure_rate", mock.FailureRate),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case err := <-serverErr:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}
	if asyncVendor != nil {
		if err := asyncVendor.Shutdown(ctx); err != nil {
			appLogger.Warn("Pending webhooks abandoned", slog.Int("pending_jobs", asyncVendor.PendingJobs()))
		}
	}

	appLogger.Info("Vendor mock stopped")
	return nil
}
