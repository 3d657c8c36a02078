package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/streamio/transcoder/internal/config"
	"github.com/streamio/transcoder/internal/ingest"
	"github.com/streamio/transcoder/internal/ingest/handler"
	"github.com/streamio/transcoder/internal/ingest/router"
	"github.com/streamio/transcoder/internal/metadata"
	"github.com/streamio/transcoder/internal/queue"
	"github.com/streamio/transcoder/internal/queue/amqpqueue"
	"github.com/streamio/transcoder/internal/queue/sqsqueue"
	"github.com/streamio/transcoder/shared/logger"
	"github.com/streamio/transcoder/shared/postgresql"
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
	defaultConfigPath := os.Getenv("INGEST_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/ingest-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateIngestConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting ingest service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize the durable queue backend
	jobQueue, err := initQueue(&cfg.Queue, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	appLogger.Info("Queue backend initialized",
		slog.String("backend", cfg.Queue.Backend),
	)

	// Wire the ingestion trigger
	metaStore := metadata.NewPostgresStore(dbClient, appLogger.Logger)
	trigger := ingest.NewTrigger(appLogger.Logger, metaStore, jobQueue)

	// Initialize router
	r := initRouter(cfg.App.Environment, appLogger.Logger, trigger, metaStore)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Ingest service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if closer, ok := jobQueue.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
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
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initQueue initializes the configured queue backend
func initQueue(cfg *config.QueueConfig, logger *slog.Logger) (queue.Queue, error) {
	switch cfg.Backend {
	case config.BackendAMQP:
		return amqpqueue.New(&amqpqueue.Config{
			Host:                 cfg.AMQP.Host,
			Port:                 cfg.AMQP.Port,
			User:                 cfg.AMQP.User,
			Password:             cfg.AMQP.Password,
			VHost:                cfg.AMQP.VHost,
			WorkQueue:            cfg.AMQP.WorkQueue,
			RetryDelay:           cfg.AMQP.RetryDelay,
			MaxReceiveCount:      cfg.MaxReceiveCount,
			ConnectRetryAttempts: cfg.AMQP.ConnectRetryAttempts,
			ConnectRetryInterval: cfg.AMQP.ConnectRetryInterval,
			Heartbeat:            cfg.AMQP.Heartbeat,
		}, logger)
	case config.BackendSQS:
		return sqsqueue.New(context.Background(), &sqsqueue.Config{
			Region:             cfg.SQS.Region,
			QueueURL:           cfg.SQS.QueueURL,
			DeadLetterQueueURL: cfg.SQS.DeadLetterQueueURL,
			WaitTime:           cfg.SQS.WaitTime,
		}, logger)
	default:
		logger.Warn("Using in-memory queue; messages do not survive a restart")
		return queue.NewMemoryQueue(cfg.MaxReceiveCount, logger), nil
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, trigger *ingest.Trigger, meta metadata.Store) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:   logger,
		Trigger:  trigger,
		Metadata: meta,
	}

	return router.SetupRouter(handlerDeps)
}
