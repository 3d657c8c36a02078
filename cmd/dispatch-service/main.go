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

	"github.com/joho/godotenv"

	"github.com/streamio/transcoder/internal/config"
	"github.com/streamio/transcoder/internal/dispatch"
	"github.com/streamio/transcoder/internal/metadata"
	"github.com/streamio/transcoder/internal/ops"
	"github.com/streamio/transcoder/internal/queue"
	"github.com/streamio/transcoder/internal/queue/amqpqueue"
	"github.com/streamio/transcoder/internal/queue/sqsqueue"
	"github.com/streamio/transcoder/internal/transcode"
	"github.com/streamio/transcoder/internal/workflow"
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
	defaultConfigPath := os.Getenv("DISPATCH_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/dispatch-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateDispatchConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting dispatch service",
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

	// Wire the workflow engine over the external transcoder service
	metaStore := metadata.NewPostgresStore(dbClient, appLogger.Logger)
	invoker := transcode.NewClient(&transcode.Config{
		BaseURL:        cfg.Transcoder.BaseURL,
		RequestTimeout: cfg.Transcoder.RequestTimeout,
		Logger:         appLogger.Logger,
	})

	engine := workflow.NewEngine(&workflow.Config{
		Logger:           appLogger.Logger,
		Invoker:          invoker,
		Metadata:         metaStore,
		Branches:         branchSpecs(cfg.Workflow.Branches),
		BranchTimeout:    cfg.Workflow.BranchTimeout,
		ExecutionTimeout: cfg.Workflow.ExecutionTimeout,
	})

	dispatcher := dispatch.NewDispatcher(&dispatch.Config{
		Logger:            appLogger.Logger,
		Queue:             jobQueue,
		Starter:           engine,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Dispatch.PollInterval,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the dispatcher poll loop in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && err != context.Canceled {
			errChan <- err
		}
	}()

	// Serve the operator API alongside the dispatcher
	srv := initOpsServer(cfg, appLogger.Logger, engine, jobQueue)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Operator API failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Dispatch service started successfully",
		slog.String("ops_address", srv.Addr),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Dispatcher error",
			slog.Any("error", err),
		)
		return err
	}

	// Stop the poll loop, then the operator API
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("Operator API forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Let running executions settle before closing resources
	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Workflow engine stopped gracefully")
	case <-time.After(30 * time.Second):
		appLogger.Warn("Engine shutdown timeout exceeded, forcing exit")
	}

	cleanup := func() {
		if dbClient != nil {
			dbClient.Close()
		}
		if closer, ok := jobQueue.(interface{ Close() error }); ok {
			closer.Close()
		}
	}
	cleanup()

	appLogger.Info("Dispatch service shutdown complete")
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

// initOpsServer builds the read-only operator API server
func initOpsServer(cfg *config.Config, logger *slog.Logger, engine *workflow.Engine, jobQueue queue.Queue) *http.Server {
	deadLetters, _ := jobQueue.(queue.DeadLetterReader)

	r := ops.SetupRouter(&ops.Dependencies{
		Logger:      logger,
		Executions:  engine,
		DeadLetters: deadLetters,
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func branchSpecs(branches []config.BranchConfig) []workflow.BranchSpec {
	specs := make([]workflow.BranchSpec, 0, len(branches))
	for _, b := range branches {
		specs = append(specs, workflow.BranchSpec{Name: b.Name, Profile: b.Profile})
	}
	return specs
}
