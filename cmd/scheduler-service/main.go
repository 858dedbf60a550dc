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
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/api/handler"
	"github.com/cuongbtq/job-scheduler/internal/api/router"
	"github.com/cuongbtq/job-scheduler/internal/config"
	"github.com/cuongbtq/job-scheduler/internal/engine"
	"github.com/cuongbtq/job-scheduler/internal/queue"
	"github.com/cuongbtq/job-scheduler/internal/queue/amqpqueue"
	"github.com/cuongbtq/job-scheduler/internal/queue/memqueue"
	"github.com/cuongbtq/job-scheduler/internal/queue/sqlqueue"
	"github.com/cuongbtq/job-scheduler/internal/retry"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/store/memstore"
	"github.com/cuongbtq/job-scheduler/internal/store/sqlstore"
	"github.com/cuongbtq/job-scheduler/internal/worker"
	"github.com/cuongbtq/job-scheduler/shared/database"
	"github.com/cuongbtq/job-scheduler/shared/logger"
	"github.com/cuongbtq/job-scheduler/shared/rabbitmq"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SCHEDULER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/scheduler-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	instanceID := flag.String("instance-id", os.Getenv("SCHEDULER_INSTANCE_ID"), "Identity used for the primary lease")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *instanceID != "" {
		cfg.Instance.ID = *instanceID
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting scheduler service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Backend),
		slog.String("queue", cfg.Queue.Backend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Open the job store
	jobStore, dbClient, err := initStore(ctx, cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	// Step 2: Open the work queue
	jobQueue, rabbitClient, err := initQueue(ctx, cfg, dbClient, appLogger.Logger)
	if err != nil {
		jobStore.Close()
		return fmt.Errorf("failed to initialize queue: %w", err)
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if err := jobQueue.Close(); err != nil {
			appLogger.Warn("Failed to close queue", slog.Any("error", err))
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
		if err := jobStore.Close(); err != nil {
			appLogger.Warn("Failed to close store", slog.Any("error", err))
		}
	}
	defer cleanup()

	// Step 3: Build the engine with the builtin handlers
	registry := worker.NewRegistry()
	if err := registry.Register("log", worker.LogHandler(appLogger.Component("handler"))); err != nil {
		return err
	}
	if err := registry.Register("sleep", worker.SleepHandler()); err != nil {
		return err
	}

	eng := engine.New(&engine.Config{
		Logger:            appLogger.Logger,
		Store:             jobStore,
		Queue:             jobQueue,
		Registry:          registry,
		InstanceID:        cfg.Instance.ID,
		TickInterval:      cfg.Scheduler.TickInterval,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
		ReconcileGrace:    cfg.Scheduler.ReconcileGrace,
		LeaseDuration:     cfg.Scheduler.LeaseDuration,
		RenewInterval:     cfg.Scheduler.RenewInterval,
		DisableWorker:     !cfg.Worker.IsEnabled(),
		Worker: engine.WorkerConfig{
			Concurrency:        cfg.Worker.Concurrency,
			VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
			JobTimeout:         cfg.Worker.JobTimeout,
			MaxAttempts:        cfg.Worker.MaxAttempts,
			PollInterval:       cfg.Worker.PollInterval,
			CancelPollInterval: cfg.Worker.CancelPollInterval,
			AbandonGrace:       cfg.Worker.AbandonGrace,
		},
		Retry: retry.Policy{
			MaxAttempts: cfg.Scheduler.Retry.MaxAttempts,
			BaseDelay:   cfg.Scheduler.Retry.BaseDelay,
			MaxDelay:    cfg.Scheduler.Retry.MaxDelay,
			Multiplier:  cfg.Scheduler.Retry.Multiplier,
		},
	})

	// Step 4: Register the configured jobs
	if err := seedJobs(ctx, eng, cfg.Jobs, appLogger.Logger); err != nil {
		return err
	}

	appLogger.Info("Scheduler engine ready",
		slog.String("instance_id", eng.InstanceID()),
		slog.Int("jobs", len(cfg.Jobs)),
		slog.Bool("worker_enabled", cfg.Worker.IsEnabled()),
	)

	// Step 5: Start the engine and, if enabled, the HTTP API
	errChan := make(chan error, 2)
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	var srv *http.Server
	if cfg.API.Enabled {
		srv = initServer(cfg, eng, healthChecks(dbClient, rabbitClient), appLogger.Logger)
		go func() {
			appLogger.Info("Starting HTTP server",
				slog.String("address", srv.Addr),
				slog.Duration("read_timeout", cfg.Server.ReadTimeout),
				slog.Duration("write_timeout", cfg.Server.WriteTimeout),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	appLogger.Info("Scheduler service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("Scheduler service error",
			slog.Any("error", runErr),
		)
	}

	// Step 6: Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				appLogger.Error("Server forced to shutdown", slog.Any("error", err))
			}
		}()
	}

	// Cancelling ctx stops the loops, drains the workers and releases the lease
	cancel()

	select {
	case <-engineDone:
		appLogger.Info("Engine stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Engine shutdown timeout exceeded, forcing exit")
	}
	wg.Wait()

	appLogger.Info("Scheduler service shutdown complete")
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

// initStore opens the configured job store. The database client is returned
// so the SQL queue can share it; closing the store closes it.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, *database.Client, error) {
	if cfg.Store.Backend == config.BackendMemory {
		logger.Warn("Using in-memory store; state is lost on restart and not shared between instances")
		return memstore.New(), nil, nil
	}

	dbClient, err := initDatabase(&cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	s := sqlstore.New(dbClient.GetDB(), logger.With(slog.String("component", "store")))
	if err := s.Migrate(ctx); err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	logger.Info("Database connection established", slog.String("driver", cfg.Database.Driver))
	return s, dbClient, nil
}

// initDatabase initializes the SQL database client
func initDatabase(cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	dbConfig := &database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		BusyTimeout:     cfg.BusyTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return database.NewClient(dbConfig, logger)
}

// initQueue opens the configured work queue
func initQueue(ctx context.Context, cfg *config.Config, dbClient *database.Client, logger *slog.Logger) (queue.Queue, *rabbitmq.Client, error) {
	queueLogger := logger.With(slog.String("component", "queue"))

	switch cfg.Queue.Backend {
	case config.BackendSQL:
		q := sqlqueue.New(dbClient.GetDB(), queueLogger, nil)
		if err := q.Migrate(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate queue: %w", err)
		}
		return q, nil, nil

	case config.BackendRabbitMQ:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("RabbitMQ connection established")
		return amqpqueue.New(rabbitClient, queueLogger, nil), rabbitClient, nil

	default:
		return memqueue.New(nil), nil, nil
	}
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
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		RoutingKey:         cfg.RoutingKey,
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

// seedJobs registers the jobs listed in the configuration file
func seedJobs(ctx context.Context, eng *engine.Engine, jobs []config.JobConfig, logger *slog.Logger) error {
	for _, job := range jobs {
		def, err := eng.Register(ctx, engine.Registration{
			Name:             job.Name,
			Schedule:         job.Schedule,
			ConcurrencyLimit: job.ConcurrencyLimit,
			RepeatLimit:      job.RepeatLimit,
			Handler:          job.Handler,
			Payload:          job.Payload,
			MaxAttempts:      job.MaxAttempts,
			Timeout:          job.Timeout,
		})
		if err != nil {
			return fmt.Errorf("failed to register job %q: %w", job.Name, err)
		}

		logger.Info("Registered job",
			slog.String("job_name", def.Name),
			slog.String("schedule", def.Schedule.Raw),
			slog.Int("repeat_limit", def.RepeatLimit),
		)
	}
	return nil
}

// healthChecks lists the external dependencies /health probes
func healthChecks(dbClient *database.Client, rabbitClient *rabbitmq.Client) map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if dbClient != nil {
		checks["database"] = dbClient.HealthCheck
	}
	if rabbitClient != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if !rabbitClient.IsConnected() {
				return rabbitmq.ErrNotConnected
			}
			return nil
		}
	}
	return checks
}

// initServer builds the HTTP server for the admin API
func initServer(cfg *config.Config, eng *engine.Engine, checks map[string]func(context.Context) error, logger *slog.Logger) *http.Server {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:            logger.With(slog.String("component", "api")),
		Scheduler:         eng,
		EnqueueRatePerSec: cfg.API.EnqueueRatePerSec,
		EnqueueBurst:      cfg.API.EnqueueBurst,
		HealthChecks:      checks,
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router.SetupRouter(handlerDeps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
