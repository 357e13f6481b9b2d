package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mcfax/faxpipe/internal/config"
	"github.com/mcfax/faxpipe/internal/gateway"
	"github.com/mcfax/faxpipe/internal/payload"
	"github.com/mcfax/faxpipe/internal/poller"
	"github.com/mcfax/faxpipe/internal/watcher"
	"github.com/mcfax/faxpipe/internal/worker"
	"github.com/mcfax/faxpipe/internal/worker/storage"
	"github.com/mcfax/faxpipe/shared/logger"
	"github.com/mcfax/faxpipe/shared/postgresql"
	"github.com/mcfax/faxpipe/shared/rabbitmq"
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

	defaultConfigPath := os.Getenv("FAX_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/fax-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateFaxConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting fax service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	gatewayClient := gateway.NewClient(&gateway.Config{
		Host:     cfg.Gateway.Host,
		UseHTTPS: cfg.Gateway.UseHTTPS,
		Username: cfg.Gateway.Username,
		Password: cfg.Gateway.Password,
		Timeout:  cfg.Gateway.Timeout,
	}, appLogger.Logger)

	store := storage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:               appLogger.Logger,
		Store:                store,
		Gateway:              gatewayClient,
		Encoder:              payload.NewEncoder(appLogger.Logger),
		RabbitClient:         rabbitClient,
		Concurrency:          cfg.Worker.Concurrency,
		PrefetchCount:        cfg.RabbitMQ.Consumer.PrefetchCount,
		SpoolDir:             cfg.Worker.SpoolDir,
		ArchiveDir:           cfg.Worker.ArchiveDir,
		DeliveryConfirmation: cfg.Gateway.DeliveryConfirmation,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 2)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	if cfg.Watcher.Enabled {
		folderWatcher, err := watcher.New(&watcher.Config{
			Dir:                  cfg.Watcher.Dir,
			ProcessedDir:         cfg.Watcher.ProcessedDir,
			SettleInterval:       cfg.Watcher.SettleInterval,
			SenderName:           cfg.Watcher.DefaultSenderName,
			RecipientName:        cfg.Watcher.DefaultRecipientName,
			RecipientFaxNumber:   cfg.Watcher.DefaultRecipientFaxNumber,
			Priority:             cfg.Watcher.DefaultPriority,
			MaxAttempts:          cfg.Watcher.DefaultMaxAttempts,
			RetryIntervalSeconds: cfg.Watcher.DefaultRetryIntervalSeconds,
		}, workerInstance, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize folder watcher: %w", err)
		}

		go func() {
			if err := folderWatcher.Run(ctx); err != nil {
				errChan <- err
			}
		}()
	}

	var deliveryPoller *poller.Poller
	if cfg.Gateway.DeliveryConfirmation {
		deliveryPoller = poller.New(store, gatewayClient, cfg.Gateway.PollSchedule, appLogger.Logger)
		if err := deliveryPoller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start delivery poller: %w", err)
		}
	}

	appLogger.Info("Fax service started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Fax service error",
			slog.Any("error", err),
		)
		return err
	}

	cancel()

	shutdownTimeout := cfg.Worker.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if deliveryPoller != nil {
			deliveryPoller.Stop()
		}
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Fax service stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Shutdown timeout exceeded, forcing exit")
	}

	appLogger.Info("Fax service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
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
	}, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		User:              cfg.User,
		Password:          cfg.Password,
		VHost:             cfg.VHost,
		ExchangeName:      cfg.Exchange.Name,
		ExchangeType:      cfg.Exchange.Type,
		ExchangeDurable:   cfg.Exchange.Durable,
		QueueName:         cfg.Queue.Name,
		QueueDurable:      cfg.Queue.Durable,
		RoutingKey:        cfg.RoutingKey,
		RetryAttempts:     cfg.Connection.RetryAttempts,
		RetryInterval:     cfg.Connection.RetryInterval,
		Heartbeat:         cfg.Connection.Heartbeat,
		PublishRetries:    cfg.Publish.RetryAttempts,
		PublishRetryDelay: cfg.Publish.RetryInterval,
	}, logger)
}
