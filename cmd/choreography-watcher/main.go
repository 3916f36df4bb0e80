package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/retailgrid/saga-orchestrator/internal/choreography"
	"github.com/retailgrid/saga-orchestrator/internal/di"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/pkg/config"
	"github.com/retailgrid/saga-orchestrator/pkg/database"
	"github.com/retailgrid/saga-orchestrator/pkg/logger"
	"github.com/retailgrid/saga-orchestrator/pkg/retry"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
	"github.com/retailgrid/saga-orchestrator/pkg/telemetry"
)

const serviceName = "choreography-watcher"

// The watcher runs the event-driven side of the order flow: it consumes
// participant events from Kafka and feeds them through the choreography
// coordinator and reactor against the shared saga store.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCfg := &logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}
	if err := logger.Init(logCfg); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting Choreography Watcher...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTel.Enabled {
		_, err := telemetry.Init(ctx, &telemetry.Config{
			Enabled:       true,
			ServiceName:   serviceName,
			CollectorAddr: cfg.OTel.CollectorAddr,
			SampleRatio:   cfg.OTel.SampleRatio,
			Environment:   cfg.App.Environment,
		})
		if err != nil {
			appLog.Warn(fmt.Sprintf("Failed to initialize tracer (continuing without tracing): %v", err))
		} else {
			defer telemetry.Shutdown(ctx)
		}
	}
	if err := telemetry.InitMetrics(serviceName); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize metrics exporter: %v", err))
	}
	defer telemetry.ShutdownMetrics(ctx)

	// The watcher shares the durable saga store with the API service
	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     serviceName,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()

	store := saga.NewPostgresStore(db.Pool())
	if err := store.Migrate(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Saga store migration failed: %v", err))
	}
	appLog.Info("Saga store initialized (PostgreSQL)")

	publisher, err := events.NewKafkaPublisher(ctx, &events.KafkaPublisherConfig{
		Brokers:     cfg.Kafka.Brokers,
		ServiceName: serviceName,
		ClientID:    serviceName + "-producer",
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create Kafka publisher: %v", err))
	}
	defer publisher.Close()

	container, err := di.NewContainer(&di.ContainerConfig{
		Config:    cfg,
		Logger:    appLog,
		DB:        db,
		Store:     store,
		Publisher: publisher,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}

	groupID := cfg.Kafka.ConsumerGroup
	if groupID == "" {
		groupID = serviceName
	}

	// Poison events land on <topic>.dlq instead of blocking the partition
	dlq := retry.NewKafkaDLQPublisher(publisher.Producer(), &retry.DLQConfig{
		TopicSuffix: ".dlq",
		Source:      serviceName,
	})

	watcher, err := choreography.NewWatcher(ctx, &choreography.WatcherConfig{
		Brokers:          cfg.Kafka.Brokers,
		GroupID:          groupID,
		ClientID:         serviceName + "-consumer",
		SessionTimeout:   30 * time.Second,
		RebalanceTimeout: 60 * time.Second,
		DLQ:              dlq,
	}, appLog, container.Coordinator, container.Reactor)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create event watcher: %v", err))
	}
	defer watcher.Stop()

	go func() {
		if err := watcher.Start(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Event watcher error: %v", err))
		}
	}()

	appLog.Info("Choreography Watcher started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down watcher...")
	cancel()

	time.Sleep(2 * time.Second)
	appLog.Info("Watcher exited gracefully")
}
