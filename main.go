package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/retailgrid/saga-orchestrator/internal/di"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/pkg/config"
	"github.com/retailgrid/saga-orchestrator/pkg/database"
	"github.com/retailgrid/saga-orchestrator/pkg/logger"
	"github.com/retailgrid/saga-orchestrator/pkg/middleware"
	pkgredis "github.com/retailgrid/saga-orchestrator/pkg/redis"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
	"github.com/retailgrid/saga-orchestrator/pkg/telemetry"
)

const serviceName = "saga-orchestrator"

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
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
	appLog.Info("Starting Saga Orchestrator...")

	ctx := context.Background()

	// Initialize OpenTelemetry tracing
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
			appLog.Info("OpenTelemetry tracing initialized")
		}
	}

	// Metrics are always on; the exporter serves /metrics
	if err := telemetry.InitMetrics(serviceName); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize metrics exporter: %v", err))
	}
	defer telemetry.ShutdownMetrics(ctx)

	// Saga store: PostgreSQL is the durable choice, Redis the fallback,
	// memory the last resort for local runs
	var db *database.PostgresDB
	var redisClient *pkgredis.Client
	var store saga.Store

	db, err = database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     serviceName,
	})
	if err == nil {
		pgStore := saga.NewPostgresStore(db.Pool())
		if err := pgStore.Migrate(ctx); err != nil {
			appLog.Fatal(fmt.Sprintf("Saga store migration failed: %v", err))
		}
		store = pgStore
		defer db.Close()
		appLog.Info("Saga store initialized (PostgreSQL)")
	} else {
		appLog.Warn(fmt.Sprintf("PostgreSQL unavailable, trying Redis saga store: %v", err))
		db = nil

		redisClient, err = pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			MaxRetries:    3,
			RetryInterval: 100 * time.Millisecond,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
		})
		if err == nil {
			store = saga.NewRedisStore(redisClient, 0)
			defer redisClient.Close()
			appLog.Info("Saga store initialized (Redis)")
		} else {
			appLog.Warn(fmt.Sprintf("Redis unavailable, using in-memory saga store: %v", err))
			redisClient = nil
			store = saga.NewMemoryStore()
		}
	}

	// Event publisher: Kafka when reachable, otherwise the in-process bus
	// (which also carries the choreographed flow)
	var publisher events.Publisher
	publisher, err = events.NewKafkaPublisher(ctx, &events.KafkaPublisherConfig{
		Brokers:     cfg.Kafka.Brokers,
		ServiceName: serviceName,
		ClientID:    cfg.Kafka.ClientID,
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Kafka unavailable, using in-process event bus: %v", err))
		publisher = events.NewMemoryPublisher()
	} else {
		appLog.Info("Kafka event publisher connected")
	}
	defer publisher.Close()

	// Build dependency injection container
	container, err := di.NewContainer(&di.ContainerConfig{
		Config:    cfg,
		Logger:    appLog,
		DB:        db,
		Redis:     redisClient,
		Store:     store,
		Publisher: publisher,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to build container: %v", err))
	}

	// Setup Gin
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
		gin.DisableConsoleColor()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(serviceName))

	container.HealthHandler.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	api := router.Group("/api/v1")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": cfg.App.Version,
			"service": serviceName,
		})
	})

	// Idempotent saga submission needs Redis for the dedupe records
	if redisClient != nil {
		idemCfg := middleware.DefaultIdempotencyConfig(redisClient.Client())
		idemCfg.RequiredMethods = []string{"POST"}
		idemCfg.SkipPaths = []string{"/api/v1/failure-config*"}
		api.Use(middleware.IdempotencyMiddleware(idemCfg))
	}

	container.SagaHandler.RegisterRoutes(api)
	container.FailureHandler.RegisterRoutes(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	// pprof on a side port
	go func() {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port+1000)
		appLog.Info(fmt.Sprintf("pprof server listening on %s", pprofAddr))
		if err := http.ListenAndServe(pprofAddr, nil); err != nil {
			appLog.Error(fmt.Sprintf("pprof server error: %v", err))
		}
	}()

	go func() {
		appLog.Info(fmt.Sprintf("Saga Orchestrator listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Fatal(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	appLog.Info("Server exited gracefully")
}
