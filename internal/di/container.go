package di

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/choreography"
	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/internal/handler"
	"github.com/retailgrid/saga-orchestrator/internal/metrics"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/internal/sagas"
	"github.com/retailgrid/saga-orchestrator/internal/service"
	"github.com/retailgrid/saga-orchestrator/pkg/config"
	"github.com/retailgrid/saga-orchestrator/pkg/database"
	"github.com/retailgrid/saga-orchestrator/pkg/redis"
	"github.com/retailgrid/saga-orchestrator/pkg/retry"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// Container holds all dependencies of the saga orchestrator
type Container struct {
	// Infrastructure
	DB        *database.PostgresDB
	Redis     *redis.Client
	Store     saga.Store
	Publisher events.Publisher

	// Core
	Injector     *failure.Injector
	Participants *sagas.Participants
	Registry     *saga.Registry
	Engine       *saga.Engine
	Coordinator  *choreography.Coordinator
	Reactor      *choreography.Reactor

	// Services
	SagaService *service.SagaService

	// Handlers
	SagaHandler    *handler.SagaHandler
	FailureHandler *handler.FailureHandler
	HealthHandler  *handler.HealthHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	Config    *config.Config
	Logger    *zap.Logger
	DB        *database.PostgresDB
	Redis     *redis.Client
	Store     saga.Store
	Publisher events.Publisher
}

// NewContainer wires the dependency graph. The store and publisher default
// to in-memory implementations, so a container without infrastructure is
// fully functional for development and tests.
func NewContainer(cfg *ContainerConfig) (*Container, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	store := cfg.Store
	if store == nil {
		store = saga.NewMemoryStore()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = events.NewMemoryPublisher()
	}

	if err := metrics.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	metricsObserver := metrics.NewObserver(log)

	var bootFailure *config.FailureConfig
	if cfg.Config != nil {
		bootFailure = &cfg.Config.Failure
	}
	injector := failure.NewInjector(bootFailure, log, failure.WithObserver(metricsObserver))

	parts := &sagas.Participants{
		Stores:        participants.NewStoreService(injector, publisher, log, seedStores()),
		Products:      participants.NewProductService(injector, publisher, log, seedProducts()),
		Orders:        participants.NewOrderService(injector, publisher, log),
		Payments:      participants.NewPaymentService(injector, publisher, log),
		Notifications: participants.NewNotificationService(injector, publisher, log),
	}
	parts.Sales = participants.NewSaleService(injector, publisher, log, parts.Products)
	seedStock(parts.Products)

	registry := saga.NewRegistry()
	if err := sagas.RegisterAll(registry, parts); err != nil {
		return nil, fmt.Errorf("failed to register saga definitions: %w", err)
	}

	storeRetry := retry.StoreConfig()
	mutexShards := 0
	if cfg.Config != nil {
		if cfg.Config.Saga.StoreRetries > 0 {
			storeRetry.MaxRetries = cfg.Config.Saga.StoreRetries
		}
		if cfg.Config.Saga.StoreRetryInterval > 0 {
			storeRetry.InitialInterval = cfg.Config.Saga.StoreRetryInterval
		}
		mutexShards = cfg.Config.Saga.MutexShards
	}

	engine := saga.NewEngine(&saga.EngineConfig{
		Registry: registry,
		Store:    store,
		Logger:   &sagaLogger{log: log.Sugar()},
		Observers: []saga.Observer{
			metricsObserver,
			events.NewSagaObserver(publisher, log),
		},
		StoreRetry:  storeRetry,
		MutexShards: mutexShards,
	})

	coordinator := choreography.NewCoordinator(store, publisher, log,
		metricsObserver, events.NewSagaObserver(publisher, log))
	reactor := choreography.NewReactor(store, publisher, parts, log)

	// In-process bus: choreography runs without a broker
	if bus, ok := publisher.(*events.MemoryPublisher); ok {
		choreography.Wire(bus, coordinator, reactor)
	}

	sagaService := service.NewSagaService(engine, coordinator, injector, log)

	return &Container{
		DB:             cfg.DB,
		Redis:          cfg.Redis,
		Store:          store,
		Publisher:      publisher,
		Injector:       injector,
		Participants:   parts,
		Registry:       registry,
		Engine:         engine,
		Coordinator:    coordinator,
		Reactor:        reactor,
		SagaService:    sagaService,
		SagaHandler:    handler.NewSagaHandler(sagaService),
		FailureHandler: handler.NewFailureHandler(sagaService),
		HealthHandler:  handler.NewHealthHandler(cfg.DB, cfg.Redis),
	}, nil
}

// sagaLogger adapts zap to the engine's logger interface
type sagaLogger struct {
	log *zap.SugaredLogger
}

func (l *sagaLogger) Info(msg string, fields ...interface{})  { l.log.Infow(msg, fields...) }
func (l *sagaLogger) Warn(msg string, fields ...interface{})  { l.log.Warnw(msg, fields...) }
func (l *sagaLogger) Error(msg string, fields ...interface{}) { l.log.Errorw(msg, fields...) }
func (l *sagaLogger) InfoContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log.Infow(msg, fields...)
}
func (l *sagaLogger) WarnContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log.Warnw(msg, fields...)
}
func (l *sagaLogger) ErrorContext(ctx context.Context, msg string, fields ...interface{}) {
	l.log.Errorw(msg, fields...)
}

// Demo catalog: two stores, three products, stocked at both stores
func seedStores() []*domain.Store {
	return []*domain.Store{
		{ID: "store-001", Name: "Downtown Flagship", Region: "central", Active: true},
		{ID: "store-002", Name: "Riverside Mall", Region: "east", Active: true},
		{ID: "store-900", Name: "Closed Outlet", Region: "north", Active: false},
	}
}

func seedProducts() []*domain.Product {
	return []*domain.Product{
		{ID: "prod-001", Name: "Espresso Beans 1kg", SKU: "SKU-ESP-1KG", Price: 18.50},
		{ID: "prod-002", Name: "Cold Brew Bottle", SKU: "SKU-CBR-330", Price: 4.25},
		{ID: "prod-003", Name: "Ceramic Mug", SKU: "SKU-MUG-STD", Price: 9.90},
	}
}

func seedStock(products *participants.ProductService) {
	for _, productID := range []string{"prod-001", "prod-002", "prod-003"} {
		products.SetStock(productID, "store-001", 100)
		products.SetStock(productID, "store-002", 50)
	}
}
