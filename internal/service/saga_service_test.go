package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/choreography"
	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/dto"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/internal/sagas"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

type fixture struct {
	svc      *SagaService
	parts    *sagas.Participants
	injector *failure.Injector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := zap.NewNop()
	inj := failure.NewInjector(nil, log)
	bus := events.NewMemoryPublisher()
	store := saga.NewMemoryStore()

	parts := &sagas.Participants{
		Stores: participants.NewStoreService(inj, bus, log, []*domain.Store{
			{ID: "store-001", Name: "Downtown Flagship", Region: "central", Active: true},
		}),
		Products: participants.NewProductService(inj, bus, log, []*domain.Product{
			{ID: "prod-001", Name: "Espresso Beans 1kg", SKU: "SKU-ESP-1KG", Price: 18.50},
		}),
		Orders:        participants.NewOrderService(inj, bus, log),
		Payments:      participants.NewPaymentService(inj, bus, log),
		Notifications: participants.NewNotificationService(inj, bus, log),
	}
	parts.Sales = participants.NewSaleService(inj, bus, log, parts.Products)
	parts.Products.SetStock("prod-001", "store-001", 20)

	registry := saga.NewRegistry()
	require.NoError(t, sagas.RegisterAll(registry, parts))
	engine := saga.NewEngine(&saga.EngineConfig{Registry: registry, Store: store})

	coordinator := choreography.NewCoordinator(store, bus, log)
	reactor := choreography.NewReactor(store, bus, parts, log)
	choreography.Wire(bus, coordinator, reactor)

	return &fixture{
		svc:      NewSagaService(engine, coordinator, inj, log),
		parts:    parts,
		injector: inj,
	}
}

func TestExecuteSaleValidatesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ExecuteSale(ctx, &dto.StartSaleSagaRequest{
		Items: []dto.SaleItemRequest{{ProductID: "prod-001", Quantity: 1}},
	})
	assert.True(t, saga.IsValidationError(err))

	_, err = f.svc.ExecuteSale(ctx, &dto.StartSaleSagaRequest{StoreID: "store-001"})
	assert.True(t, saga.IsValidationError(err))

	_, err = f.svc.ExecuteSale(ctx, &dto.StartSaleSagaRequest{
		StoreID: "store-001",
		Items:   []dto.SaleItemRequest{{ProductID: "", Quantity: 1}},
	})
	assert.True(t, saga.IsValidationError(err))
}

func TestExecuteSaleRuns(t *testing.T) {
	f := newFixture(t)

	result, err := f.svc.ExecuteSale(context.Background(), &dto.StartSaleSagaRequest{
		StoreID: "store-001",
		Items:   []dto.SaleItemRequest{{ProductID: "prod-001", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, result.IsSuccess)
	assert.Equal(t, 18, f.parts.Products.Stock("prod-001", "store-001"))
}

func TestStartChoreographedOrderRuns(t *testing.T) {
	f := newFixture(t)

	rec, err := f.svc.StartChoreographedOrder(context.Background(), &dto.StartOrderSagaRequest{
		CustomerID: "cust-1",
		StoreID:    "store-001",
		Items:      []dto.SaleItemRequest{{ProductID: "prod-001", Quantity: 1, UnitPrice: 18.50}},
	})
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, rec.CurrentState)
}

func TestSimulateFailureRestoresConfig(t *testing.T) {
	f := newFixture(t)
	before := f.svc.FailureConfig()
	require.False(t, before.Enabled)

	result, err := f.svc.SimulateFailure(context.Background(), &dto.SimulateFailureRequest{
		SagaType:    string(saga.TypeSale),
		FailureKind: string(saga.FailureInsufficientStock),
		StoreID:     "store-001",
		ProductID:   "prod-001",
	})
	require.NoError(t, err)
	assert.False(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompensated, result.CurrentState)

	after := f.svc.FailureConfig()
	assert.False(t, after.Enabled)
	assert.Equal(t, 0.0, after.InsufficientStockProbability)

	// stock untouched: the forced failure hit before any hold
	assert.Equal(t, 20, f.parts.Products.Stock("prod-001", "store-001"))
}

func TestSimulateFailureUnknownKind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SimulateFailure(context.Background(), &dto.SimulateFailureRequest{
		SagaType:    string(saga.TypeSale),
		FailureKind: "CosmicRays",
		StoreID:     "store-001",
	})
	assert.True(t, saga.IsValidationError(err))
}

func TestSimulateFailureUnknownType(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SimulateFailure(context.Background(), &dto.SimulateFailureRequest{
		SagaType:    "LaundrySaga",
		FailureKind: string(saga.FailurePayment),
		StoreID:     "store-001",
	})
	assert.True(t, saga.IsValidationError(err))
}

func TestReplaceAndToggleFailureConfig(t *testing.T) {
	f := newFixture(t)

	cfg := f.svc.ReplaceFailureConfig(&dto.FailureConfigRequest{
		Enabled:                   true,
		PaymentFailureProbability: 0.4,
		FailureDelayMs:            250,
	})
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 0.4, cfg.PaymentFailureProbability)
	assert.Equal(t, int64(250), cfg.FailureDelay.Milliseconds())

	cfg = f.svc.ToggleFailureInjection(false)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 0.4, cfg.PaymentFailureProbability)
}

func TestGetAndListSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.svc.ExecuteSale(ctx, &dto.StartSaleSagaRequest{
		StoreID: "store-001",
		Items:   []dto.SaleItemRequest{{ProductID: "prod-001", Quantity: 1}},
	})
	require.NoError(t, err)

	rec, err := f.svc.GetSaga(ctx, result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, saga.StateCompleted, rec.CurrentState)

	recs, err := f.svc.ListSagas(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = f.svc.ListSagasByState(ctx, string(saga.StateCompleted), 10)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	trs, err := f.svc.GetTransitions(ctx, result.SagaID)
	require.NoError(t, err)
	assert.NotEmpty(t, trs)

	_, err = f.svc.GetSaga(ctx, "saga-404")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}
