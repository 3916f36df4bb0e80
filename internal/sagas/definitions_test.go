package sagas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

type fixture struct {
	parts    *Participants
	engine   *saga.Engine
	bus      *events.MemoryPublisher
	injector *failure.Injector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := zap.NewNop()
	inj := failure.NewInjector(nil, log)
	bus := events.NewMemoryPublisher()

	parts := &Participants{
		Stores: participants.NewStoreService(inj, bus, log, []*domain.Store{
			{ID: "store-001", Name: "Downtown Flagship", Region: "central", Active: true},
			{ID: "store-900", Name: "Closed Outlet", Region: "north", Active: false},
		}),
		Products: participants.NewProductService(inj, bus, log, []*domain.Product{
			{ID: "prod-001", Name: "Espresso Beans 1kg", SKU: "SKU-ESP-1KG", Price: 18.50},
			{ID: "prod-002", Name: "Ceramic Mug", SKU: "SKU-MUG-STD", Price: 9.90},
		}),
		Orders:        participants.NewOrderService(inj, bus, log),
		Payments:      participants.NewPaymentService(inj, bus, log),
		Notifications: participants.NewNotificationService(inj, bus, log),
	}
	parts.Sales = participants.NewSaleService(inj, bus, log, parts.Products)
	parts.Products.SetStock("prod-001", "store-001", 20)
	parts.Products.SetStock("prod-002", "store-001", 20)

	registry := saga.NewRegistry()
	require.NoError(t, RegisterAll(registry, parts))

	engine := saga.NewEngine(&saga.EngineConfig{
		Registry: registry,
		Store:    saga.NewMemoryStore(),
	})

	return &fixture{parts: parts, engine: engine, bus: bus, injector: inj}
}

func TestSaleSagaCompletes(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeSale, "corr-1", map[string]interface{}{
		"storeId": "store-001",
		"items":   []domain.SaleItem{{ProductID: "prod-001", Quantity: 3}},
	})
	require.NoError(t, err)

	assert.True(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompleted, result.CurrentState)
	require.Len(t, result.Steps, 5)
	for _, step := range result.Steps {
		assert.Equal(t, saga.StepStatusCompleted, step.Status, step.StepName)
	}

	// the hold became a permanent deduction
	assert.Equal(t, 17, f.parts.Products.Stock("prod-001", "store-001"))
	assert.Empty(t, result.CompensationResults)
}

func TestSaleSagaMultiLineBasket(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeSale, "", map[string]interface{}{
		"storeId": "store-001",
		"items": []domain.SaleItem{
			{ProductID: "prod-001", Quantity: 2},
			{ProductID: "prod-002", Quantity: 5},
		},
	})
	require.NoError(t, err)

	assert.True(t, result.IsSuccess)
	assert.Equal(t, 18, f.parts.Products.Stock("prod-001", "store-001"))
	assert.Equal(t, 15, f.parts.Products.Stock("prod-002", "store-001"))
}

func TestSaleSagaInactiveStore(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeSale, "", map[string]interface{}{
		"storeId": "store-900",
		"items":   []domain.SaleItem{{ProductID: "prod-001", Quantity: 1}},
	})
	require.NoError(t, err)

	assert.False(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompensated, result.CurrentState)
	assert.NotEmpty(t, result.ErrorMessage)
	assert.Equal(t, 20, f.parts.Products.Stock("prod-001", "store-001"))
}

func TestSaleSagaInsufficientStockCompensates(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeSale, "", map[string]interface{}{
		"storeId": "store-001",
		"items": []domain.SaleItem{
			{ProductID: "prod-001", Quantity: 2},
			{ProductID: "prod-002", Quantity: 50},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompensated, result.CurrentState)

	// the successfully held first line was rolled back with the rest
	assert.Equal(t, 20, f.parts.Products.Stock("prod-001", "store-001"))
	assert.Equal(t, 20, f.parts.Products.Stock("prod-002", "store-001"))
}

func TestOrderSagaCompletes(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeOrder, "corr-9", map[string]interface{}{
		"customerId": "cust-1",
		"storeId":    "store-001",
		"items":      []domain.SaleItem{{ProductID: "prod-001", Quantity: 2, UnitPrice: 18.50}},
	})
	require.NoError(t, err)

	assert.True(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompleted, result.CurrentState)
	assert.Equal(t, 18, f.parts.Products.Stock("prod-001", "store-001"))

	orderID, _ := result.Steps[0].StepData["orderId"].(string)
	require.NotEmpty(t, orderID)
	order, err := f.parts.Orders.GetOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)
}

func TestOrderSagaPaymentFailureCompensatesLIFO(t *testing.T) {
	f := newFixture(t)
	f.injector.Replace(&failure.Config{Enabled: true, PaymentFailureProbability: 1})

	result, err := f.engine.Execute(context.Background(), saga.TypeOrder, "", map[string]interface{}{
		"customerId": "cust-1",
		"storeId":    "store-001",
		"items":      []domain.SaleItem{{ProductID: "prod-001", Quantity: 2, UnitPrice: 18.50}},
	})
	require.NoError(t, err)

	assert.False(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompensated, result.CurrentState)

	// reservation released, newest-first
	require.Len(t, result.CompensationResults, 2)
	assert.Equal(t, "ReserveStock", result.CompensationResults[0].StepName)
	assert.Equal(t, "CreateOrder", result.CompensationResults[1].StepName)
	for _, comp := range result.CompensationResults {
		assert.True(t, comp.IsSuccessful, comp.StepName)
	}
	assert.Equal(t, 20, f.parts.Products.Stock("prod-001", "store-001"))

	orderID, _ := result.Steps[0].StepData["orderId"].(string)
	require.NotEmpty(t, orderID)
	order, err := f.parts.Orders.GetOrder(orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
}

func TestStockUpdateSagaCompletes(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Execute(context.Background(), saga.TypeStockUpdate, "", map[string]interface{}{
		"storeId":   "store-001",
		"productId": "prod-001",
		"quantity":  35,
	})
	require.NoError(t, err)

	assert.True(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompleted, result.CurrentState)
	assert.Equal(t, 35, f.parts.Products.Stock("prod-001", "store-001"))
}

func TestStockUpdateSagaDatabaseFailure(t *testing.T) {
	f := newFixture(t)
	f.injector.Replace(&failure.Config{Enabled: true, DatabaseFailureProbability: 1})

	result, err := f.engine.Execute(context.Background(), saga.TypeStockUpdate, "", map[string]interface{}{
		"storeId":   "store-001",
		"productId": "prod-001",
		"quantity":  35,
	})
	require.NoError(t, err)

	assert.False(t, result.IsSuccess)
	assert.Equal(t, saga.StateCompensated, result.CurrentState)
	assert.Equal(t, 20, f.parts.Products.Stock("prod-001", "store-001"))
}
