package participants

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
)

func TestValidateStore(t *testing.T) {
	svc := NewStoreService(quietInjector(), events.NewMemoryPublisher(), zap.NewNop(), []*domain.Store{
		{ID: "store-001", Name: "Downtown Flagship", Region: "central", Active: true},
		{ID: "store-900", Name: "Closed Outlet", Region: "north", Active: false},
	})
	ctx := context.Background()

	out, err := svc.ValidateStore(ctx, OpKey{SagaID: "saga-1", StepName: "ValidateStore"}, "store-001")
	require.NoError(t, err)
	assert.Equal(t, "store-001", out["storeId"])

	_, err = svc.ValidateStore(ctx, OpKey{SagaID: "saga-2", StepName: "ValidateStore"}, "store-900")
	assert.ErrorIs(t, err, domain.ErrStoreInactive)

	_, err = svc.ValidateStore(ctx, OpKey{SagaID: "saga-3", StepName: "ValidateStore"}, "store-404")
	assert.ErrorIs(t, err, domain.ErrStoreNotFound)
}

func TestProcessAndRefundPayment(t *testing.T) {
	svc := NewPaymentService(quietInjector(), events.NewMemoryPublisher(), zap.NewNop())
	ctx := context.Background()

	out, err := svc.ProcessPayment(ctx,
		OpKey{SagaID: "saga-1", StepName: "ProcessPayment"}, "order-1", 37.0)
	require.NoError(t, err)
	paymentID := out["paymentId"].(string)

	payment, err := svc.GetPayment(paymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusProcessed, payment.Status)

	require.NoError(t, svc.RefundPayment(ctx,
		OpKey{SagaID: "saga-1", StepName: "RefundPayment"}, paymentID))
	payment, err = svc.GetPayment(paymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusRefunded, payment.Status)

	// refunding an unknown payment is a safe no-op
	assert.NoError(t, svc.RefundPayment(ctx,
		OpKey{SagaID: "saga-1", StepName: "RefundPayment"}, "pay-404"))
}

func TestCreateAndCancelSale(t *testing.T) {
	products := NewProductService(quietInjector(), events.NewMemoryPublisher(), zap.NewNop(),
		[]*domain.Product{{ID: "prod-001", Name: "Espresso Beans 1kg", Price: 18.50}})
	svc := NewSaleService(quietInjector(), events.NewMemoryPublisher(), zap.NewNop(), products)
	ctx := context.Background()

	items := []domain.SaleItem{{ProductID: "prod-001", Quantity: 2}}

	priced, err := svc.CalculateTotal(ctx, OpKey{SagaID: "saga-1", StepName: "CalculateTotal"}, items)
	require.NoError(t, err)
	assert.Equal(t, 37.0, priced["total"])

	out, err := svc.CreateSale(ctx,
		OpKey{SagaID: "saga-1", StepName: "CreateSale"}, "store-001", items, 37.0)
	require.NoError(t, err)
	saleID := out["saleId"].(string)

	sale, err := svc.GetSale(saleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCreated, sale.Status)

	require.NoError(t, svc.CancelSale(ctx,
		OpKey{SagaID: "saga-1", StepName: "CancelSale"}, saleID))
	sale, err = svc.GetSale(saleID)
	require.NoError(t, err)
	assert.Equal(t, domain.SaleStatusCancelled, sale.Status)
}
