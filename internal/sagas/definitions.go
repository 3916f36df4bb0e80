package sagas

import (
	"context"
	"fmt"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/participants"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// Participants bundles the services the saga templates call
type Participants struct {
	Stores        *participants.StoreService
	Products      *participants.ProductService
	Sales         *participants.SaleService
	Orders        *participants.OrderService
	Payments      *participants.PaymentService
	Notifications *participants.NotificationService
}

// RegisterAll registers every orchestrated saga template
func RegisterAll(registry *saga.Registry, p *Participants) error {
	for _, def := range []*saga.Definition{
		NewSaleSaga(p),
		NewOrderSaga(p),
		NewStockUpdateSaga(p),
	} {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func opKey(exec *saga.Execution, stepName string) participants.OpKey {
	return participants.OpKey{
		SagaID:        exec.SagaID,
		StepName:      stepName,
		CorrelationID: exec.CorrelationID,
	}
}

// NewSaleSaga builds the five-step point-of-sale saga: validate the store,
// hold stock, price the basket, record the sale, then confirm the hold.
func NewSaleSaga(p *Participants) *saga.Definition {
	def := saga.NewDefinition(saga.TypeSale, "Point-of-sale transaction across store, inventory and sale services")

	def.AddStep(&saga.StepDef{
		Name:              "ValidateStore",
		ServiceName:       "store-service",
		ExpectedPrevState: saga.StateStarted,
		ExpectedPostState: saga.StateStoreValidated,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return p.Stores.ValidateStore(ctx, opKey(exec, "ValidateStore"), stringField(exec.Input, "storeId"))
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "ReserveStock",
		ServiceName:       "product-service",
		ExpectedPrevState: saga.StateStoreValidated,
		ExpectedPostState: saga.StateStockReserved,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return reserveItems(ctx, p, opKey(exec, "ReserveStock"), exec)
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			return releaseItems(ctx, p, data)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "CalculateTotal",
		ServiceName:       "sale-service",
		ExpectedPrevState: saga.StateStockReserved,
		ExpectedPostState: saga.StateTotalCalculated,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			items, err := itemsField(exec.Input)
			if err != nil {
				return nil, err
			}
			return p.Sales.CalculateTotal(ctx, opKey(exec, "CalculateTotal"), items)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "CreateSale",
		ServiceName:       "sale-service",
		ExpectedPrevState: saga.StateTotalCalculated,
		ExpectedPostState: saga.StateSaleCreated,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			items, err := itemsField(exec.Input)
			if err != nil {
				return nil, err
			}
			total, _ := exec.Data["total"].(float64)
			return p.Sales.CreateSale(ctx, opKey(exec, "CreateSale"), stringField(exec.Input, "storeId"), items, total)
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			saleID, _ := data["saleId"].(string)
			return p.Sales.CancelSale(ctx, participants.OpKey{}, saleID)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "ConfirmStock",
		ServiceName:       "product-service",
		ExpectedPrevState: saga.StateSaleCreated,
		ExpectedPostState: saga.StateStockConfirmed,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return confirmItems(ctx, p, opKey(exec, "ConfirmStock"), exec)
		},
	})

	return def
}

// NewOrderSaga builds the four-step customer order saga: record the order,
// hold stock, charge the customer, then confirm.
func NewOrderSaga(p *Participants) *saga.Definition {
	def := saga.NewDefinition(saga.TypeOrder, "Customer order across order, inventory and payment services")

	def.AddStep(&saga.StepDef{
		Name:              "CreateOrder",
		ServiceName:       "order-service",
		ExpectedPrevState: saga.StateStarted,
		ExpectedPostState: saga.StateSaleCreated,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			items, err := itemsField(exec.Input)
			if err != nil {
				return nil, err
			}
			total := totalOf(items)
			return p.Orders.CreateOrder(ctx, opKey(exec, "CreateOrder"),
				stringField(exec.Input, "customerId"), stringField(exec.Input, "storeId"), items, total)
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			orderID, _ := data["orderId"].(string)
			return p.Orders.CancelOrder(ctx, participants.OpKey{}, orderID)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "ReserveStock",
		ServiceName:       "product-service",
		ExpectedPrevState: saga.StateSaleCreated,
		ExpectedPostState: saga.StateStockReserved,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return reserveItems(ctx, p, opKey(exec, "ReserveStock"), exec)
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			return releaseItems(ctx, p, data)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "ProcessPayment",
		ServiceName:       "payment-service",
		ExpectedPrevState: saga.StateStockReserved,
		ExpectedPostState: saga.StatePaymentProcessed,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			orderID, _ := exec.Data["orderId"].(string)
			total, _ := exec.Data["total"].(float64)
			return p.Payments.ProcessPayment(ctx, opKey(exec, "ProcessPayment"), orderID, total)
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			paymentID, _ := data["paymentId"].(string)
			return p.Payments.RefundPayment(ctx, participants.OpKey{}, paymentID)
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "ConfirmOrder",
		ServiceName:       "order-service",
		ExpectedPrevState: saga.StatePaymentProcessed,
		ExpectedPostState: saga.StateCompleted,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			orderID, _ := exec.Data["orderId"].(string)
			return p.Orders.ConfirmOrder(ctx, opKey(exec, "ConfirmOrder"), orderID)
		},
	})

	return def
}

// NewStockUpdateSaga builds the two-step inventory adjustment saga
func NewStockUpdateSaga(p *Participants) *saga.Definition {
	def := saga.NewDefinition(saga.TypeStockUpdate, "Absolute stock level adjustment for a store")

	def.AddStep(&saga.StepDef{
		Name:              "ValidateStore",
		ServiceName:       "store-service",
		ExpectedPrevState: saga.StateStarted,
		ExpectedPostState: saga.StateStoreValidated,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return p.Stores.ValidateStore(ctx, opKey(exec, "ValidateStore"), stringField(exec.Input, "storeId"))
		},
	})

	def.AddStep(&saga.StepDef{
		Name:              "UpdateStock",
		ServiceName:       "product-service",
		ExpectedPrevState: saga.StateStoreValidated,
		ExpectedPostState: saga.StateStockConfirmed,
		Forward: func(ctx context.Context, exec *saga.Execution) (map[string]interface{}, error) {
			return p.Products.UpdateStock(ctx, opKey(exec, "UpdateStock"),
				stringField(exec.Input, "productId"), stringField(exec.Input, "storeId"), intField(exec.Input, "quantity"))
		},
		Compensate: func(ctx context.Context, data map[string]interface{}) error {
			productID, _ := data["productId"].(string)
			storeID, _ := data["storeId"].(string)
			previous := intOf(data["previousQuantity"])
			return p.Products.RestoreStock(ctx, participants.OpKey{}, productID, storeID, previous)
		},
	})

	return def
}

// reserveItems holds stock for every basket line and returns the
// reservation IDs the paired release or confirm needs
func reserveItems(ctx context.Context, p *Participants, key participants.OpKey, exec *saga.Execution) (map[string]interface{}, error) {
	items, err := itemsField(exec.Input)
	if err != nil {
		return nil, err
	}
	storeID := stringField(exec.Input, "storeId")

	reservationIDs := make([]interface{}, 0, len(items))
	for i, item := range items {
		lineKey := key
		lineKey.StepName = fmt.Sprintf("%s#%d", key.StepName, i)
		result, err := p.Products.ReserveStock(ctx, lineKey, item.ProductID, storeID, item.Quantity)
		if err != nil {
			// Holds taken so far are released by this step's compensation
			// after the engine pushes the failure
			for _, id := range reservationIDs {
				_ = p.Products.ReleaseStock(ctx, participants.OpKey{}, id.(string))
			}
			return nil, err
		}
		reservationIDs = append(reservationIDs, result["reservationId"])
	}

	return map[string]interface{}{
		"reservationIds": reservationIDs,
		"storeId":        storeID,
	}, nil
}

func releaseItems(ctx context.Context, p *Participants, data map[string]interface{}) error {
	for _, id := range reservationIDsOf(data) {
		if err := p.Products.ReleaseStock(ctx, participants.OpKey{}, id); err != nil {
			return err
		}
	}
	return nil
}

func confirmItems(ctx context.Context, p *Participants, key participants.OpKey, exec *saga.Execution) (map[string]interface{}, error) {
	confirmed := make([]interface{}, 0)
	for i, id := range reservationIDsOf(exec.Data) {
		lineKey := key
		lineKey.StepName = fmt.Sprintf("%s#%d", key.StepName, i)
		if _, err := p.Products.ConfirmStock(ctx, lineKey, id); err != nil {
			return nil, err
		}
		confirmed = append(confirmed, id)
	}
	return map[string]interface{}{"confirmedReservationIds": confirmed}, nil
}

func reservationIDsOf(data map[string]interface{}) []string {
	raw, _ := data["reservationIds"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok {
			out = append(out, id)
		}
	}
	return out
}

func stringField(input map[string]interface{}, field string) string {
	v, _ := input[field].(string)
	return v
}

func intField(input map[string]interface{}, field string) int {
	return intOf(input[field])
}

func intOf(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

func totalOf(items []domain.SaleItem) float64 {
	var total float64
	for _, item := range items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// itemsField reads the basket lines from the request input. They arrive as
// typed items from the service layer or as generic maps off the wire.
func itemsField(input map[string]interface{}) ([]domain.SaleItem, error) {
	switch v := input["items"].(type) {
	case []domain.SaleItem:
		return v, nil
	case []interface{}:
		items := make([]domain.SaleItem, 0, len(v))
		for _, raw := range v {
			m, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("malformed basket line %T", raw)
			}
			items = append(items, domain.SaleItem{
				ProductID: stringField(m, "productId"),
				Quantity:  intOf(m["quantity"]),
				UnitPrice: floatOf(m["unitPrice"]),
			})
		}
		return items, nil
	default:
		return nil, domain.ErrEmptySale
	}
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0
	}
}
