package participants

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

const orderServiceName = "order-service"

// OrderService is the in-memory order participant
type OrderService struct {
	mu       sync.RWMutex
	orders   map[string]*domain.Order
	injector *failure.Injector
	events   events.Publisher
	logger   *zap.Logger
	ops      *opCache
}

// NewOrderService creates an order participant
func NewOrderService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	return &OrderService{
		orders:   make(map[string]*domain.Order),
		injector: injector,
		events:   publisher,
		logger:   logger,
		ops:      newOpCache(),
	}
}

// GetOrder returns an order by ID
func (s *OrderService) GetOrder(orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return order, nil
}

// CreateOrder records a new customer order
func (s *OrderService) CreateOrder(ctx context.Context, key OpKey, customerID, storeID string, items []domain.SaleItem, total float64) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if len(items) == 0 {
			return nil, domain.ErrEmptySale
		}
		if total < 0 {
			return nil, domain.ErrInvalidAmount
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureDatabase, orderServiceName,
			failure.Target{StoreID: storeID}); err != nil {
			return nil, err
		}

		order := &domain.Order{
			ID:         uuid.New().String(),
			CustomerID: customerID,
			StoreID:    storeID,
			Items:      items,
			Total:      total,
			Status:     domain.OrderStatusCreated,
			CreatedAt:  time.Now().UTC(),
		}

		s.mu.Lock()
		s.orders[order.ID] = order
		s.mu.Unlock()

		s.publish(ctx, key, events.EventOrderCreated, order.ID, map[string]interface{}{
			"orderId":    order.ID,
			"customerId": order.CustomerID,
			"storeId":    order.StoreID,
			"total":      order.Total,
		})

		s.logger.Debug("Order created",
			zap.String("order_id", order.ID), zap.String("saga_id", key.SagaID))

		return map[string]interface{}{
			"orderId": order.ID,
			"total":   order.Total,
		}, nil
	})
}

// ConfirmOrder marks an order confirmed
func (s *OrderService) ConfirmOrder(ctx context.Context, key OpKey, orderID string) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, orderServiceName, failure.Target{}); err != nil {
			return nil, err
		}

		s.mu.Lock()
		order, ok := s.orders[orderID]
		if ok {
			order.Status = domain.OrderStatusConfirmed
		}
		s.mu.Unlock()

		if !ok {
			return nil, domain.ErrOrderNotFound
		}

		s.publish(ctx, key, events.EventOrderConfirmed, orderID, map[string]interface{}{
			"orderId": orderID,
		})

		return map[string]interface{}{"orderId": orderID}, nil
	})
}

// CancelOrder voids an order. Unknown or already cancelled orders are
// accepted, so compensation can replay safely.
func (s *OrderService) CancelOrder(ctx context.Context, key OpKey, orderID string) error {
	if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, orderServiceName, failure.Target{}); err != nil {
		return err
	}

	s.mu.Lock()
	order, ok := s.orders[orderID]
	if ok {
		order.Status = domain.OrderStatusCancelled
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Cancel for unknown order ignored",
			zap.String("order_id", orderID), zap.String("saga_id", key.SagaID))
		return nil
	}

	s.publish(ctx, key, events.EventOrderCancelled, orderID, map[string]interface{}{
		"orderId": orderID,
	})
	return nil
}

func (s *OrderService) publish(ctx context.Context, key OpKey, eventType, aggregateID string, data map[string]interface{}) {
	evt := events.NewEnvelope(eventType, aggregateID, "order", data,
		events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish order event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
