package participants

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

const productServiceName = "product-service"

// ProductService is the in-memory inventory participant. Stock is tracked
// per (product, store); reservations hold stock until confirmed or released.
type ProductService struct {
	mu           sync.RWMutex
	products     map[string]*domain.Product
	stock        map[string]int                       // productID:storeID -> available
	reservations map[string]*domain.StockReservation // reservationID -> hold
	injector     *failure.Injector
	events       events.Publisher
	logger       *zap.Logger
	ops          *opCache
}

// NewProductService creates an inventory participant
func NewProductService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger, seed []*domain.Product) *ProductService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	products := make(map[string]*domain.Product)
	for _, p := range seed {
		products[p.ID] = p
	}

	return &ProductService{
		products:     products,
		stock:        make(map[string]int),
		reservations: make(map[string]*domain.StockReservation),
		injector:     injector,
		events:       publisher,
		logger:       logger,
		ops:          newOpCache(),
	}
}

func stockKey(productID, storeID string) string {
	return productID + ":" + storeID
}

// AddProduct registers a product
func (s *ProductService) AddProduct(p *domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// GetProduct returns a product by ID
func (s *ProductService) GetProduct(productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, domain.ErrProductNotFound
	}
	return p, nil
}

// SetStock sets the available stock for a product at a store
func (s *ProductService) SetStock(productID, storeID string, quantity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stock[stockKey(productID, storeID)] = quantity
}

// Stock returns the available stock for a product at a store
func (s *ProductService) Stock(productID, storeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stock[stockKey(productID, storeID)]
}

// ReserveStock places a hold on stock. The returned map carries the
// reservation ID the paired release or confirm needs.
func (s *ProductService) ReserveStock(ctx context.Context, key OpKey, productID, storeID string, quantity int) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if quantity <= 0 {
			return nil, domain.ErrInvalidQuantity
		}
		if productID == "" {
			return nil, domain.ErrInvalidProductID
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureInsufficientStock, productServiceName,
			failure.Target{ProductID: productID, StoreID: storeID}); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if _, ok := s.products[productID]; !ok {
			s.mu.Unlock()
			return nil, domain.ErrProductNotFound
		}

		k := stockKey(productID, storeID)
		if available := s.stock[k]; available < quantity {
			s.mu.Unlock()
			return nil, saga.NewStepFailure(saga.FailureInsufficientStock,
				"%d of product %s requested at %s, %d available", quantity, productID, storeID, available)
		}
		s.stock[k] -= quantity

		res := &domain.StockReservation{
			ID:        uuid.New().String(),
			ProductID: productID,
			StoreID:   storeID,
			Quantity:  quantity,
		}
		s.reservations[res.ID] = res
		s.mu.Unlock()

		s.publishAsync(ctx, key, events.EventStockReserved, productID, map[string]interface{}{
			"reservationId": res.ID,
			"productId":     productID,
			"storeId":       storeID,
			"quantity":      quantity,
		})

		return map[string]interface{}{
			"reservationId": res.ID,
			"productId":     productID,
			"storeId":       storeID,
			"quantity":      quantity,
		}, nil
	})
}

// ReleaseStock returns a reservation's quantity to available stock. It is
// idempotent: releasing an unknown or already released reservation succeeds.
func (s *ProductService) ReleaseStock(ctx context.Context, key OpKey, reservationID string) error {
	if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, productServiceName, failure.Target{}); err != nil {
		return err
	}

	s.mu.Lock()
	res, ok := s.reservations[reservationID]
	if ok {
		s.stock[stockKey(res.ProductID, res.StoreID)] += res.Quantity
		delete(s.reservations, reservationID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Release for unknown reservation ignored",
			zap.String("reservation_id", reservationID), zap.String("saga_id", key.SagaID))
		return nil
	}

	s.publishAsync(ctx, key, events.EventStockReleased, res.ProductID, map[string]interface{}{
		"reservationId": reservationID,
		"productId":     res.ProductID,
		"storeId":       res.StoreID,
		"quantity":      res.Quantity,
	})
	return nil
}

// ConfirmStock finalizes a reservation: the hold becomes a permanent
// deduction and cannot be released anymore.
func (s *ProductService) ConfirmStock(ctx context.Context, key OpKey, reservationID string) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if err := s.injector.MaybeFail(ctx, saga.FailureNetworkTimeout, productServiceName, failure.Target{}); err != nil {
			return nil, err
		}

		s.mu.Lock()
		res, ok := s.reservations[reservationID]
		if ok {
			delete(s.reservations, reservationID)
		}
		s.mu.Unlock()

		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrNoReservation, reservationID)
		}

		s.publishAsync(ctx, key, events.EventStockConfirmed, res.ProductID, map[string]interface{}{
			"reservationId": reservationID,
			"productId":     res.ProductID,
			"storeId":       res.StoreID,
			"quantity":      res.Quantity,
		})

		return map[string]interface{}{
			"reservationId": reservationID,
			"productId":     res.ProductID,
			"quantity":      res.Quantity,
		}, nil
	})
}

// UpdateStock applies an absolute stock level, used by the stock update saga
func (s *ProductService) UpdateStock(ctx context.Context, key OpKey, productID, storeID string, quantity int) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if quantity < 0 {
			return nil, domain.ErrInvalidQuantity
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureDatabase, productServiceName,
			failure.Target{ProductID: productID, StoreID: storeID}); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if _, ok := s.products[productID]; !ok {
			s.mu.Unlock()
			return nil, domain.ErrProductNotFound
		}
		previous := s.stock[stockKey(productID, storeID)]
		s.stock[stockKey(productID, storeID)] = quantity
		s.mu.Unlock()

		s.publishAsync(ctx, key, events.EventStockUpdated, productID, map[string]interface{}{
			"productId":        productID,
			"storeId":          storeID,
			"previousQuantity": previous,
			"quantity":         quantity,
		})

		return map[string]interface{}{
			"productId":        productID,
			"storeId":          storeID,
			"previousQuantity": previous,
			"quantity":         quantity,
		}, nil
	})
}

// RestoreStock reverts an absolute stock update to its previous level
func (s *ProductService) RestoreStock(ctx context.Context, key OpKey, productID, storeID string, previousQuantity int) error {
	if err := s.injector.MaybeFail(ctx, saga.FailureDatabase, productServiceName,
		failure.Target{ProductID: productID, StoreID: storeID}); err != nil {
		return err
	}

	s.mu.Lock()
	s.stock[stockKey(productID, storeID)] = previousQuantity
	s.mu.Unlock()

	s.publishAsync(ctx, key, events.EventStockUpdated, productID, map[string]interface{}{
		"productId": productID,
		"storeId":   storeID,
		"quantity":  previousQuantity,
	})
	return nil
}

func (s *ProductService) publishAsync(ctx context.Context, key OpKey, eventType, aggregateID string, data map[string]interface{}) {
	evt := events.NewEnvelope(eventType, aggregateID, "product", data,
		events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish inventory event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
