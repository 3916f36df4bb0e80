package participants

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

const saleServiceName = "sale-service"

// SaleService is the in-memory point-of-sale participant
type SaleService struct {
	mu       sync.RWMutex
	sales    map[string]*domain.Sale
	products *ProductService
	injector *failure.Injector
	events   events.Publisher
	logger   *zap.Logger
	ops      *opCache
}

// NewSaleService creates a sale participant. Prices come from the product
// catalog, so the product service is required.
func NewSaleService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger, products *ProductService) *SaleService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	return &SaleService{
		sales:    make(map[string]*domain.Sale),
		products: products,
		injector: injector,
		events:   publisher,
		logger:   logger,
		ops:      newOpCache(),
	}
}

// GetSale returns a sale by ID
func (s *SaleService) GetSale(saleID string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[saleID]
	if !ok {
		return nil, domain.ErrSaleNotFound
	}
	return sale, nil
}

// CalculateTotal prices the items against the catalog
func (s *SaleService) CalculateTotal(ctx context.Context, key OpKey, items []domain.SaleItem) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if len(items) == 0 {
			return nil, domain.ErrEmptySale
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureDatabase, saleServiceName, failure.Target{}); err != nil {
			return nil, err
		}

		var total float64
		priced := make([]domain.SaleItem, 0, len(items))
		for _, item := range items {
			product, err := s.products.GetProduct(item.ProductID)
			if err != nil {
				return nil, fmt.Errorf("pricing item %s: %w", item.ProductID, err)
			}
			unit := item.UnitPrice
			if unit == 0 {
				unit = product.Price
			}
			total += unit * float64(item.Quantity)
			priced = append(priced, domain.SaleItem{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				UnitPrice: unit,
			})
		}

		return map[string]interface{}{
			"total": total,
			"items": priced,
		}, nil
	})
}

// CreateSale records the sale
func (s *SaleService) CreateSale(ctx context.Context, key OpKey, storeID string, items []domain.SaleItem, total float64) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if total < 0 {
			return nil, domain.ErrInvalidAmount
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureDatabase, saleServiceName,
			failure.Target{StoreID: storeID}); err != nil {
			return nil, err
		}

		sale := &domain.Sale{
			ID:        uuid.New().String(),
			StoreID:   storeID,
			Items:     items,
			Total:     total,
			Status:    domain.SaleStatusCreated,
			CreatedAt: time.Now().UTC(),
		}

		s.mu.Lock()
		s.sales[sale.ID] = sale
		s.mu.Unlock()

		s.publish(ctx, key, events.EventSaleCreated, sale.ID, map[string]interface{}{
			"saleId":  sale.ID,
			"storeId": sale.StoreID,
			"total":   sale.Total,
		})

		s.logger.Debug("Sale created",
			zap.String("sale_id", sale.ID), zap.String("saga_id", key.SagaID))

		return map[string]interface{}{
			"saleId": sale.ID,
			"total":  sale.Total,
		}, nil
	})
}

// CancelSale voids a recorded sale. Cancelling an unknown or already
// cancelled sale succeeds, so compensation can replay safely.
func (s *SaleService) CancelSale(ctx context.Context, key OpKey, saleID string) error {
	if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, saleServiceName, failure.Target{}); err != nil {
		return err
	}

	s.mu.Lock()
	sale, ok := s.sales[saleID]
	if ok {
		sale.Status = domain.SaleStatusCancelled
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Cancel for unknown sale ignored",
			zap.String("sale_id", saleID), zap.String("saga_id", key.SagaID))
		return nil
	}

	s.publish(ctx, key, events.EventSaleCancelled, saleID, map[string]interface{}{
		"saleId": saleID,
	})
	return nil
}

func (s *SaleService) publish(ctx context.Context, key OpKey, eventType, aggregateID string, data map[string]interface{}) {
	evt := events.NewEnvelope(eventType, aggregateID, "sale", data,
		events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish sale event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
