package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/choreography"
	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/dto"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// SagaService is the application service behind the saga HTTP API
type SagaService struct {
	engine      *saga.Engine
	coordinator *choreography.Coordinator
	injector    *failure.Injector
	logger      *zap.Logger
}

// NewSagaService creates the saga application service
func NewSagaService(engine *saga.Engine, coordinator *choreography.Coordinator, injector *failure.Injector, logger *zap.Logger) *SagaService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SagaService{
		engine:      engine,
		coordinator: coordinator,
		injector:    injector,
		logger:      logger,
	}
}

// ExecuteSale runs a point-of-sale saga to completion
func (s *SagaService) ExecuteSale(ctx context.Context, req *dto.StartSaleSagaRequest) (*saga.Result, error) {
	if req.StoreID == "" {
		return nil, saga.NewValidationError("storeId", "store ID is required")
	}
	if err := validateItems(req.Items); err != nil {
		return nil, err
	}

	return s.engine.Execute(ctx, saga.TypeSale, req.CorrelationID, map[string]interface{}{
		"storeId": req.StoreID,
		"items":   toSaleItems(req.Items),
	})
}

// ExecuteOrder runs an orchestrated customer order saga to completion
func (s *SagaService) ExecuteOrder(ctx context.Context, req *dto.StartOrderSagaRequest) (*saga.Result, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}

	return s.engine.Execute(ctx, saga.TypeOrder, req.CorrelationID, map[string]interface{}{
		"customerId": req.CustomerID,
		"storeId":    req.StoreID,
		"items":      toSaleItems(req.Items),
	})
}

// StartChoreographedOrder opens an event-driven order saga and returns its
// record. The saga progresses as participants react; GetSaga tracks it.
func (s *SagaService) StartChoreographedOrder(ctx context.Context, req *dto.StartOrderSagaRequest) (*saga.Record, error) {
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	if s.coordinator == nil {
		return nil, fmt.Errorf("choreographed sagas are not enabled")
	}

	return s.coordinator.StartOrder(ctx, req.CustomerID, req.StoreID, toSaleItems(req.Items), req.CorrelationID)
}

// ExecuteStockUpdate runs a stock adjustment saga to completion
func (s *SagaService) ExecuteStockUpdate(ctx context.Context, req *dto.StartStockUpdateSagaRequest) (*saga.Result, error) {
	if req.StoreID == "" {
		return nil, saga.NewValidationError("storeId", "store ID is required")
	}
	if req.ProductID == "" {
		return nil, saga.NewValidationError("productId", "product ID is required")
	}
	if req.Quantity < 0 {
		return nil, saga.NewValidationError("quantity", "quantity cannot be negative")
	}

	return s.engine.Execute(ctx, saga.TypeStockUpdate, req.CorrelationID, map[string]interface{}{
		"storeId":   req.StoreID,
		"productId": req.ProductID,
		"quantity":  req.Quantity,
	})
}

// Compensate rolls back a saga by ID
func (s *SagaService) Compensate(ctx context.Context, sagaID string) (*saga.Result, error) {
	if sagaID == "" {
		return nil, saga.NewValidationError("sagaId", "saga ID is required")
	}
	return s.engine.Compensate(ctx, sagaID)
}

// GetSaga returns one saga record
func (s *SagaService) GetSaga(ctx context.Context, sagaID string) (*saga.Record, error) {
	return s.engine.Get(ctx, sagaID)
}

// ListSagas returns saga records, newest first
func (s *SagaService) ListSagas(ctx context.Context, limit int) ([]*saga.Record, error) {
	return s.engine.List(ctx, limit)
}

// ListSagasByState returns saga records in the given state
func (s *SagaService) ListSagasByState(ctx context.Context, state string, limit int) ([]*saga.Record, error) {
	return s.engine.ListByState(ctx, saga.State(state), limit)
}

// GetTransitions returns the transition log of a saga
func (s *SagaService) GetTransitions(ctx context.Context, sagaID string) ([]*saga.Transition, error) {
	return s.engine.Transitions(ctx, sagaID)
}

// FailureConfig returns the live failure injection configuration
func (s *SagaService) FailureConfig() *failure.Config {
	return s.injector.Current()
}

// ReplaceFailureConfig installs a new failure injection configuration
func (s *SagaService) ReplaceFailureConfig(req *dto.FailureConfigRequest) *failure.Config {
	return s.injector.Replace(&failure.Config{
		Enabled:                       req.Enabled,
		InsufficientStockProbability:  req.InsufficientStockProbability,
		PaymentFailureProbability:     req.PaymentFailureProbability,
		NetworkTimeoutProbability:     req.NetworkTimeoutProbability,
		DatabaseFailureProbability:    req.DatabaseFailureProbability,
		ServiceUnavailableProbability: req.ServiceUnavailableProbability,
		FailureDelay:                  time.Duration(req.FailureDelayMs) * time.Millisecond,
		CriticalProducts:              req.CriticalProducts,
		CriticalStores:                req.CriticalStores,
	})
}

// ToggleFailureInjection flips the failure injection master switch
func (s *SagaService) ToggleFailureInjection(enabled bool) *failure.Config {
	return s.injector.SetEnabled(enabled)
}

// SimulateFailure runs one saga with the given failure kind forced to
// certainty, then restores the previous configuration. Concurrent sagas
// during the run see the forced config too; this is a demo facility.
func (s *SagaService) SimulateFailure(ctx context.Context, req *dto.SimulateFailureRequest) (*saga.Result, error) {
	kind := saga.FailureKind(req.FailureKind)
	previous := s.injector.Current()
	forced := forcedConfig(previous, kind)
	if forced == nil {
		return nil, saga.NewValidationError("failureKind", fmt.Sprintf("unknown failure kind %q", req.FailureKind))
	}
	s.injector.Replace(forced)
	defer s.injector.Replace(previous)

	items := req.Items
	if len(items) == 0 {
		items = []dto.SaleItemRequest{{ProductID: req.ProductID, Quantity: max(req.Quantity, 1)}}
	}

	switch saga.Type(req.SagaType) {
	case saga.TypeSale:
		return s.ExecuteSale(ctx, &dto.StartSaleSagaRequest{StoreID: req.StoreID, Items: items})
	case saga.TypeOrder:
		return s.ExecuteOrder(ctx, &dto.StartOrderSagaRequest{
			CustomerID: req.CustomerID, StoreID: req.StoreID, Items: items,
		})
	case saga.TypeStockUpdate:
		return s.ExecuteStockUpdate(ctx, &dto.StartStockUpdateSagaRequest{
			StoreID: req.StoreID, ProductID: req.ProductID, Quantity: max(req.Quantity, 1),
		})
	default:
		return nil, saga.NewValidationError("sagaType", fmt.Sprintf("unknown saga type %q", req.SagaType))
	}
}

// forcedConfig returns a copy of cfg with the given kind at certainty, or
// nil when the kind is unknown
func forcedConfig(cfg *failure.Config, kind saga.FailureKind) *failure.Config {
	forced := *cfg
	forced.Enabled = true
	forced.FailureDelay = 0

	switch kind {
	case saga.FailureInsufficientStock:
		forced.InsufficientStockProbability = 1.0
	case saga.FailurePayment:
		forced.PaymentFailureProbability = 1.0
	case saga.FailureNetworkTimeout:
		forced.NetworkTimeoutProbability = 1.0
	case saga.FailureDatabase:
		forced.DatabaseFailureProbability = 1.0
	case saga.FailureServiceUnavailable:
		forced.ServiceUnavailableProbability = 1.0
	default:
		return nil
	}
	return &forced
}

func validateOrder(req *dto.StartOrderSagaRequest) error {
	if req.CustomerID == "" {
		return saga.NewValidationError("customerId", "customer ID is required")
	}
	if req.StoreID == "" {
		return saga.NewValidationError("storeId", "store ID is required")
	}
	return validateItems(req.Items)
}

func validateItems(items []dto.SaleItemRequest) error {
	if len(items) == 0 {
		return saga.NewValidationError("items", "at least one item is required")
	}
	for i, item := range items {
		if item.ProductID == "" {
			return saga.NewValidationError(fmt.Sprintf("items[%d].productId", i), "product ID is required")
		}
		if item.Quantity <= 0 {
			return saga.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		}
	}
	return nil
}

func toSaleItems(items []dto.SaleItemRequest) []domain.SaleItem {
	out := make([]domain.SaleItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.SaleItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return out
}
