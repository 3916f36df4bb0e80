package participants

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/domain"
	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/internal/failure"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

const storeServiceName = "store-service"

// StoreService is the in-memory store participant. It validates that a sale
// or order targets a known, active store.
type StoreService struct {
	mu       sync.RWMutex
	stores   map[string]*domain.Store
	injector *failure.Injector
	events   events.Publisher
	logger   *zap.Logger
	ops      *opCache
}

// NewStoreService creates a store participant seeded with the given stores
func NewStoreService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger, seed []*domain.Store) *StoreService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	stores := make(map[string]*domain.Store)
	for _, st := range seed {
		stores[st.ID] = st
	}

	return &StoreService{
		stores:   stores,
		injector: injector,
		events:   publisher,
		logger:   logger,
		ops:      newOpCache(),
	}
}

// AddStore registers a store
func (s *StoreService) AddStore(store *domain.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[store.ID] = store
}

// GetStore returns a store by ID
func (s *StoreService) GetStore(storeID string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	store, ok := s.stores[storeID]
	if !ok {
		return nil, domain.ErrStoreNotFound
	}
	return store, nil
}

// ValidateStore checks that the store exists and is active
func (s *StoreService) ValidateStore(ctx context.Context, key OpKey, storeID string) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if storeID == "" {
			return nil, domain.ErrInvalidStoreID
		}

		if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, storeServiceName, failure.Target{StoreID: storeID}); err != nil {
			return nil, err
		}

		store, err := s.GetStore(storeID)
		if err != nil {
			return nil, err
		}
		if !store.Active {
			return nil, domain.ErrStoreInactive
		}

		s.publish(ctx, key, events.NewEnvelope(events.EventStoreValidated, store.ID, "store", map[string]interface{}{
			"storeId":   store.ID,
			"storeName": store.Name,
			"region":    store.Region,
		}, events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID}))

		s.logger.Debug("Store validated",
			zap.String("store_id", store.ID), zap.String("saga_id", key.SagaID))

		return map[string]interface{}{
			"storeId":   store.ID,
			"storeName": store.Name,
		}, nil
	})
}

func (s *StoreService) publish(ctx context.Context, key OpKey, evt *events.Envelope) {
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish store event",
			zap.String("event_type", evt.EventType), zap.Error(err))
	}
}
