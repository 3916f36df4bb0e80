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

const notificationServiceName = "notification-service"

// NotificationService is the in-memory notification participant. Delivery is
// recorded, not actually sent; the event is what the rest of the flow needs.
type NotificationService struct {
	mu            sync.RWMutex
	notifications map[string]*domain.Notification
	injector      *failure.Injector
	events        events.Publisher
	logger        *zap.Logger
	ops           *opCache
}

// NewNotificationService creates a notification participant
func NewNotificationService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	return &NotificationService{
		notifications: make(map[string]*domain.Notification),
		injector:      injector,
		events:        publisher,
		logger:        logger,
		ops:           newOpCache(),
	}
}

// GetNotification returns a recorded notification by ID
func (s *NotificationService) GetNotification(notificationID string) (*domain.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.notifications[notificationID]
	if !ok {
		return nil, domain.ErrNotificationNotFound
	}
	return n, nil
}

// SendNotification notifies a customer that their order went through
func (s *NotificationService) SendNotification(ctx context.Context, key OpKey, customerID, orderID string) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if err := s.injector.MaybeFail(ctx, saga.FailureNetworkTimeout, notificationServiceName, failure.Target{}); err != nil {
			return nil, err
		}

		n := &domain.Notification{
			ID:         uuid.New().String(),
			CustomerID: customerID,
			OrderID:    orderID,
			Channel:    "email",
			SentAt:     time.Now().UTC(),
		}

		s.mu.Lock()
		s.notifications[n.ID] = n
		s.mu.Unlock()

		s.publish(ctx, key, events.EventNotificationSent, n.ID, map[string]interface{}{
			"notificationId": n.ID,
			"customerId":     n.CustomerID,
			"orderId":        n.OrderID,
			"channel":        n.Channel,
		})

		s.logger.Debug("Notification sent",
			zap.String("notification_id", n.ID), zap.String("saga_id", key.SagaID))

		return map[string]interface{}{"notificationId": n.ID}, nil
	})
}

func (s *NotificationService) publish(ctx context.Context, key OpKey, eventType, aggregateID string, data map[string]interface{}) {
	evt := events.NewEnvelope(eventType, aggregateID, "notification", data,
		events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish notification event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
