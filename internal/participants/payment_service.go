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

const paymentServiceName = "payment-service"

// PaymentService is the in-memory payment participant
type PaymentService struct {
	mu       sync.RWMutex
	payments map[string]*domain.Payment
	injector *failure.Injector
	events   events.Publisher
	logger   *zap.Logger
	ops      *opCache
}

// NewPaymentService creates a payment participant
func NewPaymentService(injector *failure.Injector, publisher events.Publisher, logger *zap.Logger) *PaymentService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.NewNoOpPublisher()
	}

	return &PaymentService{
		payments: make(map[string]*domain.Payment),
		injector: injector,
		events:   publisher,
		logger:   logger,
		ops:      newOpCache(),
	}
}

// GetPayment returns a payment by ID
func (s *PaymentService) GetPayment(paymentID string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, domain.ErrPaymentNotFound
	}
	return p, nil
}

// ProcessPayment charges the given amount against an order
func (s *PaymentService) ProcessPayment(ctx context.Context, key OpKey, orderID string, amount float64) (map[string]interface{}, error) {
	return s.ops.do(key, func() (map[string]interface{}, error) {
		if amount < 0 {
			return nil, domain.ErrInvalidAmount
		}

		if err := s.injector.MaybeFail(ctx, saga.FailurePayment, paymentServiceName, failure.Target{}); err != nil {
			return nil, err
		}

		payment := &domain.Payment{
			ID:          uuid.New().String(),
			OrderID:     orderID,
			Amount:      amount,
			Status:      domain.PaymentStatusProcessed,
			ProcessedAt: time.Now().UTC(),
		}

		s.mu.Lock()
		s.payments[payment.ID] = payment
		s.mu.Unlock()

		s.publish(ctx, key, events.EventPaymentProcessed, payment.ID, map[string]interface{}{
			"paymentId": payment.ID,
			"orderId":   orderID,
			"amount":    amount,
		})

		s.logger.Debug("Payment processed",
			zap.String("payment_id", payment.ID), zap.String("saga_id", key.SagaID))

		return map[string]interface{}{
			"paymentId": payment.ID,
			"amount":    amount,
		}, nil
	})
}

// RefundPayment reverses a processed payment. Refunding an unknown or
// already refunded payment succeeds, so compensation can replay safely.
func (s *PaymentService) RefundPayment(ctx context.Context, key OpKey, paymentID string) error {
	if err := s.injector.MaybeFail(ctx, saga.FailureServiceUnavailable, paymentServiceName, failure.Target{}); err != nil {
		return err
	}

	s.mu.Lock()
	payment, ok := s.payments[paymentID]
	if ok {
		payment.Status = domain.PaymentStatusRefunded
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Refund for unknown payment ignored",
			zap.String("payment_id", paymentID), zap.String("saga_id", key.SagaID))
		return nil
	}

	s.publish(ctx, key, events.EventPaymentRefunded, paymentID, map[string]interface{}{
		"paymentId": paymentID,
		"amount":    payment.Amount,
	})
	return nil
}

func (s *PaymentService) publish(ctx context.Context, key OpKey, eventType, aggregateID string, data map[string]interface{}) {
	evt := events.NewEnvelope(eventType, aggregateID, "payment", data,
		events.Metadata{CorrelationID: key.CorrelationID, SagaID: key.SagaID})
	if err := s.events.Publish(ctx, evt); err != nil {
		s.logger.Warn("Failed to publish payment event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
