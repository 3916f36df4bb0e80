package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Saga lifecycle event types
const (
	EventSagaStarted               = "saga.started"
	EventSagaStepStarted           = "saga.step.started"
	EventSagaStepCompleted         = "saga.step.completed"
	EventSagaStepFailed            = "saga.step.failed"
	EventSagaCompensationStarted   = "saga.compensation.started"
	EventSagaCompensationExecuted  = "saga.compensation.executed"
	EventSagaCompensationCompleted = "saga.compensation.completed"
	EventSagaCompleted             = "saga.completed"
	EventSagaCompensated           = "saga.compensated"
	EventSagaFailed                = "saga.failed"
)

// Business event types emitted by participants
const (
	EventOrderCreated     = "OrderCreated"
	EventOrderConfirmed   = "OrderConfirmed"
	EventOrderCancelled   = "OrderCancelled"
	EventPaymentProcessed = "PaymentProcessed"
	EventPaymentRefunded  = "PaymentRefunded"
	EventPaymentFailed    = "PaymentFailed"
	EventStockReserved    = "StockReserved"
	EventStockRejected    = "StockRejected"
	EventStockReleased    = "StockReleased"
	EventStockConfirmed   = "StockConfirmed"
	EventStockUpdated     = "StockUpdated"
	EventSaleCreated      = "SaleCreated"
	EventSaleCancelled    = "SaleCancelled"
	EventStoreValidated   = "StoreValidated"

	EventNotificationSent   = "NotificationSent"
	EventNotificationFailed = "NotificationFailed"
)

// Topics by event family
const (
	TopicSagaEvents      = "sagas.events"
	TopicOrderEvents     = "orders.events"
	TopicPaymentEvents   = "payments.events"
	TopicInventoryEvents = "inventory.events"
	TopicBusinessEvents  = "business.events"
)

// TopicFor routes an event type to its topic by name prefix
func TopicFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "saga"):
		return TopicSagaEvents
	case strings.HasPrefix(eventType, "Order"):
		return TopicOrderEvents
	case strings.HasPrefix(eventType, "Payment"):
		return TopicPaymentEvents
	case strings.HasPrefix(eventType, "Stock"), strings.HasPrefix(eventType, "Inventory"):
		return TopicInventoryEvents
	default:
		return TopicBusinessEvents
	}
}

// Metadata carries the correlation context of an event
type Metadata struct {
	CorrelationID string `json:"correlationId"`
	SagaID        string `json:"sagaId,omitempty"`
	Step          int    `json:"step,omitempty"`
	TotalSteps    int    `json:"totalSteps,omitempty"`
}

// Envelope is the wire format of every business and saga lifecycle event
type Envelope struct {
	EventID       string                 `json:"eventId"`
	EventType     string                 `json:"eventType"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Data          map[string]interface{} `json:"data"`
	Metadata      Metadata               `json:"metadata"`
}

// NewEnvelope creates an event envelope with a fresh ID and timestamp
func NewEnvelope(eventType, aggregateID, aggregateType string, data map[string]interface{}, meta Metadata) *Envelope {
	if data == nil {
		data = map[string]interface{}{}
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     time.Now().UTC(),
		Version:       1,
		Data:          data,
		Metadata:      meta,
	}
}

// Topic returns the destination topic of the envelope
func (e *Envelope) Topic() string {
	return TopicFor(e.EventType)
}

// Key returns the partition key. Events of one aggregate share a key, so
// they stay ordered within a partition.
func (e *Envelope) Key() string {
	return e.AggregateID
}
