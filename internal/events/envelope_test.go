package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		eventType string
		topic     string
	}{
		{EventSagaStarted, TopicSagaEvents},
		{EventSagaCompensationExecuted, TopicSagaEvents},
		{EventOrderCreated, TopicOrderEvents},
		{EventOrderCancelled, TopicOrderEvents},
		{EventPaymentProcessed, TopicPaymentEvents},
		{EventPaymentFailed, TopicPaymentEvents},
		{EventStockReserved, TopicInventoryEvents},
		{EventStockRejected, TopicInventoryEvents},
		{"InventoryRecounted", TopicInventoryEvents},
		{EventNotificationSent, TopicBusinessEvents},
		{EventNotificationFailed, TopicBusinessEvents},
		{EventSaleCreated, TopicBusinessEvents},
		{EventStoreValidated, TopicBusinessEvents},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.topic, TopicFor(tt.eventType), "event type %s", tt.eventType)
	}
}

func TestNewEnvelope(t *testing.T) {
	evt := NewEnvelope(EventOrderCreated, "order-1", "order", nil,
		Metadata{CorrelationID: "corr-1", SagaID: "saga-1"})

	assert.NotEmpty(t, evt.EventID)
	assert.Equal(t, 1, evt.Version)
	assert.NotNil(t, evt.Data)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Equal(t, TopicOrderEvents, evt.Topic())
	assert.Equal(t, "order-1", evt.Key())
	assert.Equal(t, "corr-1", evt.Metadata.CorrelationID)
}

func TestMemoryPublisherDispatchOrder(t *testing.T) {
	bus := NewMemoryPublisher()

	var calls []string
	bus.Subscribe(TopicOrderEvents, func(ctx context.Context, evt *Envelope) error {
		calls = append(calls, "first:"+evt.EventType)
		return nil
	})
	bus.Subscribe(TopicOrderEvents, func(ctx context.Context, evt *Envelope) error {
		calls = append(calls, "second:"+evt.EventType)
		return nil
	})

	evt := NewEnvelope(EventOrderCreated, "order-1", "order", nil, Metadata{})
	require.NoError(t, bus.Publish(context.Background(), evt))

	assert.Equal(t, []string{"first:OrderCreated", "second:OrderCreated"}, calls)
	assert.Len(t, bus.Published(TopicOrderEvents), 1)
	assert.Empty(t, bus.Published(TopicPaymentEvents))
}

func TestMemoryPublisherSubscriberError(t *testing.T) {
	bus := NewMemoryPublisher()
	boom := errors.New("boom")
	bus.Subscribe(TopicPaymentEvents, func(ctx context.Context, evt *Envelope) error {
		return boom
	})

	err := bus.Publish(context.Background(),
		NewEnvelope(EventPaymentProcessed, "pay-1", "payment", nil, Metadata{}))
	assert.ErrorIs(t, err, boom)

	// the envelope is still recorded even when a subscriber fails
	assert.Len(t, bus.Published(TopicPaymentEvents), 1)
}
