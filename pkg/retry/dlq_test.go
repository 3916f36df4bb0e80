package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type mockJSONProducer struct {
	published []struct {
		Topic   string
		Key     string
		Data    interface{}
		Headers map[string]string
	}
	shouldFail bool
}

func (m *mockJSONProducer) ProduceJSON(ctx context.Context, topic string, key string, data interface{}, headers map[string]string) error {
	if m.shouldFail {
		return errors.New("mock produce failed")
	}
	m.published = append(m.published, struct {
		Topic   string
		Key     string
		Data    interface{}
		Headers map[string]string
	}{topic, key, data, headers})
	return nil
}

func TestKafkaDLQPublisher_GetDLQTopic(t *testing.T) {
	tests := []struct {
		name          string
		originalTopic string
		suffix        string
		expected      string
	}{
		{"default suffix", "sagas.events", ".dlq", "sagas.events.dlq"},
		{"custom suffix", "payments.events", "-dead-letter", "payments.events-dead-letter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := NewKafkaDLQPublisher(&mockJSONProducer{}, &DLQConfig{TopicSuffix: tt.suffix})
			got := publisher.GetDLQTopic(tt.originalTopic)

			if got != tt.expected {
				t.Errorf("GetDLQTopic(%s) = %s, want %s", tt.originalTopic, got, tt.expected)
			}
		})
	}
}

func TestKafkaDLQPublisher_PublishToDLQ(t *testing.T) {
	mock := &mockJSONProducer{}
	publisher := NewKafkaDLQPublisher(mock, &DLQConfig{
		TopicSuffix: ".dlq",
		Source:      "choreography-watcher",
	})

	msg := &DLQMessage{
		ID:            "msg-123",
		OriginalTopic: "orders.events",
		OriginalKey:   "order-456",
		Payload:       json.RawMessage(`{"orderId": "order-456"}`),
		Headers: map[string]string{
			"event_type": "OrderCreated",
		},
		Error:          "kafka connection failed",
		Attempts:       3,
		FirstAttemptAt: time.Now().Add(-1 * time.Minute),
		LastAttemptAt:  time.Now(),
	}

	err := publisher.PublishToDLQ(context.Background(), msg)
	if err != nil {
		t.Fatalf("PublishToDLQ failed: %v", err)
	}

	if len(mock.published) != 1 {
		t.Fatalf("Expected 1 published message, got %d", len(mock.published))
	}

	published := mock.published[0]

	if published.Topic != "orders.events.dlq" {
		t.Errorf("Topic = %s, want orders.events.dlq", published.Topic)
	}

	if published.Key != "order-456" {
		t.Errorf("Key = %s, want order-456", published.Key)
	}

	if published.Headers["original_topic"] != "orders.events" {
		t.Errorf("Header original_topic = %s, want orders.events", published.Headers["original_topic"])
	}

	if published.Headers["attempts"] != "3" {
		t.Errorf("Header attempts = %s, want 3", published.Headers["attempts"])
	}

	publishedMsg, ok := published.Data.(*DLQMessage)
	if !ok {
		t.Fatal("Published data is not a DLQMessage")
	}

	if publishedMsg.MovedToDLQAt.IsZero() {
		t.Error("MovedToDLQAt should be set")
	}

	if publishedMsg.Source != "choreography-watcher" {
		t.Errorf("Source = %s, want choreography-watcher", publishedMsg.Source)
	}
}

func TestKafkaDLQPublisher_PublishToDLQ_NilMessage(t *testing.T) {
	publisher := NewKafkaDLQPublisher(&mockJSONProducer{}, nil)

	if err := publisher.PublishToDLQ(context.Background(), nil); err == nil {
		t.Error("Expected error for nil message")
	}
}

func TestKafkaDLQPublisher_PublishToDLQ_PublishFails(t *testing.T) {
	publisher := NewKafkaDLQPublisher(&mockJSONProducer{shouldFail: true}, nil)

	msg := &DLQMessage{
		ID:            "msg-123",
		OriginalTopic: "orders.events",
		OriginalKey:   "order-456",
		Error:         "test error",
	}

	if err := publisher.PublishToDLQ(context.Background(), msg); err == nil {
		t.Error("Expected error when publish fails")
	}
}

func TestNoOpDLQPublisher(t *testing.T) {
	publisher := NewNoOpDLQPublisher()

	msg := &DLQMessage{ID: "msg-123", OriginalTopic: "test-topic"}

	if err := publisher.PublishToDLQ(context.Background(), msg); err != nil {
		t.Errorf("NoOpDLQPublisher.PublishToDLQ should not return error, got %v", err)
	}

	if topic := publisher.GetDLQTopic("test-topic"); topic != "test-topic.dlq" {
		t.Errorf("GetDLQTopic = %s, want test-topic.dlq", topic)
	}
}

func TestDLQHandler_ProcessWithDLQ_Success(t *testing.T) {
	mock := &mockJSONProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, nil)

	handler := NewDLQHandler(dlqPublisher, &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      3,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "choreography-watcher",
	})

	msgCtx := &MessageContext{
		ID:      "msg-123",
		Topic:   "orders.events",
		Key:     "order-456",
		Payload: json.RawMessage(`{"test": "data"}`),
	}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return nil
	}

	if err := handler.ProcessWithDLQ(context.Background(), msgCtx, op); err != nil {
		t.Errorf("ProcessWithDLQ failed: %v", err)
	}

	if attempts != 1 {
		t.Errorf("Operation called %d times, want 1", attempts)
	}

	if len(mock.published) != 0 {
		t.Errorf("Expected 0 DLQ messages, got %d", len(mock.published))
	}
}

func TestDLQHandler_ProcessWithDLQ_AllRetriesFail(t *testing.T) {
	mock := &mockJSONProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, &DLQConfig{
		TopicSuffix: ".dlq",
		Source:      "choreography-watcher",
	})

	var parked *DLQMessage
	handler := NewDLQHandler(dlqPublisher, &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      2,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "choreography-watcher",
		OnDLQ:  func(msg *DLQMessage) { parked = msg },
	})

	msgCtx := &MessageContext{
		ID:      "msg-123",
		Topic:   "orders.events",
		Key:     "order-456",
		Payload: json.RawMessage(`{"test": "data"}`),
		Headers: map[string]string{"event_type": "OrderCreated"},
	}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return errors.New("persistent error")
	}

	err := handler.ProcessWithDLQ(context.Background(), msgCtx, op)
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}

	// Initial + 2 retries = 3 total
	if attempts != 3 {
		t.Errorf("Operation called %d times, want 3", attempts)
	}

	if len(mock.published) != 1 {
		t.Fatalf("Expected 1 DLQ message, got %d", len(mock.published))
	}

	if mock.published[0].Topic != "orders.events.dlq" {
		t.Errorf("DLQ topic = %s, want orders.events.dlq", mock.published[0].Topic)
	}

	if parked == nil {
		t.Error("OnDLQ callback was not invoked")
	} else if parked.Attempts != 3 {
		t.Errorf("DLQ callback attempts = %d, want 3", parked.Attempts)
	}
}

func TestDLQHandler_ProcessWithDLQ_PermanentError(t *testing.T) {
	mock := &mockJSONProducer{}
	dlqPublisher := NewKafkaDLQPublisher(mock, nil)

	handler := NewDLQHandler(dlqPublisher, &DLQHandlerConfig{
		RetryConfig: &Config{
			MaxRetries:      5,
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     100 * time.Millisecond,
			Multiplier:      2.0,
			JitterFactor:    0,
		},
		Source: "choreography-watcher",
	})

	msgCtx := &MessageContext{ID: "msg-123", Topic: "orders.events", Key: "order-456"}

	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("permanent error"))
	}

	if err := handler.ProcessWithDLQ(context.Background(), msgCtx, op); err == nil {
		t.Error("Expected error for permanent error")
	}

	// Permanent errors skip retries but still park on the DLQ
	if attempts != 1 {
		t.Errorf("Operation called %d times, want 1", attempts)
	}

	if len(mock.published) != 1 {
		t.Errorf("Expected 1 DLQ message for permanent error, got %d", len(mock.published))
	}
}
