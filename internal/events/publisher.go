package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/retailgrid/saga-orchestrator/pkg/kafka"
)

// Publisher defines the interface for publishing event envelopes
type Publisher interface {
	// Publish sends an envelope to the topic its event type routes to
	Publish(ctx context.Context, evt *Envelope) error

	// Close closes the publisher
	Close() error
}

// Handler consumes an envelope delivered by a subscription
type Handler func(ctx context.Context, evt *Envelope) error

// KafkaPublisher implements Publisher on a Kafka producer
type KafkaPublisher struct {
	producer    *kafka.Producer
	serviceName string
}

// KafkaPublisherConfig contains configuration for the Kafka publisher
type KafkaPublisherConfig struct {
	Brokers     []string
	ServiceName string
	ClientID    string
}

// NewKafkaPublisher creates a Kafka-backed event publisher
func NewKafkaPublisher(ctx context.Context, cfg *KafkaPublisherConfig) (*KafkaPublisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("kafka publisher config is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "saga-orchestrator"
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = serviceName + "-producer"
	}

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Brokers,
		ClientID:      clientID,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
		LingerMs:      10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{producer: producer, serviceName: serviceName}, nil
}

// Publish sends the envelope to Kafka, keyed by aggregate ID
func (p *KafkaPublisher) Publish(ctx context.Context, evt *Envelope) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	headers := map[string]string{
		"event_type":   evt.EventType,
		"event_id":     evt.EventID,
		"source":       p.serviceName,
		"content_type": "application/json",
	}

	msg := &kafka.Message{
		Topic:     evt.Topic(),
		Key:       []byte(evt.Key()),
		Value:     value,
		Headers:   headers,
		Timestamp: evt.Timestamp,
	}

	if err := p.producer.Produce(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", evt.EventType, err)
	}
	return nil
}

// Producer exposes the underlying Kafka producer, so companion plumbing
// like the dead letter publisher can share the connection
func (p *KafkaPublisher) Producer() *kafka.Producer {
	return p.producer
}

// Close closes the underlying producer
func (p *KafkaPublisher) Close() error {
	if p.producer != nil {
		p.producer.Close()
	}
	return nil
}

// MemoryPublisher implements Publisher in process. Published envelopes are
// recorded per topic and dispatched synchronously to subscribers, which is
// what the choreographed flow and tests run on without a broker.
type MemoryPublisher struct {
	mu          sync.RWMutex
	published   map[string][]*Envelope
	subscribers map[string][]Handler
}

// NewMemoryPublisher creates an in-memory event bus
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		published:   make(map[string][]*Envelope),
		subscribers: make(map[string][]Handler),
	}
}

// Publish records the envelope and dispatches it to topic subscribers
func (p *MemoryPublisher) Publish(ctx context.Context, evt *Envelope) error {
	topic := evt.Topic()

	p.mu.Lock()
	p.published[topic] = append(p.published[topic], evt)
	handlers := make([]Handler, len(p.subscribers[topic]))
	copy(handlers, p.subscribers[topic])
	p.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, evt); err != nil {
			return fmt.Errorf("subscriber failed for %s: %w", evt.EventType, err)
		}
	}
	return nil
}

// Subscribe registers a handler for a topic
func (p *MemoryPublisher) Subscribe(topic string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[topic] = append(p.subscribers[topic], h)
}

// Published returns the envelopes recorded for a topic (for testing)
func (p *MemoryPublisher) Published(topic string) []*Envelope {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Envelope, len(p.published[topic]))
	copy(out, p.published[topic])
	return out
}

// Close is a no-op
func (p *MemoryPublisher) Close() error {
	return nil
}

// NoOpPublisher is a no-op implementation of Publisher
type NoOpPublisher struct{}

// NewNoOpPublisher creates a no-op publisher
func NewNoOpPublisher() *NoOpPublisher {
	return &NoOpPublisher{}
}

// Publish is a no-op
func (p *NoOpPublisher) Publish(ctx context.Context, evt *Envelope) error {
	return nil
}

// Close is a no-op
func (p *NoOpPublisher) Close() error {
	return nil
}
