package choreography

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/retailgrid/saga-orchestrator/internal/events"
	"github.com/retailgrid/saga-orchestrator/pkg/kafka"
	"github.com/retailgrid/saga-orchestrator/pkg/retry"
	"github.com/retailgrid/saga-orchestrator/pkg/saga"
)

// EventHandler consumes one event envelope
type EventHandler interface {
	HandleEvent(ctx context.Context, evt *events.Envelope) error
}

// WatcherConfig holds Kafka consumer configuration for the event watcher
type WatcherConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	Topics           []string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration

	// DLQ receives poison messages: malformed payloads and events the
	// handlers reject with a non-transient error. Defaults to a no-op
	// publisher, which drops them after logging.
	DLQ retry.DLQPublisher
}

// Watcher consumes participant events from Kafka and feeds them to the
// choreography handlers. The coordinator runs before the reactor, so the
// saga record reflects an event before the next participant reacts to it.
type Watcher struct {
	consumer *kafka.Consumer
	handlers []EventHandler
	dlq      retry.DLQPublisher
	logger   *zap.Logger
}

// NewWatcher creates a Kafka-backed event watcher
func NewWatcher(ctx context.Context, cfg *WatcherConfig, logger *zap.Logger, handlers ...EventHandler) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "choreography-watcher"
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = []string{
			events.TopicSagaEvents,
			events.TopicOrderEvents,
			events.TopicPaymentEvents,
			events.TopicInventoryEvents,
			events.TopicBusinessEvents,
		}
	}

	consumer, err := kafka.NewConsumer(ctx, &kafka.ConsumerConfig{
		Brokers:          cfg.Brokers,
		GroupID:          cfg.GroupID,
		ClientID:         cfg.ClientID,
		Topics:           cfg.Topics,
		SessionTimeout:   cfg.SessionTimeout,
		RebalanceTimeout: cfg.RebalanceTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event consumer: %w", err)
	}

	dlq := cfg.DLQ
	if dlq == nil {
		dlq = retry.NewNoOpDLQPublisher()
	}

	return &Watcher{consumer: consumer, handlers: handlers, dlq: dlq, logger: logger}, nil
}

// Start consumes events until the context is cancelled or Stop is called
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("Choreography watcher started")
	return w.consumer.Start(ctx, w.handleMessage)
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	w.consumer.Stop()
}

func (w *Watcher) handleMessage(ctx context.Context, msg *kafka.ConsumerMessage) error {
	var evt events.Envelope
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		// A malformed payload can never be handled; park it instead of
		// blocking the partition on endless redelivery
		return w.park(ctx, msg, fmt.Errorf("malformed event payload: %w", err))
	}

	for _, h := range w.handlers {
		if err := h.HandleEvent(ctx, &evt); err != nil {
			// Transient store failures resolve on redelivery; everything
			// else is a poison event
			if saga.IsTransientStoreError(err) {
				return fmt.Errorf("handler failed for %s event %s: %w", evt.EventType, evt.EventID, err)
			}
			return w.park(ctx, msg, fmt.Errorf("handler rejected %s event %s: %w", evt.EventType, evt.EventID, err))
		}
	}
	return nil
}

// park moves a poison message onto the dead letter topic and commits it.
// If parking itself fails, the message stays uncommitted and is redelivered.
func (w *Watcher) park(ctx context.Context, msg *kafka.ConsumerMessage, cause error) error {
	dlqMsg := &retry.DLQMessage{
		ID:             fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset),
		OriginalTopic:  msg.Topic,
		OriginalKey:    string(msg.Key),
		Payload:        msg.Value,
		Headers:        msg.Headers,
		Error:          cause.Error(),
		Attempts:       1,
		FirstAttemptAt: msg.Timestamp,
		LastAttemptAt:  time.Now(),
	}
	if err := w.dlq.PublishToDLQ(ctx, dlqMsg); err != nil {
		return fmt.Errorf("failed to park message from %s: %w (cause: %v)", msg.Topic, err, cause)
	}

	w.logger.Warn("Parked poison event",
		zap.String("topic", msg.Topic),
		zap.String("dlq_topic", w.dlq.GetDLQTopic(msg.Topic)),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))
	return nil
}

// Wire subscribes the handlers to an in-process bus, in the same order the
// watcher would run them. Used without a broker and in tests.
func Wire(bus *events.MemoryPublisher, handlers ...EventHandler) {
	topics := []string{
		events.TopicSagaEvents,
		events.TopicOrderEvents,
		events.TopicPaymentEvents,
		events.TopicInventoryEvents,
		events.TopicBusinessEvents,
	}
	for _, topic := range topics {
		for _, h := range handlers {
			handler := h
			bus.Subscribe(topic, func(ctx context.Context, evt *events.Envelope) error {
				return handler.HandleEvent(ctx, evt)
			})
		}
	}
}
