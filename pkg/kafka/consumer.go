package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ConsumerMessage is a single consumed record
type ConsumerMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// MessageHandler processes one consumed message. Returning an error leaves
// the batch uncommitted, so the message is redelivered (at-least-once).
type MessageHandler func(ctx context.Context, msg *ConsumerMessage) error

// ConsumerConfig holds Kafka consumer-group configuration
type ConsumerConfig struct {
	Brokers          []string
	GroupID          string
	ClientID         string
	Topics           []string
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// Consumer wraps a franz-go consumer group with manual offset commits
type Consumer struct {
	client  *kgo.Client
	config  *ConsumerConfig
	stopped chan struct{}
	once    sync.Once
}

// NewConsumer creates a new consumer-group client
func NewConsumer(ctx context.Context, cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group id is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 30 * time.Second
	}
	if cfg.RebalanceTimeout <= 0 {
		cfg.RebalanceTimeout = 60 * time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.RebalanceTimeout),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to kafka: %w", err)
	}

	return &Consumer{
		client:  client,
		config:  cfg,
		stopped: make(chan struct{}),
	}, nil
}

// Start runs the poll loop until the context is canceled or Stop is called.
// Offsets are committed only after every record in a batch was handled.
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopped:
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var fetchErr error
		fetches.EachError(func(topic string, partition int32, err error) {
			fetchErr = fmt.Errorf("fetch error on %s[%d]: %w", topic, partition, err)
		})
		if fetchErr != nil {
			return fetchErr
		}

		var handleErr error
		fetches.EachRecord(func(record *kgo.Record) {
			if handleErr != nil {
				return
			}

			headers := make(map[string]string, len(record.Headers))
			for _, h := range record.Headers {
				headers[h.Key] = string(h.Value)
			}

			msg := &ConsumerMessage{
				Topic:     record.Topic,
				Partition: record.Partition,
				Offset:    record.Offset,
				Key:       record.Key,
				Value:     record.Value,
				Headers:   headers,
				Timestamp: record.Timestamp,
			}

			handleErr = handler(ctx, msg)
		})

		if handleErr != nil {
			// Uncommitted offsets mean the batch is redelivered
			return handleErr
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			return fmt.Errorf("failed to commit offsets: %w", err)
		}
	}
}

// Stop shuts down the consumer
func (c *Consumer) Stop() {
	c.once.Do(func() {
		close(c.stopped)
		c.client.Close()
	})
}
