// Package messaging publishes order lifecycle events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config contains the Kafka settings.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers" validate:"required_if=Enabled true"`
	Topic        string        `mapstructure:"topic" validate:"required_if=Enabled true"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RequiredAcks int           `mapstructure:"required_acks" validate:"oneof=-1 0 1"`
}

// DefaultConfig returns a disabled publisher pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "birdtrade.orders",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: time.Second,
		RequiredAcks: 1,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events keyed by order id, so every event of an
// order lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher creates an asynchronous publisher. Write errors surface
// in the log, not to the caller.
func NewKafkaPublisher(cfg Config, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kafka")

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("kafka write failed",
					zap.String("topic", cfg.Topic),
					zap.Int("messages", len(messages)),
					zap.Error(err))
			}
		},
	}
	return newPublisher(w, cfg.Topic, logger)
}

func newPublisher(w messageWriter, topic string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, logger: logger}
}

// Publish marshals event as JSON and queues it under key.
func (p *KafkaPublisher) Publish(ctx context.Context, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "producer", Value: []byte("birdtrade")},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes queued messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
