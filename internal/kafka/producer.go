package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer publishes messages to a Kafka topic.
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	writer *kafka.Writer
}

// ProducerOption configures NewProducer.
type ProducerOption func(*kafka.Writer)

// WithProducerLogger routes writer errors to logger.
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(w *kafka.Writer) {
		w.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Warn("kafka writer", slog.String("detail", fmt.Sprintf(msg, args...)))
		})
	}
}

// WithBatchTimeout bounds how long a write waits for a batch to fill.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(w *kafka.Writer) { w.BatchTimeout = d }
}

// NewProducer creates a Kafka producer connected to the given brokers.
// Events are small and written one at a time, so batches flush after 10ms
// instead of kafka-go's default of one second.
func NewProducer(brokers []string, opts ...ProducerOption) Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Compression:            kafka.Snappy,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		ReadTimeout:            5 * time.Second,
		AllowAutoTopicCreation: true,
	}
	for _, opt := range opts {
		opt(w)
	}
	return &producer{writer: w}
}

// Publish writes one message keyed by key; equal keys land on one partition.
func (p *producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: traceHeaders(ctx),
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

func (p *producer) Close() error {
	return p.writer.Close()
}
