// Package kafka publishes result envelopes to a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/netmon-minion/internal/infra/serialization"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// PublishMetrics records publish outcomes per topic.
type PublishMetrics interface {
	IncMessagePublished(ctx context.Context, topic string, n int)
	IncPublishError(ctx context.Context, topic string)
}

// Config describes where results are published.
type Config struct {
	Brokers      []string
	ResultsTopic string
	ClientID     string
	// SendTimeout bounds one Publish call. Zero keeps sarama's defaults.
	SendTimeout time.Duration
}

// ResultSink sends every envelope of a batch as its own Kafka message, keyed
// by task id so results of one task stay ordered within a partition.
type ResultSink struct {
	producer sarama.SyncProducer
	topic    string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PublishMetrics
}

// NewSaramaConfig returns the producer configuration used for results.
// SendMessages does not take a context, so a positive sendTimeout is applied
// to the broker ack wait and the network writes instead, and producer retries
// are disabled so a failing batch is dropped within that bound.
func NewSaramaConfig(clientID string, sendTimeout time.Duration) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.Compression = sarama.CompressionSnappy
	cfg.Version = sarama.V2_8_0_0
	if sendTimeout > 0 {
		cfg.Producer.Timeout = sendTimeout
		cfg.Producer.Retry.Max = 0
		cfg.Net.DialTimeout = sendTimeout
		cfg.Net.WriteTimeout = sendTimeout
		cfg.Net.ReadTimeout = sendTimeout
	}
	return cfg
}

// NewResultSinkFromConfig connects a producer to the configured brokers.
func NewResultSinkFromConfig(cfg *Config, logger *logger.Logger, metrics PublishMetrics, tracer trace.Tracer) (*ResultSink, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg.ClientID, cfg.SendTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewResultSink(producer, cfg.ResultsTopic, logger, metrics, tracer)
}

// NewResultSink wraps an existing producer.
func NewResultSink(
	producer sarama.SyncProducer,
	topic string,
	logger *logger.Logger,
	metrics PublishMetrics,
	tracer trace.Tracer,
) (*ResultSink, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka result sink")
	}
	if topic == "" {
		return nil, errors.New("results topic is required")
	}
	return &ResultSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With("component", "kafka_result_sink", "topic", topic),
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Publish encodes and sends a batch. Envelopes that cannot be encoded are
// logged and skipped; the rest of the batch is still sent.
func (s *ResultSink) Publish(ctx context.Context, batch []domain.ResultEnvelope) error {
	ctx, span := tracing.StartProducerSpan(ctx, s.topic, s.tracer)
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(batch)))

	msgs := make([]*sarama.ProducerMessage, 0, len(batch))
	for _, env := range batch {
		value, err := serialization.MarshalResultEnvelope(env)
		if err != nil {
			s.logger.Warn(ctx, "Skipping unencodable result", "task_id", env.TaskID, "error", err)
			s.metrics.IncPublishError(ctx, s.topic)
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(env.TaskID),
			Value: sarama.ByteEncoder(value),
		}
		tracing.InjectTraceContext(ctx, msg)
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send results")
		s.metrics.IncPublishError(ctx, s.topic)
		return fmt.Errorf("failed to send %d results to kafka topic %s: %w", len(msgs), s.topic, err)
	}

	s.metrics.IncMessagePublished(ctx, s.topic, len(msgs))
	s.logger.Debug(ctx, "Published results", "count", len(msgs))
	return nil
}

// Close flushes and closes the producer.
func (s *ResultSink) Close() error {
	if err := s.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
