package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BrokerMetrics tracks message flow through the Kafka transport. It is shared
// by the task-set subscriber and the results sink.
type BrokerMetrics interface {
	IncMessagePublished(ctx context.Context, topic string, n int)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

type brokerMetrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter
}

var _ BrokerMetrics = (*brokerMetrics)(nil)

// NewBrokerMetrics creates the Kafka transport instruments.
func NewBrokerMetrics(mp metric.MeterProvider) (*brokerMetrics, error) {
	meter := mp.Meter("netmon-minion/kafka", metric.WithInstrumentationVersion("v0.1.0"))
	m := new(brokerMetrics)

	var err error
	if m.published, err = meter.Int64Counter(
		"kafka_messages_published_total",
		metric.WithDescription("Total number of messages published to Kafka"),
	); err != nil {
		return nil, err
	}

	if m.consumed, err = meter.Int64Counter(
		"kafka_messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from Kafka"),
	); err != nil {
		return nil, err
	}

	if m.publishErrors, err = meter.Int64Counter(
		"kafka_publish_errors_total",
		metric.WithDescription("Total number of failed Kafka publishes"),
	); err != nil {
		return nil, err
	}

	if m.consumeErrors, err = meter.Int64Counter(
		"kafka_consume_errors_total",
		metric.WithDescription("Total number of Kafka messages that could not be processed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *brokerMetrics) IncMessagePublished(ctx context.Context, topic string, n int) {
	m.published.Add(ctx, int64(n), metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *brokerMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *brokerMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *brokerMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
