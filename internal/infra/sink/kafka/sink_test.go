package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	kafkabus "github.com/ahrav/netmon-minion/internal/infra/eventbus/kafka"
	"github.com/ahrav/netmon-minion/internal/infra/serialization"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

func newTestSink(t *testing.T, producer sarama.SyncProducer) *ResultSink {
	t.Helper()
	m, err := kafkabus.NewBrokerMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	sink, err := NewResultSink(producer, "results", logger.Noop(), m, noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return sink
}

func result(id string) domain.ResultEnvelope {
	return domain.ResultEnvelope{
		TaskID:    id,
		Kind:      domain.KindMonitor,
		SystemID:  "minion-1",
		Succeeded: true,
		Timestamp: time.Now(),
	}
}

func TestResultSink_PublishesKeyedMessages(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	for _, id := range []string{"a", "b"} {
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, err := msg.Key.Encode()
			if err != nil {
				return err
			}
			if string(key) != id {
				return errors.New("unexpected key " + string(key))
			}
			value, err := msg.Value.Encode()
			if err != nil {
				return err
			}
			env, err := serialization.UnmarshalResultEnvelope(value)
			if err != nil {
				return err
			}
			if env.TaskID != id || env.SystemID != "minion-1" {
				return errors.New("unexpected envelope")
			}
			return nil
		})
	}

	sink := newTestSink(t, producer)
	require.NoError(t, sink.Publish(context.Background(), []domain.ResultEnvelope{result("a"), result("b")}))
	require.NoError(t, sink.Close())
}

func TestResultSink_SendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	sink := newTestSink(t, producer)
	err := sink.Publish(context.Background(), []domain.ResultEnvelope{result("a")})
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrLeaderNotAvailable)
	require.NoError(t, sink.Close())
}

func TestResultSink_EmptyBatch(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	sink := newTestSink(t, producer)
	require.NoError(t, sink.Publish(context.Background(), nil))
	require.NoError(t, sink.Close())
}

func TestNewResultSink_Validation(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	_, err := NewResultSink(producer, "", logger.Noop(), nil, noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}

func TestNewSaramaConfig_SendTimeout(t *testing.T) {
	cfg := NewSaramaConfig("minion-a", 2*time.Second)
	assert.Equal(t, "minion-a", cfg.ClientID)
	assert.Equal(t, 2*time.Second, cfg.Producer.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Net.WriteTimeout)
	assert.Equal(t, 2*time.Second, cfg.Net.ReadTimeout)
	assert.Equal(t, 0, cfg.Producer.Retry.Max)
	require.NoError(t, cfg.Validate())

	def := sarama.NewConfig()
	unbounded := NewSaramaConfig("minion-a", 0)
	assert.Equal(t, def.Producer.Timeout, unbounded.Producer.Timeout)
	assert.Equal(t, def.Producer.Retry.Max, unbounded.Producer.Retry.Max)
}
