// Package kafka delivers control-plane task-set events from a Kafka topic to
// the agent's event handlers.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/events"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/internal/infra/eventbus/kafka/tracing"
	"github.com/ahrav/netmon-minion/internal/infra/serialization"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// Config contains the settings for consuming the task-set topic.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// TaskSetTopic carries task-set updates and removals for agents.
	TaskSetTopic string
	// GroupID identifies the consumer group. Each agent needs every message
	// addressed to it, so the group should be unique per agent.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
	// AgentID is the system identity of this agent. Keyed messages for
	// other agents are skipped.
	AgentID string
}

// supportedEvents are the control-plane events carried on the task-set topic.
var supportedEvents = []events.EventType{domain.EventTypeTaskSetUpdated, domain.EventTypeTaskRemoved}

var _ events.EventSubscriber = (*TaskSetSubscriber)(nil)

// TaskSetSubscriber consumes the task-set topic as a member of a consumer
// group and hands decoded events to a handler.
type TaskSetSubscriber struct {
	consumerGroup sarama.ConsumerGroup
	topic         string
	agentID       string

	wg sync.WaitGroup

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

// NewSaramaConfig returns the consumer configuration used for the task-set
// topic.
func NewSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 20 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// NewTaskSetSubscriberFromConfig joins the consumer group described by cfg.
func NewTaskSetSubscriberFromConfig(
	cfg *Config,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*TaskSetSubscriber, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, NewSaramaConfig(cfg.ClientID))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}
	return NewTaskSetSubscriber(group, cfg, logger, metrics, tracer)
}

// NewTaskSetSubscriber wraps an existing consumer group.
func NewTaskSetSubscriber(
	group sarama.ConsumerGroup,
	cfg *Config,
	logger *logger.Logger,
	metrics BrokerMetrics,
	tracer trace.Tracer,
) (*TaskSetSubscriber, error) {
	if metrics == nil {
		return nil, errors.New("metrics are required for kafka task set subscriber")
	}
	if cfg.TaskSetTopic == "" {
		return nil, errors.New("task set topic is required")
	}

	logger = logger.With(
		"component", "kafka_taskset_subscriber",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"topic", cfg.TaskSetTopic,
	)

	return &TaskSetSubscriber{
		consumerGroup: group,
		topic:         cfg.TaskSetTopic,
		agentID:       cfg.AgentID,
		logger:        logger,
		tracer:        tracer,
		metrics:       metrics,
	}, nil
}

// Subscribe starts consuming in the background. Only the task-set event
// types can be subscribed to.
func (s *TaskSetSubscriber) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	ctx, span := s.tracer.Start(ctx, "kafka_taskset_subscriber.subscribe",
		trace.WithAttributes(attribute.String("topic", s.topic)))
	defer span.End()

	if handler == nil {
		return errors.New("subscribe: handler cannot be nil")
	}
	for _, et := range eventTypes {
		if !slices.Contains(supportedEvents, et) {
			err := fmt.Errorf("subscribe: unknown event type %s", et)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown event type")
			return err
		}
	}

	claims := &taskSetClaimHandler{
		agentID:     s.agentID,
		eventTypes:  slices.Clone(eventTypes),
		userHandler: handler,
		logger:      s.logger,
		tracer:      s.tracer,
		metrics:     s.metrics,
	}

	s.wg.Add(2)
	go s.consumeLoop(ctx, claims)
	go s.drainErrors(ctx)

	s.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)
	return nil
}

// consumeLoop maintains group membership until ctx is cancelled. Consume
// returns on every rebalance and must be called again.
func (s *TaskSetSubscriber) consumeLoop(ctx context.Context, claims sarama.ConsumerGroupHandler) {
	defer s.wg.Done()
	for {
		if err := s.consumerGroup.Consume(ctx, []string{s.topic}, claims); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			s.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *TaskSetSubscriber) drainErrors(ctx context.Context) {
	defer s.wg.Done()
	errs := s.consumerGroup.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				return
			}
			s.logger.Warn(ctx, "Consumer group error", "error", err)
		}
	}
}

// Close leaves the consumer group and waits for the consume loop to exit.
func (s *TaskSetSubscriber) Close() error {
	ctx, span := s.tracer.Start(context.Background(), "kafka_taskset_subscriber.close")
	defer span.End()

	if err := s.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		s.logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}
	s.wg.Wait()

	span.AddEvent("closed_subscriber")
	s.logger.Info(ctx, "Closed task set subscriber")
	return nil
}

// taskSetClaimHandler implements sarama.ConsumerGroupHandler for the
// task-set topic.
type taskSetClaimHandler struct {
	agentID     string
	eventTypes  []events.EventType
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics BrokerMetrics
}

func (h *taskSetClaimHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *taskSetClaimHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes the messages of one partition in order.
func (h *taskSetClaimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	for {
		select {
		case <-sess.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.processMessage(sess, msg, consumeLogger)
		}
	}
}

func (h *taskSetClaimHandler) processMessage(sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage, log *logger.Logger) {
	msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
	msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	key := string(msg.Key)
	if key != "" && h.agentID != "" && key != h.agentID {
		span.AddEvent("skipped_foreign_key")
		sess.MarkMessage(msg, "")
		return
	}

	evtType, payload, err := serialization.DecodeEvent(msg.Value)
	if err != nil {
		log.Warn(msgCtx, "Dropping undecodable task set message", "offset", msg.Offset, "error", err)
		h.metrics.IncConsumeError(msgCtx, msg.Topic)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		sess.MarkMessage(msg, "")
		return
	}
	if !slices.Contains(h.eventTypes, evtType) {
		span.AddEvent("skipped_unsubscribed_type", trace.WithAttributes(attribute.String("event_type", string(evtType))))
		sess.MarkMessage(msg, "")
		return
	}

	evt := events.EventEnvelope{
		Type:      evtType,
		Key:       key,
		Timestamp: time.Now(),
		Payload:   payload,
		Metadata:  events.EventMetadata{Partition: msg.Partition, Offset: msg.Offset},
	}

	log.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", key,
	)

	ack := func(err error) {
		if err != nil {
			log.Error(msgCtx, "Failed to acknowledge message", "error", err)
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			span.RecordError(err)
			return
		}
		h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		sess.MarkMessage(msg, "")
	}

	if err := h.userHandler(msgCtx, evt, ack); err != nil {
		log.Error(msgCtx, "Failed to handle message", "event_type", evtType, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	}
}
