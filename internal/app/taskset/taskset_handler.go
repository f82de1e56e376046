package taskset

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/events"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// TaskSetHandler applies control-plane task-set events to a TaskSetManager.
// A full task set replaces what is deployed; a removal undeploys one task.
type TaskSetHandler struct {
	agentID string
	manager TaskSetManager

	tracer trace.Tracer
	logger *logger.Logger
}

var _ events.EventHandler = (*TaskSetHandler)(nil)

// NewTaskSetHandler creates a handler driving manager.
func NewTaskSetHandler(agentID string, manager TaskSetManager, tracer trace.Tracer, log *logger.Logger) *TaskSetHandler {
	return &TaskSetHandler{
		agentID: agentID,
		manager: manager,
		tracer:  tracer,
		logger:  log.With("component", "taskset_handler"),
	}
}

// HandleEvent implements events.EventHandler.
func (h *TaskSetHandler) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch evt.Type {
	case domain.EventTypeTaskSetUpdated:
		return h.withSpan(ctx, "taskset_handler.handle_taskset_updated", func(ctx context.Context, span trace.Span) error {
			payload, ok := evt.Payload.(domain.TaskSetUpdatedEvent)
			if !ok {
				return recordPayloadTypeError(span, evt.Payload)
			}

			requested := len(payload.TaskSet.Definitions)
			started := h.manager.Reconcile(ctx, payload.TaskSet.Definitions)
			span.SetAttributes(attribute.Int("requested", requested), attribute.Int("started", started))
			h.logger.Info(ctx, "Applied task set", "requested", requested, "started", started)
			return nil
		}, ack)

	case domain.EventTypeTaskRemoved:
		return h.withSpan(ctx, "taskset_handler.handle_task_removed", func(ctx context.Context, span trace.Span) error {
			payload, ok := evt.Payload.(domain.TaskRemovedEvent)
			if !ok {
				return recordPayloadTypeError(span, evt.Payload)
			}

			removed := h.manager.Undeploy(ctx, payload.TaskID)
			span.SetAttributes(attribute.String("task_id", payload.TaskID), attribute.Bool("removed", removed))
			return nil
		}, ack)

	default:
		return fmt.Errorf("unsupported event type: %s", evt.Type)
	}
}

// SupportedEvents implements events.EventHandler.
func (h *TaskSetHandler) SupportedEvents() []events.EventType {
	return []events.EventType{domain.EventTypeTaskSetUpdated, domain.EventTypeTaskRemoved}
}

// withSpan runs fn in a span and acknowledges the event afterwards. Events
// are acknowledged even on error: a malformed task set will not become valid
// by being redelivered.
func (h *TaskSetHandler) withSpan(
	ctx context.Context,
	operationName string,
	fn func(ctx context.Context, span trace.Span) error,
	ack events.AckFunc,
) error {
	ctx, span := h.tracer.Start(ctx, operationName)
	defer func() {
		span.End()
		ack(nil)
	}()

	span.SetAttributes(attribute.String("agent_id", h.agentID))

	if err := fn(ctx, span); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", operationName, err)
	}

	return nil
}

func recordPayloadTypeError(span trace.Span, payload any) error {
	err := fmt.Errorf("invalid event payload type: %T", payload)
	span.RecordError(err)
	span.SetAttributes(attribute.String("actual_type", fmt.Sprintf("%T", payload)))
	span.SetStatus(codes.Error, "invalid event payload type")
	return err
}
