package eventdispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/netmon-minion/internal/domain/events"
	"github.com/ahrav/netmon-minion/pkg/common/logger"
)

// Dispatcher routes control-plane events received by an agent to the handler
// registered for their type. Each event type has exactly one handler.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New(agentID, tracer, log)
//	if err := dispatcher.RegisterHandler(ctx, taskSetHandler); err != nil {
//	    return err
//	}
//	err := subscriber.Subscribe(ctx, dispatcher.EventTypes(), dispatcher.Dispatch)
type Dispatcher struct {
	agentID string

	mu       sync.RWMutex
	handlers map[events.EventType]events.EventHandler

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher with an empty routing table.
func New(agentID string, tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	logger = logger.With("component", "event_dispatcher", "agent_id", agentID)
	return &Dispatcher{
		agentID:  agentID,
		handlers: make(map[events.EventType]events.EventHandler),
		tracer:   tracer,
		logger:   logger,
	}
}

// HandlerAlreadyRegisteredError is returned when two handlers claim the same
// event type.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler routes every event type the handler supports to it. The
// registration is all-or-nothing: if any type is already taken, nothing is
// registered.
func (d *Dispatcher) RegisterHandler(ctx context.Context, handler events.EventHandler) error {
	supported := handler.SupportedEvents()

	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("agent_id", d.agentID),
			attribute.String("handler_type", fmt.Sprintf("%T", handler)),
			attribute.Int("event_type_count", len(supported)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, et := range supported {
		if _, exists := d.handlers[et]; exists {
			err := &HandlerAlreadyRegisteredError{EventType: et}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	for _, et := range supported {
		d.handlers[et] = handler
	}

	d.logger.Debug(ctx, "Handler registered", "handler_type", fmt.Sprintf("%T", handler), "event_types", supported)
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// EventTypes returns every event type with a registered handler.
func (d *Dispatcher) EventTypes() []events.EventType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	types := make([]events.EventType, 0, len(d.handlers))
	for et := range d.handlers {
		types = append(types, et)
	}
	return types
}

// HandlerNotFoundError indicates an event arrived for a type nobody handles.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch hands evt to its handler. It satisfies events.HandlerFunc so it can
// be passed straight to an EventSubscriber. A panicking handler is recovered
// and reported as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) (err error) {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"partition", evt.Metadata.Partition,
		"offset", evt.Metadata.Offset,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Add("handler_type", fmt.Sprintf("%T", handler))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %T panicked on event type %s: %v", handler, evt.Type, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler panicked")
			logger.Error(ctx, "Event handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if err := handler.HandleEvent(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event for handler %T with event type %s: %w",
			handler, evt.Type, err,
		)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logger.Debug(ctx, "Event dispatched")
	return nil
}
