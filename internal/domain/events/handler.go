package events

import "context"

// AckFunc acknowledges an event. A nil error marks the event as processed; a
// non-nil error leaves it for redelivery.
type AckFunc func(err error)

// HandlerFunc processes a single event.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process control-plane
// events. Each handler declares which event types it can process; the event
// dispatcher routes events to the appropriate handler based on the type.
type EventHandler interface {
	// HandleEvent processes an event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
