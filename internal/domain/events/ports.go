// Package events provides the contracts for receiving control-plane events in
// a transport-agnostic way.
package events

import "context"

// EventSubscriber delivers control-plane events to a handler. It abstracts the
// messaging infrastructure so the task-set core never sees transport details.
type EventSubscriber interface {
	// Subscribe starts delivering events of the given types to handler. It
	// returns once the subscription is established; delivery continues until
	// ctx is cancelled or Close is called.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close releases the underlying transport resources.
	Close() error
}
