package events

import "time"

// EventEnvelope wraps a control-plane event as it arrives at the agent, with
// the transport metadata needed to acknowledge it.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key is the transport partition key, typically the agent identity.
	Key string

	// Timestamp records when the agent received this event.
	Timestamp time.Time

	// Payload contains the decoded event body. The concrete type depends on
	// the EventType.
	Payload any

	// Metadata holds the transport position of the event.
	Metadata EventMetadata
}

// EventMetadata locates an event in its source stream.
type EventMetadata struct {
	Partition int32
	Offset    int64
}
