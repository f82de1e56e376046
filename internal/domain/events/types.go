package events

// EventType represents a control-plane event category, enabling type-safe
// event routing and handling.
type EventType string

// String returns the string representation of the EventType.
func (t EventType) String() string { return string(t) }
