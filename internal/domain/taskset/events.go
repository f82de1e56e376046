package taskset

import "github.com/ahrav/netmon-minion/internal/domain/events"

// Control-plane event types consumed by the agent.
const (
	// EventTypeTaskSetUpdated carries the complete task set the agent should
	// be running.
	EventTypeTaskSetUpdated events.EventType = "taskset.updated"

	// EventTypeTaskRemoved asks the agent to stop a single task.
	EventTypeTaskRemoved events.EventType = "task.removed"
)

// TaskSetUpdatedEvent is the payload of EventTypeTaskSetUpdated.
type TaskSetUpdatedEvent struct {
	TaskSet TaskSet
}

// TaskRemovedEvent is the payload of EventTypeTaskRemoved.
type TaskRemovedEvent struct {
	TaskID string
}
