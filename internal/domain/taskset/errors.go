package taskset

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSchedule is returned when a schedule string is neither a
	// millisecond period nor a parseable cron expression.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidDefinition is returned when a task definition fails validation.
	ErrInvalidDefinition = errors.New("invalid task definition")

	// ErrPluginNotFound is returned when no plugin is registered under the
	// name a task definition references. It is a normal, expected condition
	// while plugins are still being installed.
	ErrPluginNotFound = errors.New("plugin not found")
)

// PluginNotFoundError carries the kind and name of the plugin that could not
// be resolved.
type PluginNotFoundError struct {
	Kind TaskKind
	Name string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("%s plugin %q not registered", e.Kind, e.Name)
}

// Is allows errors.Is(err, ErrPluginNotFound) to match.
func (e *PluginNotFoundError) Is(target error) bool { return target == ErrPluginNotFound }
