package taskset

import (
	"errors"
	"fmt"
	"strings"
)

// TaskKind identifies which family of plugin a task definition targets and
// therefore which executor drives it.
type TaskKind string

// ErrUnknownKind is returned when a task definition carries a kind the agent
// has no executor for.
var ErrUnknownKind = errors.New("unknown task kind")

const (
	// KindMonitor polls a service on a schedule and reports its availability.
	KindMonitor TaskKind = "MONITOR"

	// KindCollector gathers a set of samples from a target on a schedule.
	KindCollector TaskKind = "COLLECTOR"

	// KindScanner runs once and reports what it discovered.
	KindScanner TaskKind = "SCANNER"

	// KindDetector runs once to decide whether a service exists on a target.
	KindDetector TaskKind = "DETECTOR"

	// KindListener holds a passive, long-lived receiver (for example a trap
	// socket) that pushes payloads as they arrive.
	KindListener TaskKind = "LISTENER"

	// KindConnector holds an outbound long-lived connection that pushes
	// payloads as they arrive.
	KindConnector TaskKind = "CONNECTOR"
)

// String returns the string representation of the TaskKind.
func (k TaskKind) String() string { return string(k) }

// Periodic reports whether tasks of this kind are driven by a schedule.
func (k TaskKind) Periodic() bool { return k == KindMonitor || k == KindCollector }

// OneShot reports whether tasks of this kind execute exactly once when started.
func (k TaskKind) OneShot() bool { return k == KindScanner || k == KindDetector }

// Persistent reports whether tasks of this kind hold a long-lived connection
// that must be re-established after failure.
func (k TaskKind) Persistent() bool { return k == KindListener || k == KindConnector }

// ParseTaskKind converts a case-insensitive string into a TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	switch k := TaskKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindMonitor, KindCollector, KindScanner, KindDetector, KindListener, KindConnector:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}
