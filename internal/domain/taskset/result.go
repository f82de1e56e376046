package taskset

import (
	"time"

	"google.golang.org/protobuf/types/known/anypb"
)

// Outcome is the terminal value of a single task iteration. Exactly one of
// Payload or Err is meaningful; Reason is a human readable explanation that
// accompanies failures.
type Outcome struct {
	Payload *anypb.Any
	Err     error
	Reason  string
}

// Succeeded reports whether the iteration completed without error.
func (o Outcome) Succeeded() bool { return o.Err == nil }

// SuccessOutcome wraps a payload in a successful Outcome.
func SuccessOutcome(payload *anypb.Any) Outcome { return Outcome{Payload: payload} }

// FailureOutcome builds a failed Outcome. When reason is empty the error text
// is used.
func FailureOutcome(err error, reason string) Outcome {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return Outcome{Err: err, Reason: reason}
}

// ResultEnvelope is the unit of output of the execution core. One envelope is
// produced per completed iteration (or per sub-operation when a monitor fans
// out) and is handed to the result dispatcher exactly once.
type ResultEnvelope struct {
	TaskID       string
	Kind         TaskKind
	PluginName   string
	SystemID     string
	Succeeded    bool
	Reason       string
	Payload      *anypb.Any
	Timestamp    time.Time
	Target       TargetIdentity
	MetricLabels map[string]string
}
