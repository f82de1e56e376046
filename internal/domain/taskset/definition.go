// Package taskset holds the domain model for the work a minion executes on
// behalf of the control plane: task definitions, their schedules, and the
// result envelopes produced as tasks run.
package taskset

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/go-playground/validator/v10"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// TargetIdentity describes what a task is aimed at. The executor core carries
// it through to results without interpreting it.
type TargetIdentity struct {
	NodeID            int64  `json:"node_id" yaml:"node_id"`
	MonitoredEntityID string `json:"monitored_entity_id,omitempty" yaml:"monitored_entity_id"`
	IPAddress         string `json:"ip_address,omitempty" yaml:"ip_address" validate:"omitempty,ip"`
}

// TaskDefinition is an immutable description of one unit of work pushed by the
// control plane. Configuration is opaque to the agent and is only interpreted
// by the plugin named in PluginName.
type TaskDefinition struct {
	ID            string            `validate:"required,max=512"`
	Kind          TaskKind          `validate:"required,oneof=MONITOR COLLECTOR SCANNER DETECTOR LISTENER CONNECTOR"`
	PluginName    string            `validate:"required,max=256"`
	Schedule      string            `validate:"required_if=Kind MONITOR,required_if=Kind COLLECTOR"`
	Configuration *anypb.Any        `validate:"-"`
	Target        TargetIdentity
	MetricLabels  map[string]string `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the definition for structural problems. Schedules are also
// parsed for periodic kinds so that a malformed schedule is reported before a
// task is started.
func (d TaskDefinition) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s(%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: task %q: %s", ErrInvalidDefinition, d.ID, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: task %q: %v", ErrInvalidDefinition, d.ID, err)
	}

	if d.Kind.Periodic() {
		if _, err := ParseSchedule(d.Schedule); err != nil {
			return fmt.Errorf("task %q: %w", d.ID, err)
		}
	}
	return nil
}

// Equal reports whether two definitions describe the same work. Configuration
// payloads are compared structurally.
func (d TaskDefinition) Equal(o TaskDefinition) bool {
	return d.ID == o.ID &&
		d.Kind == o.Kind &&
		d.PluginName == o.PluginName &&
		d.Schedule == o.Schedule &&
		d.Target == o.Target &&
		maps.Equal(d.MetricLabels, o.MetricLabels) &&
		proto.Equal(d.Configuration, o.Configuration)
}

// TaskSet is a batch of task definitions delivered together by the control plane.
type TaskSet struct {
	Definitions []TaskDefinition
}
