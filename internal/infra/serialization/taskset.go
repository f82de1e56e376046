package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// TaskDefinitionWire is the wire form of a task definition.
// Configuration is either a protojson Any (an object carrying "@type") or
// plain JSON, which is packed as a Struct, a ListValue or a Value.
type TaskDefinitionWire struct {
	ID            string                `json:"id"`
	Kind          string                `json:"kind"`
	PluginName    string                `json:"plugin"`
	Schedule      string                `json:"schedule,omitempty"`
	Configuration json.RawMessage       `json:"configuration,omitempty"`
	Target        domain.TargetIdentity `json:"target"`
	MetricLabels  map[string]string     `json:"metric_labels,omitempty"`
}

type taskSetWire struct {
	Tasks []TaskDefinitionWire `json:"tasks"`
}

type taskSetUpdatedMessage struct {
	Type    string      `json:"type"`
	TaskSet taskSetWire `json:"task_set"`
}

type taskRemovedMessage struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
}

func serializeTaskSetUpdated(payload any) ([]byte, error) {
	evt, ok := payload.(domain.TaskSetUpdatedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskSetUpdated: payload is not TaskSetUpdatedEvent")
	}

	msg := taskSetUpdatedMessage{
		Type:    string(domain.EventTypeTaskSetUpdated),
		TaskSet: taskSetWire{Tasks: make([]TaskDefinitionWire, 0, len(evt.TaskSet.Definitions))},
	}
	for _, def := range evt.TaskSet.Definitions {
		w, err := TaskDefinitionToWire(def)
		if err != nil {
			return nil, err
		}
		msg.TaskSet.Tasks = append(msg.TaskSet.Tasks, w)
	}
	return json.Marshal(msg)
}

func deserializeTaskSetUpdated(data []byte) (any, error) {
	var msg taskSetUpdatedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal task set: %w", err)
	}

	defs := make([]domain.TaskDefinition, 0, len(msg.TaskSet.Tasks))
	for i, w := range msg.TaskSet.Tasks {
		def, err := WireToTaskDefinition(w)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", i, w.ID, err)
		}
		defs = append(defs, def)
	}
	return domain.TaskSetUpdatedEvent{TaskSet: domain.TaskSet{Definitions: defs}}, nil
}

func serializeTaskRemoved(payload any) ([]byte, error) {
	evt, ok := payload.(domain.TaskRemovedEvent)
	if !ok {
		return nil, fmt.Errorf("serializeTaskRemoved: payload is not TaskRemovedEvent")
	}
	return json.Marshal(taskRemovedMessage{Type: string(domain.EventTypeTaskRemoved), TaskID: evt.TaskID})
}

func deserializeTaskRemoved(data []byte) (any, error) {
	var msg taskRemovedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal task removal: %w", err)
	}
	if msg.TaskID == "" {
		return nil, fmt.Errorf("unmarshal task removal: missing task_id")
	}
	return domain.TaskRemovedEvent{TaskID: msg.TaskID}, nil
}

// TaskDefinitionToWire converts a definition to its wire form.
func TaskDefinitionToWire(def domain.TaskDefinition) (TaskDefinitionWire, error) {
	w := TaskDefinitionWire{
		ID:           def.ID,
		Kind:         def.Kind.String(),
		PluginName:   def.PluginName,
		Schedule:     def.Schedule,
		Target:       def.Target,
		MetricLabels: def.MetricLabels,
	}
	if def.Configuration != nil {
		raw, err := protojson.Marshal(def.Configuration)
		if err != nil {
			return TaskDefinitionWire{}, fmt.Errorf("marshal configuration of %s: %w", def.ID, err)
		}
		w.Configuration = raw
	}
	return w, nil
}

// WireToTaskDefinition converts a wire definition to the domain type. Kinds
// are normalized but not checked here; an unknown kind fails validation of
// that one definition rather than the whole task set.
func WireToTaskDefinition(w TaskDefinitionWire) (domain.TaskDefinition, error) {
	cfg, err := ConfigurationFromJSON(w.Configuration)
	if err != nil {
		return domain.TaskDefinition{}, err
	}
	return domain.TaskDefinition{
		ID:            w.ID,
		Kind:          domain.TaskKind(strings.ToUpper(strings.TrimSpace(w.Kind))),
		PluginName:    w.PluginName,
		Schedule:      w.Schedule,
		Configuration: cfg,
		Target:        w.Target,
		MetricLabels:  w.MetricLabels,
	}, nil
}

// ConfigurationFromJSON decodes raw task configuration. Empty input and JSON
// null yield a nil configuration.
func ConfigurationFromJSON(raw json.RawMessage) (*anypb.Any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			return nil, fmt.Errorf("unmarshal configuration: %w", err)
		}
		if _, typed := probe["@type"]; typed {
			out := new(anypb.Any)
			if err := protojson.Unmarshal(raw, out); err != nil {
				return nil, fmt.Errorf("unmarshal configuration: %w", err)
			}
			return out, nil
		}
	}

	v := new(structpb.Value)
	if err := protojson.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	return packValue(v)
}

// ConfigurationFromValue packs a decoded document value, as produced by a
// YAML or JSON decoder, into a configuration.
func ConfigurationFromValue(v any) (*anypb.Any, error) {
	if v == nil {
		return nil, nil
	}
	val, err := structpb.NewValue(normalize(v))
	if err != nil {
		return nil, fmt.Errorf("convert configuration: %w", err)
	}
	return packValue(val)
}

func packValue(v *structpb.Value) (*anypb.Any, error) {
	var (
		out *anypb.Any
		err error
	)
	switch {
	case v.GetStructValue() != nil:
		out, err = anypb.New(v.GetStructValue())
	case v.GetListValue() != nil:
		out, err = anypb.New(v.GetListValue())
	default:
		out, err = anypb.New(v)
	}
	if err != nil {
		return nil, fmt.Errorf("pack configuration: %w", err)
	}
	return out, nil
}

// normalize converts decoder output into the shapes structpb accepts.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	case time.Time:
		return t.Format(time.RFC3339Nano)
	default:
		return v
	}
}
