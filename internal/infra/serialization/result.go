package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"

	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

type resultWire struct {
	TaskID       string                `json:"task_id"`
	Kind         string                `json:"kind"`
	PluginName   string                `json:"plugin"`
	SystemID     string                `json:"system_id"`
	Succeeded    bool                  `json:"succeeded"`
	Reason       string                `json:"reason,omitempty"`
	Payload      json.RawMessage       `json:"payload,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
	Target       domain.TargetIdentity `json:"target"`
	MetricLabels map[string]string     `json:"metric_labels,omitempty"`
}

// MarshalResultEnvelope encodes a result envelope as JSON. The payload is
// emitted as a protojson Any.
func MarshalResultEnvelope(env domain.ResultEnvelope) ([]byte, error) {
	w := resultWire{
		TaskID:       env.TaskID,
		Kind:         env.Kind.String(),
		PluginName:   env.PluginName,
		SystemID:     env.SystemID,
		Succeeded:    env.Succeeded,
		Reason:       env.Reason,
		Timestamp:    env.Timestamp.UTC(),
		Target:       env.Target,
		MetricLabels: env.MetricLabels,
	}
	if env.Payload != nil {
		raw, err := protojson.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload of %s: %w", env.TaskID, err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// UnmarshalResultEnvelope decodes an envelope written by MarshalResultEnvelope.
func UnmarshalResultEnvelope(data []byte) (domain.ResultEnvelope, error) {
	var w resultWire
	if err := json.Unmarshal(data, &w); err != nil {
		return domain.ResultEnvelope{}, fmt.Errorf("unmarshal result envelope: %w", err)
	}

	env := domain.ResultEnvelope{
		TaskID:       w.TaskID,
		Kind:         domain.TaskKind(w.Kind),
		PluginName:   w.PluginName,
		SystemID:     w.SystemID,
		Succeeded:    w.Succeeded,
		Reason:       w.Reason,
		Timestamp:    w.Timestamp,
		Target:       w.Target,
		MetricLabels: w.MetricLabels,
	}
	if len(w.Payload) > 0 {
		payload := new(anypb.Any)
		if err := protojson.Unmarshal(w.Payload, payload); err != nil {
			return domain.ResultEnvelope{}, fmt.Errorf("unmarshal payload: %w", err)
		}
		env.Payload = payload
	}
	return env, nil
}
