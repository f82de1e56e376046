package taskset

import (
	"fmt"
	"maps"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/netmon-minion/internal/domain/plugin"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// ResultProcessor turns plugin output into result envelopes. It stamps the
// agent identity, timestamp and task identity on every envelope and packs
// kind-specific responses into opaque payloads.
type ResultProcessor struct {
	systemID string
	now      func() time.Time
}

// NewResultProcessor returns a processor stamping systemID on every envelope.
func NewResultProcessor(systemID string) *ResultProcessor {
	return &ResultProcessor{
		systemID: systemID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Envelope builds the envelope for one completed iteration.
func (p *ResultProcessor) Envelope(def domain.TaskDefinition, out domain.Outcome) domain.ResultEnvelope {
	env := domain.ResultEnvelope{
		TaskID:     def.ID,
		Kind:       def.Kind,
		PluginName: def.PluginName,
		SystemID:   p.systemID,
		Succeeded:  out.Succeeded(),
		Reason:     out.Reason,
		Payload:    out.Payload,
		Timestamp:  p.now(),
		Target:     def.Target,
	}
	if len(def.MetricLabels) > 0 {
		env.MetricLabels = maps.Clone(def.MetricLabels)
	}
	return env
}

// MonitorOutcome packs a monitor response. A poll that returns DOWN is still a
// successful iteration; only a plugin error fails it.
func (p *ResultProcessor) MonitorOutcome(def domain.TaskDefinition, resp plugin.MonitorResponse, err error) domain.Outcome {
	if err != nil {
		return domain.FailureOutcome(err, "")
	}

	metrics := make(map[string]any, len(resp.Metrics))
	for k, v := range resp.Metrics {
		metrics[k] = v
	}
	status := resp.Status
	if status == "" {
		status = plugin.StatusUnknown
	}

	return p.packStruct(map[string]any{
		"status":              string(status),
		"reason":              resp.Reason,
		"response_time_ms":    float64(resp.ResponseTime) / float64(time.Millisecond),
		"monitor_type":        resp.MonitorType,
		"monitored_entity_id": def.Target.MonitoredEntityID,
		"node_id":             float64(def.Target.NodeID),
		"ip_address":          def.Target.IPAddress,
		"metrics":             metrics,
	})
}

// CollectionOutcome packs a collection set.
func (p *ResultProcessor) CollectionOutcome(set plugin.CollectionSet, err error) domain.Outcome {
	if err != nil {
		return domain.FailureOutcome(err, "")
	}
	v, err := collectionValue(set)
	if err != nil {
		return domain.FailureOutcome(err, "failed to encode collection set")
	}
	return p.packMessage(v)
}

// CollectionBatchOutcome packs the results of a fanned-out collection into a
// single list payload. The outcome succeeds only if every sub-operation did.
func (p *ResultProcessor) CollectionBatchOutcome(sets []plugin.CollectionSet, errs []error) domain.Outcome {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(sets))}
	var failures int
	var firstErr error

	for i := range sets {
		if errs[i] != nil {
			failures++
			if firstErr == nil {
				firstErr = errs[i]
			}
			list.Values[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				"succeeded": structpb.NewBoolValue(false),
				"reason":    structpb.NewStringValue(errs[i].Error()),
			}})
			continue
		}
		v, err := collectionValue(sets[i])
		if err != nil {
			return domain.FailureOutcome(err, "failed to encode collection set")
		}
		v.Fields["succeeded"] = structpb.NewBoolValue(true)
		list.Values[i] = structpb.NewStructValue(v)
	}

	out := p.packMessage(list)
	if failures > 0 && out.Err == nil {
		out.Err = fmt.Errorf("%d of %d sub-collections failed: %w", failures, len(sets), firstErr)
		out.Reason = out.Err.Error()
	}
	return out
}

// ScanOutcome packs scan results.
func (p *ResultProcessor) ScanOutcome(res plugin.ScanResults, err error) domain.Outcome {
	if err != nil {
		return domain.FailureOutcome(err, "")
	}

	findings := make([]any, 0, len(res.Findings))
	for _, f := range res.Findings {
		findings = append(findings, map[string]any{
			"ip_address": f.IPAddress,
			"port":       float64(f.Port),
			"service":    f.Service,
			"attributes": stringMap(f.Attributes),
		})
	}
	return p.packStruct(map[string]any{"findings": findings})
}

// DetectOutcome packs a detector response.
func (p *ResultProcessor) DetectOutcome(def domain.TaskDefinition, resp plugin.DetectResponse, err error) domain.Outcome {
	if err != nil {
		return domain.FailureOutcome(err, "")
	}
	return p.packStruct(map[string]any{
		"detected":     resp.Detected,
		"monitor_type": resp.MonitorType,
		"reason":       resp.Reason,
		"node_id":      float64(def.Target.NodeID),
		"ip_address":   def.Target.IPAddress,
		"attributes":   stringMap(resp.Attributes),
	})
}

func (p *ResultProcessor) packStruct(m map[string]any) domain.Outcome {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return domain.FailureOutcome(err, "failed to encode result")
	}
	return p.packMessage(s)
}

func (p *ResultProcessor) packMessage(m proto.Message) domain.Outcome {
	payload, err := anypb.New(m)
	if err != nil {
		return domain.FailureOutcome(err, "failed to encode result")
	}
	return domain.SuccessOutcome(payload)
}

func collectionValue(set plugin.CollectionSet) (*structpb.Struct, error) {
	samples := make([]any, 0, len(set.Samples))
	for _, s := range set.Samples {
		samples = append(samples, map[string]any{
			"name":   s.Name,
			"value":  s.Value,
			"labels": stringMap(s.Labels),
		})
	}
	status := set.Status
	if status == "" {
		status = plugin.StatusUnknown
	}
	return structpb.NewStruct(map[string]any{
		"status":  string(status),
		"reason":  set.Reason,
		"samples": samples,
	})
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
