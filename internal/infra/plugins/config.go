// Package plugins contains the agent's built-in task plugins and registers
// them with the plugin registries.
//
// Plugin configuration arrives as an opaque protobuf Any. Built-ins accept a
// google.protobuf.Struct (or a ListValue for fan-out), decoded into a plain
// Go struct through its JSON form.
package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrUnsupportedConfiguration is returned when a configuration is not a Struct.
var ErrUnsupportedConfiguration = errors.New("unsupported configuration type")

// decodeConfig fills out from cfg. A nil configuration leaves out untouched
// so callers can pre-populate defaults.
func decodeConfig(cfg *anypb.Any, out any) error {
	if cfg == nil {
		return nil
	}

	var raw []byte
	switch {
	case cfg.MessageIs(&structpb.Struct{}):
		s := new(structpb.Struct)
		if err := cfg.UnmarshalTo(s); err != nil {
			return fmt.Errorf("unpack configuration: %w", err)
		}
		var err error
		if raw, err = protojson.Marshal(s); err != nil {
			return fmt.Errorf("marshal configuration: %w", err)
		}
	case cfg.MessageIs(&structpb.Value{}):
		v := new(structpb.Value)
		if err := cfg.UnmarshalTo(v); err != nil {
			return fmt.Errorf("unpack configuration: %w", err)
		}
		if v.GetStructValue() == nil {
			if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
				return nil
			}
			return fmt.Errorf("%w: scalar value", ErrUnsupportedConfiguration)
		}
		var err error
		if raw, err = protojson.Marshal(v.GetStructValue()); err != nil {
			return fmt.Errorf("marshal configuration: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedConfiguration, cfg.GetTypeUrl())
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	return nil
}

// Duration accepts either a Go duration string ("1.5s") or a number of
// milliseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case float64:
		*d = Duration(time.Duration(t * float64(time.Millisecond)))
	case string:
		parsed, err := time.ParseDuration(t)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", t, err)
		}
		*d = Duration(parsed)
	case nil:
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// orDefault returns d, or def when d is not positive.
func (d Duration) orDefault(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

// targetHost picks the configured host, falling back to the task's target.
func targetHost(configured, target string) string {
	if configured != "" {
		return configured
	}
	return target
}
