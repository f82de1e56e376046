// Package serialization translates between the agent's domain types and their
// wire representation on the control-plane and results topics.
//
// Control-plane messages are JSON objects with a "type" discriminator. The
// payload shape depends on the type, so decoding happens in two steps: the
// envelope is read to find the type, then the registered deserializer for
// that type decodes the same bytes into a domain payload.
//
// Opaque task configuration and result payloads are protobuf Any values and
// are carried as protojson.
package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/ahrav/netmon-minion/internal/domain/events"
	domain "github.com/ahrav/netmon-minion/internal/domain/taskset"
)

// SerializeFunc converts a domain payload into a complete wire message.
type SerializeFunc func(payload any) ([]byte, error)

// DeserializeFunc converts a complete wire message into a domain payload.
type DeserializeFunc func(data []byte) (any, error)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers the encoder for eventType.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers the decoder for eventType.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializeEvent encodes payload as a wire message of type eventType.
func SerializeEvent(eventType events.EventType, payload any) ([]byte, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload decodes a wire message using the decoder registered for
// eventType.
func DeserializePayload(eventType events.EventType, data []byte) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// envelopeHeader is the part of every control-plane message common to all types.
type envelopeHeader struct {
	Type events.EventType `json:"type"`
}

// UnmarshalEnvelope reads the type discriminator of a control-plane message.
func UnmarshalEnvelope(data []byte) (events.EventType, error) {
	var hdr envelopeHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	if hdr.Type == "" {
		return "", fmt.Errorf("unmarshal envelope: missing type")
	}
	return hdr.Type, nil
}

// DecodeEvent reads a control-plane message into its type and domain payload.
func DecodeEvent(data []byte) (events.EventType, any, error) {
	evtType, err := UnmarshalEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	payload, err := DeserializePayload(evtType, data)
	if err != nil {
		return "", nil, err
	}
	return evtType, payload, nil
}

func init() {
	RegisterEventSerializers()
}

// RegisterEventSerializers registers the codecs for every control-plane event
// the agent understands.
func RegisterEventSerializers() {
	RegisterSerializeFunc(domain.EventTypeTaskSetUpdated, serializeTaskSetUpdated)
	RegisterDeserializeFunc(domain.EventTypeTaskSetUpdated, deserializeTaskSetUpdated)

	RegisterSerializeFunc(domain.EventTypeTaskRemoved, serializeTaskRemoved)
	RegisterDeserializeFunc(domain.EventTypeTaskRemoved, deserializeTaskRemoved)
}
