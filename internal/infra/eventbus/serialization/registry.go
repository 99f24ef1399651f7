// Package serialization translates lifecycle domain events to and from their
// wire format. Every event is carried in a protobuf envelope built from the
// well-known structpb types, so no generated code is needed to read it.
//
// Serializers are registered per event type; the bus looks them up at
// publish and consume time.
package serialization

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	serializationerrors "github.com/ahrav/sourcefleet/internal/infra/eventbus/serialization/errors"
)

// SerializeFunc converts a domain payload into a protobuf struct.
type SerializeFunc func(payload any) (*structpb.Struct, error)

// DeserializeFunc converts a protobuf struct back into a domain payload.
type DeserializeFunc func(data *structpb.Struct) (any, error)

const (
	envelopeTypeField    = "event_type"
	envelopePayloadField = "payload"
)

var (
	serializerRegistry   = map[events.EventType]SerializeFunc{}
	deserializerRegistry = map[events.EventType]DeserializeFunc{}
)

// RegisterSerializeFunc registers a serialization function for a given event type.
func RegisterSerializeFunc(eventType events.EventType, fn SerializeFunc) {
	serializerRegistry[eventType] = fn
}

// RegisterDeserializeFunc registers a deserialization function for a given event type.
func RegisterDeserializeFunc(eventType events.EventType, fn DeserializeFunc) {
	deserializerRegistry[eventType] = fn
}

// SerializePayload converts a domain object using the serializer registered
// for its event type.
func SerializePayload(eventType events.EventType, payload any) (*structpb.Struct, error) {
	fn, ok := serializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no serializer registered for eventType=%s", eventType)
	}
	return fn(payload)
}

// DeserializePayload converts a protobuf struct back into a domain object
// using the deserializer registered for its event type.
func DeserializePayload(eventType events.EventType, data *structpb.Struct) (any, error) {
	fn, ok := deserializerRegistry[eventType]
	if !ok {
		return nil, fmt.Errorf("no deserializer registered for eventType=%s", eventType)
	}
	return fn(data)
}

// SerializeEventEnvelope wraps the serialized payload together with its
// event type and returns the protobuf wire bytes.
func SerializeEventEnvelope(eventType events.EventType, payload any) ([]byte, error) {
	body, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}

	env := &structpb.Struct{Fields: map[string]*structpb.Value{
		envelopeTypeField:    structpb.NewStringValue(string(eventType)),
		envelopePayloadField: structpb.NewStructValue(body),
	}}
	data, err := proto.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalEnvelope splits wire bytes into the event type and its still
// encoded payload.
func UnmarshalEnvelope(data []byte) (events.EventType, *structpb.Struct, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	typ := env.GetFields()[envelopeTypeField].GetStringValue()
	if typ == "" {
		return "", nil, serializationerrors.ErrMissingField{Field: envelopeTypeField}
	}
	body := env.GetFields()[envelopePayloadField].GetStructValue()
	if body == nil {
		return "", nil, serializationerrors.ErrMissingField{Field: envelopePayloadField}
	}
	return events.EventType(typ), body, nil
}

// DeserializeEventEnvelope decodes wire bytes into the event type and domain payload.
func DeserializeEventEnvelope(data []byte) (events.EventType, any, error) {
	typ, body, err := UnmarshalEnvelope(data)
	if err != nil {
		return "", nil, err
	}
	payload, err := DeserializePayload(typ, body)
	if err != nil {
		return "", nil, err
	}
	return typ, payload, nil
}

func init() { RegisterEventSerializers() }

// RegisterEventSerializers registers handlers for every lifecycle event type.
func RegisterEventSerializers() {
	for _, typ := range []events.EventType{
		source.EventTypeSourceIssued,
		source.EventTypeSourceAcknowledged,
		source.EventTypeSourceFinalized,
		source.EventTypeSourceTimedOut,
		source.EventTypeSourceRecovered,
		source.EventTypeSourceInvalidReport,
	} {
		RegisterSerializeFunc(typ, serializeStatusChanged)
		RegisterDeserializeFunc(typ, deserializeStatusChanged(typ))
	}

	RegisterSerializeFunc(source.EventTypeSourcePurged, serializePurged)
	RegisterDeserializeFunc(source.EventTypeSourcePurged, deserializePurged)
}
