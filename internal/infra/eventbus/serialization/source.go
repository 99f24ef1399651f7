package serialization

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
	serializationerrors "github.com/ahrav/sourcefleet/internal/infra/eventbus/serialization/errors"
)

func serializeStatusChanged(payload any) (*structpb.Struct, error) {
	var evt source.StatusChangedEvent
	switch p := payload.(type) {
	case source.StatusChangedEvent:
		evt = p
	case *source.StatusChangedEvent:
		if p == nil {
			return nil, serializationerrors.ErrNilEvent{EventType: "StatusChanged"}
		}
		evt = *p
	default:
		return nil, serializationerrors.ErrUnexpectedPayload{EventType: "StatusChanged", Value: payload}
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"source_id":    structpb.NewStringValue(evt.SourceID.String()),
		"group_id":     structpb.NewStringValue(evt.GroupID),
		"agent_ip":     structpb.NewStringValue(evt.AgentIP),
		"cluster_name": structpb.NewStringValue(evt.ClusterName),
		"from":         structpb.NewNumberValue(float64(evt.From.Code())),
		"to":           structpb.NewNumberValue(float64(evt.To.Code())),
		"message":      structpb.NewStringValue(evt.Message),
		"occurred_at":  timeValue(evt.OccurredAt()),
	}}, nil
}

func deserializeStatusChanged(eventType events.EventType) DeserializeFunc {
	return func(data *structpb.Struct) (any, error) {
		f := data.GetFields()

		id, err := uuid.Parse(f["source_id"].GetStringValue())
		if err != nil {
			return nil, serializationerrors.ErrInvalidUUID{Field: "source_id", Err: err}
		}
		from, err := statusField(f, "from")
		if err != nil {
			return nil, err
		}
		to, err := statusField(f, "to")
		if err != nil {
			return nil, err
		}
		at, err := timeField(f, "occurred_at")
		if err != nil {
			return nil, err
		}

		return source.ReconstructStatusChangedEvent(
			eventType,
			id,
			f["group_id"].GetStringValue(),
			f["agent_ip"].GetStringValue(),
			f["cluster_name"].GetStringValue(),
			from,
			to,
			f["message"].GetStringValue(),
			at,
		), nil
	}
}

func serializePurged(payload any) (*structpb.Struct, error) {
	evt, ok := payload.(source.PurgedEvent)
	if !ok {
		return nil, serializationerrors.ErrUnexpectedPayload{EventType: string(source.EventTypeSourcePurged), Value: payload}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"count":       structpb.NewNumberValue(float64(evt.Count)),
		"cutoff":      timeValue(evt.Cutoff),
		"occurred_at": timeValue(evt.OccurredAt()),
	}}, nil
}

func deserializePurged(data *structpb.Struct) (any, error) {
	f := data.GetFields()
	cutoff, err := timeField(f, "cutoff")
	if err != nil {
		return nil, err
	}
	at, err := timeField(f, "occurred_at")
	if err != nil {
		return nil, err
	}
	return source.NewPurgedEvent(int64(f["count"].GetNumberValue()), cutoff, at), nil
}

func statusField(f map[string]*structpb.Value, name string) (source.Status, error) {
	v, ok := f[name]
	if !ok {
		return source.StatusUnspecified, serializationerrors.ErrMissingField{Field: name}
	}
	s, err := source.FromCode(int(v.GetNumberValue()))
	if err != nil {
		return source.StatusUnspecified, fmt.Errorf("field %s: %w", name, err)
	}
	return s, nil
}

// timeValue stores a timestamp as its protobuf seconds and nanos so that no
// precision is lost to float formatting.
func timeValue(t time.Time) *structpb.Value {
	ts := timestamppb.New(t)
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"seconds": structpb.NewNumberValue(float64(ts.GetSeconds())),
		"nanos":   structpb.NewNumberValue(float64(ts.GetNanos())),
	}})
}

func timeField(f map[string]*structpb.Value, name string) (time.Time, error) {
	v := f[name].GetStructValue()
	if v == nil {
		return time.Time{}, serializationerrors.ErrMissingField{Field: name}
	}
	ts := &timestamppb.Timestamp{
		Seconds: int64(v.GetFields()["seconds"].GetNumberValue()),
		Nanos:   int32(v.GetFields()["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", name, err)
	}
	return ts.AsTime(), nil
}
