package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/controlplane/internal/domain"
)

// Envelope is the wire format for events sent to stream clients.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Severity  string          `json:"severity"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MarshalEvent serializes an Event into a JSON-encoded Envelope.
func MarshalEvent(ev domain.Event) ([]byte, error) {
	env := Envelope{
		Type:      string(ev.Kind),
		ID:        ev.ID,
		Seq:       ev.Seq,
		Severity:  string(ev.Severity),
		Timestamp: ev.Timestamp,
	}
	if ev.Payload != nil {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = payload
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope decodes a JSON envelope. The payload is left raw.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// MarshalEventProto serializes an Event as a binary protobuf Struct with the
// fields type, id, seq, severity, ts and payload. The payload is carried as a
// nested Struct built from its JSON form.
func MarshalEventProto(ev domain.Event) ([]byte, error) {
	fields := map[string]*structpb.Value{
		"type":     structpb.NewStringValue(string(ev.Kind)),
		"id":       structpb.NewStringValue(ev.ID),
		"seq":      structpb.NewNumberValue(float64(ev.Seq)),
		"severity": structpb.NewStringValue(string(ev.Severity)),
		"ts":       structpb.NewStringValue(ev.Timestamp.UTC().Format(time.RFC3339Nano)),
	}
	if ev.Payload != nil {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		v, err := structpb.NewValue(generic)
		if err != nil {
			return nil, fmt.Errorf("payload to proto: %w", err)
		}
		fields["payload"] = v
	}
	return proto.Marshal(&structpb.Struct{Fields: fields})
}

// UnmarshalEventProto decodes a frame produced by MarshalEventProto.
func UnmarshalEventProto(data []byte) (*structpb.Struct, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal proto event: %w", err)
	}
	return &s, nil
}
