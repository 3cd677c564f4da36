package stream

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire representation of an Event.
type envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes ev as {"type": ..., "payload": ...}.
func Marshal(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type(), err)
	}
	return json.Marshal(envelope{Type: ev.Type(), Payload: payload})
}

// Unmarshal decodes an envelope produced by Marshal. Unknown event types
// decode to Opaque holding the raw envelope so newer servers stay readable
// by older clients.
func Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	return Decode(env.Type, env.Payload)
}

// Decode decodes a payload for the given event type. It is used by
// transports that carry the type out of band (for example SSE "event:"
// lines).
func Decode(typ EventType, payload []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch typ {
	case EventTextDelta:
		var v TextDelta
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventToolUseStart:
		var v ToolUseStart
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventToolUseStop:
		var v ToolUseStop
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventSubTaskProgress:
		var v SubTaskProgress
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventMessageBoundary:
		var v MessageBoundary
		err = json.Unmarshal(payload, &v)
		ev = v
	case EventOpaque:
		var v Opaque
		err = json.Unmarshal(payload, &v)
		ev = v
	default:
		var data any
		if len(payload) > 0 {
			if jerr := json.Unmarshal(payload, &data); jerr != nil {
				data = string(payload)
			}
		}
		return Opaque{Data: map[string]any{"type": string(typ), "payload": data}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return ev, nil
}
