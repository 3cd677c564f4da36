package stream

import (
	"encoding/json"
	"fmt"
)

// Classify converts v into an Event. It never fails:
//
//   - an Event is returned unchanged;
//   - a string is a TextDelta;
//   - a Converse-style wire dictionary ({"event": {"contentBlockDelta": ...}})
//     is decoded into the matching variant;
//   - json.RawMessage and []byte are decoded as JSON and classified;
//   - anything else, including dictionaries with unexpected shapes, is
//     wrapped in Opaque with the original value.
func Classify(v any) Event {
	switch x := v.(type) {
	case nil:
		return Opaque{}
	case Event:
		return x
	case string:
		return TextDelta{Text: x}
	case json.RawMessage:
		return classifyJSON(x, v)
	case []byte:
		return classifyJSON(x, v)
	case map[string]any:
		if ev, ok := classifyWire(x); ok {
			return ev
		}
	}
	return Opaque{Data: v}
}

func classifyJSON(raw []byte, orig any) Event {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return Opaque{Data: orig}
	}
	if ev, ok := classifyWire(m); ok {
		return ev
	}
	return Opaque{Data: m}
}

func classifyWire(m map[string]any) (Event, bool) {
	body, ok := m["event"].(map[string]any)
	if !ok {
		return nil, false
	}
	if start, ok := body["contentBlockStart"].(map[string]any); ok {
		s, _ := start["start"].(map[string]any)
		if tu, ok := s["toolUse"].(map[string]any); ok {
			return ToolUseStart{
				ToolName:   stringOr(tu["name"], "unknown"),
				ToolCallID: stringOr(tu["toolUseId"], "unknown"),
			}, true
		}
		return nil, false
	}
	if delta, ok := body["contentBlockDelta"].(map[string]any); ok {
		d, _ := delta["delta"].(map[string]any)
		if tu, ok := d["toolUse"].(map[string]any); ok {
			return TextDelta{Text: stringOr(tu["input"], ""), ToolInput: true}, true
		}
		if text, ok := d["text"].(string); ok {
			return TextDelta{Text: text}, true
		}
		return nil, false
	}
	if stop, ok := body["contentBlockStop"].(map[string]any); ok {
		id := stringOr(stop["toolUseId"], "")
		if id == "" {
			if idx, ok := stop["contentBlockIndex"]; ok {
				id = fmt.Sprintf("block-%v", idx)
			}
		}
		return ToolUseStop{ToolCallID: id}, true
	}
	if _, ok := body["messageStart"]; ok {
		return MessageBoundary{Kind: BoundaryStart}, true
	}
	if stop, ok := body["messageStop"]; ok {
		mb := MessageBoundary{Kind: BoundaryStop}
		if sm, ok := stop.(map[string]any); ok {
			mb.StopReason = stringOr(sm["stopReason"], "")
		}
		return mb, true
	}
	if p, ok := body["subAgentProgress"].(map[string]any); ok {
		return SubTaskProgress{
			Message:  stringOr(p["message"], ""),
			Stage:    Stage(stringOr(p["stage"], "")),
			ToolName: stringOr(p["tool_name"], ""),
		}, true
	}
	return nil, false
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
