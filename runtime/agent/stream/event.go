// Package stream defines the event model shared by the primary agent stream,
// the sub-agent relays and the merged output delivered to clients.
//
// Event is a closed tagged union: the concrete types declared in this package
// are the only implementations. Producers that deal with loosely shaped data
// (provider wire dictionaries, plain strings) convert it with Classify, which
// maps anything it does not recognize to Opaque instead of failing.
//
// Channel is the per-invocation shared queue written by concurrent relays and
// drained by the merger. Source is the pull-based iteration contract of the
// primary and inner streams.
package stream

type (
	// Event is the unit flowing through sources, channels and sinks.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// Payload returns the JSON-serializable body of the event.
		Payload() any

		isEvent()
	}

	// EventType enumerates the event variants.
	EventType string

	// Stage identifies a sub-task lifecycle stage.
	Stage string

	// BoundaryKind distinguishes message start and stop delimiters.
	BoundaryKind string

	// TextDelta is an incremental chunk of generated text.
	TextDelta struct {
		// Text is the generated fragment.
		Text string `json:"text"`
		// ToolInput is true when the fragment belongs to a tool-input payload
		// rather than to visible assistant text.
		ToolInput bool `json:"tool_input,omitempty"`
		// Origin names the sub-agent that produced the fragment. Empty for
		// the primary stream.
		Origin string `json:"origin,omitempty"`
	}

	// ToolUseStart signals that a tool invocation has begun.
	ToolUseStart struct {
		ToolName   string `json:"tool_name"`
		ToolCallID string `json:"tool_call_id"`
		Origin     string `json:"origin,omitempty"`
	}

	// ToolUseStop signals that a tool invocation or content block completed.
	ToolUseStop struct {
		ToolCallID string `json:"tool_call_id"`
		Origin     string `json:"origin,omitempty"`
	}

	// SubTaskProgress is a synthetic status emitted by a relay. It never
	// appears on the primary stream.
	SubTaskProgress struct {
		Message  string `json:"message"`
		Stage    Stage  `json:"stage"`
		ToolName string `json:"tool_name,omitempty"`
		// Agent is the display name of the emitting sub-agent.
		Agent string `json:"agent,omitempty"`
	}

	// MessageBoundary delimits a model turn.
	MessageBoundary struct {
		Kind       BoundaryKind `json:"kind"`
		StopReason string       `json:"stop_reason,omitempty"`
		Origin     string       `json:"origin,omitempty"`
	}

	// Opaque carries an event shape that is not otherwise recognized. It
	// must be forwarded unmodified.
	Opaque struct {
		Data any `json:"data"`
	}
)

const (
	EventTextDelta       EventType = "text_delta"
	EventToolUseStart    EventType = "tool_use_start"
	EventToolUseStop     EventType = "tool_use_stop"
	EventSubTaskProgress EventType = "subtask_progress"
	EventMessageBoundary EventType = "message_boundary"
	EventOpaque          EventType = "opaque"
)

const (
	StageStart    Stage = "start"
	StageToolUse  Stage = "tool_use"
	StageComplete Stage = "complete"
)

const (
	BoundaryStart BoundaryKind = "start"
	BoundaryStop  BoundaryKind = "stop"
)

func (TextDelta) Type() EventType       { return EventTextDelta }
func (ToolUseStart) Type() EventType    { return EventToolUseStart }
func (ToolUseStop) Type() EventType     { return EventToolUseStop }
func (SubTaskProgress) Type() EventType { return EventSubTaskProgress }
func (MessageBoundary) Type() EventType { return EventMessageBoundary }
func (Opaque) Type() EventType          { return EventOpaque }

func (e TextDelta) Payload() any       { return e }
func (e ToolUseStart) Payload() any    { return e }
func (e ToolUseStop) Payload() any     { return e }
func (e SubTaskProgress) Payload() any { return e }
func (e MessageBoundary) Payload() any { return e }
func (e Opaque) Payload() any          { return e }

func (TextDelta) isEvent()       {}
func (ToolUseStart) isEvent()    {}
func (ToolUseStop) isEvent()     {}
func (SubTaskProgress) isEvent() {}
func (MessageBoundary) isEvent() {}
func (Opaque) isEvent()          {}

// IsVisibleText reports whether ev is assistant-visible text, that is a
// TextDelta that is not part of a tool-input payload.
func IsVisibleText(ev Event) (string, bool) {
	td, ok := ev.(TextDelta)
	if !ok || td.ToolInput {
		return "", false
	}
	return td.Text, true
}
