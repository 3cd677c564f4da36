// Package model provides the provider-agnostic streaming contract used by
// the agent runner. Implementations translate these normalized types into
// provider-specific formats (Bedrock ConverseStream, Anthropic Messages) so
// agents can invoke models without coupling to a particular SDK.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client streams model completions. Implementations wrap provider SDKs
	// and must be safe for concurrent use across invocations.
	Client interface {
		// Stream sends req to the provider and returns a Streamer yielding
		// incremental chunks. Callers must Close the returned Streamer.
		// Providers without streaming support return ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Recv returns chunks until
	// io.EOF. A Streamer is consumed by a single goroutine.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the underlying provider stream.
		Close() error
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model is the provider-specific model identifier, for example
		// "us.anthropic.claude-sonnet-4-20250514-v1:0" on Bedrock.
		Model string
		// System is the system prompt. Empty means none.
		System string
		// Messages is the ordered conversation, oldest first.
		Messages []*Message
		// Tools lists the tools the model may call. Empty disables tool use.
		Tools []*ToolDefinition
		// MaxTokens caps completion tokens. Zero uses the provider default.
		MaxTokens int
		// Temperature controls sampling. Zero uses the provider default.
		Temperature float32
	}

	// Message is one conversation message made of ordered parts.
	Message struct {
		// Role is RoleUser or RoleAssistant.
		Role Role
		// Parts holds the message content in order.
		Parts []Part
	}

	// Role identifies the author of a message.
	Role string

	// Part is one content block of a message: TextPart, ToolUsePart or
	// ToolResultPart.
	Part interface {
		isPart()
	}

	// TextPart is plain text content.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool call requested by the assistant.
	ToolUsePart struct {
		// ID is the provider tool-use identifier echoed by the matching
		// ToolResultPart.
		ID string
		// Name is the tool name as presented to the model.
		Name string
		// Input is the JSON encoded tool input.
		Input json.RawMessage
	}

	// ToolResultPart carries the result of a tool call back to the model in
	// a user message.
	ToolResultPart struct {
		// ToolUseID matches ToolUsePart.ID.
		ToolUseID string
		// Content is the textual tool result.
		Content string
		// IsError marks a failed tool call.
		IsError bool
	}

	// ToolDefinition describes a tool exposed to the model.
	ToolDefinition struct {
		// Name is the identifier presented to the model. Providers restrict
		// the allowed characters; see the provider packages for sanitization.
		Name string
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema of the tool input, usually a
		// map[string]any with "type": "object".
		InputSchema any
	}

	// ToolCall is a complete tool invocation requested by the model.
	ToolCall struct {
		// ID is the provider tool-use identifier.
		ID string
		// Name is the tool name.
		Name string
		// Input is the JSON encoded tool input assembled from the streamed
		// deltas. Never nil once the call is complete; "{}" when empty.
		Input json.RawMessage
	}

	// Chunk is one streaming event emitted by the model. Type selects which
	// fields are populated:
	//
	//   - ChunkTypeMessageStart: nothing beyond Type.
	//   - ChunkTypeText:          Text holds a visible text delta.
	//   - ChunkTypeToolCallStart: ToolCall holds ID and Name; Input is nil.
	//   - ChunkTypeToolCallDelta: ToolCall.ID and InputDelta hold a fragment
	//                             of the JSON tool input.
	//   - ChunkTypeToolCall:      ToolCall holds the complete invocation.
	//   - ChunkTypeUsage:         Usage reports token usage.
	//   - ChunkTypeStop:          StopReason explains why generation ended.
	Chunk struct {
		Type       ChunkType
		Text       string
		ToolCall   *ToolCall
		InputDelta string
		Usage      *TokenUsage
		StopReason string
	}

	// ChunkType enumerates the streaming chunk kinds.
	ChunkType string

	// TokenUsage records token counts reported by the provider.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

const (
	// RoleUser marks end-user input and tool results.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
)

const (
	ChunkTypeMessageStart  ChunkType = "message_start"
	ChunkTypeText          ChunkType = "text"
	ChunkTypeToolCallStart ChunkType = "tool_call_start"
	ChunkTypeToolCallDelta ChunkType = "tool_call_delta"
	ChunkTypeToolCall      ChunkType = "tool_call"
	ChunkTypeUsage         ChunkType = "usage"
	ChunkTypeStop          ChunkType = "stop"
)

// Stop reasons normalized across providers.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

var (
	// ErrStreamingUnsupported indicates the provider does not stream for the
	// requested model or parameters.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")

	// ErrRateLimited indicates the provider throttled the request. Provider
	// errors of kind ProviderErrorKindRateLimited wrap it.
	ErrRateLimited = errors.New("model: rate limited")
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// UserText returns a user message holding a single text part.
func UserText(text string) *Message {
	return &Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantText returns an assistant message holding a single text part.
func AssistantText(text string) *Message {
	return &Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of m.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}
