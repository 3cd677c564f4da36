// Package subagent exposes delegated agents to the supervisor as tools.
//
// Every sub-agent answers a free-form query. Its progress and text reach the
// caller through the Relay handed to Query, which the supervisor creates
// fresh for each invocation and attaches to that invocation's channel.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

// Agent is a delegated agent invoked through a tool call.
type Agent interface {
	// ToolName is the tool name presented to the supervisor model.
	ToolName() string
	// DisplayName labels the agent in progress events and text origins.
	DisplayName() string
	// Description tells the supervisor model when to use the agent.
	Description() string
	// Query runs the agent and returns its textual answer. Failures are
	// reported as text, never as errors.
	Query(ctx context.Context, r *relay.Relay, query string) string
}

type queryInput struct {
	Query string `json:"query"`
}

// QuerySchema is the input schema shared by all sub-agent tools.
func QuerySchema() map[string]any {
	return tools.ObjectSchema(map[string]any{
		"query": map[string]any{
			"type":        "string",
			"description": "The question or instruction for the sub-agent.",
		},
	}, "query")
}

// Tool exposes a as a tool bound to r.
func Tool(a Agent, r *relay.Relay) tools.Tool {
	return tools.New(a.ToolName(), a.Description(), QuerySchema(), func(ctx context.Context, input json.RawMessage) (string, error) {
		var in queryInput
		if err := json.Unmarshal(input, &in); err != nil {
			return "", fmt.Errorf("%s: decode input: %w", a.ToolName(), err)
		}
		return a.Query(ctx, r, in.Query), nil
	})
}
