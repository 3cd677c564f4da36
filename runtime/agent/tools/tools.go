// Package tools defines the tool contract exposed to models and a registry
// that validates tool input against each tool's JSON Schema before calling
// it.
package tools

import (
	"context"
	"encoding/json"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type (
	// Tool is a callable exposed to a model. Call receives the JSON input
	// produced by the model and returns the textual result fed back to it.
	Tool interface {
		Definition() *model.ToolDefinition
		Call(ctx context.Context, input json.RawMessage) (string, error)
	}

	// CallFunc implements a tool body.
	CallFunc func(ctx context.Context, input json.RawMessage) (string, error)

	funcTool struct {
		def *model.ToolDefinition
		fn  CallFunc
	}
)

// New returns a Tool backed by fn.
func New(name, description string, schema any, fn CallFunc) Tool {
	return &funcTool{
		def: &model.ToolDefinition{Name: name, Description: description, InputSchema: schema},
		fn:  fn,
	}
}

func (t *funcTool) Definition() *model.ToolDefinition { return t.def }

func (t *funcTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	return t.fn(ctx, input)
}

// ObjectSchema returns a JSON Schema object with the given properties and
// required fields.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		r := make([]any, len(required))
		for i, f := range required {
			r[i] = f
		}
		s["required"] = r
	}
	return s
}
