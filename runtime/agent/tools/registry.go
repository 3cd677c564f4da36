package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/awschat/supervisor/runtime/agent/model"
)

var (
	// ErrUnknownTool is returned when calling a tool that is not registered.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tools: duplicate tool")
)

type (
	// Registry holds the tools available to one agent. It is safe for
	// concurrent use.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]*entry
		order   []string
	}

	entry struct {
		tool   Tool
		schema *jsonschema.Schema
	}
)

// NewRegistry returns a registry holding tools. It fails on the first tool
// that cannot be registered.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{entries: make(map[string]*entry)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. The tool input schema, when present, is compiled once
// here.
func (r *Registry) Register(t Tool) error {
	def := t.Definition()
	if def == nil || def.Name == "" {
		return errors.New("tools: tool definition requires a name")
	}
	schema, err := compileSchema(def)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.entries[def.Name] = &entry{tool: t, schema: schema}
	r.order = append(r.order, def.Name)
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(r.order))
	for _, n := range r.order {
		defs = append(defs, r.entries[n].tool.Definition())
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Call validates input against the tool schema and invokes the tool. Empty
// input is treated as an empty object.
func (r *Registry) Call(ctx context.Context, name string, input json.RawMessage) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(bytes.TrimSpace(input)) == 0 {
		input = json.RawMessage("{}")
	}
	if e.schema != nil {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
		if err != nil {
			return "", fmt.Errorf("tool %s: decode input: %w", name, err)
		}
		if err := e.schema.Validate(doc); err != nil {
			return "", newValidationError(name, err)
		}
	}
	return e.tool.Call(ctx, input)
}

func compileSchema(def *model.ToolDefinition) (*jsonschema.Schema, error) {
	if def.InputSchema == nil {
		return nil, nil
	}
	raw, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("tool %s: encode schema: %w", def.Name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("tool %s: decode schema: %w", def.Name, err)
	}
	url := "tool://" + def.Name + "/input.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("tool %s: add schema resource: %w", def.Name, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tool %s: compile schema: %w", def.Name, err)
	}
	return schema, nil
}
