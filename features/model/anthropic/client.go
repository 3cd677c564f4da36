// Package anthropic provides a model.Client backed by the Anthropic Claude
// Messages streaming API through github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/awschat/supervisor/features/model/bedrock"
	"github.com/awschat/supervisor/runtime/agent/model"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

type (
	// MessagesClient is the subset of *sdk.MessageService used by the
	// adapter.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the Anthropic client.
	Options struct {
		// DefaultModel is used when a request leaves Model empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap used when a request leaves
		// MaxTokens at zero. Defaults to 4096 since the API requires one.
		MaxTokens int
		// Temperature is used when a request leaves Temperature at zero.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		temperature  float64
	}
)

// New returns an Anthropic model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		temperature:  opts.Temperature,
	}, nil
}

// NewFromAPIKey returns a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, names, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, wrapError(err)
	}
	return newStreamer(ctx, stream, names), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, map[string]string, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	tools, toProvider, fromProvider, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, toProvider)
	if err != nil {
		return nil, nil, err
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := float64(req.Temperature)
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, fromProvider, nil
}

func encodeMessages(msgs []*model.Message, toolNames map[string]string) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				name := v.Name
				if mapped, ok := toolNames[name]; ok {
					name = mapped
				}
				var input any = map[string]any{}
				if len(v.Input) > 0 {
					input = v.Input
				}
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, input, name))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, v.Content, v.IsError))
			default:
				return nil, fmt.Errorf("anthropic: unsupported message part %T", p)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one non-empty message is required")
	}
	return out, nil
}

func encodeTools(defs []*model.ToolDefinition) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	list := make([]sdk.ToolUnionParam, 0, len(defs))
	toProvider := make(map[string]string, len(defs))
	fromProvider := make(map[string]string, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		// Anthropic shares Bedrock's tool name alphabet and length limit.
		sanitized := bedrock.SanitizeToolName(def.Name)
		if prev, ok := fromProvider[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		toProvider[def.Name] = sanitized
		fromProvider[sanitized] = def.Name
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, sanitized)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		list = append(list, u)
	}
	return list, toProvider, fromProvider, nil
}

// toolInputSchema passes the JSON Schema through as extra fields so
// properties, required and nested keywords reach the API unchanged.
func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	raw, ok := schema.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(schema)
		if err != nil {
			return sdk.ToolInputSchemaParam{}, err
		}
		raw = data
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: fields}, nil
}

// wrapError classifies an SDK error into a model.ProviderError.
func wrapError(err error) error {
	pe := &model.ProviderError{
		Provider:  providerName,
		Operation: "messages.stream",
		Kind:      model.ProviderErrorKindUnknown,
		Cause:     err,
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		pe.HTTPStatus = apiErr.StatusCode
	}
	switch {
	case errors.Is(err, model.ErrRateLimited) || pe.HTTPStatus == http.StatusTooManyRequests:
		pe.Kind = model.ProviderErrorKindRateLimited
		pe.Retryable = true
	case pe.HTTPStatus == http.StatusUnauthorized || pe.HTTPStatus == http.StatusForbidden:
		pe.Kind = model.ProviderErrorKindAuth
	case pe.HTTPStatus == http.StatusBadRequest:
		pe.Kind = model.ProviderErrorKindInvalidRequest
	case pe.HTTPStatus >= http.StatusInternalServerError:
		pe.Kind = model.ProviderErrorKindUnavailable
		pe.Retryable = true
	}
	return pe
}
