// Package bedrock provides a model.Client backed by the AWS Bedrock
// ConverseStream API. It encodes normalized requests (system prompt,
// messages with tool use and tool result blocks, tool schemas) into
// Bedrock's types and translates the event stream back into model.Chunks.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

const providerName = "bedrock"

type (
	// RuntimeClient is the subset of *bedrockruntime.Client used by the
	// adapter so tests can substitute a fake.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the Bedrock client.
	Options struct {
		// DefaultModel is used when a request leaves Model empty. Required.
		DefaultModel string
		// MaxTokens is the completion cap used when a request leaves
		// MaxTokens at zero. Zero lets Bedrock decide.
		MaxTokens int
		// Temperature is used when a request leaves Temperature at zero.
		Temperature float32
		// Logger receives non-fatal diagnostics.
		Logger telemetry.Logger
	}

	// Client implements model.Client on top of Bedrock ConverseStream.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
		temperature  float32
		logger       telemetry.Logger
	}
)

// New returns a Bedrock model client.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      rt,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		temperature:  opts.Temperature,
		logger:       logger,
	}, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	input, names, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("converse_stream", err)
	}
	es := out.GetStream()
	if es == nil {
		return nil, errors.New("bedrock: converse stream returned no event stream")
	}
	return newStreamer(ctx, es, names), nil
}

func (c *Client) buildInput(req *model.Request) (*bedrockruntime.ConverseStreamInput, map[string]string, error) {
	if req == nil {
		return nil, nil, errors.New("bedrock: request is required")
	}
	toolConfig, toProvider, fromProvider, err := encodeTools(req.Tools)
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
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(modelID),
		Messages:        msgs,
		ToolConfig:      toolConfig,
		InferenceConfig: c.inferenceConfig(req),
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	return input, fromProvider, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if maxTokens <= 0 && temp == 0 {
		return nil
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temp != 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	return cfg
}

// encodeMessages converts conversation messages into Bedrock messages. Empty
// text parts are dropped since Bedrock rejects blank content blocks, and
// messages left without content are skipped.
func encodeMessages(msgs []*model.Message, toolNames map[string]string) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		blocks := make([]brtypes.ContentBlock, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				if v.Text == "" {
					continue
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
			case model.ToolUsePart:
				name := v.Name
				if mapped, ok := toolNames[name]; ok {
					name = mapped
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(v.ID),
					Name:      aws.String(name),
					Input:     rawDocument(v.Input),
				}})
			case model.ToolResultPart:
				res := brtypes.ToolResultBlock{
					ToolUseId: aws.String(v.ToolUseID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: v.Content}},
				}
				if v.IsError {
					res.Status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{Value: res})
			default:
				return nil, fmt.Errorf("bedrock: unsupported message part %T", p)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	return out, nil
}

// encodeTools builds the tool configuration and the name maps translating
// canonical tool names to provider names and back.
func encodeTools(defs []*model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toProvider := make(map[string]string, len(defs))
	fromProvider := make(map[string]string, len(defs))
	list := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def == nil || def.Name == "" {
			continue
		}
		sanitized := SanitizeToolName(def.Name)
		if prev, ok := fromProvider[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		toProvider[def.Name] = sanitized
		fromProvider[sanitized] = def.Name
		desc := def.Description
		if desc == "" {
			desc = def.Name
		}
		list = append(list, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(desc),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schemaDocument(def.InputSchema)},
		}})
	}
	if len(list) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: list}, toProvider, fromProvider, nil
}

func schemaDocument(schema any) document.Interface {
	switch v := schema.(type) {
	case nil:
		return document.NewLazyDocument(map[string]any{"type": "object"})
	case json.RawMessage:
		return rawDocument(v)
	default:
		return document.NewLazyDocument(v)
	}
}

func rawDocument(raw json.RawMessage) document.Interface {
	var v any
	if len(raw) == 0 || json.Unmarshal(raw, &v) != nil || v == nil {
		v = map[string]any{}
	}
	return document.NewLazyDocument(v)
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

// wrapError classifies a Bedrock SDK error into a model.ProviderError.
func wrapError(operation string, err error) error {
	pe := &model.ProviderError{
		Provider:  providerName,
		Operation: operation,
		Kind:      model.ProviderErrorKindUnknown,
		Cause:     err,
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		pe.HTTPStatus = respErr.HTTPStatusCode()
	}
	switch {
	case isRateLimited(err):
		pe.Kind = model.ProviderErrorKindRateLimited
		pe.Retryable = true
	case pe.Code == "AccessDeniedException" || pe.HTTPStatus == http.StatusUnauthorized || pe.HTTPStatus == http.StatusForbidden:
		pe.Kind = model.ProviderErrorKindAuth
	case pe.Code == "ValidationException" || pe.HTTPStatus == http.StatusBadRequest:
		pe.Kind = model.ProviderErrorKindInvalidRequest
	case pe.HTTPStatus >= http.StatusInternalServerError:
		pe.Kind = model.ProviderErrorKindUnavailable
		pe.Retryable = true
	}
	return pe
}
