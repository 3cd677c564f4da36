package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type errorRuntimeClient struct {
	err   error
	input *bedrockruntime.ConverseStreamInput
}

func (e *errorRuntimeClient) ConverseStream(
	_ context.Context,
	in *bedrockruntime.ConverseStreamInput,
	_ ...func(*bedrockruntime.Options),
) (*bedrockruntime.ConverseStreamOutput, error) {
	e.input = in
	return nil, e.err
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&errorRuntimeClient{}, Options{})
	require.Error(t, err)
}

func TestStreamWrapsThrottling(t *testing.T) {
	rt := &errorRuntimeClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	c, err := New(rt, Options{DefaultModel: "model-a", MaxTokens: 512})
	require.NoError(t, err)

	_, err = c.Stream(context.Background(), &model.Request{Messages: []*model.Message{model.UserText("hi")}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "ThrottlingException", pe.Code)
	assert.True(t, pe.Retryable)

	require.NotNil(t, rt.input)
	assert.Equal(t, "model-a", aws.ToString(rt.input.ModelId))
	require.NotNil(t, rt.input.InferenceConfig)
	assert.Equal(t, int32(512), aws.ToInt32(rt.input.InferenceConfig.MaxTokens))
}

func TestWrapErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind model.ProviderErrorKind
	}{
		{&smithy.GenericAPIError{Code: "AccessDeniedException"}, model.ProviderErrorKindAuth},
		{&smithy.GenericAPIError{Code: "ValidationException"}, model.ProviderErrorKindInvalidRequest},
		{fmt.Errorf("wrapped: %w", model.ErrRateLimited), model.ProviderErrorKindRateLimited},
		{errors.New("eof"), model.ProviderErrorKindUnknown},
	}
	for _, tc := range cases {
		pe, ok := model.AsProviderError(wrapError("converse_stream", tc.err))
		require.True(t, ok)
		assert.Equal(t, tc.kind, pe.Kind, tc.err.Error())
		assert.ErrorIs(t, pe, tc.err)
	}
}

func TestBuildInputEncodesConversation(t *testing.T) {
	c, err := New(&errorRuntimeClient{}, Options{DefaultModel: "m"})
	require.NoError(t, err)

	req := &model.Request{
		Model:  "override",
		System: "you are a supervisor",
		Messages: []*model.Message{
			model.UserText("what is s3?"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.TextPart{Text: ""},
				model.ToolUsePart{ID: "t1", Name: "knowledge.search", Input: json.RawMessage(`{"query":"s3"}`)},
			}},
			{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: "t1", Content: "boom", IsError: true}}},
			{Role: model.RoleAssistant},
		},
		Tools: []*model.ToolDefinition{{Name: "knowledge.search", Description: "search", InputSchema: map[string]any{"type": "object"}}},
	}
	in, names, err := c.buildInput(req)
	require.NoError(t, err)

	assert.Equal(t, "override", aws.ToString(in.ModelId))
	assert.Nil(t, in.InferenceConfig)
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3, "empty assistant message is skipped")

	assistant := in.Messages[1]
	require.Len(t, assistant.Content, 1, "blank text block is dropped")
	use, ok := assistant.Content[0].(*brtypes.ContentBlockMemberToolUse)
	require.True(t, ok)
	assert.Equal(t, "knowledge_search", aws.ToString(use.Value.Name))

	result, ok := in.Messages[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, brtypes.ToolResultStatusError, result.Value.Status)

	require.NotNil(t, in.ToolConfig)
	require.Len(t, in.ToolConfig.Tools, 1)
	assert.Equal(t, "knowledge.search", names["knowledge_search"])
}

func TestEncodeToolsDetectsCollisions(t *testing.T) {
	_, _, _, err := encodeTools([]*model.ToolDefinition{{Name: "a.b"}, {Name: "a_b"}})
	require.Error(t, err)
}

func TestEncodeMessagesRejectsUnknownRole(t *testing.T) {
	_, err := encodeMessages([]*model.Message{{Role: "system", Parts: []model.Part{model.TextPart{Text: "x"}}}}, nil)
	require.Error(t, err)
}

func TestSanitizeToolName(t *testing.T) {
	assert.Equal(t, "", SanitizeToolName(""))
	assert.Equal(t, "aws_api_call-aws", SanitizeToolName("aws.api/call-aws"))
	long := SanitizeToolName(string(make([]byte, 100)) + "x")
	assert.Len(t, long, 64)
	assert.NotEqual(t, long, SanitizeToolName(string(make([]byte, 100))+"y"))
}
