package anthropic

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/runtime/agent/model"
)

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "m")
	require.Error(t, err)
}

func TestPrepareRequest(t *testing.T) {
	c := &Client{defaultModel: "claude-default", maxTokens: defaultMaxTokens}
	params, names, err := c.prepareRequest(&model.Request{
		System: "be brief",
		Messages: []*model.Message{
			model.UserText("hi"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "t1", Name: "holiday.get", Input: json.RawMessage(`{"year":2025}`)},
			}},
			{Role: model.RoleUser, Parts: []model.Part{model.ToolResultPart{ToolUseID: "t1", Content: "ok"}}},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "holiday.get",
			Description: "holidays",
			InputSchema: map[string]any{"type": "object", "properties": map[string]any{"year": map[string]any{"type": "integer"}}},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "claude-default", string(params.Model))
	assert.Equal(t, int64(defaultMaxTokens), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Len(t, params.Messages, 3)
	require.Len(t, params.Tools, 1)
	assert.Equal(t, "holiday.get", names["holiday_get"])
}

func TestPrepareRequestRequiresMessages(t *testing.T) {
	c := &Client{defaultModel: "m", maxTokens: 1}
	_, _, err := c.prepareRequest(&model.Request{})
	require.Error(t, err)
	_, _, err = c.prepareRequest(&model.Request{Messages: []*model.Message{{Role: model.RoleUser}}})
	require.Error(t, err)
}

func TestWrapErrorRateLimited(t *testing.T) {
	err := wrapError(model.ErrRateLimited)
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.True(t, pe.Retryable)

	pe, ok = model.AsProviderError(wrapError(errors.New("boom")))
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnknown, pe.Kind)
}
