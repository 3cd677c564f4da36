package bedrock

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type fakeEventStream struct {
	events chan brtypes.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeEventStream(events ...brtypes.ConverseStreamOutput) *fakeEventStream {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeEventStream{events: ch}
}

func (f *fakeEventStream) Events() <-chan brtypes.ConverseStreamOutput { return f.events }
func (f *fakeEventStream) Close() error                                { f.closed = true; return nil }
func (f *fakeEventStream) Err() error                                  { return f.err }

func toolConversation() []brtypes.ConverseStreamOutput {
	return []brtypes.ConverseStreamOutput{
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "Let me check. "},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)}},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				ToolUseId: aws.String("tu-1"),
				Name:      aws.String("knowledge_search"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"query":`)}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`"s3"}`)}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(4), TotalTokens: aws.Int32(14)},
		}},
	}
}

func TestStreamerTranslatesEvents(t *testing.T) {
	es := newFakeEventStream(toolConversation()...)
	s := newStreamer(context.Background(), es, map[string]string{"knowledge_search": "knowledge.search"})

	var chunks []model.Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, c)
	}
	require.NoError(t, s.Close())
	assert.True(t, es.closed)

	types := make([]model.ChunkType, len(chunks))
	for i, c := range chunks {
		types[i] = c.Type
	}
	assert.Equal(t, []model.ChunkType{
		model.ChunkTypeMessageStart,
		model.ChunkTypeText,
		model.ChunkTypeToolCallStart,
		model.ChunkTypeToolCallDelta,
		model.ChunkTypeToolCallDelta,
		model.ChunkTypeToolCall,
		model.ChunkTypeStop,
		model.ChunkTypeUsage,
	}, types)

	assert.Equal(t, "Let me check. ", chunks[1].Text)
	assert.Equal(t, "knowledge.search", chunks[2].ToolCall.Name)
	assert.Equal(t, `{"query":`, chunks[3].InputDelta)
	call := chunks[5].ToolCall
	assert.Equal(t, "tu-1", call.ID)
	assert.JSONEq(t, `{"query":"s3"}`, string(call.Input))
	assert.Equal(t, model.StopReasonToolUse, chunks[6].StopReason)
	assert.Equal(t, 14, chunks[7].Usage.TotalTokens)
}

func TestStreamerSurfacesStreamError(t *testing.T) {
	es := newFakeEventStream()
	es.err = errors.New("connection reset")
	s := newStreamer(context.Background(), es, nil)

	_, err := s.Recv()
	require.Error(t, err)
	_, ok := model.AsProviderError(err)
	assert.True(t, ok)
}

func TestToolBufferInput(t *testing.T) {
	assert.JSONEq(t, `{}`, string((&toolBuffer{}).input()))
	assert.JSONEq(t, `{"raw":"{oops"}`, string((&toolBuffer{fragments: []string{"{oops"}}).input()))
}

func TestChunkProcessorRequiresIndex(t *testing.T) {
	p := newChunkProcessor(func(model.Chunk) error { return nil }, nil)
	err := p.Handle(&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{}})
	require.Error(t, err)
}
