// Package modeltest provides a scripted model.Client for tests.
package modeltest

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type (
	// Client replays scripted turns in order, one per Stream call. Once
	// the script is exhausted it returns empty turns. Requests are recorded.
	Client struct {
		mu       sync.Mutex
		turns    [][]model.Chunk
		requests []model.Request
		// Err, when set, is returned by every Stream call.
		Err error
		// Route, when set, selects the turns to replay per request instead
		// of the shared script. It lets one client serve several agents.
		Route func(req *model.Request) []model.Chunk
	}

	streamer struct {
		ctx    context.Context
		chunks []model.Chunk
	}
)

// NewClient returns a Client replaying turns.
func NewClient(turns ...[]model.Chunk) *Client {
	return &Client{turns: turns}
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	snapshot := *req
	snapshot.Messages = append([]*model.Message(nil), req.Messages...)
	c.requests = append(c.requests, snapshot)
	if c.Route != nil {
		return &streamer{ctx: ctx, chunks: c.Route(&snapshot)}, nil
	}
	if len(c.turns) == 0 {
		return &streamer{ctx: ctx}, nil
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	return &streamer{ctx: ctx, chunks: turn}, nil
}

// Requests returns the recorded requests.
func (c *Client) Requests() []model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Request(nil), c.requests...)
}

func (s *streamer) Recv() (model.Chunk, error) {
	if err := s.ctx.Err(); err != nil {
		return model.Chunk{}, err
	}
	if len(s.chunks) == 0 {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *streamer) Close() error { return nil }

// TextTurn is a turn answering with the given text fragments.
func TextTurn(parts ...string) []model.Chunk {
	chunks := []model.Chunk{{Type: model.ChunkTypeMessageStart}}
	for _, p := range parts {
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeText, Text: p})
	}
	return append(chunks, model.Chunk{Type: model.ChunkTypeStop, StopReason: model.StopReasonEndTurn})
}

// ToolTurn is a turn requesting one tool call.
func ToolTurn(id, name, input string) []model.Chunk {
	return []model.Chunk{
		{Type: model.ChunkTypeMessageStart},
		{Type: model.ChunkTypeToolCallStart, ToolCall: &model.ToolCall{ID: id, Name: name}},
		{Type: model.ChunkTypeToolCallDelta, ToolCall: &model.ToolCall{ID: id}, InputDelta: input},
		{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}},
		{Type: model.ChunkTypeStop, StopReason: model.StopReasonToolUse},
	}
}

// LastToolResult returns the content of the last tool result part in req,
// or "" when there is none.
func LastToolResult(req model.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		parts := req.Messages[i].Parts
		for j := len(parts) - 1; j >= 0; j-- {
			if tr, ok := parts[j].(model.ToolResultPart); ok {
				return tr.Content
			}
		}
	}
	return ""
}
