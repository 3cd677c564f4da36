package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type (
	// streamer adapts an Anthropic SSE stream to model.Streamer.
	streamer struct {
		ctx    context.Context
		cancel context.CancelFunc
		stream *ssestream.Stream[sdk.MessageStreamEventUnion]
		chunks chan model.Chunk

		errMu sync.Mutex
		err   error
	}

	// chunkProcessor converts Anthropic stream events into model.Chunks.
	chunkProcessor struct {
		emit       func(model.Chunk) error
		toolNames  map[string]string
		blocks     map[int]*toolBuffer
		stopReason string
	}

	toolBuffer struct {
		id, name string
		input    strings.Builder
	}
)

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], toolNames map[string]string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run(newChunkProcessor(s.emit, toolNames))
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	chunk, ok := <-s.chunks
	if ok {
		return chunk, nil
	}
	s.errMu.Lock()
	err := s.err
	s.errMu.Unlock()
	if err != nil {
		return model.Chunk{}, err
	}
	return model.Chunk{}, io.EOF
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	return nil
}

func (s *streamer) run(p *chunkProcessor) {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()
	for s.stream.Next() {
		if err := p.Handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
		}
	}
	if err := s.stream.Err(); err != nil {
		s.setErr(wrapError(err))
		return
	}
	if err := s.ctx.Err(); err != nil {
		s.setErr(err)
	}
}

func (s *streamer) emit(c model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- c:
		return nil
	}
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func newChunkProcessor(emit func(model.Chunk) error, toolNames map[string]string) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolNames: toolNames, blocks: make(map[int]*toolBuffer)}
}

// Handle converts one SSE event. Thinking and signature deltas are not
// surfaced.
func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.blocks = make(map[int]*toolBuffer)
		p.stopReason = ""
		return p.emit(model.Chunk{Type: model.ChunkTypeMessageStart})

	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" || toolUse.Name == "" {
			return errors.New("anthropic stream: tool use block missing id or name")
		}
		tb := &toolBuffer{id: toolUse.ID, name: toolUse.Name}
		if canonical, ok := p.toolNames[toolUse.Name]; ok {
			tb.name = canonical
		}
		p.blocks[int(ev.Index)] = tb
		return p.emit(model.Chunk{Type: model.ChunkTypeToolCallStart, ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name}})

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
		case sdk.InputJSONDelta:
			tb := p.blocks[int(ev.Index)]
			if tb == nil || delta.PartialJSON == "" {
				return nil
			}
			tb.input.WriteString(delta.PartialJSON)
			return p.emit(model.Chunk{
				Type:       model.ChunkTypeToolCallDelta,
				ToolCall:   &model.ToolCall{ID: tb.id, Name: tb.name},
				InputDelta: delta.PartialJSON,
			})
		}
		return nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		tb := p.blocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.blocks, idx)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Input: tb.final()},
		})

	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})

	case sdk.MessageStopEvent:
		p.blocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
	}
	return nil
}

func (tb *toolBuffer) final() json.RawMessage {
	raw := strings.TrimSpace(tb.input.String())
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		wrapped, _ := json.Marshal(map[string]string{"raw": raw})
		return wrapped
	}
	return json.RawMessage(raw)
}
