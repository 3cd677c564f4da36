package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/awschat/supervisor/runtime/agent/model"
)

type (
	// eventStream is the subset of *bedrockruntime.ConverseStreamEventStream
	// read by the streamer.
	eventStream interface {
		Events() <-chan brtypes.ConverseStreamOutput
		Close() error
		Err() error
	}

	// streamer adapts a ConverseStream event stream to model.Streamer. A
	// goroutine reads provider events and hands converted chunks over a
	// buffered channel.
	streamer struct {
		ctx    context.Context
		cancel context.CancelFunc
		stream eventStream
		chunks chan model.Chunk

		errMu sync.Mutex
		err   error
	}

	// chunkProcessor converts Bedrock stream events into model.Chunks.
	chunkProcessor struct {
		emit      func(model.Chunk) error
		toolNames map[string]string
		blocks    map[int]*toolBuffer
	}

	toolBuffer struct {
		id, name  string
		fragments []string
	}
)

var _ eventStream = (*bedrockruntime.ConverseStreamEventStream)(nil)

func newStreamer(ctx context.Context, es eventStream, toolNames map[string]string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: es,
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
	if err := s.finalErr(); err != nil {
		return model.Chunk{}, err
	}
	return model.Chunk{}, io.EOF
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) run(p *chunkProcessor) {
	defer close(s.chunks)
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case ev, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(wrapError("converse_stream", err))
				}
				return
			}
			if err := p.Handle(ev); err != nil {
				s.setErr(err)
				return
			}
		}
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

func (s *streamer) finalErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func newChunkProcessor(emit func(model.Chunk) error, toolNames map[string]string) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolNames: toolNames, blocks: make(map[int]*toolBuffer)}
}

// Handle converts one provider event. Unknown events are ignored.
func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.blocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{Type: model.ChunkTypeMessageStart})

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		tb := &toolBuffer{}
		if toolUse.Value.ToolUseId != nil {
			tb.id = *toolUse.Value.ToolUseId
		}
		if toolUse.Value.Name != nil {
			tb.name = p.canonicalName(*toolUse.Value.Name)
		}
		p.blocks[idx] = tb
		return p.emit(model.Chunk{Type: model.ChunkTypeToolCallStart, ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name}})

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := p.blocks[idx]
			if tb == nil || delta.Value.Input == nil || *delta.Value.Input == "" {
				return nil
			}
			tb.fragments = append(tb.fragments, *delta.Value.Input)
			return p.emit(model.Chunk{
				Type:       model.ChunkTypeToolCallDelta,
				ToolCall:   &model.ToolCall{ID: tb.id, Name: tb.name},
				InputDelta: *delta.Value.Input,
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		tb := p.blocks[idx]
		if tb == nil {
			return nil
		}
		delete(p.blocks, idx)
		return p.emit(model.Chunk{
			Type:     model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{ID: tb.id, Name: tb.name, Input: tb.input()},
		})

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.blocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(ev.Value.StopReason)})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		u := ev.Value.Usage
		if u == nil {
			return nil
		}
		var usage model.TokenUsage
		if u.InputTokens != nil {
			usage.InputTokens = int(*u.InputTokens)
		}
		if u.OutputTokens != nil {
			usage.OutputTokens = int(*u.OutputTokens)
		}
		if u.TotalTokens != nil {
			usage.TotalTokens = int(*u.TotalTokens)
		}
		return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	}
	return nil
}

func (p *chunkProcessor) canonicalName(name string) string {
	name = strings.TrimPrefix(name, "$FUNCTIONS.")
	if canonical, ok := p.toolNames[name]; ok {
		return canonical
	}
	return name
}

// input returns the assembled tool input, "{}" when empty and a JSON
// string wrapper when the fragments do not form valid JSON.
func (tb *toolBuffer) input() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(joined)) {
		wrapped, _ := json.Marshal(map[string]string{"raw": joined})
		return wrapped
	}
	return json.RawMessage(joined)
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, errors.New("bedrock: content block index missing")
	}
	return int(*idx), nil
}
