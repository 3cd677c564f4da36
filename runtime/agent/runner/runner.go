// Package runner drives the model tool-calling loop of one agent and exposes
// the run as a stream.Source of normalized events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
	"github.com/awschat/supervisor/runtime/agent/toolerrors"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

const (
	defaultMaxTurns        = 8
	defaultToolConcurrency = 4
)

// ErrMaxTurns is returned when the model keeps requesting tools after the
// configured number of turns.
var ErrMaxTurns = errors.New("runner: max turns exceeded")

type (
	// Config configures an Agent.
	Config struct {
		// Name identifies the agent in logs and metrics.
		Name string
		// Origin is stamped on every emitted event. The supervisor leaves it
		// empty; sub-agents use their display name.
		Origin string
		// System is the system prompt.
		System string
		// Model is the provider model identifier.
		Model string
		// Client streams model completions.
		Client model.Client
		// Tools is the tool registry. Nil means no tools.
		Tools *tools.Registry
		// MaxTurns bounds the number of model calls per run. Defaults to 8.
		MaxTurns int
		// MaxTokens caps completion tokens per model call.
		MaxTokens int
		// ToolConcurrency bounds concurrent tool calls within a turn.
		// Defaults to 4.
		ToolConcurrency int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Agent runs conversations against a model with a fixed tool set.
	Agent struct {
		cfg Config
	}
)

// New validates cfg and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Name == "" {
		return nil, errors.New("runner: name is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("runner: model client is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = defaultToolConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.NewNoopTracer()
	}
	return &Agent{cfg: cfg}, nil
}

// Name returns the agent name.
func (a *Agent) Name() string { return a.cfg.Name }

// Stream returns a Source yielding the events of a run over messages. The
// run starts on the first call to Next and uses that call's context; it
// stops when that context is canceled. messages is not modified.
func (a *Agent) Stream(messages []*model.Message) stream.Source {
	return newRunSource(func(ctx context.Context, emit emitFunc) error {
		return a.run(ctx, messages, emit)
	})
}

func (a *Agent) run(ctx context.Context, history []*model.Message, emit emitFunc) error {
	msgs := make([]*model.Message, len(history), len(history)+2*a.cfg.MaxTurns)
	copy(msgs, history)
	var defs []*model.ToolDefinition
	if a.cfg.Tools != nil {
		defs = a.cfg.Tools.Definitions()
	}

	for turn := range a.cfg.MaxTurns {
		req := &model.Request{
			Model:     a.cfg.Model,
			System:    a.cfg.System,
			Messages:  msgs,
			Tools:     defs,
			MaxTokens: a.cfg.MaxTokens,
		}
		res, err := a.turn(ctx, turn, req, emit)
		if err != nil {
			return err
		}
		msgs = append(msgs, res.assistantMessage())
		if len(res.calls) == 0 {
			return nil
		}
		results, err := a.callTools(ctx, res.calls)
		if err != nil {
			return err
		}
		msgs = append(msgs, &model.Message{Role: model.RoleUser, Parts: results})
	}
	return fmt.Errorf("%w: %s after %d turns", ErrMaxTurns, a.cfg.Name, a.cfg.MaxTurns)
}

type turnResult struct {
	text       string
	calls      []*model.ToolCall
	stopReason string
}

func (r *turnResult) assistantMessage() *model.Message {
	m := &model.Message{Role: model.RoleAssistant}
	if r.text != "" {
		m.Parts = append(m.Parts, model.TextPart{Text: r.text})
	}
	for _, c := range r.calls {
		m.Parts = append(m.Parts, model.ToolUsePart{ID: c.ID, Name: c.Name, Input: c.Input})
	}
	return m
}

// turn performs one model call and maps its chunks to events.
func (a *Agent) turn(ctx context.Context, n int, req *model.Request, emit emitFunc) (res *turnResult, err error) {
	start := time.Now()
	ctx, span := a.cfg.Tracer.Start(ctx, "runner.turn")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		a.cfg.Metrics.RecordTimer("runner.turn.duration", time.Since(start), "agent", a.cfg.Name)
	}()

	st, err := a.cfg.Client.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: stream turn %d: %w", a.cfg.Name, n, err)
	}
	defer func() { _ = st.Close() }()

	res = &turnResult{}
	origin := a.cfg.Origin
	var textLen int
	for {
		chunk, err := st.Recv()
		if isEOF(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: recv turn %d: %w", a.cfg.Name, n, err)
		}
		var ev stream.Event
		switch chunk.Type {
		case model.ChunkTypeMessageStart:
			ev = stream.MessageBoundary{Kind: stream.BoundaryStart, Origin: origin}
		case model.ChunkTypeText:
			if chunk.Text == "" {
				continue
			}
			textLen += len(chunk.Text)
			res.text += chunk.Text
			ev = stream.TextDelta{Text: chunk.Text, Origin: origin}
		case model.ChunkTypeToolCallStart:
			ev = stream.ToolUseStart{ToolName: chunk.ToolCall.Name, ToolCallID: chunk.ToolCall.ID, Origin: origin}
		case model.ChunkTypeToolCallDelta:
			if chunk.InputDelta == "" {
				continue
			}
			ev = stream.TextDelta{Text: chunk.InputDelta, ToolInput: true, Origin: origin}
		case model.ChunkTypeToolCall:
			res.calls = append(res.calls, chunk.ToolCall)
			ev = stream.ToolUseStop{ToolCallID: chunk.ToolCall.ID, Origin: origin}
		case model.ChunkTypeUsage:
			if chunk.Usage == nil {
				continue
			}
			ev = stream.Opaque{Data: map[string]any{"usage": *chunk.Usage, "agent": a.cfg.Name}}
		case model.ChunkTypeStop:
			res.stopReason = chunk.StopReason
			ev = stream.MessageBoundary{Kind: stream.BoundaryStop, StopReason: chunk.StopReason, Origin: origin}
		default:
			continue
		}
		if err := emit(ctx, ev); err != nil {
			return nil, err
		}
	}
	a.cfg.Metrics.IncCounter("runner.turns", 1, "agent", a.cfg.Name)
	a.cfg.Logger.Debug(ctx, "model turn complete", "agent", a.cfg.Name, "turn", n, "text_bytes", textLen, "tool_calls", len(res.calls), "stop_reason", res.stopReason)
	return res, nil
}

// callTools runs the requested calls concurrently and returns the results
// in request order. Tool failures are reported to the model as error
// results; only context cancellation aborts the run.
func (a *Agent) callTools(ctx context.Context, calls []*model.ToolCall) ([]model.Part, error) {
	results := make([]model.Part, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			out, err := a.callTool(gctx, call)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.cfg.Logger.Warn(gctx, "tool call failed", "agent", a.cfg.Name, "tool", call.Name, "err", err)
				te := toolerrors.Classify(call.Name, err, a.inputSchema(call.Name))
				results[i] = model.ToolResultPart{ToolUseID: call.ID, Content: te.Content(), IsError: true}
				return nil
			}
			results[i] = model.ToolResultPart{ToolUseID: call.ID, Content: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Agent) inputSchema(name string) any {
	if a.cfg.Tools == nil {
		return nil
	}
	t, ok := a.cfg.Tools.Lookup(name)
	if !ok {
		return nil
	}
	return t.Definition().InputSchema
}

func (a *Agent) callTool(ctx context.Context, call *model.ToolCall) (string, error) {
	start := time.Now()
	defer func() {
		a.cfg.Metrics.RecordTimer("runner.tool.duration", time.Since(start), "agent", a.cfg.Name, "tool", call.Name)
	}()
	a.cfg.Metrics.IncCounter("runner.tool_calls", 1, "agent", a.cfg.Name, "tool", call.Name)
	if a.cfg.Tools == nil {
		return "", fmt.Errorf("%w: %s", tools.ErrUnknownTool, call.Name)
	}
	return a.cfg.Tools.Call(ctx, call.Name, call.Input)
}
