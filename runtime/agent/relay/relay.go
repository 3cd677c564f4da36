// Package relay adapts a sub-agent's inner event stream to the shared
// channel of the current invocation.
//
// A Relay announces the sub-task as soon as it starts, forwards every inner
// event onto the channel (normalizing text deltas and synthesizing progress
// notifications around tool calls), accumulates the visible text that
// becomes the sub-task's return value, and turns every failure into a short
// textual result so one broken backend never aborts the conversation turn.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

type (
	// Relay forwards one sub-agent's inner stream to the shared channel.
	// Create one Relay per sub-agent per invocation.
	Relay struct {
		agent   string
		policy  ToolInputPolicy
		timeout time.Duration
		failure string
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		mu sync.RWMutex
		ch *stream.Channel
	}

	// ToolInputPolicy decides what happens to text deltas that belong to a
	// tool-input payload. They are never accumulated either way.
	ToolInputPolicy int

	// OpenFunc acquires the scoped backend connection of a sub-task and
	// starts its inner stream. release is called exactly once by Run, on
	// every path, and may be nil.
	OpenFunc func(ctx context.Context) (src stream.Source, release func(), err error)

	// Option configures a Relay.
	Option func(*Relay)

	emitFunc func(ctx context.Context, ev stream.Event)
)

const (
	// ToolInputForward forwards tool-input deltas to the channel as-is,
	// flagged with TextDelta.ToolInput so consumers keep them out of the
	// visible text.
	ToolInputForward ToolInputPolicy = iota
	// ToolInputSuppress drops tool-input deltas.
	ToolInputSuppress
)

// DefaultTimeout bounds a sub-task run when no timeout is configured.
const DefaultTimeout = 2 * time.Minute

// WithToolInputPolicy sets the tool-input delta policy. Defaults to
// ToolInputForward.
func WithToolInputPolicy(p ToolInputPolicy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithTimeout bounds Run. A non-positive value disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Relay) { r.timeout = d }
}

// WithFailureMessage overrides the text returned by Run on failure.
func WithFailureMessage(msg string) Option {
	return func(r *Relay) { r.failure = msg }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// New returns a detached Relay for the sub-agent with the given display
// name.
func New(agent string, opts ...Option) *Relay {
	r := &Relay{
		agent:   agent,
		policy:  ToolInputForward,
		timeout: DefaultTimeout,
		failure: fmt.Sprintf("%s agent failed", agent),
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Agent returns the sub-agent display name.
func (r *Relay) Agent() string { return r.agent }

// FailureMessage returns the text Run returns on failure.
func (r *Relay) FailureMessage() string { return r.failure }

// SetChannel attaches the relay to ch, or detaches it when ch is nil.
// Detaching an already detached relay is a no-op.
func (r *Relay) SetChannel(ch *stream.Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

// Channel returns the attached channel, nil when detached.
func (r *Relay) Channel() *stream.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ch
}

// NotifyStart emits the "sub-task launched" progress event.
func (r *Relay) NotifyStart(ctx context.Context) {
	r.emit(ctx, r.progress(stream.StageStart, ""))
}

// NotifyToolUse emits the progress event announcing a tool call.
func (r *Relay) NotifyToolUse(ctx context.Context, tool string) {
	r.emit(ctx, r.progress(stream.StageToolUse, tool))
}

// NotifyComplete emits the completion progress event.
func (r *Relay) NotifyComplete(ctx context.Context) {
	r.emit(ctx, r.progress(stream.StageComplete, ""))
}

// Process consumes src until exhaustion and returns the accumulated visible
// text. The start notification is emitted before src is read; the
// completion notification only when some text was accumulated. Errors from
// src are returned as-is and no completion is emitted.
func (r *Relay) Process(ctx context.Context, src stream.Source) (string, error) {
	return r.process(ctx, src, r.emit)
}

// Run opens the sub-task with open, processes its inner stream and returns
// the accumulated text. Any failure (open error, stream error, timeout or
// panic) yields FailureMessage instead; partial text is discarded. Run
// registers as a producer on the attached channel for its duration, always
// calls release before returning and never emits once it has returned.
func (r *Relay) Run(ctx context.Context, open OpenFunc) string {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "relay.run")
	defer span.End()

	if ch := r.Channel(); ch != nil {
		releaseProducer := ch.Acquire()
		defer releaseProducer()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var (
		gate    sync.Mutex
		stopped bool
	)
	emit := func(ctx context.Context, ev stream.Event) {
		gate.Lock()
		defer gate.Unlock()
		if stopped {
			return
		}
		r.emit(ctx, ev)
	}

	type outcome struct {
		text string
		err  error
	}
	var rel scopedRelease
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if p := recover(); p != nil {
				out = outcome{err: fmt.Errorf("relay %s: panic: %v", r.agent, p)}
			}
			done <- out
		}()
		emit(ctx, r.progress(stream.StageStart, ""))
		src, release, err := open(ctx)
		rel.set(release)
		if err != nil {
			out.err = fmt.Errorf("open %s: %w", r.agent, err)
			return
		}
		out.text, out.err = r.consume(ctx, src, emit)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("relay %s: %w", r.agent, ctx.Err())
	}
	gate.Lock()
	stopped = true
	gate.Unlock()
	rel.call()

	r.metrics.RecordTimer("relay.duration", time.Since(start), "agent", r.agent)
	if out.err != nil {
		r.metrics.IncCounter("relay.failures", 1, "agent", r.agent)
		r.logger.Error(ctx, "sub-agent failed", "agent", r.agent, "err", out.err)
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
		return r.failure
	}
	span.SetStatus(codes.Ok, "")
	return out.text
}

func (r *Relay) process(ctx context.Context, src stream.Source, emit emitFunc) (string, error) {
	emit(ctx, r.progress(stream.StageStart, ""))
	return r.consume(ctx, src, emit)
}

// consume handles the inner stream after the start notification.
func (r *Relay) consume(ctx context.Context, src stream.Source, emit emitFunc) (string, error) {
	var acc strings.Builder
	for {
		next, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch ev := stream.Classify(next).(type) {
		case stream.ToolUseStart:
			r.logger.Debug(ctx, "sub-agent tool use", "agent", r.agent, "tool", ev.ToolName, "tool_call_id", ev.ToolCallID)
			emit(ctx, r.progress(stream.StageToolUse, ev.ToolName))
			ev.Origin = r.origin(ev.Origin)
			emit(ctx, ev)
		case stream.TextDelta:
			if ev.ToolInput {
				if r.policy == ToolInputForward {
					ev.Origin = r.origin(ev.Origin)
					emit(ctx, ev)
				}
				continue
			}
			acc.WriteString(ev.Text)
			emit(ctx, stream.TextDelta{Text: ev.Text, Origin: r.origin(ev.Origin)})
		case stream.ToolUseStop:
			ev.Origin = r.origin(ev.Origin)
			emit(ctx, ev)
		case stream.MessageBoundary:
			ev.Origin = r.origin(ev.Origin)
			emit(ctx, ev)
		default:
			emit(ctx, ev)
		}
	}
	if acc.Len() > 0 {
		emit(ctx, r.progress(stream.StageComplete, ""))
	}
	return acc.String(), nil
}

// origin keeps an origin set by a nested agent and otherwise attributes the
// event to this relay's sub-agent.
func (r *Relay) origin(o string) string {
	if o != "" {
		return o
	}
	return r.agent
}

func (r *Relay) emit(ctx context.Context, ev stream.Event) {
	ch := r.Channel()
	if ch == nil {
		return
	}
	if err := ch.Send(ev); err != nil {
		r.logger.Debug(ctx, "relay event dropped", "agent", r.agent, "type", string(ev.Type()), "err", err)
		return
	}
	r.metrics.IncCounter("relay.events", 1, "agent", r.agent, "type", string(ev.Type()))
}

func (r *Relay) progress(stage stream.Stage, tool string) stream.SubTaskProgress {
	var msg string
	switch stage {
	case stream.StageStart:
		msg = fmt.Sprintf("Sub-agent %q was invoked", r.agent)
	case stream.StageToolUse:
		msg = fmt.Sprintf("%s tool %q is running", r.agent, tool)
	case stream.StageComplete:
		msg = fmt.Sprintf("%s agent finished its research", r.agent)
	}
	return stream.SubTaskProgress{Message: msg, Stage: stage, ToolName: tool, Agent: r.agent}
}

// scopedRelease runs the release function of a sub-task exactly once, even
// when the sub-task hands it over after Run has already given up.
type scopedRelease struct {
	mu     sync.Mutex
	fn     func()
	called bool
}

func (s *scopedRelease) set(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.called {
		s.mu.Unlock()
		fn()
		return
	}
	s.fn = fn
	s.mu.Unlock()
}

func (s *scopedRelease) call() {
	s.mu.Lock()
	fn := s.fn
	s.fn = nil
	s.called = true
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
