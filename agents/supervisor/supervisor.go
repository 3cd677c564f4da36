// Package supervisor implements the top-level chat agent. Each invocation
// runs the supervisor model with the sub-agents as tools and merges the
// supervisor stream with the sub-agents' relayed events into one ordered
// event sequence.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/awschat/supervisor/agents/subagent"
	"github.com/awschat/supervisor/runtime/agent/memory"
	"github.com/awschat/supervisor/runtime/agent/merge"
	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/runner"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

const (
	// DefaultHistoryTurns is the number of past turns prepended to a prompt.
	DefaultHistoryTurns = 3
	// DefaultHistoryLimit is the number of turns returned by History when no
	// limit is given.
	DefaultHistoryLimit = 10

	// DefaultSystemPrompt instructs the supervisor model.
	DefaultSystemPrompt = "Answer the user's question using the sub-agents: " +
		"1) the AWS Knowledge agent for general AWS information, " +
		"2) the AWS API agent to inspect or operate the actual AWS environment, " +
		"3) the Japanese holiday agent for Japanese public holidays."
)

// ErrEmptyPrompt is returned by Invoke when the prompt is blank.
var ErrEmptyPrompt = errors.New("supervisor: prompt is required")

type (
	// Config configures a Supervisor.
	Config struct {
		Client    model.Client
		Model     string
		System    string
		MaxTurns  int
		MaxTokens int
		// Agents are exposed to the model as tools, in order.
		Agents []subagent.Agent
		// Memory stores conversation turns. Nil disables memory.
		Memory memory.Store
		// HistoryTurns is the number of past turns prepended to the prompt.
		// Defaults to 3; negative disables the prefix.
		HistoryTurns int
		// RelayOptions apply to every per-invocation relay.
		RelayOptions []relay.Option

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Request is one user prompt.
	Request struct {
		Prompt    string
		SessionID string
	}

	// Supervisor runs invocations. It holds no per-invocation state and is
	// safe for concurrent use.
	Supervisor struct {
		cfg Config
	}
)

// New validates cfg and returns a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Client == nil {
		return nil, errors.New("supervisor: model client is required")
	}
	if cfg.System == "" {
		cfg.System = DefaultSystemPrompt
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
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
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if seen[a.ToolName()] {
			return nil, fmt.Errorf("supervisor: duplicate agent %s", a.ToolName())
		}
		seen[a.ToolName()] = true
	}
	return &Supervisor{cfg: cfg}, nil
}

// Invoke answers req, calling yield for every merged event as soon as it is
// available. Sub-agents are wired to a channel created for this invocation
// and detached before Invoke returns, on every path. When the invocation
// succeeds with non-empty supervisor text the turn is saved to memory.
func (s *Supervisor) Invoke(ctx context.Context, req Request, yield func(stream.Event) error) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	session := memory.SessionOrDefault(req.SessionID)
	invocation := uuid.NewString()
	start := time.Now()
	ctx, span := s.cfg.Tracer.Start(ctx, "supervisor.invoke")
	defer span.End()
	s.cfg.Logger.Info(ctx, "invocation started", "session_id", session, "invocation_id", invocation)

	ch := stream.NewChannel()
	defer ch.Close()

	reg, err := tools.NewRegistry()
	if err != nil {
		return err
	}
	for _, a := range s.cfg.Agents {
		opts := append([]relay.Option{
			relay.WithLogger(s.cfg.Logger),
			relay.WithMetrics(s.cfg.Metrics),
			relay.WithTracer(s.cfg.Tracer),
		}, s.cfg.RelayOptions...)
		r := relay.New(a.DisplayName(), opts...)
		r.SetChannel(ch)
		defer r.SetChannel(nil)
		if err := reg.Register(subagent.Tool(a, r)); err != nil {
			return err
		}
	}

	primary, err := runner.New(runner.Config{
		Name:      "supervisor",
		System:    s.cfg.System,
		Model:     s.cfg.Model,
		Client:    s.cfg.Client,
		Tools:     reg,
		MaxTurns:  s.cfg.MaxTurns,
		MaxTokens: s.cfg.MaxTokens,
		Logger:    s.cfg.Logger,
		Metrics:   s.cfg.Metrics,
		Tracer:    s.cfg.Tracer,
	})
	if err != nil {
		return err
	}
	prompt := s.historyPrefix(ctx, session) + req.Prompt

	var reply strings.Builder
	m := merge.New(merge.WithLogger(s.cfg.Logger), merge.WithMetrics(s.cfg.Metrics), merge.WithTracer(s.cfg.Tracer))
	err = m.Run(ctx, primary.Stream([]*model.Message{model.UserText(prompt)}), ch, func(ev stream.Event) error {
		if isPrimaryText(ev) {
			reply.WriteString(ev.(stream.TextDelta).Text)
		}
		return yield(ev)
	})
	s.cfg.Metrics.RecordTimer("supervisor.invoke.duration", time.Since(start))
	if err != nil {
		s.cfg.Metrics.IncCounter("supervisor.invoke.failures", 1)
		s.cfg.Logger.Error(ctx, "invocation failed", "session_id", session, "invocation_id", invocation, "err", err)
		span.RecordError(err)
		return err
	}
	s.save(ctx, session, req.Prompt, reply.String())
	s.cfg.Logger.Info(ctx, "invocation completed", "session_id", session, "invocation_id", invocation, "reply_len", reply.Len())
	return nil
}

// History returns up to limit past turns of the session as messages, oldest
// first. limit <= 0 selects DefaultHistoryLimit. Without memory the history
// is empty.
func (s *Supervisor) History(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if s.cfg.Memory == nil {
		return []memory.Message{}, nil
	}
	turns, err := s.cfg.Memory.LastTurns(ctx, memory.SessionOrDefault(sessionID), limit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return memory.Messages(turns), nil
}

// historyPrefix never fails: a memory error only drops the prefix.
func (s *Supervisor) historyPrefix(ctx context.Context, session string) string {
	if s.cfg.Memory == nil || s.cfg.HistoryTurns < 0 {
		return ""
	}
	turns, err := s.cfg.Memory.LastTurns(ctx, session, s.cfg.HistoryTurns)
	if err != nil {
		s.cfg.Logger.Warn(ctx, "history unavailable", "session_id", session, "err", err)
		return ""
	}
	return memory.Context(turns)
}

func (s *Supervisor) save(ctx context.Context, session, prompt, reply string) {
	if s.cfg.Memory == nil || reply == "" {
		return
	}
	if err := s.cfg.Memory.AppendTurn(ctx, session, memory.Turn{User: prompt, Assistant: reply}); err != nil {
		s.cfg.Logger.Warn(ctx, "conversation not saved", "session_id", session, "err", err)
	}
}

// isPrimaryText reports whether ev is visible text of the supervisor
// itself. Relayed sub-agent text carries an origin.
func isPrimaryText(ev stream.Event) bool {
	td, ok := ev.(stream.TextDelta)
	return ok && !td.ToolInput && td.Origin == ""
}
