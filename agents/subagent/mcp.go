package subagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/awschat/supervisor/features/mcp/caller"
	"github.com/awschat/supervisor/features/policy/basic"
	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/relay"
	"github.com/awschat/supervisor/runtime/agent/runner"
	"github.com/awschat/supervisor/runtime/agent/stream"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

// ErrUnavailable is returned when an MCP agent has no transport configured.
var ErrUnavailable = errors.New("subagent: mcp backend not configured")

type (
	// DialFunc opens an MCP session for one query. The session is closed
	// when the query completes.
	DialFunc func(ctx context.Context) (*caller.Session, error)

	// MCPConfig configures an agent backed by the tools of an MCP server.
	MCPConfig struct {
		ToolName    string
		DisplayName string
		Description string
		// System is the sub-agent system prompt.
		System string
		// Dial opens the MCP session. Nil marks the backend unavailable.
		Dial DialFunc
		// Policy filters the server tools offered to the model. Nil offers
		// every tool.
		Policy *basic.Engine

		Client    model.Client
		Model     string
		MaxTurns  int
		MaxTokens int

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// MCPAgent runs a model tool loop over the tools of an MCP server.
	MCPAgent struct {
		cfg MCPConfig
	}
)

var _ Agent = (*MCPAgent)(nil)

// NewMCP validates cfg and returns an MCPAgent.
func NewMCP(cfg MCPConfig) (*MCPAgent, error) {
	if cfg.ToolName == "" || cfg.DisplayName == "" {
		return nil, errors.New("subagent: tool and display names are required")
	}
	if cfg.Client == nil {
		return nil, errors.New("subagent: model client is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &MCPAgent{cfg: cfg}, nil
}

// HTTPDial returns a DialFunc opening streamable HTTP sessions.
func HTTPDial(opts caller.HTTPOptions, logger telemetry.Logger) DialFunc {
	return func(ctx context.Context) (*caller.Session, error) {
		return caller.OpenHTTP(ctx, opts, logger)
	}
}

// StdioDial returns a DialFunc starting a server process per session.
func StdioDial(opts caller.StdioOptions, logger telemetry.Logger) DialFunc {
	return func(ctx context.Context) (*caller.Session, error) {
		return caller.OpenStdio(ctx, opts, logger)
	}
}

func (a *MCPAgent) ToolName() string    { return a.cfg.ToolName }
func (a *MCPAgent) DisplayName() string { return a.cfg.DisplayName }
func (a *MCPAgent) Description() string { return a.cfg.Description }

// Query opens an MCP session, runs the model over its tools and relays the
// run. The session is closed on every path.
func (a *MCPAgent) Query(ctx context.Context, r *relay.Relay, query string) string {
	return r.Run(ctx, func(ctx context.Context) (stream.Source, func(), error) {
		return a.open(ctx, query)
	})
}

func (a *MCPAgent) open(ctx context.Context, query string) (stream.Source, func(), error) {
	if a.cfg.Dial == nil {
		return nil, nil, ErrUnavailable
	}
	sess, err := a.cfg.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := sess.Close(); err != nil {
			a.cfg.Logger.Warn(ctx, "mcp session close failed", "agent", a.cfg.DisplayName, "err", err)
		}
	}
	all, err := sess.Tools(ctx)
	if err != nil {
		return nil, release, err
	}
	ts := a.cfg.Policy.Filter(all)
	if dropped := len(all) - len(ts); dropped > 0 {
		a.cfg.Logger.Info(ctx, "mcp tools filtered", "agent", a.cfg.DisplayName, "dropped", dropped)
	}
	reg, err := tools.NewRegistry(ts...)
	if err != nil {
		return nil, release, fmt.Errorf("register %s tools: %w", sess.Server(), err)
	}
	ag, err := runner.New(runner.Config{
		Name:      a.cfg.ToolName,
		Origin:    a.cfg.DisplayName,
		System:    a.cfg.System,
		Model:     a.cfg.Model,
		Client:    a.cfg.Client,
		Tools:     reg,
		MaxTurns:  a.cfg.MaxTurns,
		MaxTokens: a.cfg.MaxTokens,
		Logger:    a.cfg.Logger,
		Metrics:   a.cfg.Metrics,
		Tracer:    a.cfg.Tracer,
	})
	if err != nil {
		return nil, release, err
	}
	a.cfg.Logger.Debug(ctx, "sub-agent started", "agent", a.cfg.DisplayName, "tools", reg.Len())
	return ag.Stream([]*model.Message{model.UserText(query)}), release, nil
}
