// Package caller connects to MCP servers over stdio or streamable HTTP and
// exposes their tools as tools.Tool values.
//
// A Session is scoped: open it for one sub-task, use its tools, and Close it
// on every path. Closing a stdio session terminates the server process.
package caller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/awschat/supervisor/features/policy/basic"
	"github.com/awschat/supervisor/runtime/agent/model"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
	"github.com/awschat/supervisor/runtime/agent/tools"
)

const (
	defaultClientName  = "aws-supervisor"
	defaultInitTimeout = 30 * time.Second
)

type (
	// ClientInfo identifies this client during the MCP handshake.
	ClientInfo struct {
		Name    string
		Version string
		// InitTimeout bounds the initialize handshake. Defaults to 30s.
		InitTimeout time.Duration
	}

	// StdioOptions configures a stdio session. The command is started when
	// the session is opened.
	StdioOptions struct {
		ClientInfo
		Command string
		Args    []string
		// Env lists extra KEY=VALUE pairs for the server process.
		Env []string
	}

	// HTTPOptions configures a streamable HTTP session.
	HTTPOptions struct {
		ClientInfo
		URL     string
		Headers map[string]string
		// Timeout bounds each HTTP request. Zero keeps the transport
		// default.
		Timeout time.Duration
	}

	// Session is an initialized MCP client session.
	Session struct {
		c      *client.Client
		server string
		logger telemetry.Logger
	}

	mcpTool struct {
		s    *Session
		def  *model.ToolDefinition
		tags []string
	}
)

// ErrToolFailed wraps error results reported by an MCP tool.
var ErrToolFailed = errors.New("mcp: tool reported an error")

// OpenStdio starts the server process and performs the handshake.
func OpenStdio(ctx context.Context, opts StdioOptions, logger telemetry.Logger) (*Session, error) {
	if opts.Command == "" {
		return nil, errors.New("mcp: stdio command is required")
	}
	c, err := client.NewStdioMCPClient(opts.Command, opts.Env, opts.Args...)
	if err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", opts.Command, err)
	}
	return open(ctx, c, false, opts.ClientInfo, logger)
}

// OpenHTTP connects to a streamable HTTP server and performs the handshake.
func OpenHTTP(ctx context.Context, opts HTTPOptions, logger telemetry.Logger) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("mcp: server url is required")
	}
	var topts []transport.StreamableHTTPCOption
	if len(opts.Headers) > 0 {
		topts = append(topts, transport.WithHTTPHeaders(opts.Headers))
	}
	if opts.Timeout > 0 {
		topts = append(topts, transport.WithHTTPTimeout(opts.Timeout))
	}
	c, err := client.NewStreamableHttpClient(opts.URL, topts...)
	if err != nil {
		return nil, fmt.Errorf("mcp: connect %s: %w", opts.URL, err)
	}
	return open(ctx, c, true, opts.ClientInfo, logger)
}

// Open performs the handshake on an already constructed client, starting
// its transport first when start is true. It closes c on failure.
func Open(ctx context.Context, c *client.Client, start bool, info ClientInfo, logger telemetry.Logger) (*Session, error) {
	return open(ctx, c, start, info, logger)
}

func open(ctx context.Context, c *client.Client, start bool, info ClientInfo, logger telemetry.Logger) (*Session, error) {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	timeout := info.InitTimeout
	if timeout <= 0 {
		timeout = defaultInitTimeout
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if start {
		if err := c.Start(ictx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("mcp: start transport: %w", err)
		}
	}
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: orDefault(info.Name, defaultClientName), Version: orDefault(info.Version, "dev")}
	res, err := c.Initialize(ictx, req)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp: initialize: %w", err)
	}
	s := &Session{c: c, server: res.ServerInfo.Name, logger: logger}
	logger.Debug(ctx, "mcp session opened", "server", s.server, "protocol", res.ProtocolVersion)
	return s, nil
}

// Server returns the server name reported during the handshake.
func (s *Session) Server() string { return s.server }

// Tools lists the server tools as tools.Tool values bound to s.
func (s *Session) Tools(ctx context.Context) ([]tools.Tool, error) {
	res, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools on %s: %w", s.server, err)
	}
	out := make([]tools.Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			return nil, fmt.Errorf("mcp: tool %s schema: %w", t.Name, err)
		}
		out = append(out, &mcpTool{
			s:    s,
			def:  &model.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: schema},
			tags: annotationTags(t.Annotations),
		})
	}
	return out, nil
}

// CallTool invokes name with the JSON object args and returns the text
// content of the result. Error results are returned as errors wrapping
// ErrToolFailed.
func (s *Session) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	arguments := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", fmt.Errorf("mcp: tool %s arguments: %w", name, err)
		}
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call %s on %s: %w", name, s.server, err)
	}
	text := resultText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("%w: %s: %s", ErrToolFailed, name, text)
	}
	return text, nil
}

// Close ends the session. For stdio sessions the server process is
// terminated.
func (s *Session) Close() error {
	return s.c.Close()
}

func (t *mcpTool) Definition() *model.ToolDefinition { return t.def }

// Tags lists the annotation hints the server set on the tool.
func (t *mcpTool) Tags() []string { return t.tags }

func (t *mcpTool) Call(ctx context.Context, input json.RawMessage) (string, error) {
	return t.s.CallTool(ctx, t.def.Name, input)
}

func inputSchema(t mcp.Tool) (json.RawMessage, error) {
	if len(t.RawInputSchema) > 0 {
		return t.RawInputSchema, nil
	}
	schema := t.InputSchema
	if schema.Type == "" {
		schema.Type = "object"
	}
	return json.Marshal(schema)
}

func resultText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func annotationTags(a mcp.ToolAnnotation) []string {
	var tags []string
	add := func(hint *bool, tag string) {
		if hint != nil && *hint {
			tags = append(tags, tag)
		}
	}
	add(a.ReadOnlyHint, basic.TagReadOnly)
	add(a.DestructiveHint, basic.TagDestructive)
	add(a.IdempotentHint, basic.TagIdempotent)
	add(a.OpenWorldHint, basic.TagOpenWorld)
	return tags
}
