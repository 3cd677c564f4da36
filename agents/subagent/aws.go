package subagent

import (
	"github.com/awschat/supervisor/features/mcp/caller"
	"github.com/awschat/supervisor/runtime/agent/telemetry"
)

const (
	// KnowledgeToolName is the tool name of the AWS documentation agent.
	KnowledgeToolName = "aws_knowledge_agent"
	// APIToolName is the tool name of the AWS account inspection agent.
	APIToolName = "aws_api_agent"

	// DefaultKnowledgeURL is the public AWS Knowledge MCP endpoint.
	DefaultKnowledgeURL = "https://knowledge-mcp.global.api.aws"
)

// DefaultAPICommand starts the AWS API MCP server over stdio.
var DefaultAPICommand = []string{"python", "-m", "awslabs.aws_api_mcp_server.server"}

// Knowledge returns the AWS documentation agent. An empty url leaves the
// backend unavailable.
func Knowledge(base MCPConfig, url string, logger telemetry.Logger) (*MCPAgent, error) {
	base.ToolName = KnowledgeToolName
	base.DisplayName = "AWS Knowledge"
	base.Description = "Answers general AWS questions (services, features, best practices, documentation) by searching the official AWS documentation."
	base.System = "You research AWS documentation with the available tools and answer concisely, citing the relevant documentation pages."
	base.Dial = nil
	if url != "" {
		base.Dial = HTTPDial(caller.HTTPOptions{URL: url}, logger)
	}
	return NewMCP(base)
}

// API returns the AWS account inspection agent. An empty command leaves the
// backend unavailable.
func API(base MCPConfig, command []string, env []string, logger telemetry.Logger) (*MCPAgent, error) {
	base.ToolName = APIToolName
	base.DisplayName = "AWS API"
	base.Description = "Inspects and operates resources in the user's actual AWS account through the AWS CLI-compatible API server."
	base.System = "You use the AWS API MCP server tools to inspect the AWS environment safely. Operate read-only and avoid destructive operations."
	base.Dial = nil
	if len(command) > 0 {
		base.Dial = StdioDial(caller.StdioOptions{Command: command[0], Args: command[1:], Env: env}, logger)
	}
	return NewMCP(base)
}
