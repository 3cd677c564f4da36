package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9090"
  debug: true
model:
  provider: bedrock
  region: ap-northeast-1
  tokens_per_minute: 20000
  max_tokens_per_minute: 80000
subagents:
  timeout: 45s
  tool_input: suppress
  api_command: ["uvx", "awslabs.aws-api-mcp-server@latest"]
  api_tools:
    block_tools: [call_aws]
memory:
  backend: none
`), 0o600))
	t.Setenv("HTTP_ADDR", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Server.Debug)
	assert.Equal(t, "ap-northeast-1", cfg.Model.Region)
	assert.Equal(t, "us.anthropic.claude-3-7-sonnet-20250219-v1:0", cfg.Model.ModelID)
	assert.Equal(t, 20000.0, cfg.Model.TokensPerMinute)
	assert.Equal(t, 45*time.Second, cfg.SubAgents.Timeout)
	assert.Equal(t, ToolInputSuppress, cfg.SubAgents.ToolInput)
	assert.Equal(t, []string{"uvx", "awslabs.aws-api-mcp-server@latest"}, cfg.SubAgents.APICommand)
	assert.Equal(t, "https://knowledge-mcp.global.api.aws", cfg.SubAgents.KnowledgeURL)
	assert.Equal(t, []string{"call_aws"}, cfg.SubAgents.APITools.BlockTools)
	assert.Equal(t, []string{"destructive"}, cfg.SubAgents.APITools.BlockTags)
	assert.Equal(t, MemoryNone, cfg.Memory.Backend)
	assert.Equal(t, 3, cfg.Supervisor.HistoryTurns)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "read config")

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse config")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"AWS_REGION":        "eu-west-1",
		"MODEL_PROVIDER":    "anthropic",
		"ANTHROPIC_API_KEY": "sk-test",
		"MONGO_URI":         "mongodb://localhost:27017",
		"REDIS_URL":         "redis://localhost:6379/0",
		"HTTP_ADDR":         ":7000",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "eu-west-1", cfg.Model.Region)
	assert.Equal(t, ProviderAnthropic, cfg.Model.Provider)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Equal(t, MemoryMongo, cfg.Memory.Backend)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Memory.MongoURI)
	assert.True(t, cfg.Stream.Pulse)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	require.NoError(t, cfg.Validate())
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = "openai"
	cfg.SubAgents.Timeout = 0
	cfg.SubAgents.ToolInput = "drop"
	cfg.Memory.Backend = MemoryMongo
	cfg.Stream.Pulse = true

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"model.provider",
		"subagents.timeout",
		"subagents.tool_input",
		"memory.mongo_uri",
		"stream.redis_url",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidateAnthropicNeedsKey(t *testing.T) {
	cfg := Default()
	cfg.Model.Provider = ProviderAnthropic
	assert.ErrorContains(t, cfg.Validate(), "ANTHROPIC_API_KEY")
}
