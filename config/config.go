// Package config loads the service configuration from an optional YAML file
// and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Model providers.
const (
	ProviderBedrock   = "bedrock"
	ProviderAnthropic = "anthropic"
)

// Memory backends.
const (
	MemoryNone  = "none"
	MemoryInMem = "inmem"
	MemoryMongo = "mongo"
)

// Tool-input policies.
const (
	ToolInputForward  = "forward"
	ToolInputSuppress = "suppress"
)

type (
	// Config is the complete service configuration.
	Config struct {
		Server     Server     `yaml:"server"`
		Model      Model      `yaml:"model"`
		Supervisor Supervisor `yaml:"supervisor"`
		SubAgents  SubAgents  `yaml:"subagents"`
		Memory     Memory     `yaml:"memory"`
		Stream     Stream     `yaml:"stream"`
	}

	// Server configures the HTTP listener.
	Server struct {
		Addr  string `yaml:"addr"`
		Debug bool   `yaml:"debug"`
	}

	// Model configures the model provider shared by all agents.
	Model struct {
		Provider    string  `yaml:"provider"`
		Region      string  `yaml:"region"`
		ModelID     string  `yaml:"model_id"`
		APIKey      string  `yaml:"api_key"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float32 `yaml:"temperature"`
		// TokensPerMinute seeds the adaptive rate limiter. Zero disables
		// rate limiting.
		TokensPerMinute    float64 `yaml:"tokens_per_minute"`
		MaxTokensPerMinute float64 `yaml:"max_tokens_per_minute"`
	}

	// Supervisor configures the top-level agent.
	Supervisor struct {
		System       string `yaml:"system"`
		HistoryTurns int    `yaml:"history_turns"`
		MaxTurns     int    `yaml:"max_turns"`
	}

	// SubAgents configures the delegated agents.
	SubAgents struct {
		Timeout          time.Duration `yaml:"timeout"`
		ToolInput        string        `yaml:"tool_input"`
		KnowledgeURL     string        `yaml:"knowledge_url"`
		APICommand       []string      `yaml:"api_command"`
		APIEnv           []string      `yaml:"api_env"`
		HolidayBaseURL   string        `yaml:"holiday_base_url"`
		HolidayCacheSize int           `yaml:"holiday_cache_size"`
		MaxTurns         int           `yaml:"max_turns"`
		// KnowledgeTools and APITools filter the MCP server tools offered
		// to each agent.
		KnowledgeTools ToolPolicy `yaml:"knowledge_tools"`
		APITools       ToolPolicy `yaml:"api_tools"`
	}

	// ToolPolicy lists allowed and blocked MCP tools by name or by
	// annotation tag (read_only, destructive, idempotent, open_world).
	ToolPolicy struct {
		AllowTools []string `yaml:"allow_tools"`
		BlockTools []string `yaml:"block_tools"`
		AllowTags  []string `yaml:"allow_tags"`
		BlockTags  []string `yaml:"block_tags"`
	}

	// Memory configures conversation memory.
	Memory struct {
		Backend    string `yaml:"backend"`
		MongoURI   string `yaml:"mongo_uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// Stream configures event publication to Pulse.
	Stream struct {
		Pulse    bool   `yaml:"pulse"`
		RedisURL string `yaml:"redis_url"`
		MaxLen   int    `yaml:"max_len"`
	}
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Model: Model{
			Provider:  ProviderBedrock,
			Region:    "us-west-2",
			ModelID:   "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
			MaxTokens: 4096,
		},
		Supervisor: Supervisor{HistoryTurns: 3, MaxTurns: 8},
		SubAgents: SubAgents{
			Timeout:          120 * time.Second,
			ToolInput:        ToolInputForward,
			KnowledgeURL:     "https://knowledge-mcp.global.api.aws",
			APICommand:       []string{"python", "-m", "awslabs.aws_api_mcp_server.server"},
			HolidayBaseURL:   "https://holidays-jp.github.io/api/v1",
			HolidayCacheSize: 32,
			MaxTurns:         8,
			APITools:         ToolPolicy{BlockTags: []string{"destructive"}},
		},
		Memory: Memory{Backend: MemoryInMem, Database: "supervisor", Collection: "conversation_memory"},
		Stream: Stream{MaxLen: 1000},
	}
}

// Load reads path over the defaults, when path is not empty, then applies
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read with getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Model.Region, "AWS_REGION")
	set(&c.Model.Provider, "MODEL_PROVIDER")
	set(&c.Model.ModelID, "MODEL_ID")
	set(&c.Model.APIKey, "ANTHROPIC_API_KEY")
	set(&c.Server.Addr, "HTTP_ADDR")
	if v := getenv("MONGO_URI"); v != "" {
		c.Memory.MongoURI = v
		c.Memory.Backend = MemoryMongo
	}
	if v := getenv("REDIS_URL"); v != "" {
		c.Stream.RedisURL = v
		c.Stream.Pulse = true
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Model.Provider {
	case ProviderBedrock:
		if c.Model.Region == "" {
			errs = append(errs, errors.New("model.region is required for bedrock"))
		}
	case ProviderAnthropic:
		if c.Model.APIKey == "" {
			errs = append(errs, errors.New("model.api_key (ANTHROPIC_API_KEY) is required for anthropic"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.provider %q is not one of %s, %s", c.Model.Provider, ProviderBedrock, ProviderAnthropic))
	}
	if c.Model.ModelID == "" {
		errs = append(errs, errors.New("model.model_id is required"))
	}
	if c.Model.MaxTokensPerMinute > 0 && c.Model.MaxTokensPerMinute < c.Model.TokensPerMinute {
		errs = append(errs, errors.New("model.max_tokens_per_minute must not be below model.tokens_per_minute"))
	}
	if c.SubAgents.Timeout <= 0 {
		errs = append(errs, errors.New("subagents.timeout must be positive"))
	}
	switch strings.ToLower(c.SubAgents.ToolInput) {
	case ToolInputForward, ToolInputSuppress:
	default:
		errs = append(errs, fmt.Errorf("subagents.tool_input %q is not one of %s, %s", c.SubAgents.ToolInput, ToolInputForward, ToolInputSuppress))
	}
	switch c.Memory.Backend {
	case MemoryNone, MemoryInMem:
	case MemoryMongo:
		if c.Memory.MongoURI == "" {
			errs = append(errs, errors.New("memory.mongo_uri (MONGO_URI) is required for the mongo backend"))
		}
		if c.Memory.Database == "" {
			errs = append(errs, errors.New("memory.database is required for the mongo backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("memory.backend %q is not one of %s, %s, %s", c.Memory.Backend, MemoryNone, MemoryInMem, MemoryMongo))
	}
	if c.Stream.Pulse && c.Stream.RedisURL == "" {
		errs = append(errs, errors.New("stream.redis_url (REDIS_URL) is required when stream.pulse is enabled"))
	}
	return errors.Join(errs...)
}
