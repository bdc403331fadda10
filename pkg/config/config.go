// Package config loads the runtime configuration: YAML file with
// environment-variable expansion, defaults, validation, and optional
// hot reload of the source file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLM     LLMConfig     `yaml:"llm,omitempty"`
	Agent   AgentConfig   `yaml:"agent,omitempty"`
	Memory  MemoryConfig  `yaml:"memory,omitempty"`
	Tools   ToolsConfig   `yaml:"tools,omitempty"`
	Server  ServerConfig  `yaml:"server,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty"`
}

// LLMConfig points at an OpenAI-compatible chat-completions endpoint.
// Defaults target a local LM Studio instance.
type LLMConfig struct {
	Host        string   `yaml:"host,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	APIKey      string   `yaml:"api_key,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`

	// Timeout bounds one HTTP request, in seconds. Streaming turns
	// hold the connection open, so this is deliberately generous.
	Timeout    int `yaml:"timeout,omitempty"`
	MaxRetries int `yaml:"max_retries,omitempty"`
	RetryDelay int `yaml:"retry_delay,omitempty"`

	InsecureSkipVerify *bool  `yaml:"insecure_skip_verify,omitempty"`
	CACertificate      string `yaml:"ca_certificate,omitempty"`
}

// AgentConfig shapes the reasoning loop.
type AgentConfig struct {
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// MaxToolLoop bounds LLM round-trips within one turn.
	MaxToolLoop int `yaml:"max_tool_loop,omitempty"`
}

// MemoryConfig shapes refinement of the conversation log.
type MemoryConfig struct {
	// MaxTokens is the approximate context budget for a refined view.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// TrimCap is the per-tool-response size above which content is
	// trimmed into the temporal store.
	TrimCap int `yaml:"trim_cap,omitempty"`

	// Temporal toggles the trimming overlay. Defaults to on.
	Temporal *bool `yaml:"temporal,omitempty"`
}

// ToolsConfig declares tool providers.
type ToolsConfig struct {
	// CallTimeout bounds one child-process tool call, in seconds.
	CallTimeout int `yaml:"call_timeout,omitempty"`

	MCP []MCPServerConfig `yaml:"mcp,omitempty"`
}

// MCPServerConfig is one child-process MCP server to spawn.
type MCPServerConfig struct {
	ID      string            `yaml:"id"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// Filter limits which tools are exposed from the server.
	Filter []string `yaml:"filter,omitempty"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
}

// StorageConfig is the project/script/execution database.
type StorageConfig struct {
	Driver string `yaml:"driver,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// LoggingConfig mirrors the logger flags.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	c.LLM.SetDefaults()
	c.Agent.SetDefaults()
	c.Memory.SetDefaults()
	c.Tools.SetDefaults()
	c.Server.SetDefaults()
	c.Storage.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

func (c *LLMConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "http://localhost:1234/v1"
	}
	if c.Model == "" {
		c.Model = "qwen/qwen3-4b-2507"
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Temperature == nil {
		t := 0.7
		c.Temperature = &t
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 300
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *LLMConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be non-negative")
	}
	return nil
}

func (c *AgentConfig) SetDefaults() {
	if c.MaxToolLoop == 0 {
		c.MaxToolLoop = 10
	}
}

func (c *AgentConfig) Validate() error {
	if c.MaxToolLoop < 1 {
		return fmt.Errorf("max_tool_loop must be at least 1")
	}
	return nil
}

func (c *MemoryConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.TrimCap == 0 {
		c.TrimCap = 256
	}
	if c.Temporal == nil {
		on := true
		c.Temporal = &on
	}
}

func (c *MemoryConfig) Validate() error {
	if c.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	if c.TrimCap < 1 {
		return fmt.Errorf("trim_cap must be positive")
	}
	return nil
}

func (c *ToolsConfig) SetDefaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 120
	}
}

func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool, len(c.MCP))
	for i := range c.MCP {
		m := &c.MCP[i]
		if m.ID == "" {
			return fmt.Errorf("mcp[%d]: id is required", i)
		}
		if m.Command == "" {
			return fmt.Errorf("mcp[%d]: command is required", i)
		}
		if seen[m.ID] {
			return fmt.Errorf("mcp[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}
	return nil
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "mentat.db"
	}
}

func (c *StorageConfig) Validate() error {
	switch c.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported driver: %s (supported: sqlite, postgres, mysql)", c.Driver)
	}
	return nil
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}

// Default returns a configuration with every default applied, the one
// `mentat serve` runs with when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// Load reads a YAML config file, expands environment variables in its
// values, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := ExpandEnvVarsInData(raw)

	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}
