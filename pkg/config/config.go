package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Default file locations, relative to the working directory.
const (
	DefaultConfigPath = "config.json"
	DefaultSystemPath = "system.json"
)

// Config is config.json: which models to talk to, what to tell them up
// front, and which tool servers to connect.
type Config struct {
	// LLM holds the provider group list in raw JSON; it is decoded by llm.NewFromConfig.
	LLM jsoniter.RawMessage `json:"llm"`
	// SystemPrompt is the standing instruction sent once, as the first
	// message of a conversation.
	SystemPrompt string `json:"system_prompt"`
	// Context is a standing user-role message sent once, right after the
	// system prompt.
	Context string `json:"context"`
	// MCPServers lists the tool-provider processes or endpoints to connect.
	// Their order is the tool lookup order.
	MCPServers []MCPServerConfig `json:"mcp_servers"`
	// BuiltinTools names in-process tools to expose (e.g. "calculator").
	BuiltinTools []string `json:"builtin_tools"`
	// Sampling holds the per-request sampling parameters.
	Sampling SamplingConfig `json:"sampling"`
}

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	Name string `json:"name"`
	// Transport is "stdio" (default when Command is set), "sse" or "http".
	Transport string            `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// SamplingConfig mirrors llm.SamplingParams in file form.
type SamplingConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

const defaultTemperature = 0.7

// Validate checks the fields the agent cannot start without.
func (c *Config) Validate() error {
	if len(c.LLM) == 0 {
		return fmt.Errorf("mandatory 'llm' configuration is missing or empty")
	}
	seen := make(map[string]bool, len(c.MCPServers))
	for i, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: missing 'name'", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): stdio transport requires 'command'", i, s.Name)
			}
		case "sse", "http":
			if s.URL == "" {
				return fmt.Errorf("mcp_servers[%d] (%s): %s transport requires 'url'", i, s.Name, s.Transport)
			}
		default:
			return fmt.Errorf("mcp_servers[%d] (%s): unknown transport %q", i, s.Name, s.Transport)
		}
	}
	return nil
}

// SystemConfig is system.json: engine tuning that rarely changes between
// deployments. Every field has a default.
type SystemConfig struct {
	// MaxRetries is the number of attempts per provider inside the
	// fallback chain before moving on to the next provider.
	MaxRetries int `json:"max_retries"`
	// RetryDelayMs is the base backoff; attempt n waits (n-1)*RetryDelayMs.
	RetryDelayMs int `json:"retry_delay_ms"`
	// LLMTimeoutMs bounds one whole conversation. Zero disables the limit.
	LLMTimeoutMs int `json:"llm_timeout_ms"`
	// MaxTurns caps the number of model turns per conversation.
	// Zero means unbounded.
	MaxTurns int `json:"max_turns"`
	// InternalChannelBuffer is the capacity of each provider's chunk channel.
	InternalChannelBuffer int `json:"internal_channel_buffer"`
	// ShowThinking determines whether the model's reasoning deltas are
	// displayed on the console.
	ShowThinking bool `json:"show_thinking"`
	// DebugChunks dumps every raw provider chunk under debug/chunks.
	DebugChunks bool `json:"debug_chunks"`
	// LogLevel sets the minimum severity for log output.
	// Accepted values: "debug", "info", "warn", "error". Default: "info".
	LogLevel string `json:"log_level"`
	// EnableTools globally toggles tool calling. If false, the model is not
	// offered any tools and no adapters are connected.
	EnableTools bool `json:"enable_tools"`
	// KeepAdapters keeps tool adapters connected between conversations;
	// they are closed at shutdown instead of after each conversation.
	KeepAdapters bool `json:"keep_adapters"`
}

// DefaultSystemConfig 回傳預設的系統設定
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxRetries:            3,
		RetryDelayMs:          500,
		LLMTimeoutMs:          600000,
		MaxTurns:              0,
		InternalChannelBuffer: 100,
		ShowThinking:          true,
		LogLevel:              "info",
		EnableTools:           true,
	}
}

// Load reads the application config at appPath and the system config at
// sysPath. The application config is mandatory and validated; the system
// config falls back to defaults.
func Load(appPath, sysPath string) (*Config, *SystemConfig, error) {
	raw, err := os.ReadFile(appPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("config file '%s' not found. please create one", appPath)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := decode(appPath, raw, cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, LoadSystemConfig(sysPath), nil
}

func (c *Config) applyDefaults() {
	if c.Sampling.Temperature == nil {
		t := defaultTemperature
		c.Sampling.Temperature = &t
	}
}

// LoadSystemConfig never fails: a missing or unreadable file yields the
// defaults, and a file that only sets some keys keeps the defaults for the rest.
func LoadSystemConfig(path string) *SystemConfig {
	raw, err := os.ReadFile(path)
	if err != nil {
		return DefaultSystemConfig()
	}
	cfg := DefaultSystemConfig()
	if err := decode(path, raw, cfg); err != nil {
		slog.Warn("Ignoring unreadable system config", "path", path, "error", err)
		return DefaultSystemConfig()
	}
	return cfg
}

// decode reads JSON, or YAML when the file is named *.yaml / *.yml. YAML is
// converted to JSON first so the json tags (and the raw "llm" list) apply
// to both formats.
func decode(path string, raw []byte, v any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return err
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		raw = converted
	}
	return json.Unmarshal(raw, v)
}

// PathFromEnv returns the value of the environment variable key, or def.
func PathFromEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
