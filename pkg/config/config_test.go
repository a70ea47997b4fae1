package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "config.json", `{
		"llm": [{"type": "openai", "models": ["gpt-4o-mini"], "api_keys": ["k"]}],
		"system_prompt": "be brief",
		"context": "user is in Taipei",
		"builtin_tools": ["calculator"],
		"mcp_servers": [
			{"name": "fs", "command": "mcp-fs", "args": ["/tmp"]},
			{"name": "remote", "transport": "http", "url": "https://example.com/mcp"}
		]
	}`)
	sys := writeFile(t, dir, "system.json", `{"max_turns": 8, "log_level": "debug"}`)

	cfg, sysCfg, err := Load(app, sys)
	require.NoError(t, err)

	assert.Equal(t, "be brief", cfg.SystemPrompt)
	assert.Equal(t, "user is in Taipei", cfg.Context)
	assert.Equal(t, []string{"calculator"}, cfg.BuiltinTools)
	require.Len(t, cfg.MCPServers, 2)
	assert.Equal(t, "http", cfg.MCPServers[1].Transport)

	require.NotNil(t, cfg.Sampling.Temperature)
	assert.InDelta(t, 0.7, *cfg.Sampling.Temperature, 1e-9)

	assert.Equal(t, 8, sysCfg.MaxTurns)
	assert.Equal(t, "debug", sysCfg.LogLevel)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, sysCfg.MaxRetries)
	assert.True(t, sysCfg.EnableTools)
}

func TestLoadKeepsExplicitTemperature(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "config.json", `{"llm": [{"type": "ollama"}], "sampling": {"temperature": 0, "max_tokens": 256}}`)

	cfg, sysCfg, err := Load(app, filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	require.NotNil(t, cfg.Sampling.Temperature)
	assert.Zero(t, *cfg.Sampling.Temperature)
	assert.Equal(t, 256, cfg.Sampling.MaxTokens)
	assert.Equal(t, DefaultSystemConfig(), sysCfg)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad json", body: `{`, wantErr: "failed to parse"},
		{name: "no llm", body: `{}`, wantErr: "'llm'"},
		{name: "unnamed server", body: `{"llm": [{}], "mcp_servers": [{"command": "x"}]}`, wantErr: "missing 'name'"},
		{name: "duplicate server", body: `{"llm": [{}], "mcp_servers": [{"name": "a", "command": "x"}, {"name": "a", "command": "y"}]}`, wantErr: "duplicate name"},
		{name: "stdio without command", body: `{"llm": [{}], "mcp_servers": [{"name": "a"}]}`, wantErr: "requires 'command'"},
		{name: "sse without url", body: `{"llm": [{}], "mcp_servers": [{"name": "a", "transport": "sse"}]}`, wantErr: "requires 'url'"},
		{name: "unknown transport", body: `{"llm": [{}], "mcp_servers": [{"name": "a", "transport": "grpc"}]}`, wantErr: "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := writeFile(t, dir, "config.json", tt.body)
			_, _, err := Load(app, "")
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}

	_, _, err := Load(filepath.Join(dir, "nope.json"), "")
	assert.ErrorContains(t, err, "not found")
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	app := writeFile(t, dir, "config.yaml", `
llm:
  - type: ollama
    models: [qwen3]
    options:
      num_ctx: 8192
system_prompt: be brief
mcp_servers:
  - name: fs
    command: mcp-fs
    args: ["/tmp"]
sampling:
  temperature: 0.2
`)
	sys := writeFile(t, dir, "system.yml", "max_turns: 4\nkeep_adapters: true\n")

	cfg, sysCfg, err := Load(app, sys)
	require.NoError(t, err)
	assert.Equal(t, "be brief", cfg.SystemPrompt)
	assert.JSONEq(t, `[{"type":"ollama","models":["qwen3"],"options":{"num_ctx":8192}}]`, string(cfg.LLM))
	require.Len(t, cfg.MCPServers, 1)
	assert.Equal(t, []string{"/tmp"}, cfg.MCPServers[0].Args)
	assert.InDelta(t, 0.2, *cfg.Sampling.Temperature, 1e-9)

	assert.Equal(t, 4, sysCfg.MaxTurns)
	assert.True(t, sysCfg.KeepAdapters)
	assert.Equal(t, 3, sysCfg.MaxRetries)
}

func TestLoadSystemConfigCorrupt(t *testing.T) {
	path := writeFile(t, t.TempDir(), "system.json", `{"max_turns": "many"}`)
	assert.Equal(t, DefaultSystemConfig(), LoadSystemConfig(path))
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv("MCPAGENT_TEST_PATH", "/etc/agent.json")
	assert.Equal(t, "/etc/agent.json", PathFromEnv("MCPAGENT_TEST_PATH", "config.json"))
	assert.Equal(t, "config.json", PathFromEnv("MCPAGENT_TEST_UNSET", "config.json"))
}
