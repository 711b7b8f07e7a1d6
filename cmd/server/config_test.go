package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
port: "9000"
llm:
  provider: ollama
  model: dolphin-mistral
  host: http://ollama:11434
xtts:
  host: http://xtts:8020
roleplay:
  attempts: 3
  retryDelay: 10ms
mcpStdIOServers:
  search:
    command: search-server
    tools: [web_search]
`)

	cfg, err := loadConfig(path, false)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	require.IsType(t, &ollamaConfig{}, cfg.LLM)
	assert.Equal(t, "http://ollama:11434", cfg.LLM.(*ollamaConfig).Host)
	assert.Equal(t, prompt.FormatChatML, cfg.Format)
	assert.Equal(t, 3, cfg.RolePlay.Attempts)
	assert.Equal(t, 10*time.Millisecond, cfg.RolePlay.RetryDelay)
	assert.Equal(t, []string{"web_search"}, cfg.MCPStdIOServers["search"].Tools)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.DataDir)
	assert.Equal(t, int64(2), cfg.SubprocessLimit)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := loadConfig(path, true)
	require.NoError(t, err)
	assert.Equal(t, defaultPort, cfg.Port)
	assert.IsType(t, &textGenConfig{}, cfg.LLM)
	assert.Equal(t, 5, cfg.RolePlay.Attempts)
	assert.Equal(t, prompt.FormatFlexible, cfg.Format)

	_, err = loadConfig(path, false)
	assert.Error(t, err)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown provider", content: "llm:\n  provider: anthropic\n"},
		{name: "missing provider", content: "llm:\n  model: x\n"},
		{name: "bad port", content: "port: http\n"},
		{name: "bad host", content: "xtts:\n  host: not a url\n"},
		{name: "stdio server without command", content: "mcpStdIOServers:\n  x:\n    args: [a]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content), false)
			assert.Error(t, err)
		})
	}
}

func TestOpenAIConfigAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "from-env")

	assert.Equal(t, "from-env", openAIConfig{}.apiKey())
	assert.Equal(t, "from-file", openAIConfig{APIKey: "from-file"}.apiKey())
	assert.Nil(t, openAIConfig{}.limiter())
	assert.NotNil(t, openAIConfig{RequestsPerMinute: 60}.limiter())
}
