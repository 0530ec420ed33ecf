package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load("", envLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, "uploads", cfg.Server.UploadDir)
	assert.Equal(t, ProviderResponses, cfg.Provider)
	assert.Equal(t, DefaultModel, cfg.OpenAI.Model)
	assert.Equal(t, DefaultAnthropicModel, cfg.Anthropic.Model)
	assert.Equal(t, []string{ToolFunction}, cfg.Tools.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Tools.Timeout)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadYAMLWithEnvExpansion(t *testing.T) {
	path := writeFile(t, "stepchat.yaml", `
server:
  addr: ":9090"
  turn_timeout: 2m
openai:
  api_key: ${MY_KEY}
  instructions: "You are helpful."
tools:
  enabled: [function, code_interpreter]
  show_detail: true
log:
  format: json
`)
	cfg, err := load(path, envLookup(map[string]string{"MY_KEY": "sk-test"}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Server.TurnTimeout)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, "You are helpful.", cfg.OpenAI.Instructions)
	assert.True(t, cfg.ToolEnabled(ToolCodeInterpreter))
	assert.False(t, cfg.ToolEnabled(ToolFileSearch))
	assert.True(t, cfg.Tools.ShowDetail)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server:\n  port: 80\n")
	_, err := load(path, envLookup(nil))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	cfg, err := load(path, envLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "stepchat.yaml", "openai:\n  model: gpt-4.1\n")
	cfg, err := load(path, envLookup(map[string]string{
		"RESPONSES_MODEL":        "gpt-4o-mini",
		"RESPONSES_INSTRUCTIONS": "Be brief.",
		"ENABLED_TOOLS":          " function, ",
		"VECTOR_STORE_ID":        "vs_1",
		"SHOW_TOOL_CALL_DETAIL":  "true",
		"PROVIDER":               "anthropic",
	}))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.OpenAI.Model)
	assert.Equal(t, "Be brief.", cfg.OpenAI.Instructions)
	assert.Equal(t, []string{ToolFunction}, cfg.Tools.Enabled)
	assert.Equal(t, "vs_1", cfg.OpenAI.VectorStoreID)
	assert.True(t, cfg.Tools.ShowDetail)
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
}

func TestEmptyEnabledToolsDisablesAll(t *testing.T) {
	cfg, err := load("", envLookup(map[string]string{"ENABLED_TOOLS": ""}))
	require.NoError(t, err)
	assert.Empty(t, cfg.Tools.Enabled)
}

func TestValidate(t *testing.T) {
	_, err := load("", envLookup(map[string]string{
		"PROVIDER":      "gemini",
		"ENABLED_TOOLS": "file_search,web_browser",
	}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.ErrorIs(t, err, ErrUnknownTool)
	assert.ErrorIs(t, err, ErrNoVectorStore)

	_, err = load("", envLookup(map[string]string{"SHOW_TOOL_CALL_DETAIL": "maybe"}))
	assert.ErrorContains(t, err, "SHOW_TOOL_CALL_DETAIL")

	cfg := &Config{Provider: ProviderResponses, Tools: ToolsConfig{Timeout: -time.Second}}
	assert.ErrorContains(t, cfg.Validate(), "tools.timeout")

	_, err = load("", envLookup(map[string]string{"OPENROUTER_REASONING_EFFORT": "extreme"}))
	assert.ErrorContains(t, err, "reasoning_effort")
}

func TestHostedToolsNeedResponses(t *testing.T) {
	_, err := load("", envLookup(map[string]string{
		"PROVIDER":        ProviderChatCompletion,
		"ENABLED_TOOLS":   "code_interpreter,function",
		"VECTOR_STORE_ID": "vs_1",
	}))
	assert.ErrorIs(t, err, ErrHostedTool)

	cfg, err := load("", envLookup(map[string]string{
		"PROVIDER":      ProviderChatCompletion,
		"ENABLED_TOOLS": "function",
	}))
	require.NoError(t, err)
	assert.Equal(t, ProviderChatCompletion, cfg.Provider)
}

func TestOpenRouterEnv(t *testing.T) {
	cfg, err := load("", envLookup(map[string]string{
		"PROVIDER":                    ProviderOpenRouter,
		"OPENROUTER_API_KEY":          "or-key",
		"OPENROUTER_REASONING_EFFORT": "low",
	}))
	require.NoError(t, err)
	assert.Equal(t, "or-key", cfg.OpenRouter.APIKey)
	assert.Equal(t, "low", cfg.OpenRouter.ReasoningEffort)
	assert.Equal(t, DefaultOpenRouterModel, cfg.Model())
}

func TestSplitTools(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitTools(" a, ,b ,"))
	assert.Empty(t, SplitTools(""))
}

func TestUpdateEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	env, err := ReadEnvFile(path)
	require.NoError(t, err)
	assert.Empty(t, env)

	t.Setenv("RESPONSES_MODEL", "")
	t.Setenv("RESPONSES_INSTRUCTIONS", "")
	require.NoError(t, UpdateEnvFile(path, map[string]string{"RESPONSES_MODEL": "gpt-4o"}))
	require.NoError(t, UpdateEnvFile(path, map[string]string{
		"RESPONSES_MODEL":        "gpt-4.1",
		"RESPONSES_INSTRUCTIONS": "line one\nline two",
	}))

	env, err = ReadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"RESPONSES_MODEL":        "gpt-4.1",
		"RESPONSES_INSTRUCTIONS": "line oneline two",
	}, env)
	assert.Equal(t, "gpt-4.1", os.Getenv("RESPONSES_MODEL"))
}

func TestModelFollowsProvider(t *testing.T) {
	cfg := &Config{
		Provider:  ProviderResponses,
		OpenAI:    OpenAIConfig{Model: "gpt-4o"},
		Anthropic: AnthropicConfig{Model: "claude-sonnet-4-5"},
	}
	assert.Equal(t, "gpt-4o", cfg.Model())

	cfg.Provider = ProviderAnthropic
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model())

	cfg.Provider = ProviderChatCompletion
	assert.Equal(t, "gpt-4o", cfg.Model())
}
