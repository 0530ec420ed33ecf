package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/config"
	"github.com/inspirepan/stepchat/internal/observability"
	"github.com/inspirepan/stepchat/providers/chatcompletion"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	for _, name := range []string{"serve", "ask", "version"} {
		assert.True(t, names[name], "expected subcommand %q", name)
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "stepchat dev (commit: none)\n", out.String())
}

func TestNewAppSelectsProvider(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})

	cfg := &config.Config{
		Provider: config.ProviderResponses,
		OpenAI:   config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o", VectorStoreID: "vs_1"},
		Tools:    config.ToolsConfig{Enabled: []string{config.ToolFunction, config.ToolFileSearch}},
	}
	a, err := newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.NotNil(t, a.hosted)
	assert.NotNil(t, a.orch)
	_, ok := a.orch.Registry().Resolve("get_weather")
	assert.True(t, ok)

	cfg = &config.Config{
		Provider:  config.ProviderAnthropic,
		Anthropic: config.AnthropicConfig{APIKey: "test", Model: "claude-test"},
		Tools:     config.ToolsConfig{Enabled: []string{}},
	}
	a, err = newApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	assert.Nil(t, a.hosted)
	_, ok = a.orch.Registry().Resolve("get_weather")
	assert.False(t, ok)
}

func TestNewAppChatCompletionProviders(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: io.Discard})
	for _, provider := range []string{config.ProviderChatCompletion, config.ProviderOpenRouter} {
		cfg := &config.Config{
			Provider:   provider,
			OpenAI:     config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o"},
			OpenRouter: config.OpenRouterConfig{APIKey: "or-test", Model: "openai/gpt-4o", ReasoningEffort: "low"},
			Tools:      config.ToolsConfig{Enabled: []string{config.ToolFunction}},
		}
		a, err := newApp(context.Background(), cfg, logger)
		require.NoError(t, err, provider)
		assert.Nil(t, a.hosted, provider)
		assert.IsType(t, &chatcompletion.Session{}, a.backend, provider)
	}
}

const (
	evMessageStart = `{"type":"message_start","message":{"id":"msg_%d","type":"message","role":"assistant","content":[],"model":"claude-test","usage":{"input_tokens":3,"output_tokens":0}}}`
	evToolStart    = `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather","input":{}}}`
	evToolDelta    = `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"location\":\"Paris\"}"}}`
	evStop0        = `{"type":"content_block_stop","index":0}`
	evToolUseStop  = `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":5}}`
	evMessageStop  = `{"type":"message_stop"}`
	evTextStart    = `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	evTextDelta    = `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Sunny enough."}}`
	evEndTurn      = `{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`
)

type fakeMessagesAPI struct {
	mu     sync.Mutex
	bodies []string
}

func (f *fakeMessagesAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/v1/messages") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	idx := len(f.bodies)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	script := []string{fmt.Sprintf(evMessageStart, idx), evToolStart, evToolDelta, evStop0, evToolUseStop, evMessageStop}
	if idx > 0 {
		script = []string{fmt.Sprintf(evMessageStart, idx), evTextStart, evTextDelta, evStop0, evEndTurn, evMessageStop}
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, data := range script {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", gjson.Get(data, "type").String(), data)
	}
}

func setupAnthropicEnv(t *testing.T) *fakeMessagesAPI {
	t.Helper()
	api := &fakeMessagesAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	t.Setenv("PROVIDER", config.ProviderAnthropic)
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("ANTHROPIC_BASE_URL", srv.URL)
	t.Setenv("ANTHROPIC_MODEL", "claude-test")
	t.Setenv("ENABLED_TOOLS", config.ToolFunction)
	t.Setenv("SHOW_TOOL_CALL_DETAIL", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	return api
}

func TestAskRunsToolLoopRaw(t *testing.T) {
	api := setupAnthropicEnv(t)

	var out bytes.Buffer
	err := runAsk(context.Background(), askOptions{
		Question: "Weather in Paris?",
		Raw:      true,
		In:       strings.NewReader(""),
		Out:      &out,
	})
	require.NoError(t, err)

	body := out.String()
	assert.Contains(t, body, "event: toolCallCreated\n")
	assert.Contains(t, body, "event: toolOutput\n")
	assert.Contains(t, body, "Paris")
	assert.Contains(t, body, "Sunny enough.")
	assert.True(t, strings.HasSuffix(body, "event: endStream\ndata: DONE\n\n"))

	require.Len(t, api.bodies, 2)
	assert.Equal(t, "get_weather", gjson.Get(api.bodies[0], "tools.0.name").String())
	assert.Equal(t, "tool_result", gjson.Get(api.bodies[1], "messages.2.content.0.type").String())
}

func TestAskReadsQuestionsFromInput(t *testing.T) {
	setupAnthropicEnv(t)

	var out bytes.Buffer
	err := runAsk(context.Background(), askOptions{
		In:  strings.NewReader("\nWeather in Paris?\n"),
		Out: &out,
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "Weather in Paris?")
	assert.Contains(t, text, "Calling get_weather tool...")
	assert.Contains(t, text, "Paris")
	assert.Contains(t, text, "Sunny enough.")
	assert.NotContains(t, text, "<span")
}

func TestTerminalSink(t *testing.T) {
	var out bytes.Buffer
	sink := &terminalSink{w: &out}

	events := []stepchat.DownstreamEvent{
		{Name: stepchat.EventTextDelta, Payload: stepchat.ScopeFragment("msg_1", "fish &amp; chips")},
		{Name: stepchat.EventTextReplacement, Payload: "<p>ignored</p>"},
		{Name: stepchat.EventImageOutput, Payload: `<span><img class="tool-image" src="/files/c/f/content" alt="tool output"></span>`},
		{Name: stepchat.EventNetworkError, Payload: "error"},
	}
	for _, ev := range events {
		require.NoError(t, sink.Send(ev))
	}

	text := out.String()
	assert.Contains(t, text, "fish & chips")
	assert.NotContains(t, text, "ignored")
	assert.Contains(t, text, "image: /files/c/f/content")
	assert.Contains(t, text, "interrupted")
}

func TestFragmentHelpers(t *testing.T) {
	assert.Equal(t, "a < b", fragmentText(`<div class="x">a &lt; b</div>`))
	assert.Equal(t, "", imageSource("<p>none</p>"))
	assert.Equal(t, "one\ntwo", compactLines("\n  one \n\n two\n"))
}
