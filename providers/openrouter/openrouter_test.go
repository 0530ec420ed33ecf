package openrouter_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/testutil"
	"github.com/inspirepan/stepchat/providers/openrouter"
)

const envKey = "OPENROUTER_API_KEY"

type recorder struct {
	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, string(body))
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	fmt.Fprint(w, `data: {"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"hi"},"finish_reason":null}]}`+"\n\n")
	fmt.Fprint(w, `data: {"id":"gen-1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`+"\n\n")
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func runOnce(t *testing.T, opts ...openrouter.Option) *recorder {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	opts = append([]openrouter.Option{
		openrouter.WithAPIKey("or-key"),
		openrouter.WithBaseURL(srv.URL),
		openrouter.WithMaxRetries(0),
	}, opts...)
	session := openrouter.New(opts...)

	ctx := context.Background()
	conv, err := session.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, session.AddUserMessage(ctx, conv, "hello"))

	sink := &testutil.Sink{}
	o := stepchat.New(session, nil, nil)
	require.NoError(t, o.Run(ctx, stepchat.OpenRequest{ConversationID: conv, Instructions: "be brief"}, sink))
	assert.Equal(t, []string{"messageCreated", "textDelta", "runCompleted", "endStream"}, sink.Names())
	require.Len(t, rec.bodies, 1)
	return rec
}

func TestRequestExtensions(t *testing.T) {
	rec := runOnce(t,
		openrouter.WithModel("openai/gpt-5"),
		openrouter.WithReasoningEffort(openrouter.ReasoningEffortLow),
		openrouter.WithVerbosity(openrouter.VerbosityLow),
		openrouter.WithProviderOrder("openai", "azure"),
		openrouter.WithProviderSorting(openrouter.ProviderSortLatency),
	)
	body := rec.bodies[0]
	assert.Equal(t, "openai/gpt-5", gjson.Get(body, "model").String())
	assert.True(t, gjson.Get(body, "usage.include").Bool())
	assert.Equal(t, "low", gjson.Get(body, "reasoning.effort").String())
	assert.Equal(t, "low", gjson.Get(body, "verbosity").String())
	assert.Equal(t, `["openai","azure"]`, gjson.Get(body, "provider.order").Raw)
	assert.Equal(t, "latency", gjson.Get(body, "provider.sort").String())
	assert.Equal(t, "be brief", gjson.Get(body, "messages.0.content").String())
	assert.Equal(t, "Bearer or-key", rec.headers[0].Get("Authorization"))
	assert.Empty(t, rec.headers[0].Get("x-anthropic-beta"))
}

func TestClaudeModelsUseCacheControl(t *testing.T) {
	rec := runOnce(t,
		openrouter.WithModel("anthropic/claude-sonnet-4"),
		openrouter.WithThinkingBudget(2048),
	)
	body := rec.bodies[0]
	assert.Equal(t, "ephemeral", gjson.Get(body, "messages.0.content.0.cache_control.type").String())
	assert.Equal(t, "ephemeral", gjson.Get(body, "messages.1.content.0.cache_control.type").String())
	assert.True(t, gjson.Get(body, "reasoning.enable").Bool())
	assert.Equal(t, int64(2048), gjson.Get(body, "reasoning.max_tokens").Int())
	assert.NotEmpty(t, rec.headers[0].Get("x-anthropic-beta"))
}

func TestDefaultModel(t *testing.T) {
	rec := runOnce(t)
	assert.Equal(t, openrouter.DefaultModel, gjson.Get(rec.bodies[0], "model").String())
	assert.False(t, gjson.Get(rec.bodies[0], "reasoning").Exists())
}

func TestOpenRouterLive(t *testing.T) {
	testutil.SkipIfNoEnv(t, envKey)

	session := openrouter.New(
		openrouter.WithModel("google/gemini-3-flash-preview"),
		openrouter.WithReasoningEffort(openrouter.ReasoningEffortMinimal),
	)
	conv, err := session.NewConversation(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.AddUserMessage(context.Background(), conv, "Write a haiku"))
	testutil.CheckSessionCompletes(t, session, stepchat.OpenRequest{ConversationID: conv})
}
