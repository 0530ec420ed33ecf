package chatcompletion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/testutil"
)

const (
	chunkToolStart = `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"echo","arguments":""}}]},"finish_reason":null}]}`
	chunkToolArgs  = `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"v\":1}"}}]},"finish_reason":null}]}`
	chunkToolStop  = `{"id":"chatcmpl-1","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`
	chunkText      = `{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":"done"},"finish_reason":null}]}`
	chunkTextStop  = `{"id":"chatcmpl-2","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`
	chunkLength    = `{"id":"chatcmpl-3","object":"chat.completion.chunk","created":1,"model":"gpt-test","choices":[{"index":0,"delta":{},"finish_reason":"length"}]}`
)

func decodeChunk(t *testing.T, raw string) openai.ChatCompletionChunk {
	t.Helper()
	var c openai.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(raw), &c))
	return c
}

func mapAll(t *testing.T, m *chunkMapper, chunks ...string) []stepchat.UpstreamEvent {
	t.Helper()
	var got []stepchat.UpstreamEvent
	for _, raw := range chunks {
		got = append(got, m.Map(decodeChunk(t, raw))...)
	}
	return append(got, m.Finish()...)
}

func TestMapperToolCall(t *testing.T) {
	var committed []openai.ChatCompletionMessageParamUnion
	m := newChunkMapper(func(msg openai.ChatCompletionMessageParamUnion) { committed = append(committed, msg) })

	got := mapAll(t, m, chunkToolStart, chunkToolArgs, chunkToolStop)
	assert.Equal(t, []stepchat.UpstreamEvent{
		stepchat.StreamStarted{ResponseID: "chatcmpl-1"},
		stepchat.ItemStarted{ItemID: "call_1", Kind: stepchat.ItemFunctionCall, CallID: "call_1", ToolName: "echo"},
		stepchat.ToolArgumentsDelta{CallID: "call_1", Fragment: `{"v":1}`},
		stepchat.ToolCallFinished{ItemID: "call_1", CallID: "call_1", ToolName: "echo", ArgumentsJSON: `{"v":1}`},
		stepchat.StreamCompleted{},
	}, got)

	require.Len(t, committed, 1)
	data, err := json.Marshal(committed[0])
	require.NoError(t, err)
	assert.Equal(t, "assistant", gjson.GetBytes(data, "role").String())
	assert.Equal(t, "call_1", gjson.GetBytes(data, "tool_calls.0.id").String())
	assert.Equal(t, `{"v":1}`, gjson.GetBytes(data, "tool_calls.0.function.arguments").String())
}

func TestMapperText(t *testing.T) {
	got := mapAll(t, newChunkMapper(nil), chunkText, chunkTextStop)
	assert.Equal(t, []stepchat.UpstreamEvent{
		stepchat.StreamStarted{ResponseID: "chatcmpl-2"},
		stepchat.ItemStarted{ItemID: "chatcmpl-2_msg", Kind: stepchat.ItemMessage},
		stepchat.TextDelta{ItemID: "chatcmpl-2_msg", Text: "done"},
		stepchat.StreamCompleted{},
	}, got)
}

func TestMapperLength(t *testing.T) {
	var committed int
	m := newChunkMapper(func(openai.ChatCompletionMessageParamUnion) { committed++ })
	got := mapAll(t, m, chunkText, chunkLength)
	require.Len(t, got, 4)
	assert.EqualError(t, got[3].(stepchat.StreamFailed).Cause, "chatcompletion: incomplete: length")
	assert.Zero(t, committed)
}

func TestMapperTruncated(t *testing.T) {
	got := mapAll(t, newChunkMapper(nil), chunkText)
	assert.NotContains(t, got, stepchat.StreamCompleted{})
}

func TestMapperMissingCallID(t *testing.T) {
	raw := strings.Replace(chunkToolStart, `"id":"call_1",`, "", 1)
	got := mapAll(t, newChunkMapper(nil), raw, chunkToolStop)
	require.Len(t, got, 4)
	assert.Equal(t, stepchat.ToolCallFinished{
		ItemID: "chatcmpl-1_call_0", CallID: "chatcmpl-1_call_0", ToolName: "echo", ArgumentsJSON: "{}",
	}, got[2])
}

func TestBuildParamsCacheControl(t *testing.T) {
	history := []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hello")}
	params := buildParams(stepchat.OpenRequest{Instructions: "be brief"}, history, true)

	data, err := json.Marshal(params.Messages)
	require.NoError(t, err)
	assert.Equal(t, "ephemeral", gjson.GetBytes(data, "0.content.0.cache_control.type").String())
	assert.Equal(t, "hello", gjson.GetBytes(data, "1.content.0.text").String())
	assert.Equal(t, "ephemeral", gjson.GetBytes(data, "1.content.0.cache_control.type").String())

	stored, err := json.Marshal(history[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", gjson.GetBytes(stored, "content").String())
}

func TestToolMessageEmptyOutput(t *testing.T) {
	data, err := json.Marshal(toolMessage(stepchat.ToolOutput{CallID: "call_1"}))
	require.NoError(t, err)
	assert.Equal(t, emptyToolOutput, gjson.GetBytes(data, "content").String())
	assert.Equal(t, "call_1", gjson.GetBytes(data, "tool_call_id").String())
}

type fakeAPI struct {
	mu      sync.Mutex
	bodies  []string
	streams [][]string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	idx := len(f.bodies)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	if idx >= len(f.streams) {
		return
	}
	for _, data := range f.streams[idx] {
		fmt.Fprintf(w, "data: %s\n\n", data)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func echoRegistry(t *testing.T) *stepchat.Registry {
	t.Helper()
	reg := stepchat.NewRegistry()
	require.NoError(t, reg.Register(stepchat.FuncTool{
		ToolSpec: stepchat.ToolSpec{
			Name:        "echo",
			Description: "Echo arguments",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"v": map[string]any{"type": "integer"}},
			},
		},
		Fn: func(_ context.Context, args json.RawMessage) (any, error) {
			var v any
			err := json.Unmarshal(args, &v)
			return v, err
		},
	}))
	return reg
}

func TestSessionRunsToolLoop(t *testing.T) {
	api := &fakeAPI{streams: [][]string{
		{chunkToolStart, chunkToolArgs, chunkToolStop},
		{chunkText, chunkTextStop},
	}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	session := New(WithAPIKey("test-key"), WithBaseURL(srv.URL), WithMaxRetries(0), WithModel("gpt-test"))
	ctx := context.Background()
	conv, err := session.NewConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, session.AddUserMessage(ctx, conv, "echo something"))

	sink := &testutil.Sink{}
	o := stepchat.New(session, echoRegistry(t), nil)
	require.NoError(t, o.Run(ctx, stepchat.OpenRequest{ConversationID: conv, Instructions: "be brief"}, sink))
	assert.Equal(t, []string{"toolCallCreated", "toolOutput", "messageCreated", "textDelta", "runCompleted", "endStream"}, sink.Names())

	require.Len(t, api.bodies, 2)
	first := api.bodies[0]
	assert.Equal(t, "gpt-test", gjson.Get(first, "model").String())
	assert.True(t, gjson.Get(first, "stream").Bool())
	assert.Equal(t, "system", gjson.Get(first, "messages.0.role").String())
	assert.Equal(t, "be brief", gjson.Get(first, "messages.0.content").String())
	assert.Equal(t, "echo", gjson.Get(first, "tools.0.function.name").String())
	assert.False(t, gjson.Get(first, "parallel_tool_calls").Bool())

	second := api.bodies[1]
	assert.Equal(t, int64(4), gjson.Get(second, "messages.#").Int())
	assert.Equal(t, "call_1", gjson.Get(second, "messages.2.tool_calls.0.id").String())
	assert.Equal(t, "tool", gjson.Get(second, "messages.3.role").String())
	assert.Equal(t, "call_1", gjson.Get(second, "messages.3.tool_call_id").String())
	assert.JSONEq(t, `{"v":1}`, gjson.Get(second, "messages.3.content").String())

	assert.Len(t, session.Messages(conv), 4)
}

func TestSessionTruncatedStream(t *testing.T) {
	api := &fakeAPI{streams: [][]string{{chunkText}}}
	srv := httptest.NewServer(api)
	defer srv.Close()

	session := New(WithAPIKey("k"), WithBaseURL(srv.URL), WithMaxRetries(0))
	conv, err := session.NewConversation(context.Background())
	require.NoError(t, err)

	sink := &testutil.Sink{}
	o := stepchat.New(session, nil, nil)
	err = o.Run(context.Background(), stepchat.OpenRequest{ConversationID: conv}, sink)
	require.Error(t, err)
	end := sink.Find(stepchat.EventEndStream)
	require.Len(t, end, 1)
	assert.Equal(t, stepchat.EndStreamError, end[0].Payload)
	assert.Empty(t, session.Messages(conv))
}

func TestSessionUnknownConversation(t *testing.T) {
	session := New(WithAPIKey("k"))
	_, err := session.Open(context.Background(), stepchat.OpenRequest{ConversationID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownConversation)
	_, err = session.ResumeAfterTool(context.Background(), stepchat.ResumeRequest{
		OpenRequest: stepchat.OpenRequest{ConversationID: "nope"},
		Outputs:     []stepchat.ToolOutput{{CallID: "c"}},
	})
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestSessionLive(t *testing.T) {
	testutil.SkipIfNoEnv(t, "OPENAI_API_KEY")

	session := New()
	conv, err := session.NewConversation(context.Background())
	require.NoError(t, err)
	require.NoError(t, session.AddUserMessage(context.Background(), conv, "Write a haiku"))
	testutil.CheckSessionCompletes(t, session, stepchat.OpenRequest{ConversationID: conv})
}
