package stepchat_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspirepan/stepchat"
	"github.com/inspirepan/stepchat/internal/testutil"
)

func TestEmitScopesOnlyPatchEvents(t *testing.T) {
	sink := &testutil.Sink{}
	e := stepchat.NewEmitter(sink, nil)

	require.NoError(t, e.Emit(stepchat.EventTextDelta, "msg-1", "hi"))
	require.NoError(t, e.Emit(stepchat.EventToolOutput, "call-1", "<div>out</div>"))
	require.NoError(t, e.Emit(stepchat.EventEndStream, "", stepchat.EndStreamDone))

	assert.Equal(t, `<span hx-swap-oob="beforeend:#step-msg-1">hi</span>`, sink.Events[0].Payload)
	assert.Equal(t, "<div>out</div>", sink.Events[1].Payload)
	assert.Equal(t, "DONE", sink.Events[2].Payload)
}

func TestEmitWrapsSinkErrors(t *testing.T) {
	e := stepchat.NewEmitter(stepchat.SinkFunc(func(stepchat.DownstreamEvent) error {
		return errors.New("broken pipe")
	}), nil)

	err := e.Emit(stepchat.EventTextDelta, "m", "x")
	var sinkErr *stepchat.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.Equal(t, stepchat.EventTextDelta, sinkErr.Event)
}

func TestFormatSSE(t *testing.T) {
	cases := []struct {
		name string
		ev   stepchat.DownstreamEvent
		want string
	}{
		{
			name: "single line",
			ev:   stepchat.DownstreamEvent{Name: stepchat.EventEndStream, Payload: "DONE"},
			want: "event: endStream\ndata: DONE\n\n",
		},
		{
			name: "multi line",
			ev:   stepchat.DownstreamEvent{Name: stepchat.EventToolOutput, Payload: "<pre>\n{}\n</pre>"},
			want: "event: toolOutput\ndata: <pre>\ndata: {}\ndata: </pre>\n\n",
		},
		{
			name: "blank line and carriage returns",
			ev:   stepchat.DownstreamEvent{Name: stepchat.EventTextDelta, Payload: "a\r\n\r\nb"},
			want: "event: textDelta\ndata: a\ndata: \ndata: b\n\n",
		},
		{
			name: "empty payload",
			ev:   stepchat.DownstreamEvent{Name: stepchat.EventNetworkError},
			want: "event: networkError\ndata: \n\n",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, stepchat.FormatSSE(tc.ev))
		})
	}
}

func TestScopeFragmentEscapesTarget(t *testing.T) {
	assert.Equal(t, `<span hx-swap-oob="beforeend:#step-a&#34;b">x</span>`, stepchat.ScopeFragment(`a"b`, "x"))
}
