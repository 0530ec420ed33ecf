package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/inspirepan/stepchat"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	key := "sk-proj-" + strings.Repeat("a", 40)
	logger.Info("using key "+key,
		"header", "Bearer abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("api_key="+strings.Repeat("b", 20)),
		slog.Group("req", "auth", key),
	)

	out := buf.String()
	assert.NotContains(t, out, key)
	assert.NotContains(t, out, "abcdefghijklmnopqrstuvwxyz")
	assert.NotContains(t, out, strings.Repeat("b", 20))
	assert.Contains(t, out, redacted)
}

func TestLoggerAddsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	ctx := WithConversationID(WithRequestID(context.Background(), "req-1"), "conv_1")
	logger.InfoContext(ctx, "turn started")

	assert.Contains(t, buf.String(), "request_id=req-1")
	assert.Contains(t, buf.String(), "conversation_id=conv_1")
	assert.Equal(t, "req-1", RequestID(ctx))
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	var obs stepchat.Observer = m

	obs.SubStreamOpened(false)
	obs.SubStreamOpened(true)
	obs.SubStreamOpened(true)
	obs.ToolDispatched("get_weather", false, 10*time.Millisecond)
	obs.ToolDispatched("get_weather", true, 20*time.Millisecond)
	obs.TurnFinished(stepchat.OutcomeCompleted, time.Second)

	expected := `
		# HELP stepchat_substreams_total Total number of upstream sub-streams opened
		# TYPE stepchat_substreams_total counter
		stepchat_substreams_total{kind="open"} 1
		stepchat_substreams_total{kind="resume"} 2
	`
	require.NoError(t, testutil.CollectAndCompare(m.SubStreamCounter, strings.NewReader(expected)))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("get_weather", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TurnCounter.WithLabelValues("completed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ToolExecutionDuration))
}

func TestMetricsHTTP(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)
	m.RecordHTTPRequest("GET", "/healthz", "200", time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("GET", "/healthz", "200")))
}

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown, err := NewTracer(context.Background(), TraceConfig{})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	_, span := tracer.Start(context.Background(), "chat.turn")
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), sampler(-1).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
