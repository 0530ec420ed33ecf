package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/inspirepan/stepchat"
)

// Metrics collects turn, tool and HTTP measurements. It implements
// stepchat.Observer.
type Metrics struct {
	// Labels: outcome (completed|failed|cancelled)
	TurnCounter  *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec

	// Labels: kind (open|resume)
	SubStreamCounter *prometheus.CounterVec

	// Labels: tool_name, status (success|error)
	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Labels: method, path, status_code
	HTTPRequestCounter  *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var _ stepchat.Observer = (*Metrics)(nil)

// NewMetrics registers all metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepchat_turns_total",
				Help: "Total number of chat turns by terminal outcome",
			},
			[]string{"outcome"},
		),
		TurnDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepchat_turn_duration_seconds",
				Help:    "Duration of chat turns in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		SubStreamCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepchat_substreams_total",
				Help: "Total number of upstream sub-streams opened",
			},
			[]string{"kind"},
		),
		ToolExecutionCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepchat_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepchat_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		HTTPRequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepchat_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepchat_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

func (m *Metrics) SubStreamOpened(resumed bool) {
	kind := "open"
	if resumed {
		kind = "resume"
	}
	m.SubStreamCounter.WithLabelValues(kind).Inc()
}

func (m *Metrics) ToolDispatched(tool string, isError bool, elapsed time.Duration) {
	status := "success"
	if isError {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) TurnFinished(outcome stepchat.Outcome, elapsed time.Duration) {
	m.TurnCounter.WithLabelValues(string(outcome)).Inc()
	m.TurnDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

// RecordHTTPRequest records one served request. path should be a route
// pattern, not the raw URL, to bound label cardinality.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, elapsed time.Duration) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(elapsed.Seconds())
}
