package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the runtime's Prometheus metrics: event throughput,
// generation latency, tool execution, and processing task behavior.
type Metrics struct {
	// EventCounter counts persisted session events.
	// Labels: source (customer|ai_agent|system), kind (message|tool|status|custom)
	EventCounter *prometheus.CounterVec

	// GenerationDuration measures LLM call latency in seconds.
	// Labels: backend, status (success|error)
	GenerationDuration *prometheus.HistogramVec

	// GenerationTokens tracks token consumption.
	// Labels: backend, type (prompt|completion)
	GenerationTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: service, tool, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: service, tool
	ToolExecutionDuration *prometheus.HistogramVec

	// PipelineIterations observes how many proposer/caller rounds each
	// processing task used before producing a message.
	PipelineIterations prometheus.Histogram

	// TasksCancelled counts processing tasks superseded before completion.
	TasksCancelled prometheus.Counter

	// ActiveTasks gauges in-flight processing tasks.
	ActiveTasks prometheus.Gauge

	// HTTPRequestDuration measures API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics. A nil registerer uses
// the Prometheus default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EventCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_events_total",
				Help: "Total persisted session events by source and kind",
			},
			[]string{"source", "kind"},
		),
		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_generation_duration_seconds",
				Help:    "Duration of LLM generation calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"backend", "status"},
		),
		GenerationTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_generation_tokens_total",
				Help: "Tokens consumed by LLM generation calls",
			},
			[]string{"backend", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Tool invocations by service, tool, and outcome",
			},
			[]string{"service", "tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"service", "tool"},
		),
		PipelineIterations: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_pipeline_iterations",
				Help:    "Proposer/caller rounds per processing task",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 13},
			},
		),
		TasksCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_tasks_cancelled_total",
				Help: "Processing tasks cancelled by a superseding event",
			},
		),
		ActiveTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_tasks",
				Help: "Processing tasks currently in flight",
			},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
