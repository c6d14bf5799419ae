// Package observability provides prometheus metrics and otel tracing helpers
// for the agent runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime metrics for provider calls, tool executions, and
// context compaction.
type Metrics struct {
	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts provider requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|timeout|denied|cached)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// CompactionCounter counts compaction runs by strategy.
	// Labels: strategy
	CompactionCounter *prometheus.CounterVec

	// ContextTokens is a gauge of the last assembled context size per run.
	ContextTokens prometheus.Gauge

	// ActiveRuns tracks concurrently executing agent runs.
	ActiveRuns prometheus.Gauge
}

// NewMetrics creates and registers metrics on the given registerer. Pass
// prometheus.DefaultRegisterer for process-wide metrics or a private registry
// in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_llm_request_duration_seconds",
			Help:    "LLM provider request latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_requests_total",
			Help: "LLM provider requests by status.",
		}, []string{"provider", "model", "status"}),
		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_llm_tokens_total",
			Help: "Tokens consumed by direction.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_tool_executions_total",
			Help: "Tool invocations by outcome.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "strand_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		CompactionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "strand_compactions_total",
			Help: "Context compaction runs by strategy.",
		}, []string{"strategy"}),
		ContextTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_context_tokens",
			Help: "Estimated tokens in the last assembled context.",
		}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "strand_active_runs",
			Help: "Agent runs currently executing.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.LLMRequestDuration,
			m.LLMRequestCounter,
			m.LLMTokensUsed,
			m.ToolExecutionCounter,
			m.ToolExecutionDuration,
			m.CompactionCounter,
			m.ContextTokens,
			m.ActiveRuns,
		)
	}
	return m
}

// Nop returns unregistered metrics, safe to use when metrics collection is
// disabled.
func Nop() *Metrics {
	return NewMetrics(nil)
}
