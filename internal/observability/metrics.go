package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's Prometheus surface, scoped to the four CORE
// subsystems this spec calls out: MessageBus queue depth, in-flight LLM
// calls, tool dispatch latency, and termination cascade size. Grounded on
// the teacher's internal/observability/metrics.go, trimmed from its
// channel/session/HTTP/database surface (none of which this runtime has).
type Metrics struct {
	// QueueDepth tracks each agent's pending-message count.
	// Labels: agent_id
	QueueDepth *prometheus.GaugeVec

	// InFlightLLMCalls tracks currently-outstanding LlmClient.Chat calls.
	// Labels: service_id
	InFlightLLMCalls *prometheus.GaugeVec

	// LLMRequestDuration measures LlmClient.Chat latency in seconds.
	// Labels: service_id, status (success|error)
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRetryCounter counts LlmClient retry attempts.
	// Labels: service_id
	LLMRetryCounter *prometheus.CounterVec

	// ToolDispatchDuration measures ToolExecutor.Dispatch latency in seconds.
	// Labels: tool_name, status (success|error)
	ToolDispatchDuration *prometheus.HistogramVec

	// ToolDispatchCounter counts tool dispatches.
	// Labels: tool_name, status
	ToolDispatchCounter *prometheus.CounterVec

	// TerminationCascadeSize records how many agents a single terminate_agent
	// call cascaded to, including the target itself.
	TerminationCascadeSize prometheus.Histogram

	// ActiveAgents is a gauge of agents currently in lifecycle "active".
	ActiveAgents prometheus.Gauge
}

// NewMetrics registers and returns a Metrics collecting against reg. A nil
// reg creates the collectors without registering them anywhere; callers that
// construct more than one Metrics in the same process (tests, multiple
// Runtime instances) must each pass a fresh prometheus.NewRegistry() to
// avoid a duplicate-registration panic.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Pending message count per agent mailbox.",
		}, []string{"agent_id"}),

		InFlightLLMCalls: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_llm_in_flight",
			Help: "Currently outstanding LLM chat-completion calls.",
		}, []string{"service_id"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_llm_request_duration_seconds",
			Help:    "LLM chat-completion call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"service_id", "status"}),

		LLMRetryCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_llm_retries_total",
			Help: "LLM chat-completion retry attempts.",
		}, []string{"service_id"}),

		ToolDispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_tool_dispatch_duration_seconds",
			Help:    "ToolExecutor.Dispatch latency in seconds.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"tool_name", "status"}),

		ToolDispatchCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_tool_dispatch_total",
			Help: "Tool dispatch outcomes.",
		}, []string{"tool_name", "status"}),

		TerminationCascadeSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_termination_cascade_size",
			Help:    "Number of agents terminated by a single terminate_agent call.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_agents",
			Help: "Current count of agents in lifecycle state active.",
		}),
	}
}

// RecordToolDispatch records one ToolExecutor.Dispatch outcome.
func (m *Metrics) RecordToolDispatch(toolName, status string, seconds float64) {
	m.ToolDispatchCounter.WithLabelValues(toolName, status).Inc()
	m.ToolDispatchDuration.WithLabelValues(toolName, status).Observe(seconds)
}

// RecordLLMCall records one LlmClient.Chat outcome.
func (m *Metrics) RecordLLMCall(serviceID, status string, seconds float64) {
	m.LLMRequestDuration.WithLabelValues(serviceID, status).Observe(seconds)
}

// RecordTermination records a terminate_agent cascade's final size.
func (m *Metrics) RecordTermination(count int) {
	m.TerminationCascadeSize.Observe(float64(count))
}
