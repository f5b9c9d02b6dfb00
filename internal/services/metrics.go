package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Streaming metrics
	ActiveStreams prometheus.Gauge
	ChatRequests  prometheus.Counter
	ChatLatency   prometheus.Histogram
	ChatErrors    *prometheus.CounterVec

	// Agent cache metrics
	AgentsBuilt  *prometheus.CounterVec
	AgentsReaped prometheus.Counter
	ToolCalls    *prometheus.CounterVec

	cache *AgentCacheService
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(cache *AgentCacheService) *Metrics {
	metrics := &Metrics{
		cache: cache,

		// Streams currently relaying (gauge - can go up and down)
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "matteragent_streams_active",
			Help: "Number of chat streams currently relaying",
		}),

		ChatRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matteragent_chat_requests_total",
			Help: "Total number of chat stream requests processed",
		}),

		ChatLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "matteragent_chat_turn_duration_seconds",
			Help:    "Full chat turn latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}, // up to 2 minutes for LLM responses
		}),

		ChatErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matteragent_chat_errors_total",
			Help: "Total number of chat errors by type",
		}, []string{"error_type"}),

		// Agent builds by reason ("new" or "rebuild")
		AgentsBuilt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matteragent_agents_built_total",
			Help: "Total number of agents built by reason",
		}, []string{"reason"}),

		AgentsReaped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "matteragent_agents_reaped_total",
			Help: "Total number of idle agents reaped",
		}),

		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "matteragent_tool_calls_total",
			Help: "Total number of tool calls relayed by tool name",
		}, []string{"tool"}),
	}

	// Register a collector that reads the cache size directly
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "matteragent_agent_cache_size",
			Help: "Current number of cached session agents",
		},
		func() float64 {
			if cache != nil {
				return float64(cache.Size())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordStreamStart records a chat stream opening
func (m *Metrics) RecordStreamStart() {
	m.ActiveStreams.Inc()
	m.ChatRequests.Inc()
}

// RecordStreamEnd records a chat stream closing
func (m *Metrics) RecordStreamEnd() {
	m.ActiveStreams.Dec()
}

// RecordChatLatency records full turn latency
func (m *Metrics) RecordChatLatency(seconds float64) {
	m.ChatLatency.Observe(seconds)
}

// RecordChatError records a chat error
func (m *Metrics) RecordChatError(errorType string) {
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

// RecordAgentBuilt records an agent build
func (m *Metrics) RecordAgentBuilt(reason string) {
	m.AgentsBuilt.WithLabelValues(reason).Inc()
}

// RecordAgentsReaped records reaped agents
func (m *Metrics) RecordAgentsReaped(count int) {
	m.AgentsReaped.Add(float64(count))
}

// RecordToolCall records a relayed tool call
func (m *Metrics) RecordToolCall(tool string) {
	m.ToolCalls.WithLabelValues(tool).Inc()
}
