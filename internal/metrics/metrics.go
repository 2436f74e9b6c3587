// Package metrics exposes the engine's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Conversation metrics
	MessagesAppendedTotal *prometheus.CounterVec
	MessagesEvictedTotal  prometheus.Counter
	ConversationsActive   prometheus.Gauge

	// Context window metrics
	WindowBuildsTotal   *prometheus.CounterVec
	WindowBuildDuration prometheus.Histogram
	WindowTokensUsed    prometheus.Histogram

	// Memory metrics
	MemoriesSelectedTotal  prometheus.Counter
	MemoriesWrittenTotal   *prometheus.CounterVec
	EmbeddingFailuresTotal prometheus.Counter

	// Consolidation metrics
	ConsolidationRunsTotal     *prometheus.CounterVec
	ConsolidationDuration      prometheus.Histogram
	ConsolidationMergedTotal   prometheus.Counter
	ConsolidationPromotedTotal prometheus.Counter
	ConsolidationPrunedTotal   prometheus.Counter
	ConsolidationFailuresTotal prometheus.Counter

	// Reasoner metrics
	ReasonerCallsTotal   *prometheus.CounterVec
	ReasonerCallDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		MessagesAppendedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_messages_appended_total",
				Help: "Total number of messages appended, by role",
			},
			[]string{"role"},
		),
		MessagesEvictedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_messages_evicted_total",
				Help: "Total number of messages evicted to stay within capacity",
			},
		),
		ConversationsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "recall_conversations_active",
				Help: "Number of conversations currently held",
			},
		),

		WindowBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_window_builds_total",
				Help: "Total number of context window builds, by outcome",
			},
			[]string{"outcome"},
		),
		WindowBuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_window_build_duration_seconds",
				Help:    "Duration of context window builds in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		WindowTokensUsed: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_window_tokens_used",
				Help:    "Tokens used by built context windows",
				Buckets: prometheus.ExponentialBuckets(64, 2, 10),
			},
		),

		MemoriesSelectedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_memories_selected_total",
				Help: "Total number of memory items selected into context windows",
			},
		),
		MemoriesWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_memories_written_total",
				Help: "Total number of memory items written, by kind",
			},
			[]string{"kind"},
		),
		EmbeddingFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_embedding_failures_total",
				Help: "Total number of failed embedding calls",
			},
		),

		ConsolidationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_consolidation_runs_total",
				Help: "Total number of consolidation runs, by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		ConsolidationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_consolidation_duration_seconds",
				Help:    "Duration of consolidation runs in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		ConsolidationMergedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_consolidation_merged_total",
				Help: "Total number of episodic items merged into semantic items",
			},
		),
		ConsolidationPromotedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_consolidation_promoted_total",
				Help: "Total number of episodic items promoted to semantic items",
			},
		),
		ConsolidationPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_consolidation_pruned_total",
				Help: "Total number of memory items pruned",
			},
		),
		ConsolidationFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recall_consolidation_failures_total",
				Help: "Total number of per-user consolidation failures",
			},
		),

		ReasonerCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recall_reasoner_calls_total",
				Help: "Total number of reasoner calls, by status",
			},
			[]string{"status"},
		),
		ReasonerCallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recall_reasoner_call_duration_seconds",
				Help:    "Duration of reasoner calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.registerMetrics()
	return m
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.MessagesAppendedTotal,
		m.MessagesEvictedTotal,
		m.ConversationsActive,

		m.WindowBuildsTotal,
		m.WindowBuildDuration,
		m.WindowTokensUsed,

		m.MemoriesSelectedTotal,
		m.MemoriesWrittenTotal,
		m.EmbeddingFailuresTotal,

		m.ConsolidationRunsTotal,
		m.ConsolidationDuration,
		m.ConsolidationMergedTotal,
		m.ConsolidationPromotedTotal,
		m.ConsolidationPrunedTotal,
		m.ConsolidationFailuresTotal,

		m.ReasonerCallsTotal,
		m.ReasonerCallDuration,
	)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
