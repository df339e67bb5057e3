// Package metrics exposes the Prometheus instruments. Register once via
// promauto; the server mounts promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WSConnections tracks live dialogue connections.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_ws_connections",
		Help: "Open WebSocket dialogue connections",
	})

	// TurnsTotal counts dialogue turns by outcome.
	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_turns_total",
		Help: "Dialogue turns processed",
	}, []string{"status"})

	// LLMRequestsTotal counts provider calls by agent and outcome.
	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_llm_requests_total",
		Help: "LLM provider requests",
	}, []string{"agent", "status"})

	// LLMDuration observes provider call latency per agent.
	LLMDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "narrator_llm_request_duration_seconds",
		Help:    "LLM provider request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"agent"})

	// LLMTokensTotal counts tokens by agent and kind (input, cached, output).
	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_llm_tokens_total",
		Help: "LLM tokens consumed",
	}, []string{"agent", "kind"})

	// SessionResetsTotal counts provider session resets per agent.
	SessionResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_session_resets_total",
		Help: "Provider session resets",
	}, []string{"agent"})

	// ExtractionRunsTotal counts stenographer runs by outcome.
	ExtractionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_extraction_runs_total",
		Help: "Stenographer extraction runs",
	}, []string{"status"})

	// HintsTotal counts director hints written.
	HintsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_hints_total",
		Help: "Director hints written",
	})

	// TTSRequestsTotal counts TTS synthesis calls by outcome.
	TTSRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_tts_requests_total",
		Help: "TTS synthesis requests",
	}, []string{"status"})

	// SchedulerQueueDepth tracks queued tasks across all users.
	SchedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_scheduler_queue_depth",
		Help: "Tasks waiting in per-user queues",
	})
)
