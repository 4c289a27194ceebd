// Package metrics holds the prometheus collectors of the API and the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksSubmitted counts POST /analyze outcomes: cache_hit, reused, created
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_tasks_submitted_total",
		Help: "Analysis submissions by outcome",
	}, []string{"outcome"})

	// TasksFinished counts task executions by terminal status
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_tasks_finished_total",
		Help: "Task executions by final status",
	}, []string{"status"})

	// StepDuration tracks how long each orchestration step takes
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_task_step_duration_seconds",
		Help:    "Orchestration step duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 3, 10), // 50ms to ~16min
	}, []string{"step"})

	// LLMCalls counts LLM attempts by provider and outcome kind
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_llm_calls_total",
		Help: "LLM call attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	// LLMTokens counts tokens consumed by provider and direction
	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_llm_tokens_total",
		Help: "LLM tokens by provider and direction",
	}, []string{"provider", "direction"})

	// QueueDepth is the last observed length of the task queue
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_queue_depth",
		Help: "Pending deliveries in the analysis queue",
	})

	// HTTPRequests counts API requests by route and status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_http_requests_total",
		Help: "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks API latency by route
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
