package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task metrics
	TasksSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_tasks_submitted_total",
			Help: "Total number of agent tasks submitted",
		},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_tasks_completed_total",
			Help: "Total number of agent tasks reaching a terminal state",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sre_agent_task_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	TaskRedeliveries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_task_redeliveries_total",
			Help: "Tasks reclaimed from stalled workers",
		},
	)

	// Tool metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_tool_invocations_total",
			Help: "Tool invocations by tool name and status",
		},
		[]string{"tool", "status"},
	)

	ToolCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_tool_cache_hits_total",
			Help: "Tool output cache hits",
		},
	)

	ToolCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_tool_cache_misses_total",
			Help: "Tool output cache misses",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_llm_requests_total",
			Help: "LLM requests by model and status",
		},
		[]string{"model", "status"},
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_llm_retries_total",
			Help: "LLM retries after transient failures",
		},
		[]string{"model"},
	)

	// Streaming metrics
	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_stream_events_published_total",
			Help: "Task stream events published",
		},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sre_agent_stream_subscribers",
			Help: "Live stream subscribers across all tasks",
		},
	)

	// Knowledge metrics
	KnowledgeSearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sre_agent_knowledge_search_duration_seconds",
			Help:    "Knowledge vector search latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	// Q&A metrics
	QARecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sre_agent_qa_recorded_total",
			Help: "Q&A records persisted",
		},
	)

	QAEmbedJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_qa_embed_jobs_total",
			Help: "Deferred Q&A embedding jobs by status",
		},
		[]string{"status"},
	)

	// Workflow metrics
	TopicsDiagnosed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sre_agent_topics_diagnosed",
			Help:    "Topics produced by the diagnose stage per turn",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		},
	)

	CorrectorInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sre_agent_corrector_invocations_total",
			Help: "Safety corrector runs by outcome (edited, unchanged)",
		},
		[]string{"outcome"},
	)
)
