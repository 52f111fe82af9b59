package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// aiDurationBuckets covers provider round trips, which routinely run
// into tens of seconds for large completions.
var aiDurationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

var (
	// Agent metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_agents_total",
			Help: "Number of registered agents by status",
		},
		[]string{"status"},
	)

	AgentExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_agent_executions_total",
			Help: "Total agent executions by agent and final status",
		},
		[]string{"agent_id", "status"},
	)

	AgentExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongoclaw_agent_execution_duration_seconds",
			Help:    "End-to-end execution duration per agent in seconds",
			Buckets: aiDurationBuckets,
		},
		[]string{"agent_id"},
	)

	// AI provider metrics
	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_ai_requests_total",
			Help: "Total AI provider requests by provider, model, and status",
		},
		[]string{"provider", "model", "status"},
	)

	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mongoclaw_ai_request_duration_seconds",
			Help:    "AI provider request duration in seconds",
			Buckets: aiDurationBuckets,
		},
		[]string{"provider", "model"},
	)

	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_ai_tokens_total",
			Help: "Total tokens consumed by provider, model, and type (prompt or completion)",
		},
		[]string{"provider", "model", "type"},
	)

	AICostUSDTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_ai_cost_usd_total",
			Help: "Estimated cumulative AI spend in USD by provider and model",
		},
		[]string{"provider", "model"},
	)

	// Queue metrics
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_queue_size",
			Help: "Stream length by queue",
		},
		[]string{"queue"},
	)

	QueuePending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_queue_pending",
			Help: "Delivered-but-unacknowledged entries by queue and consumer group",
		},
		[]string{"queue", "consumer_group"},
	)

	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_queue_processed_total",
			Help: "Total work items processed by queue and outcome",
		},
		[]string{"queue", "status"},
	)

	DLQSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongoclaw_dlq_size",
			Help: "Entries in the dead letter queue",
		},
	)

	// Worker metrics
	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_workers_active",
			Help: "Live workers by pool",
		},
		[]string{"pool"},
	)

	WorkerProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_worker_processing",
			Help: "Workers currently processing an item by pool",
		},
		[]string{"pool"},
	)

	AgentStreamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_agent_stream_pending",
			Help: "Pending entries per agent stream",
		},
		[]string{"agent_id", "stream"},
	)

	AgentStreamInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_agent_stream_inflight",
			Help: "Items currently being processed per agent stream",
		},
		[]string{"agent_id", "stream"},
	)

	StarvedStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_starved_streams",
			Help: "Streams that produced no work for more than the starvation threshold of cycles",
		},
		[]string{"pool"},
	)

	// Change stream metrics
	ChangeEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_change_events_total",
			Help: "Change events observed by database, collection, and operation",
		},
		[]string{"database", "collection", "operation"},
	)

	ChangeStreamLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_change_stream_lag_seconds",
			Help: "Seconds between an event's cluster time and its observation",
		},
		[]string{"database", "collection"},
	)

	// Dispatch metrics
	DispatchAdmissionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_dispatch_admission_total",
			Help: "Dispatch admission outcomes by agent, stream, and decision",
		},
		[]string{"agent_id", "stream", "decision"},
	)

	DispatchQueueFullness = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_dispatch_queue_fullness",
			Help: "Sampled stream length over capacity, 0 to 1",
		},
		[]string{"stream"},
	)

	// Delivery and writeback guard metrics
	ReplayedDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_replayed_deliveries_total",
			Help: "Work items claimed back from dead consumers",
		},
		[]string{"agent_id"},
	)

	VersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_version_conflicts_total",
			Help: "Writebacks abandoned because the document version advanced",
		},
		[]string{"agent_id"},
	)

	HashConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_hash_conflicts_total",
			Help: "Writebacks abandoned because the document content changed",
		},
		[]string{"agent_id"},
	)

	LoopGuardSkipsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_loop_guard_skips_total",
			Help: "Change events skipped because only framework fields changed",
		},
		[]string{"agent_id"},
	)

	ShadowWritesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_shadow_writes_skipped_total",
			Help: "Writebacks skipped by shadow consistency mode",
		},
		[]string{"agent_id"},
	)

	// Policy and retry metrics
	PolicyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_policy_decisions_total",
			Help: "Policy gate outcomes by agent, action, and whether the condition matched",
		},
		[]string{"agent_id", "action", "matched"},
	)

	RetriesScheduledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_retries_scheduled_total",
			Help: "Retries scheduled by agent and failure reason",
		},
		[]string{"agent_id", "reason"},
	)

	// Failure budget metrics
	AgentQuarantineEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_agent_quarantine_events_total",
			Help: "Times an agent tripped its failure budget and was quarantined",
		},
		[]string{"agent_id"},
	)

	AgentQuarantineActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_agent_quarantine_active",
			Help: "Whether the agent is currently quarantined (1) or not (0)",
		},
		[]string{"agent_id"},
	)

	AgentConcurrencyWaitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_agent_concurrency_waits_total",
			Help: "Executions that waited on the agent's concurrency cap",
		},
		[]string{"agent_id"},
	)

	AgentLatencySLOViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_agent_latency_slo_violations_total",
			Help: "Executions that exceeded the agent's latency objective",
		},
		[]string{"agent_id"},
	)

	// Circuit breaker metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mongoclaw_circuit_breaker_state",
			Help: "Breaker state by name (0 = closed, 1 = open, 2 = half-open)",
		},
		[]string{"name"},
	)

	CircuitBreakerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mongoclaw_circuit_breaker_failures_total",
			Help: "Requests rejected or failed through a breaker by name",
		},
		[]string{"name"},
	)

	// Leader election metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mongoclaw_is_leader",
			Help: "Whether this instance holds the watcher lease (1 = leader)",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentsTotal)
	prometheus.MustRegister(AgentExecutionsTotal)
	prometheus.MustRegister(AgentExecutionDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(AICostUSDTotal)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(QueuePending)
	prometheus.MustRegister(QueueProcessedTotal)
	prometheus.MustRegister(DLQSize)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(WorkerProcessing)
	prometheus.MustRegister(AgentStreamPending)
	prometheus.MustRegister(AgentStreamInFlight)
	prometheus.MustRegister(StarvedStreams)
	prometheus.MustRegister(ChangeEventsTotal)
	prometheus.MustRegister(ChangeStreamLag)
	prometheus.MustRegister(DispatchAdmissionTotal)
	prometheus.MustRegister(DispatchQueueFullness)
	prometheus.MustRegister(ReplayedDeliveriesTotal)
	prometheus.MustRegister(VersionConflictsTotal)
	prometheus.MustRegister(HashConflictsTotal)
	prometheus.MustRegister(LoopGuardSkipsTotal)
	prometheus.MustRegister(ShadowWritesSkippedTotal)
	prometheus.MustRegister(PolicyDecisionsTotal)
	prometheus.MustRegister(RetriesScheduledTotal)
	prometheus.MustRegister(AgentQuarantineEventsTotal)
	prometheus.MustRegister(AgentQuarantineActive)
	prometheus.MustRegister(AgentConcurrencyWaitsTotal)
	prometheus.MustRegister(AgentLatencySLOViolationsTotal)
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerFailuresTotal)
	prometheus.MustRegister(IsLeader)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
