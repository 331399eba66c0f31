package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Detection metrics
	EventsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_detected_total",
			Help: "Security events emitted by source and severity",
		},
		[]string{"source", "severity"},
	)

	EventsDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_deduplicated_total",
			Help: "Events suppressed by the seen cache, by source",
		},
		[]string{"source"},
	)

	AdapterFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_adapter_failures_total",
			Help: "Source adapter poll failures",
		},
		[]string{"source"},
	)

	AdapterPollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_adapter_poll_duration_seconds",
			Help:    "Source adapter poll duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	// Pipeline metrics
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_batches_total",
			Help: "Remediation batches reaching a terminal status",
		},
		[]string{"status"},
	)

	BatchQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_batch_queue_depth",
			Help: "Batches waiting for the dispatcher",
		},
	)

	BatchEvents = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_batch_events",
			Help:    "Events per closed batch",
			Buckets: []float64{1, 2, 3, 5, 8, 10},
		},
	)

	CircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_circuit_state",
			Help: "Remediation circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
	)

	// Planner metrics
	PlanRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_plan_requests_total",
			Help: "Planner calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	PlanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_plan_duration_seconds",
			Help:    "Planner call duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	PlanConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_plan_confidence",
			Help:    "Confidence reported by accepted plans",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1},
		},
	)

	// Approval metrics
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_approvals_total",
			Help: "Approval outcomes (approved, rejected, timeout, auto)",
		},
		[]string{"decision"},
	)

	// Execution metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_commands_total",
			Help: "Commands run through the executor by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	CommandDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sentinel_command_duration_seconds",
			Help:    "Executor command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_backups_total",
			Help: "Backups created by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_rollbacks_total",
			Help: "Batch rollbacks performed",
		},
	)

	FixesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_fixes_total",
			Help: "Fix attempts by event source and result",
		},
		[]string{"source", "result"},
	)

	// Monitor metrics
	ProjectUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_project_up",
			Help: "Monitored project health (1 healthy, 0 down)",
		},
		[]string{"project"},
	)

	IncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_incidents_total",
			Help: "Incidents opened per project",
		},
		[]string{"project"},
	)

	MonitorRemediations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_monitor_remediations_total",
			Help: "Remediation commands triggered by the monitor",
		},
		[]string{"project"},
	)

	// Ingest metrics
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_webhooks_total",
			Help: "Webhook deliveries by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	PushesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_pushes_processed_total",
			Help: "Push events fully processed per repository",
		},
		[]string{"repo"},
	)
)

func init() {
	prometheus.MustRegister(EventsDetected)
	prometheus.MustRegister(EventsDeduplicated)
	prometheus.MustRegister(AdapterFailures)
	prometheus.MustRegister(AdapterPollDuration)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(BatchQueueDepth)
	prometheus.MustRegister(BatchEvents)
	prometheus.MustRegister(CircuitState)
	prometheus.MustRegister(PlanRequests)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(PlanConfidence)
	prometheus.MustRegister(ApprovalsTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(BackupsTotal)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(FixesTotal)
	prometheus.MustRegister(ProjectUp)
	prometheus.MustRegister(IncidentsTotal)
	prometheus.MustRegister(MonitorRemediations)
	prometheus.MustRegister(WebhooksTotal)
	prometheus.MustRegister(PushesProcessed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
