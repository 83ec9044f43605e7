package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quartz_nodes_total",
			Help: "Total number of nodes by state",
		},
		[]string{"state"},
	)

	NodesFlaggedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_nodes_no_respond_total",
			Help: "Number of nodes currently flagged NO_RESPOND by the reconciler",
		},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_partitions_total",
			Help: "Total number of partitions",
		},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quartz_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	AssociationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_associations_total",
			Help: "Total number of associations in the accounting tree",
		},
	)

	AssociationLookupErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_association_lookup_errors_total",
			Help: "Total number of association lookups that failed (unknown or deleted association)",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_raft_is_leader",
			Help: "Whether this controller is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quartz_raft_apply_duration_seconds",
			Help:    "Time taken for Controller.Apply to commit a log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics
	SchedulingPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quartz_scheduling_pass_duration_seconds",
			Help:    "Time taken for one Scheduler.Pass to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsPlacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_jobs_placed_total",
			Help: "Total number of jobs placed by the scheduler (immediate or backfill)",
		},
	)

	JobsBackfilledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_jobs_backfilled_total",
			Help: "Total number of jobs placed ahead of a higher-priority blocked job by backfill",
		},
	)

	JobsBlockedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_jobs_blocked_total",
			Help: "Number of pending jobs that could not be placed on the last scheduling pass",
		},
	)

	// Agent fan-out metrics
	AgentDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quartz_agent_dispatch_duration_seconds",
			Help:    "Round-trip time of an agent RPC by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rpc_type"},
	)

	AgentRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_agent_retry_queue_depth",
			Help: "Number of agent RPCs currently waiting on backoff for redelivery",
		},
	)

	AgentWatchdogDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quartz_agent_watchdog_depth",
			Help: "Number of in-flight agent RPCs being tracked for timeout",
		},
	)

	AgentRPCTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quartz_agent_rpc_total",
			Help: "Total number of agent RPCs by type and outcome",
		},
		[]string{"rpc_type", "outcome"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quartz_reconciliation_duration_seconds",
			Help:    "Time taken for a node-failure reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	NodesMarkedDownTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_nodes_marked_down_total",
			Help: "Total number of nodes the reconciler has transitioned to DOWN",
		},
	)

	// Wire RPC server metrics
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quartz_rpc_requests_total",
			Help: "Total number of wire-protocol RPC requests by type and status",
		},
		[]string{"type", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quartz_rpc_request_duration_seconds",
			Help:    "Wire-protocol RPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Credential metrics
	CredentialsSignedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_credentials_signed_total",
			Help: "Total number of job launch credentials signed",
		},
	)

	CredentialVerifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quartz_credential_verify_failures_total",
			Help: "Total number of credential verifications that failed, including revocations",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesFlaggedTotal)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(AssociationsTotal)
	prometheus.MustRegister(AssociationLookupErrorsTotal)

	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(SchedulingPassDuration)
	prometheus.MustRegister(JobsPlacedTotal)
	prometheus.MustRegister(JobsBackfilledTotal)
	prometheus.MustRegister(JobsBlockedTotal)

	prometheus.MustRegister(AgentDispatchDuration)
	prometheus.MustRegister(AgentRetryQueueDepth)
	prometheus.MustRegister(AgentWatchdogDepth)
	prometheus.MustRegister(AgentRPCTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(NodesMarkedDownTotal)

	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)

	prometheus.MustRegister(CredentialsSignedTotal)
	prometheus.MustRegister(CredentialVerifyFailuresTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
