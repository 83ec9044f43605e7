/*
Package metrics provides Prometheus metrics collection and exposition
for the cluster controller and its agents.

Metrics are defined and registered at package init using the
Prometheus client library, and exposed over HTTP for scraping. The
Collector, once started, periodically samples the controller's
replicated store (nodes, partitions, associations, jobs) into gauges so
that every replica — leader or follower — reports consistent counts.
cmd/ctld does not start a Collector: its reportMetrics loop
(cmd/ctld/http.go) sets the Raft, agent-queue and node-state gauges
every 10s instead. Wire RPC duration and agent dispatch RTT are
recorded inline by cmd/ctld/server.go and cmd/ctld/transport.go.
quartz_association_lookup_errors_total,
quartz_raft_apply_duration_seconds, the scheduler and reconciler
metrics, and quartz_credentials_signed_total are registered but not
updated anywhere in this module.

# Metrics catalog

Cluster state (sampled by Collector every 15s, except the lookup-error
counter):

  quartz_nodes_total{state}            - node count by state
  quartz_nodes_no_respond_total        - nodes currently flagged NO_RESPOND
  quartz_partitions_total              - partition count
  quartz_jobs_total{state}             - job count by state
  quartz_associations_total            - association count
  quartz_association_lookup_errors_total - failed association lookups

Raft:

  quartz_raft_is_leader                - 1 if this controller is leader
  quartz_raft_log_index                - current Raft log index
  quartz_raft_applied_index            - last applied Raft log index
  quartz_raft_apply_duration_seconds   - Controller.Apply latency

Scheduler:

  quartz_scheduling_pass_duration_seconds
  quartz_jobs_placed_total
  quartz_jobs_backfilled_total
  quartz_jobs_blocked_total

Agent fan-out:

  quartz_agent_dispatch_duration_seconds{rpc_type}
  quartz_agent_retry_queue_depth
  quartz_agent_watchdog_depth
  quartz_agent_rpc_total{rpc_type,outcome}

Reconciler:

  quartz_reconciliation_duration_seconds
  quartz_reconciliation_cycles_total
  quartz_nodes_marked_down_total

Wire RPC server:

  quartz_rpc_requests_total{type,status}
  quartz_rpc_request_duration_seconds{type}

Credentials:

  quartz_credentials_signed_total
  quartz_credential_verify_failures_total

# Usage

	timer := metrics.NewTimer()
	err := scheduler.Pass()
	timer.ObserveDuration(metrics.SchedulingPassDuration)

	metrics.JobsPlacedTotal.Inc()

	http.Handle("/metrics", metrics.Handler())

# See also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
