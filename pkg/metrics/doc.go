/*
Package metrics provides Prometheus metrics collection and exposition for a
dare-core server.

Metrics are registered at package init and exposed over HTTP for scraping.
The Collector samples a running server's consensus and log state on a timer
and writes the results into the package-level gauges. The counters and the
histogram (dare_elections_total, dare_propose_latency_seconds,
dare_replication_writes_total, dare_divergence_decisions_total) are
registered and exported, but no code in this repository updates them.

# Metric Categories

  - SID/role: dare_sid_term, dare_role
  - Log: dare_log_commit_offset, dare_log_apply_offset
  - Membership: dare_quorum_size, dare_config_state
  - Recovery: dare_recovery_in_progress
  - Elections: dare_elections_total
  - Replication: dare_propose_latency_seconds, dare_replication_writes_total
  - Divergence: dare_divergence_decisions_total

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
