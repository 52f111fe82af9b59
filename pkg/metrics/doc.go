// Package metrics exposes Prometheus instrumentation for all
// mongoclaw components.
//
// # Core Components
//
// Package-level collectors: every metric is a package variable with the
// mongoclaw_ prefix, registered in init. Components record directly:
//
//	metrics.ChangeEventsTotal.WithLabelValues(db, coll, op).Inc()
//	metrics.AIRequestDuration.WithLabelValues(provider, model).Observe(secs)
//
// Timer: a small helper for histogram observations around a call:
//
//	timer := metrics.NewTimer()
//	result, err := provider.Complete(ctx, req)
//	timer.ObserveDurationVec(metrics.AIRequestDuration, provider.Name(), model)
//
// Collector: samples gauge metrics (agent counts, stream lengths,
// pending counts, DLQ depth) from the stores on an interval. Depth
// gauges have no counter to derive from.
//
// # Metric Groups
//
//   - mongoclaw_agents_total, mongoclaw_agent_executions_total,
//     mongoclaw_agent_execution_duration_seconds
//   - mongoclaw_ai_requests_total, mongoclaw_ai_request_duration_seconds,
//     mongoclaw_ai_tokens_total, mongoclaw_ai_cost_usd_total
//   - mongoclaw_queue_size, mongoclaw_queue_pending,
//     mongoclaw_queue_processed_total, mongoclaw_dlq_size
//   - mongoclaw_workers_active, mongoclaw_worker_processing,
//     mongoclaw_agent_stream_pending, mongoclaw_agent_stream_inflight,
//     mongoclaw_starved_streams
//   - mongoclaw_change_events_total, mongoclaw_change_stream_lag_seconds
//   - mongoclaw_dispatch_admission_total, mongoclaw_dispatch_queue_fullness
//   - mongoclaw_version_conflicts_total, mongoclaw_hash_conflicts_total,
//     mongoclaw_loop_guard_skips_total, mongoclaw_shadow_writes_skipped_total
//   - mongoclaw_policy_decisions_total, mongoclaw_retries_scheduled_total
//   - mongoclaw_agent_quarantine_events_total, mongoclaw_agent_quarantine_active,
//     mongoclaw_agent_concurrency_waits_total,
//     mongoclaw_agent_latency_slo_violations_total
//   - mongoclaw_circuit_breaker_state, mongoclaw_circuit_breaker_failures_total
//   - mongoclaw_is_leader, mongoclaw_replayed_deliveries_total
//
// # Integration Points
//
// The runtime mounts Handler() at /metrics on the observability port,
// next to the probe routes served by the health package.
package metrics
