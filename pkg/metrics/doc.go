/*
Package metrics defines and registers the worker's Prometheus metrics and
serves them over the /metrics endpoint.

Metrics fall into four groups, mirroring the worker loop's own stages:

  - Queue client: moonmind_jobs_claimed_total, _completed_total,
    _failed_total{retryable}, _cancelled_total, and
    moonmind_queue_request_errors_total{operation} for claim/heartbeat/
    ack-cancel/complete/fail request failures.
  - Stage executor: moonmind_stage_duration_seconds{stage} and
    moonmind_step_attempts_total{outcome}.
  - Self-heal: moonmind_self_heal_resets_total{strategy}.
  - Subprocess and heartbeat: wall/idle timeout counters, a duration
    histogram by runtime adapter, and moonmind_worker_heartbeat_failures_total.

All metrics are package-level variables registered against the default
Prometheus registry in init(), so any package can record to them without
first obtaining a handle. Handler returns the promhttp handler to mount
at /metrics; Timer is a small helper for observing an operation's
duration into a histogram:

	timer := metrics.NewTimer()
	// ... do the work ...
	timer.ObserveDurationVec(metrics.StageDuration, "execute")
*/
package metrics
