/*
Package metrics exposes Prometheus collectors for the registry server:
naming store gauges (instances/services), delay-notifier fan-out
counters, sync-sender retry/drop counters, Raft apply latency, and
privilege-gate rejection counters.

# Usage

	mux.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

A Collector periodically samples the gauge-style series that the
naming store doesn't naturally update on its own write path:

	collector := metrics.NewCollector(router)
	collector.Start()
	defer collector.Stop()

# Health endpoint

RegisterComponent/SetVersion feed a small HealthChecker used by the
HTTP health endpoint (see health.go), independent of the Prometheus
series above.
*/
package metrics
