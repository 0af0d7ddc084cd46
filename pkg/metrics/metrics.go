package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Naming store (C1)
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "registry_instances_total",
			Help: "Total number of registered instances by health state",
		},
		[]string{"healthy"},
	)

	ServicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_services_total",
			Help: "Total number of services known to this node",
		},
	)

	HealthSweepChangedServices = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_health_sweep_changed_services_total",
			Help: "Total number of services whose instance set changed during a health sweep",
		},
	)

	HealthSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_health_sweep_duration_seconds",
			Help:    "Time taken for one health sweep pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	MetadataParseErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_metadata_parse_errors_total",
			Help: "Total number of instance metadata parameters dropped because they failed to parse",
		},
	)

	// Subscriber index (C2) / delay notifier (C3)
	SubscribersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "registry_subscribers_total",
			Help: "Total number of distinct subscribed client ids",
		},
	)

	NotifyFanOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_notify_fanout_total",
			Help: "Total number of individual pushes dispatched by the delay notifier",
		},
	)

	NotifyCoalescedBatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_notify_coalesced_batches_total",
			Help: "Total number of coalescing windows that fired at least one push",
		},
	)

	// Cluster sync sender (C4)
	SyncSendAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_sync_send_attempts_total",
			Help: "Total number of outbound sync-sender RPC attempts by payload kind and outcome",
		},
		[]string{"payload", "outcome"},
	)

	SyncSendRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_sync_send_retries_total",
			Help: "Total number of sync-sender retries",
		},
	)

	SyncMailboxDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_sync_mailbox_dropped_total",
			Help: "Total number of non-ping payloads dropped due to mailbox overflow",
		},
		[]string{"peer_id"},
	)

	SyncSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_sync_send_duration_seconds",
			Help:    "Outbound sync-sender RPC duration by payload kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"payload"},
	)

	// Config publish bridge (C6) / Raft
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConfigPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_config_publish_total",
			Help: "Total number of config publish requests by outcome",
		},
		[]string{"outcome"},
	)

	// Privilege gate (C7)
	PermissionDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_permission_denied_total",
			Help: "Total number of requests denied by the privilege gate",
		},
		[]string{"namespace_id"},
	)

	RateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_rate_limited_total",
			Help: "Total number of requests rejected by the per-namespace rate limiter",
		},
		[]string{"namespace_id"},
	)

	// API transport
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "registry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		ServicesTotal,
		HealthSweepChangedServices,
		HealthSweepDuration,
		MetadataParseErrorsTotal,
		SubscribersTotal,
		NotifyFanOut,
		NotifyCoalescedBatches,
		SyncSendAttemptsTotal,
		SyncSendRetriesTotal,
		SyncMailboxDroppedTotal,
		SyncSendDuration,
		RaftApplyDuration,
		ConfigPublishTotal,
		PermissionDeniedTotal,
		RateLimitedTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
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
