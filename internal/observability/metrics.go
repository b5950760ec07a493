package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics exported by the broker.
// It uses a custom registry to avoid polluting the global default.
type Metrics struct {
	Registry *prometheus.Registry

	// Discovery metrics
	DiscoveryDuration  *prometheus.HistogramVec
	DiscoveryResources prometheus.Gauge
	DiscoveryDegraded  prometheus.Gauge

	// External call metrics
	ExternalCallsTotal   *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec
	ExternalRetries      *prometheus.CounterVec

	// Pod metrics
	PodOperationsTotal *prometheus.CounterVec
	PodsByStatus       *prometheus.GaugeVec

	// Job metrics
	JobTransitionsTotal *prometheus.CounterVec
	JobsRunning         prometheus.Gauge
	JobDuration         prometheus.Histogram

	// Monitor metrics
	MonitorTickDuration prometheus.Histogram
	UsageActivePods     prometheus.Gauge
	UsageGPUs           prometheus.Gauge
	UsageCostPerHour    prometheus.Gauge
	AlertsFiredTotal    *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal    *prometheus.CounterVec
	NotificationSizeBytes prometheus.Histogram

	// HTTP API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Runtime metrics
	MemoryPressureEvents prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics
// registered on a custom registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		DiscoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpubroker_discovery_duration_seconds",
			Help:    "Duration of inventory source queries in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		DiscoveryResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_discovery_resources",
			Help: "Number of resources returned by the last discovery call.",
		}),
		DiscoveryDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_discovery_degraded",
			Help: "1 when the last discovery ran on the table source only.",
		}),

		ExternalCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_external_calls_total",
			Help: "Total number of external calls by operation and result.",
		}, []string{"operation", "result"}),
		ExternalCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpubroker_external_call_duration_seconds",
			Help:    "Duration of external calls including retries in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		ExternalRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_external_retries_total",
			Help: "Total number of external call retry attempts.",
		}, []string{"operation"}),

		PodOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_pod_operations_total",
			Help: "Total number of pod lifecycle operations by result.",
		}, []string{"operation", "result"}),
		PodsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gpubroker_pods",
			Help: "Number of tracked pods by status.",
		}, []string{"status"}),

		JobTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_job_transitions_total",
			Help: "Total number of job state transitions by target status.",
		}, []string{"status"}),
		JobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_jobs_running",
			Help: "Number of jobs currently running.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpubroker_job_duration_seconds",
			Help:    "Duration of finished jobs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),

		MonitorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpubroker_monitor_tick_duration_seconds",
			Help:    "Duration of monitor sampling ticks in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		UsageActivePods: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_usage_active_pods",
			Help: "Active pods in the latest usage snapshot.",
		}),
		UsageGPUs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_usage_gpus",
			Help: "GPUs in use in the latest usage snapshot.",
		}),
		UsageCostPerHour: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpubroker_usage_cost_per_hour",
			Help: "Aggregate hourly cost in the latest usage snapshot.",
		}),
		AlertsFiredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_alerts_fired_total",
			Help: "Total number of alerts fired by action.",
		}, []string{"action"}),

		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_notifications_total",
			Help: "Total number of notification deliveries by channel and result.",
		}, []string{"channel", "result"}),
		NotificationSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpubroker_notification_size_bytes",
			Help:    "Compressed size of webhook notification payloads in bytes.",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpubroker_http_requests_total",
			Help: "Total number of API requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpubroker_http_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		MemoryPressureEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gpubroker_memory_pressure_events_total",
			Help: "Total number of times memory use crossed the pressure threshold.",
		}),
	}

	reg.MustRegister(
		m.DiscoveryDuration,
		m.DiscoveryResources,
		m.DiscoveryDegraded,
		m.ExternalCallsTotal,
		m.ExternalCallDuration,
		m.ExternalRetries,
		m.PodOperationsTotal,
		m.PodsByStatus,
		m.JobTransitionsTotal,
		m.JobsRunning,
		m.JobDuration,
		m.MonitorTickDuration,
		m.UsageActivePods,
		m.UsageGPUs,
		m.UsageCostPerHour,
		m.AlertsFiredTotal,
		m.NotificationsTotal,
		m.NotificationSizeBytes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.MemoryPressureEvents,
	)

	return m
}
