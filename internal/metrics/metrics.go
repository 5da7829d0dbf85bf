package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackengine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// MQTT metrics
	MQTTMessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackengine_mqtt_messages_received_total",
			Help: "Total number of tracker fixes received over MQTT",
		},
	)

	MQTTParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackengine_mqtt_parse_errors_total",
			Help: "Total number of MQTT payloads that could not be decoded",
		},
	)

	MQTTConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackengine_mqtt_connection_status",
			Help: "MQTT connection status (1 = connected, 0 = disconnected)",
		},
	)

	// Ingestion and filtering
	PointsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_points_ingested_total",
			Help: "Total number of fixes accepted for processing",
		},
		[]string{"source"}, // live, history
	)

	PointsOutOfOrder = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackengine_points_out_of_order_total",
			Help: "Fixes rejected because their timestamp went backwards",
		},
	)

	FilterCorrections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_filter_corrections_total",
			Help: "Fixes modified by the noise filter",
		},
		[]string{"kind"}, // spike_zeroed, spike_restored, outlier_gated, malformed_filled
	)

	// Analysis
	AnalysesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_analyses_total",
			Help: "Trajectory analyses run",
		},
		[]string{"mode", "status"}, // mode: movement/zone, status: success/error
	)

	AnalysisDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackengine_analysis_duration_seconds",
			Help:    "Duration of trajectory analyses including I/O",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"mode"},
	)

	// State machines
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_session_transitions_total",
			Help: "Attendance session status transitions",
		},
		[]string{"kind", "from", "to"},
	)

	ActivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_activity_transitions_total",
			Help: "Activity status transitions",
		},
		[]string{"from", "to"},
	)

	// Stores
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackengine_store_operation_duration_seconds",
			Help:    "Duration of store operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	StoreOperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_store_operation_errors_total",
			Help: "Total number of store operation errors",
		},
		[]string{"operation"},
	)

	StoreConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_store_cas_conflicts_total",
			Help: "Optimistic concurrency conflicts, retried or surfaced",
		},
		[]string{"operation", "outcome"}, // outcome: retried, failed
	)

	// History batch writer
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackengine_history_batch_size",
			Help:    "Size of fix history batch inserts",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackengine_history_batch_duration_seconds",
			Help:    "Duration of fix history batch inserts",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackengine_history_batches_total",
			Help: "Total number of history batches processed",
		},
		[]string{"status"}, // success, error
	)

	HistoryQueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackengine_history_queue_size",
			Help: "Current size of the history writer queue",
		},
	)

	// Dispatcher
	DispatcherQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackengine_dispatcher_queue_depth",
			Help: "Jobs waiting per dispatcher shard",
		},
		[]string{"shard"},
	)

	DispatcherRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackengine_dispatcher_rejected_total",
			Help: "Jobs rejected because a shard queue was full or closed",
		},
	)

	// Application info
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trackengine_app_info",
			Help: "Application information",
		},
		[]string{"version"},
	)

	RedisConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackengine_redis_connection_status",
			Help: "Redis connection status (1 = connected, 0 = disconnected)",
		},
	)

	MySQLConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackengine_mysql_connection_status",
			Help: "MySQL connection status (1 = connected, 0 = disconnected)",
		},
	)
)

// SetAppInfo records the running version
func SetAppInfo(version string) {
	AppInfo.WithLabelValues(version).Set(1)
}
