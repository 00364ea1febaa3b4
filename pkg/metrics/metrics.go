package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatcher metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbs_requests_total",
			Help: "Total number of LBS requests by type",
		},
		[]string{"type"},
	)

	ResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lbs_responses_total",
			Help: "Total number of responses written back to clients",
		},
	)

	ConnectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lbs_connections_total",
			Help: "Total number of client connections accepted",
		},
	)

	ConnectionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lbs_connections_dropped_total",
			Help: "Total number of connections dropped due to protocol or transport errors",
		},
	)

	ReadQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_read_queue_depth",
			Help: "Number of GET requests waiting for an idle reader",
		},
	)

	// Storage metrics
	BlocksAppended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lbs_blocks_appended_total",
			Help: "Total number of blocks appended",
		},
	)

	NextBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_next_block",
			Help: "Smallest block number never yet assigned by an append",
		},
	)

	// Deletion controller metrics
	DeletesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lbs_deletes_issued_total",
			Help: "Total number of object DELETEs issued by the deletion controller",
		},
	)

	DeletedTo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_deleted_to",
			Help: "Durable watermark below which all objects are known-deleted",
		},
	)

	// KV request queue metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_kv_queue_depth",
			Help: "Number of KV requests queued (including in-flight)",
		},
	)

	QueueInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_kv_inflight",
			Help: "Number of KV requests currently in flight",
		},
	)

	QueueRateLimited = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lbs_kv_rate_limited",
			Help: "Whether the KV queue is currently rate limited (1 = limited)",
		},
	)

	QueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lbs_kv_retries_total",
			Help: "Total number of KV requests left on the queue for retry by reason",
		},
		[]string{"reason"},
	)

	QueueRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lbs_kv_request_duration_seconds",
			Help:    "KV request duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(ResponsesTotal)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsDropped)
	prometheus.MustRegister(ReadQueueDepth)
	prometheus.MustRegister(BlocksAppended)
	prometheus.MustRegister(NextBlock)
	prometheus.MustRegister(DeletesIssued)
	prometheus.MustRegister(DeletedTo)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueInflight)
	prometheus.MustRegister(QueueRateLimited)
	prometheus.MustRegister(QueueRetriesTotal)
	prometheus.MustRegister(QueueRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
