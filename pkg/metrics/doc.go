/*
Package metrics provides Prometheus metrics for the LBS server.

The metrics package defines all Prometheus collectors used across the server:
dispatcher request counters, storage gauges, deletion controller progress, and
KV request queue depth/in-flight/rate-limiting instrumentation. Metrics are
registered at package init and exposed via the Handler() HTTP handler when the
server is started with a metrics address.

# Usage

Serving metrics:

	http.Handle("/metrics", metrics.Handler())

Recording metrics:

	metrics.RequestsTotal.WithLabelValues("get").Inc()
	metrics.QueueInflight.Set(float64(n))

	timer := metrics.NewTimer()
	// ... perform request ...
	timer.ObserveDurationVec(metrics.QueueRequestDuration, "GetItem")

# Integration Points

This package integrates with:

  - pkg/dispatch: request/response/connection counters
  - pkg/storage: nextblk gauge, appended blocks counter
  - pkg/deleteto: deletes issued, DeletedTo watermark
  - pkg/queue: depth, in-flight, rate-limited, retries, durations
  - cmd/lbs-dynamodb: the /metrics endpoint
*/
package metrics
