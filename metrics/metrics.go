// Package metrics exposes the fleet's Prometheus gauges and the handler
// that serves them. This is a supplemented surface: the wire protocol in
// §4.A never mentions /metrics, so nothing here is part of the Event
// union — it is an additional HTTP endpoint alongside the WebSocket one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "workers_active_total",
		Help:      "Number of workers currently tracked by the registry, any state.",
	})
	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "tasks_in_flight_total",
		Help:      "Number of tasks in state queued or running.",
	})
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleet",
		Name:      "clients_connected_total",
		Help:      "Number of control clients currently connected to the hub.",
	})
	TaskLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "task_latency_ms",
		Help:      "Latency in milliseconds from a task's startedAt to its terminal state.",
		Buckets:   prometheus.ExponentialBuckets(5, 2, 12),
	})
)

// Handler serves the standard Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
