// Package metrics holds the Prometheus collectors shared by the API and
// the engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_dispatches_total",
			Help: "Step dispatch attempts by channel, outcome and trigger",
		},
		[]string{"channel", "status", "manual"},
	)
	QueuePassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequencer_queue_pass_duration_seconds",
			Help:    "Duration of one due-check and dispatch pass",
			Buckets: prometheus.DefBuckets,
		},
	)
	DueSteps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sequencer_due_steps",
			Help: "Steps found due in the last queue pass",
		},
	)
	LifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_lifecycle_events_total",
			Help: "Lifecycle transitions by event and outcome",
		},
		[]string{"event", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DispatchesTotal,
		QueuePassDuration,
		DueSteps,
		LifecycleEventsTotal,
	)
}

func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	HTTPRequestsTotal.With(labels).Inc()
	HTTPRequestDuration.With(labels).Observe(elapsed.Seconds())
}

func ObserveDispatch(channel, status string, manual bool) {
	DispatchesTotal.WithLabelValues(channel, status, strconv.FormatBool(manual)).Inc()
}
