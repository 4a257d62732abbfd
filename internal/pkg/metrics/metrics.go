// Package metrics holds the agent's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the agent's own registry, served at /metrics.
var Registry = prometheus.NewRegistry()

var (
	// SessionsTotal counts finished update sessions.
	SessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_sessions_total",
			Help: "Total number of update sessions by outcome.",
		},
		[]string{"outcome"}, // outcome: restarting/aborted/replaced
	)

	// ItemsTotal counts finished update items.
	ItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_items_total",
			Help: "Total number of update items by kind and outcome.",
		},
		[]string{"kind", "outcome"}, // kind: application/filesystem
	)

	// BytesWritten counts image bytes written to flash.
	BytesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_bytes_written_total",
			Help: "Total number of image bytes written to flash.",
		},
		[]string{"kind"},
	)

	// CommitsTotal counts boot record commits.
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flashota_boot_commits_total",
			Help: "Total number of boot record commits by result.",
		},
		[]string{"result"}, // result: success/failed
	)

	// TransferDuration records how long each image transfer took.
	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flashota_transfer_duration_seconds",
			Help:    "Duration of image transfers.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"kind"},
	)

	// SessionState is 1 for the state the current session is in.
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flashota_session_state",
			Help: "Current update session state (1 for the active state).",
		},
		[]string{"state"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsTotal,
		ItemsTotal,
		BytesWritten,
		CommitsTotal,
		TransferDuration,
		SessionState,
	)
}

// SetState marks state as the only active session state.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// Handler serves Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
