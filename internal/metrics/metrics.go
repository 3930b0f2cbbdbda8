// Package metrics exposes Prometheus instrumentation for the GOSP proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gosp",
		Name:      "workers_connected",
		Help:      "Number of active downstream miner sessions.",
	})

	WorkersAuthorized = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gosp",
		Name:      "workers_authorized",
		Help:      "Number of currently authorized workers.",
	})

	SharesAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gosp",
		Name:      "shares_accepted_total",
		Help:      "Total shares accepted by the upstream pool.",
	})

	SharesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gosp",
		Name:      "shares_rejected_total",
		Help:      "Total rejected shares by rejection reason.",
	}, []string{"reason"})

	JobsBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gosp",
		Name:      "jobs_broadcast_total",
		Help:      "Total jobs broadcast to downstream workers.",
	})

	NetworkDifficulty = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gosp",
		Name:      "network_difficulty",
		Help:      "Network difficulty derived from the current job's nbits.",
	})

	UpstreamState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gosp",
		Name:      "upstream_state",
		Help:      "Upstream session state (0=disconnected, 1=connecting, 2=subscribing, 3=active).",
	})

	UpstreamReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gosp",
		Name:      "upstream_reconnects_total",
		Help:      "Total upstream reconnection attempts.",
	})

	BlockChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gosp",
		Name:      "block_changes_total",
		Help:      "Total best-block changes observed in the upstream job stream.",
	})
)

func init() {
	prometheus.MustRegister(
		WorkersConnected,
		WorkersAuthorized,
		SharesAccepted,
		SharesRejected,
		JobsBroadcast,
		NetworkDifficulty,
		UpstreamState,
		UpstreamReconnects,
		BlockChanges,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
