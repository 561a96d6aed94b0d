// Package metrics exposes tunnld's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveTunnels tracks live Listen streams by protocol.
	ActiveTunnels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tunnld",
		Name:      "active_tunnels",
		Help:      "Number of live tunnel entrypoints.",
	}, []string{"protocol"})

	// ConnectionsTotal counts external connections accepted per protocol.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tunnld",
		Name:      "connections_total",
		Help:      "External connections accepted on public entrypoints.",
	}, []string{"protocol"})

	// RequestBytes counts bytes forwarded from external peers to clients.
	RequestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnld",
		Name:      "request_bytes_total",
		Help:      "Bytes forwarded from external peers to tunnel clients.",
	})

	// ResponseBytes counts bytes forwarded from clients to external peers.
	ResponseBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunnld",
		Name:      "response_bytes_total",
		Help:      "Bytes forwarded from tunnel clients to external peers.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
