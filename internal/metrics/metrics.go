package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Direction label values.
const (
	DirectionToChat  = "to_chat"
	DirectionToRadio = "to_radio"
)

var (
	// Relay metrics
	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_messages_relayed_total",
			Help: "Total envelopes handed to a destination transport",
		},
		[]string{"direction"},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_messages_dropped_total",
			Help: "Total inbound messages dropped before relay",
		},
		[]string{"direction", "reason"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_send_failures_total",
			Help: "Total envelopes the destination transport failed to send",
		},
		[]string{"transport"},
	)

	// Connection metrics
	ConnectAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_connect_attempts_total",
			Help: "Total transport connect attempts",
		},
		[]string{"transport", "result"},
	)

	ConnectionLosses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshrelay_connection_losses_total",
			Help: "Total detected connection losses",
		},
		[]string{"transport"},
	)

	ConnectionUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshrelay_connection_up",
			Help: "1 when the transport is connected, 0 otherwise",
		},
		[]string{"transport"},
	)

	NameCacheWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meshrelay_name_cache_writes_total",
			Help: "Total node names written to the name cache",
		},
	)
)

// SetConnected flips the connection gauge for a transport.
func SetConnected(transport string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ConnectionUp.WithLabelValues(transport).Set(v)
}
