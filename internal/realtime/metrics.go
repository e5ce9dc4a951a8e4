package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	connectionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_ws_connections",
			Help: "Number of open WebSocket connections.",
		},
	)

	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderoom_ws_frames_dropped_total",
			Help: "Outbound frames dropped because a connection's send queue was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(connectionsGauge)
	prometheus.MustRegister(framesDropped)
}
