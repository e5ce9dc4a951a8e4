package session

import "github.com/prometheus/client_golang/prometheus"

var (
	roomsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_rooms",
			Help: "Number of rooms with at least one participant.",
		},
	)

	participantsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderoom_participants",
			Help: "Number of participants across all rooms.",
		},
	)
)

func init() {
	prometheus.MustRegister(roomsGauge)
	prometheus.MustRegister(participantsGauge)
}
