package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_relay_messages_total",
		Help: "Signaling and chat messages forwarded by kind.",
	}, []string{"kind"})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "live_relay_dropped_total",
		Help: "Messages that could not be forwarded, by kind and reason.",
	}, []string{"kind", "reason"})

	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "live_online_users",
		Help: "Users with a live signaling connection.",
	})
)
