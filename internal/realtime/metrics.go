package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "realtime_frames_total",
		Namespace: "lykyn_sync",
		Help:      "number of realtime frames dispatched, by kind",
	}, []string{"kind"})
	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "realtime_reconnects_total",
		Namespace: "lykyn_sync",
		Help:      "number of realtime reconnect attempts",
	})
	connectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "realtime_connect_errors_total",
		Namespace: "lykyn_sync",
		Help:      "number of failed realtime connection attempts, by transport",
	}, []string{"transport"})
	connectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name:      "realtime_state",
		Namespace: "lykyn_sync",
		Help:      "realtime channel state: 0 disconnected, 1 connecting, 2 connected",
	})
)
