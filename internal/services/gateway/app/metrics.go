package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics tracks the gateway's session and dispatch activity.
type metrics struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	rpcTotal       *prometheus.CounterVec
	updatesPushed  prometheus.Counter
	pushDropped    prometheus.Counter
	framesDropped  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meridian_sessions_active",
			Help: "Open websocket sessions.",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_sessions_total",
			Help: "Sessions accepted since start.",
		}),
		rpcTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meridian_rpc_total",
			Help: "RPC calls by method and outcome.",
		}, []string{"method", "outcome"}),
		updatesPushed: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_updates_pushed_total",
			Help: "Committed updates pushed to online sessions.",
		}),
		pushDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_updates_push_dropped_total",
			Help: "Update pushes dropped on failed session writes.",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meridian_frames_dropped_total",
			Help: "Inbound frames dropped for rate or decode violations.",
		}),
	}
}
