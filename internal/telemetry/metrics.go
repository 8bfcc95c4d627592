package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pos_terminal",
		Name:      "session_transitions_total",
		Help:      "Payment session transitions by target state.",
	}, []string{"method_id", "state"})

	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pos_terminal",
		Name:      "active_sessions",
		Help:      "Sessions currently holding a terminal channel.",
	}, []string{"method_id"})

	ChannelCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pos_terminal",
		Name:      "channel_closes_total",
		Help:      "Terminal channel closes, graceful or forced after the fallback timeout.",
	}, []string{"mode"})

	DiscardedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pos_terminal",
		Name:      "discarded_frames_total",
		Help:      "Inbound frames dropped because no current session owned them.",
	})

	GuardDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pos_terminal",
		Name:      "guard_denials_total",
		Help:      "UI actions denied by the order guard.",
	}, []string{"action"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pos_terminal",
		Name:      "http_request_duration_seconds",
		Help:      "Latency of the POS UI API.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
