package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avatar_chat_active_sessions",
			Help: "Number of avatar sessions currently streaming",
		},
	)

	SessionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_chat_session_starts_total",
			Help: "Avatar session start attempts by result",
		},
		[]string{"result"},
	)

	Turns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_chat_turns_total",
			Help: "Completed turns by input modality and outcome",
		},
		[]string{"modality", "outcome"},
	)

	TurnRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_chat_turn_rejections_total",
			Help: "Turns rejected before any network call",
		},
		[]string{"reason"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "avatar_chat_turn_duration_seconds",
			Help:    "Time from admission to a resolved log entry",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8),
		},
		[]string{"modality"},
	)

	Recordings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_chat_recordings_total",
			Help: "Voice recordings by result",
		},
		[]string{"result"},
	)

	TransportErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avatar_chat_transport_errors_total",
			Help: "Non-fatal avatar transport failures by operation",
		},
		[]string{"operation"},
	)
)

// RegisterRealtimeConnections exposes the number of open realtime event
// sockets. It must be called once per process.
func RegisterRealtimeConnections(count func() int) prometheus.GaugeFunc {
	return promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "avatar_chat_realtime_connections",
			Help: "Realtime event sockets currently held by the avatar transport",
		},
		func() float64 { return float64(count()) },
	)
}
