package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SwapsRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "battery_swap", Name: "swaps_requested_total", Help: "Total swap requests accepted into a queue"})
	SwapsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "battery_swap", Name: "swaps_finished_total", Help: "Total swaps reaching a terminal state"},
		[]string{"outcome"},
	)
	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{Namespace: "battery_swap", Name: "capacity_rejections_total", Help: "Reservations rejected because the station queue was full"})

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "battery_swap", Name: "queue_depth", Help: "Active queue slots per station"},
		[]string{"station"},
	)
	WaitEstimate = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "battery_swap",
		Name:      "wait_estimate_seconds",
		Help:      "Distribution of wait estimates handed to riders",
		Buckets:   prometheus.ExponentialBuckets(60, 2, 8),
	})

	TokenVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "battery_swap", Name: "token_verifications_total", Help: "Token verification attempts by result"},
		[]string{"result"},
	)

	GeofenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "battery_swap", Name: "geofence_transitions_total", Help: "Proximity state transitions emitted"},
		[]string{"to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "battery_swap", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "battery_swap",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
