package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

// LabelUnauthenticated is the role label for sessions that have not sent auth yet.
const LabelUnauthenticated = "unauthenticated"

var (
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Live sessions by role"},
		[]string{"role"},
	)
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "frames_total", Help: "Inbound frames by type and outcome"},
		[]string{"type", "outcome"},
	)
	FrameDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_handle_seconds",
			Help:      "Inbound frame handling latency",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	RideTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"status"},
	)
	AcceptRaceLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "accept_race_lost_total", Help: "ride_accepted attempts that lost the conditional update",
	})
	FallbackBroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "fallback_broadcasts_total", Help: "Ride requests fanned out to all drivers because no candidate was found",
	})
	HeartbeatEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "heartbeat_evictions_total", Help: "Sessions evicted for inactivity"},
		[]string{"role"},
	)
	BroadcastDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_deliveries_total", Help: "Outbound frames by delivery result"},
		[]string{"result"},
	)
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events written to kafka by topic and result"},
		[]string{"topic", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
