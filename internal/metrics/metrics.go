package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transport metrics
	ConnectedScopes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomsync_connected_scopes",
			Help: "Scopes with a live transport connection",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_reconnects_total",
			Help: "Reconnect attempts after an unexpected drop",
		},
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_frames_received_total",
			Help: "Inbound STOMP frames by command",
		},
		[]string{"command"},
	)

	SubscriptionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_subscription_errors_total",
			Help: "Topic subscriptions the transport refused",
		},
	)

	// Reconciler metrics
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomsync_events_applied_total",
			Help: "Push events applied to the cache, by effective type",
		},
		[]string{"type"},
	)

	ParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_parse_errors_total",
			Help: "Malformed push payloads dropped",
		},
	)

	StaleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_stale_responses_total",
			Help: "Page responses discarded because the scope was reset",
		},
	)

	PageFetchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomsync_page_fetch_failures_total",
			Help: "Failed page fetches",
		},
	)

	PageFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomsync_page_fetch_duration_seconds",
			Help:    "Page fetch latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)
