package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Aggregator metrics
	EventsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroster_events_applied_total",
			Help: "Total feed events applied to a roster",
		},
		[]string{"kind"}, // "message", "presence", "presence_sync", "directory"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroster_events_dropped_total",
			Help: "Total feed events dropped without changing a roster",
		},
		[]string{"reason"},
	)

	// Session metrics
	SourceReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroster_source_reconnects_total",
			Help: "Total resubscriptions after a feed disconnected",
		},
		[]string{"source"}, // "messages" or "presence"
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatroster_sessions_active",
			Help: "Number of running subscriber sessions",
		},
	)

	// Gateway metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatroster_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatroster_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatroster_websocket_clients",
			Help: "Number of connected roster websocket clients",
		},
	)
)
