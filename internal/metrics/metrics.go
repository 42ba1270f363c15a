// Package metrics exposes Prometheus metrics for the live engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session metrics
var (
	// LiveSessions tracks sessions currently in the Live state on this instance
	LiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "live_sessions",
			Help: "Sessions currently live on this instance",
		},
	)

	// ArchiveJobsTotal tracks archive hand-offs by outcome
	ArchiveJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_archive_jobs_total",
			Help: "Archive jobs by kind and status",
		},
		[]string{"kind", "status"},
	)
)

// Presence metrics
var (
	// PresenceJoinsTotal counts first joins (refreshes are not counted)
	PresenceJoinsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_joins_total",
			Help: "Viewer joins that created a presence entry",
		},
	)

	// PresenceEvictionsTotal counts entries removed by heartbeat timeout
	PresenceEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_evictions_total",
			Help: "Presence entries evicted after missing heartbeats",
		},
	)

	// PresenceSweepDuration tracks sweep latency
	PresenceSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "presence_sweep_duration_seconds",
			Help:    "Duration of a presence sweep over all sessions",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)
)

// Chat metrics
var (
	// ChatMessagesTotal counts send attempts by result
	ChatMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Chat send attempts by result (accepted, rate_limited, muted, closed, invalid)",
		},
		[]string{"result"},
	)

	// ChatModerationsTotal counts moderation actions
	ChatModerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_moderations_total",
			Help: "Chat moderation actions",
		},
		[]string{"action"},
	)
)

// Engagement metrics
var (
	// ReactionsTotal counts reactions by kind
	ReactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reactions_total",
			Help: "Reactions counted by kind",
		},
		[]string{"kind"},
	)

	// PollVotesTotal counts votes by result
	PollVotesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_votes_total",
			Help: "Poll votes by result (counted, replaced, duplicate, closed)",
		},
		[]string{"result"},
	)
)

// Ledger metrics
var (
	// MonetaryEventsTotal counts ledger transitions
	MonetaryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "monetary_events_total",
			Help: "Monetary events by kind and state transition",
		},
		[]string{"kind", "state"},
	)

	// PaymentDuplicateCallbacksTotal counts idempotent no-op callbacks
	PaymentDuplicateCallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_duplicate_callbacks_total",
			Help: "Confirm/Fail callbacks that were duplicates of an already applied outcome",
		},
	)

	// PaymentInconsistenciesTotal counts callbacks rejected with InvalidEventState
	PaymentInconsistenciesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_inconsistencies_total",
			Help: "Payment callbacks contradicting an already settled event",
		},
	)

	// PaymentLateConfirmationsTotal counts callbacks applied after session finalization
	PaymentLateConfirmationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "payment_late_callbacks_total",
			Help: "Payment callbacks applied to an already finalized ledger",
		},
	)

	// PendingStaleEvents is the number of pending events older than the stale threshold
	PendingStaleEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "payment_pending_stale_events",
			Help: "Pending monetary events older than the configured stale age",
		},
	)
)

// Gateway metrics
var (
	// GatewayPublishTotal counts outbound updates by kind and status
	GatewayPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_publish_total",
			Help: "Outbound updates by kind and status (ok, error, dropped)",
		},
		[]string{"kind", "status"},
	)

	// GatewayConnectedClients tracks open viewer WebSocket connections
	GatewayConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connected_clients",
			Help: "Open viewer WebSocket connections on this instance",
		},
	)

	// CircuitBreakerState tracks breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// HTTP metrics
var (
	// HTTPRequestsTotal counts requests by route and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)
)
