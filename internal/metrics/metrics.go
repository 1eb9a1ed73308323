// README: Prometheus collectors for lifecycle transitions, conflicts, checkout and retries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_trip_transitions_total",
			Help: "Trip status transitions by target status and actor role",
		},
		[]string{"to", "role"},
	)

	DriverTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_driver_transitions_total",
			Help: "Driver verification status transitions",
		},
		[]string{"to"},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_cas_conflicts_total",
			Help: "Conditional writes that lost to a concurrent update",
		},
		[]string{"entity"},
	)

	CheckoutOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_checkout_outcomes_total",
			Help: "Checkout results by payment method and state",
		},
		[]string{"method", "state"},
	)

	InviteExpirations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shuttle_invite_expirations_total",
			Help: "Invite links reclassified as expired on read",
		},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_retry_attempts_total",
			Help: "Retries issued by the shared retry policy",
		},
		[]string{"op"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shuttle_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shuttle_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
