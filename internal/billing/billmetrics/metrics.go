package billmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementsByPlan tracks the number of users per plan and subscription status.
	EntitlementsByPlan = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "entitlements_by_plan",
		Help:      "Number of user entitlements by plan and subscription status.",
	}, []string{"plan", "status"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// SyncEventsTotal counts dispatched events by outcome (applied, ignored, failed).
	SyncEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "sync_events_total",
		Help:      "Dispatched billing events by event type and outcome.",
	}, []string{"event_type", "outcome"})

	// SyncUnmatchedTotal counts handler writes that matched no local row.
	// A non-zero rate means local state and the provider have diverged.
	SyncUnmatchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "sync_unmatched_total",
		Help:      "Billing event writes that matched no local entitlement row.",
	}, []string{"event_type", "key"})

	// StaleEventsTotal counts subscription events rejected as older than stored state.
	StaleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "stale_events_total",
		Help:      "Subscription events skipped because a newer event was already applied.",
	}, []string{"event_type"})

	// AccessChecksTotal counts access gate decisions.
	AccessChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "access_checks_total",
		Help:      "Access gate decisions by result (granted, denied, error).",
	}, []string{"result"})

	// ProviderCallsTotal counts outbound Stripe API calls by operation and outcome.
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "billing",
		Name:      "provider_calls_total",
		Help:      "Outbound Stripe API calls by operation and outcome.",
	}, []string{"operation", "outcome"})
)
