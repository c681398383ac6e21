package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntitlementDecisions counts entitlement checks by feature, tier and result.
	EntitlementDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "metering",
		Name:      "entitlement_decisions_total",
		Help:      "Entitlement checks by feature, effective tier and decision.",
	}, []string{"feature", "tier", "decision"})

	// UsageIncrements counts ledger increments by feature and outcome.
	UsageIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "metering",
		Name:      "usage_increments_total",
		Help:      "Usage ledger increments by feature and outcome (ok/failed).",
	}, []string{"feature", "outcome"})

	// ExternalCalls counts outbound provider calls by service and outcome.
	ExternalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "external",
		Name:      "calls_total",
		Help:      "Outbound calls to vision/LLM, billing and storage providers by outcome.",
	}, []string{"service", "outcome"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agri",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookDropped counts acknowledged events that changed nothing because
	// they could not be reconciled. Each one is a potential lost update.
	WebhookDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "billing",
		Name:      "webhook_dropped_total",
		Help:      "Billing events acknowledged without being applied, by event type and reason.",
	}, []string{"event_type", "reason"})

	// SubscriptionReversions counts subscriptions returned to the free tier.
	SubscriptionReversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agri",
		Subsystem: "billing",
		Name:      "subscription_reversions_total",
		Help:      "Subscriptions reverted to the free tier, by trigger.",
	}, []string{"trigger"})
)
