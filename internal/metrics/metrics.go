// Package metrics declares the Prometheus collectors for the billing
// service. Collectors register on the default registry at import time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEvents counts received provider events by type and outcome
	// (succeeded, failed_permanent, failed_transient, duplicate, rejected).
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Subsystem: "webhook",
		Name:      "events_total",
		Help:      "Provider webhook events by type and processing outcome.",
	}, []string{"event_type", "outcome"})

	// WebhookDuration observes end-to-end webhook handling time.
	WebhookDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "billingd",
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Webhook handling duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// EntitlementRequests counts entitlement reads by result
	// (cache_hit, cache_miss, db_error).
	EntitlementRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Subsystem: "entitlements",
		Name:      "requests_total",
		Help:      "Entitlement lookups by result.",
	}, []string{"result"})

	// RecomputeDuration observes entitlement recomputation time.
	RecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "billingd",
		Subsystem: "entitlements",
		Name:      "recompute_duration_seconds",
		Help:      "Entitlement recomputation duration.",
		Buckets:   prometheus.DefBuckets,
	})

	// CacheOps counts cache operations by op (get, set, del) and result
	// (ok, miss, error).
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Entitlement cache operations by op and result.",
	}, []string{"op", "result"})

	// ReconcileRecords counts reconciler record checks by result
	// (consistent, repaired, error).
	ReconcileRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Subsystem: "reconcile",
		Name:      "records_total",
		Help:      "Reconciler record checks by result.",
	}, []string{"result"})

	// ReconcileRuns counts reconciliation runs by outcome (ok, error, skipped).
	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "billingd",
		Subsystem: "reconcile",
		Name:      "runs_total",
		Help:      "Reconciliation runs by outcome.",
	}, []string{"outcome"})
)
