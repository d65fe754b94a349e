package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreatedTotal counts agent sessions created per repository.
	SessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixer",
		Subsystem: "dispatch",
		Name:      "sessions_created_total",
		Help:      "Remediation sessions created, by repository.",
	}, []string{"repo"})

	// SessionsFailedTotal counts failed session create calls per repository.
	SessionsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixer",
		Subsystem: "dispatch",
		Name:      "sessions_failed_total",
		Help:      "Failed remediation session create calls, by repository.",
	}, []string{"repo"})

	// SkipsTotal counts findings held back by the eligibility gate.
	SkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixer",
		Subsystem: "dispatch",
		Name:      "skips_total",
		Help:      "Findings skipped by the eligibility gate, by reason.",
	}, []string{"reason"})

	// ScansTriggeredTotal counts scan workflow triggers.
	ScansTriggeredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixer",
		Subsystem: "scan",
		Name:      "triggered_total",
		Help:      "Scan workflows triggered, by repository and outcome.",
	}, []string{"repo", "outcome"})

	// RunsIngestedTotal counts scan runs recorded.
	RunsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fixer",
		Subsystem: "ingest",
		Name:      "runs_total",
		Help:      "Scan runs ingested, by outcome (recorded or duplicate).",
	}, []string{"outcome"})

	// RateLimitRemaining is the last observed rate-limiter capacity.
	RateLimitRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "fixer",
		Subsystem: "rate_limit",
		Name:      "remaining",
		Help:      "Remaining session capacity in the sliding window.",
	})

	// CycleDuration tracks how long full orchestrator cycles take.
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fixer",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Orchestrator cycle duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// FindingsByState is the latest derived-state breakdown.
	FindingsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fixer",
		Subsystem: "findings",
		Name:      "by_state",
		Help:      "Tracked findings by derived lifecycle state.",
	}, []string{"state"})
)
