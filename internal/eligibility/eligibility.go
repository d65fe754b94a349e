package eligibility

import (
	"math"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// Reason explains why a finding was held back from dispatch.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonAlreadyResolved     Reason = "already_resolved"
	ReasonSessionActive       Reason = "session_active"
	ReasonPRAwaitingReview    Reason = "pr_awaiting_review"
	ReasonPRMergedAwaitVerify Reason = "pr_merged_awaiting_verification"
	ReasonNeedsHumanReview    Reason = "needs_human_review"
	ReasonMaxAttempts         Reason = "max_attempts_reached"
	ReasonCooldownActive      Reason = "cooldown_active"
	ReasonLowFixRate          Reason = "low_fix_rate_family"
)

// Reasons lists every skip reason in evaluation order.
var Reasons = []Reason{
	ReasonAlreadyResolved, ReasonSessionActive, ReasonPRAwaitingReview,
	ReasonPRMergedAwaitVerify, ReasonNeedsHumanReview, ReasonMaxAttempts,
	ReasonCooldownActive, ReasonLowFixRate,
}

// HistoryEntry tracks dispatch attempts for one fingerprint.
type HistoryEntry struct {
	Fingerprint         string    `json:"fingerprint"`
	DispatchCount       int       `json:"dispatch_count"`
	LastDispatchedAt    time.Time `json:"last_dispatched_at"`
	LastSessionID       string    `json:"last_session_id"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// RateSource supplies historical fix rates per family.
type RateSource interface {
	Rate(family string) (rate float64, samples int)
}

// Policy holds the gate's tunables.
type Policy struct {
	MaxAttempts int
	// Cooldown is the escalating schedule, in hours, indexed by
	// consecutive failures minus one.
	Cooldown   []float64
	MinFixRate float64
	MinSamples int
}

// DefaultPolicy returns the stock gate configuration.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		Cooldown:    []float64{24, 72, 168},
		MinFixRate:  0.1,
		MinSamples:  5,
	}
}

// CooldownHours is the cooldown owed after failures consecutive failures.
func (p Policy) CooldownHours(failures int) float64 {
	if failures <= 0 || len(p.Cooldown) == 0 {
		return 0
	}
	idx := failures - 1
	if idx > len(p.Cooldown)-1 {
		idx = len(p.Cooldown) - 1
	}
	return p.Cooldown[idx]
}

// CooldownRemaining returns hours left before h may be dispatched again.
func (p Policy) CooldownRemaining(h HistoryEntry, now time.Time) float64 {
	cd := p.CooldownHours(h.ConsecutiveFailures)
	if cd == 0 {
		return 0
	}
	if h.LastDispatchedAt.IsZero() {
		return 0
	}
	remaining := cd - now.Sub(h.LastDispatchedAt).Hours()
	if remaining < 0 {
		return 0
	}
	return math.Round(remaining*100) / 100
}

// Gate decides per finding whether dispatch is currently permitted.
type Gate struct {
	Policy Policy
	Rates  RateSource
	now    func() time.Time
}

// NewGate creates a gate that evaluates cooldowns against now.
func NewGate(p Policy, rates RateSource, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{Policy: p, Rates: rates, now: now}
}

// ShouldSkip returns true with a reason when f must not be dispatched.
// history may be nil for a never-dispatched fingerprint.
func (g *Gate) ShouldSkip(f tracker.Finding, state lifecycle.DerivedState, history *HistoryEntry) (bool, Reason) {
	switch state {
	case lifecycle.StateFixed, lifecycle.StateVerifiedFixed:
		return true, ReasonAlreadyResolved
	case lifecycle.StateSessionDispatched:
		return true, ReasonSessionActive
	case lifecycle.StatePROpen:
		return true, ReasonPRAwaitingReview
	case lifecycle.StatePRMerged:
		return true, ReasonPRMergedAwaitVerify
	}

	if history != nil {
		if history.ConsecutiveFailures >= g.Policy.MaxAttempts+1 {
			return true, ReasonNeedsHumanReview
		}
		if history.DispatchCount >= g.Policy.MaxAttempts {
			return true, ReasonMaxAttempts
		}
		if g.Policy.CooldownRemaining(*history, g.now()) > 0 {
			return true, ReasonCooldownActive
		}
	}

	if g.Rates != nil && g.Policy.MinSamples > 0 {
		rate, samples := g.Rates.Rate(f.Family)
		if samples >= g.Policy.MinSamples && rate < g.Policy.MinFixRate {
			return true, ReasonLowFixRate
		}
	}
	return false, ReasonNone
}
