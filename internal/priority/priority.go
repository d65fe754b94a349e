package priority

import (
	"fmt"
	"math"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

const (
	weightImportance  = 0.35
	weightSeverity    = 0.30
	weightSLA         = 0.15
	weightFeasibility = 0.10
	weightRecurrence  = 0.10

	objectiveBoost = 0.15
	neutralFixRate = 0.5
)

var severityWeights = map[tracker.Severity]float64{
	tracker.SeverityCritical: 1.0,
	tracker.SeverityHigh:     0.75,
	tracker.SeverityMedium:   0.5,
	tracker.SeverityLow:      0.25,
	tracker.SeverityUnknown:  0.1,
}

// SeverityWeight returns the scoring weight of a severity tier.
func SeverityWeight(s tracker.Severity) float64 {
	if w, ok := severityWeights[s]; ok {
		return w
	}
	return severityWeights[tracker.SeverityUnknown]
}

// SLAStatus is the response-time urgency of a finding.
type SLAStatus string

const (
	SLAOnTrack  SLAStatus = "on_track"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

// Urgency is the scoring input for an SLA status.
func (s SLAStatus) Urgency() float64 {
	switch s {
	case SLABreached:
		return 0.4
	case SLAAtRisk:
		return 0.2
	}
	return 0
}

// SLABudgets maps severity to the allowed hours since first sighting.
type SLABudgets map[tracker.Severity]float64

// DefaultSLABudgets returns the stock response-time budgets.
func DefaultSLABudgets() SLABudgets {
	return SLABudgets{
		tracker.SeverityCritical: 168,
		tracker.SeverityHigh:     720,
		tracker.SeverityMedium:   2160,
		tracker.SeverityLow:      4320,
	}
}

const atRiskFraction = 0.75

// ClassifySLA compares the age of f against its severity budget. Findings
// with no budget are always on track.
func ClassifySLA(f tracker.Finding, budgets SLABudgets, now time.Time) SLAStatus {
	budget, ok := budgets[f.Severity]
	if !ok || budget <= 0 || f.FirstSeenAt.IsZero() {
		return SLAOnTrack
	}
	elapsed := now.Sub(f.FirstSeenAt).Hours()
	switch {
	case elapsed >= budget:
		return SLABreached
	case elapsed >= budget*atRiskFraction:
		return SLAAtRisk
	}
	return SLAOnTrack
}

// Objective is a policy goal such as "at most 0 open critical findings".
type Objective struct {
	TargetSeverity tracker.Severity `json:"target_severity" yaml:"target_severity"`
	TargetCount    int              `json:"target_count" yaml:"target_count"`
	Priority       int              `json:"priority" yaml:"priority"`
}

// Key identifies the objective in met snapshots.
func (o Objective) Key() string {
	return fmt.Sprintf("%s<=%d", o.TargetSeverity, o.TargetCount)
}

// ObjectiveProgress is an objective evaluated against current findings.
type ObjectiveProgress struct {
	Objective
	Open int  `json:"open"`
	Met  bool `json:"met"`
}

// Progress counts open findings per objective severity. A finding is
// open unless its derived state is fixed or verified_fixed.
func Progress(objectives []Objective, findings []tracker.Finding, states lifecycle.States) []ObjectiveProgress {
	open := make(map[tracker.Severity]int)
	for _, f := range findings {
		if states.Of(f).Resolved() {
			continue
		}
		open[f.Severity]++
	}

	out := make([]ObjectiveProgress, 0, len(objectives))
	for _, o := range objectives {
		n := open[o.TargetSeverity]
		out = append(out, ObjectiveProgress{Objective: o, Open: n, Met: n <= o.TargetCount})
	}
	return out
}

// MetSnapshot records which objectives are met, keyed by Objective.Key.
func MetSnapshot(progress []ObjectiveProgress) map[string]bool {
	snap := make(map[string]bool, len(progress))
	for _, p := range progress {
		snap[p.Key()] = p.Met
	}
	return snap
}

// NewlyMet returns objectives met now that were unmet in prev. Objectives
// absent from prev are not reported.
func NewlyMet(prev map[string]bool, progress []ObjectiveProgress) []ObjectiveProgress {
	var out []ObjectiveProgress
	for _, p := range progress {
		was, seen := prev[p.Key()]
		if p.Met && seen && !was {
			out = append(out, p)
		}
	}
	return out
}

// Inputs carries everything Score needs besides the finding.
type Inputs struct {
	// Importance is the repository importance in [0,1].
	Importance float64
	Objectives []ObjectiveProgress
	// FixRate and FixSamples describe the finding's family history.
	FixRate    float64
	FixSamples int
	SLA        SLAStatus
}

// Score ranks an eligible finding. Higher is more urgent.
func Score(f tracker.Finding, in Inputs) float64 {
	feasibility := neutralFixRate
	if in.FixSamples >= 1 {
		feasibility = clamp01(in.FixRate)
	}
	recurrence := math.Min(float64(f.Appearances)*0.05, 0.3)

	score := weightImportance*clamp01(in.Importance) +
		weightSeverity*SeverityWeight(f.Severity) +
		weightSLA*in.SLA.Urgency() +
		weightFeasibility*feasibility +
		weightRecurrence*recurrence

	boost := 0.0
	for _, o := range in.Objectives {
		if o.Met || o.TargetSeverity != f.Severity {
			continue
		}
		p := o.Priority
		if p < 1 {
			p = 1
		}
		boost = math.Max(boost, objectiveBoost/float64(p))
	}
	return math.Round((score+boost)*10000) / 10000
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
