package priority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func TestScore_Weights(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityHigh, Appearances: 2}

	// 0.35*0.9 + 0.30*0.75 + 0.10*0.5 + 0.10*0.1
	got := Score(f, Inputs{Importance: 0.9})
	assert.Equal(t, 0.6, got)
}

func TestScore_FixRateOnlyWithSamples(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityLow}
	noSamples := Score(f, Inputs{FixRate: 1.0})
	withSamples := Score(f, Inputs{FixRate: 1.0, FixSamples: 3})
	assert.Equal(t, 0.125, noSamples)
	assert.Equal(t, 0.175, withSamples)
}

func TestScore_RecurrenceCapped(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityMedium, Appearances: 100}
	// 0.30*0.5 + 0.10*0.5 + 0.10*0.3
	assert.Equal(t, 0.23, Score(f, Inputs{}))
}

func TestScore_SLAAndImportanceClamp(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityCritical}
	// 0.35*1 + 0.30*1 + 0.15*0.4 + 0.10*0.5
	assert.Equal(t, 0.76, Score(f, Inputs{Importance: 7, SLA: SLABreached}))
	// 0.30*1 + 0.15*0.2 + 0.10*0.5
	assert.Equal(t, 0.38, Score(f, Inputs{Importance: -1, SLA: SLAAtRisk}))
}

func TestScore_ObjectiveBoostTakesMax(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityCritical}
	base := Score(f, Inputs{})
	objectives := []ObjectiveProgress{
		{Objective: Objective{TargetSeverity: tracker.SeverityCritical, Priority: 3}},
		{Objective: Objective{TargetSeverity: tracker.SeverityCritical, Priority: 0}},
		{Objective: Objective{TargetSeverity: tracker.SeverityCritical, Priority: 1}, Met: true},
		{Objective: Objective{TargetSeverity: tracker.SeverityHigh, Priority: 1}},
	}
	assert.InDelta(t, base+0.15, Score(f, Inputs{Objectives: objectives}), 1e-9)
}

func TestScore_PositiveForScenario(t *testing.T) {
	f := tracker.Finding{Severity: tracker.SeverityHigh, Appearances: 2}
	assert.Greater(t, Score(f, Inputs{Importance: 0.9}), 0.0)
}

func TestClassifySLA(t *testing.T) {
	b := DefaultSLABudgets()
	tests := []struct {
		sev  tracker.Severity
		age  time.Duration
		want SLAStatus
	}{
		{tracker.SeverityCritical, 100 * time.Hour, SLAOnTrack},
		{tracker.SeverityCritical, 126 * time.Hour, SLAAtRisk},
		{tracker.SeverityCritical, 168 * time.Hour, SLABreached},
		{tracker.SeverityHigh, 600 * time.Hour, SLAAtRisk},
		{tracker.SeverityUnknown, 10000 * time.Hour, SLAOnTrack},
	}
	for _, tt := range tests {
		f := tracker.Finding{Severity: tt.sev, FirstSeenAt: now.Add(-tt.age)}
		assert.Equal(t, tt.want, ClassifySLA(f, b, now), "%s at %v", tt.sev, tt.age)
	}
	assert.Equal(t, SLAOnTrack, ClassifySLA(tracker.Finding{Severity: tracker.SeverityCritical}, b, now))
}

func TestProgressAndNewlyMet(t *testing.T) {
	objectives := []Objective{
		{TargetSeverity: tracker.SeverityCritical, TargetCount: 0, Priority: 1},
		{TargetSeverity: tracker.SeverityHigh, TargetCount: 1, Priority: 2},
	}
	findings := []tracker.Finding{
		{Fingerprint: "c1", Severity: tracker.SeverityCritical, Status: tracker.StatusRecurring},
		{Fingerprint: "h1", Severity: tracker.SeverityHigh, Status: tracker.StatusNew},
		{Fingerprint: "h2", Severity: tracker.SeverityHigh, Status: tracker.StatusFixed},
	}
	states := lifecycle.States{
		{Fingerprint: "c1"}: lifecycle.StatePROpen,
		{Fingerprint: "h1"}: lifecycle.StateNew,
		{Fingerprint: "h2"}: lifecycle.StateFixed,
	}

	progress := Progress(objectives, findings, states)
	require.Len(t, progress, 2)
	assert.Equal(t, 1, progress[0].Open)
	assert.False(t, progress[0].Met)
	assert.Equal(t, 1, progress[1].Open)
	assert.True(t, progress[1].Met)

	prev := MetSnapshot(progress)
	states[lifecycle.Key{Fingerprint: "c1"}] = lifecycle.StateVerifiedFixed
	next := Progress(objectives, findings, states)
	newly := NewlyMet(prev, next)
	require.Len(t, newly, 1)
	assert.Equal(t, tracker.SeverityCritical, newly[0].TargetSeverity)

	assert.Empty(t, NewlyMet(nil, next))
}
