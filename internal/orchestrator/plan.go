package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/analytics"
	"github.com/marius-posa/codeql-devin-fixer/internal/batch"
	"github.com/marius-posa/codeql-devin-fixer/internal/db"
	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/priority"
	"github.com/marius-posa/codeql-devin-fixer/internal/ratelimit"
	"github.com/marius-posa/codeql-devin-fixer/internal/schedule"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// Skip is a finding held back by the eligibility gate.
type Skip struct {
	Fingerprint       string                 `json:"fingerprint"`
	TargetRepo        string                 `json:"target_repo"`
	TrackingID        string                 `json:"tracking_id,omitempty"`
	State             lifecycle.DerivedState `json:"derived_state"`
	Reason            eligibility.Reason     `json:"reason"`
	CooldownRemaining float64                `json:"cooldown_remaining_hours,omitempty"`
}

// PlanResult is a side-effect-free preview of the next dispatch.
type PlanResult struct {
	Repo        string                       `json:"repo,omitempty"`
	GeneratedAt time.Time                    `json:"generated_at"`
	Eligible    []batch.Candidate            `json:"eligible"`
	Skipped     []Skip                       `json:"skipped"`
	SkipCounts  map[eligibility.Reason]int   `json:"skip_counts"`
	Planned     []batch.Batch                `json:"planned_dispatches"`
	Objectives  []priority.ObjectiveProgress `json:"objective_progress"`
	RateLimit   ratelimit.Snapshot           `json:"rate_limit"`
	Capacity    int                          `json:"capacity"`
}

// evaluation is every derived view of one snapshot.
type evaluation struct {
	now      time.Time
	snap     *db.Snapshot
	all      []tracker.Finding
	scoped   []tracker.Finding
	index    *lifecycle.Index
	verified lifecycle.VerifiedSet
	states   lifecycle.States
	rates    analytics.Estimates
	progress []priority.ObjectiveProgress
	limiter  *ratelimit.Limiter
	eligible []batch.Candidate
	skipped  []Skip
}

func (o *Orchestrator) snapshot(ctx context.Context, now time.Time) (*db.Snapshot, error) {
	snap, err := o.store.Snapshot(ctx, "", now.Add(-o.period()))
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	return snap, nil
}

// evaluate resolves, gates and scores the findings of snap. Fix rates and
// the rate limiter are global; everything else is limited to repo.
func (o *Orchestrator) evaluate(snap *db.Snapshot, repo string, now time.Time) *evaluation {
	ev := &evaluation{
		now:      now,
		snap:     snap,
		all:      snap.Findings,
		index:    lifecycle.NewIndex(snap.Sessions, snap.PullRequests),
		verified: lifecycle.NewVerifiedSet(snap.Verified),
	}
	for _, f := range snap.Findings {
		if inScope(repo, f.TargetRepo) {
			ev.scoped = append(ev.scoped, f)
		}
	}
	ev.states = lifecycle.ResolveAll(ev.all, ev.index, ev.verified)
	ev.rates = analytics.FixRates(ev.all, ev.index, ev.verified)
	ev.progress = priority.Progress(o.objectives(), ev.scoped, ev.states)
	ev.limiter = ratelimit.New(o.cfg.RateLimit.MaxSessions, o.period(), snap.RateLimit)

	gate := eligibility.NewGate(o.policy(), ev.rates, func() time.Time { return now })
	budgets := o.slaBudgets()
	for _, f := range ev.scoped {
		state := ev.states.Of(f)
		var hist *eligibility.HistoryEntry
		if h, ok := snap.History[f.Fingerprint]; ok {
			hist = &h
		}
		if skip, reason := gate.ShouldSkip(f, state, hist); skip {
			s := Skip{
				Fingerprint: f.Fingerprint,
				TargetRepo:  f.TargetRepo,
				TrackingID:  f.LatestTrackingID,
				State:       state,
				Reason:      reason,
			}
			if reason == eligibility.ReasonCooldownActive && hist != nil {
				s.CooldownRemaining = gate.Policy.CooldownRemaining(*hist, now)
			}
			ev.skipped = append(ev.skipped, s)
			continue
		}

		rate, samples := ev.rates.Rate(f.Family)
		sla := priority.ClassifySLA(f, budgets, now)
		score := priority.Score(f, priority.Inputs{
			Importance: o.cfg.Repo(f.TargetRepo).Importance,
			Objectives: ev.progress,
			FixRate:    rate,
			FixSamples: samples,
			SLA:        sla,
		})
		ev.eligible = append(ev.eligible, batch.Candidate{Finding: f, Score: score, SLA: sla})
	}
	batch.SortCandidates(ev.eligible)
	return ev
}

// capacity combines the limiter's remaining capacity with the configured
// per-cycle cap and an optional operator override.
func (o *Orchestrator) capacity(ev *evaluation, override int) int {
	c := ev.limiter.Remaining(ev.now)
	if m := o.cfg.Dispatch.MaxSessionsPerCycle; m > 0 && m < c {
		c = m
	}
	if override > 0 && override < c {
		c = override
	}
	return c
}

func (o *Orchestrator) limits(capacity int) batch.Limits {
	caps := make(map[string]int)
	for _, r := range o.cfg.Repos {
		if r.MaxSessionsPerCycle > 0 {
			caps[r.URL] = r.MaxSessionsPerCycle
		}
	}
	return batch.Limits{
		BatchSize:  o.cfg.Dispatch.BatchSize,
		Capacity:   capacity,
		PerRepoCap: o.cfg.Dispatch.PerRepoCap,
		RepoCaps:   caps,
	}
}

func (o *Orchestrator) plan(ev *evaluation, repo string, override int) *PlanResult {
	capacity := o.capacity(ev, override)
	res := &PlanResult{
		Repo:        repo,
		GeneratedAt: ev.now,
		Eligible:    ev.eligible,
		Skipped:     ev.skipped,
		SkipCounts:  make(map[eligibility.Reason]int),
		Planned:     batch.Form(ev.eligible, o.limits(capacity)),
		Objectives:  ev.progress,
		RateLimit:   ev.limiter.Snapshot(ev.now),
		Capacity:    capacity,
	}
	for _, s := range ev.skipped {
		res.SkipCounts[s.Reason]++
	}
	if res.Eligible == nil {
		res.Eligible = []batch.Candidate{}
	}
	if res.Skipped == nil {
		res.Skipped = []Skip{}
	}
	if res.Planned == nil {
		res.Planned = []batch.Batch{}
	}
	return res
}

// Plan previews which findings are eligible, which are skipped and why,
// and which batches a dispatch would create now. It never writes.
func (o *Orchestrator) Plan(ctx context.Context, repo string) (*PlanResult, error) {
	now := o.now()
	snap, err := o.snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	return o.plan(o.evaluate(snap, repo, now), repo, 0), nil
}

// RepoStatus summarizes one repository.
type RepoStatus struct {
	URL        string    `json:"url"`
	Configured bool      `json:"configured"`
	Findings   int       `json:"findings"`
	Open       int       `json:"open"`
	LastScanAt time.Time `json:"last_scan_at,omitempty"`
	NextScanAt time.Time `json:"next_scan_at,omitempty"`
}

// StatusResult is a read-only view of the tracked state.
type StatusResult struct {
	Repo          string                          `json:"repo,omitempty"`
	GeneratedAt   time.Time                       `json:"generated_at"`
	StateCounts   map[lifecycle.DerivedState]int  `json:"state_counts"`
	SessionCounts map[lifecycle.SessionStatus]int `json:"session_counts"`
	RateLimit     ratelimit.Snapshot              `json:"rate_limit"`
	Objectives    []priority.ObjectiveProgress    `json:"objective_progress"`
	FixRates      []analytics.FamilyRate          `json:"fix_rates"`
	FixDurations  []analytics.SeverityDuration    `json:"fix_durations"`
	FixRatePct    float64                         `json:"fix_rate_pct"`
	Repos         []RepoStatus                    `json:"repos"`
	LastCycle     string                          `json:"last_cycle,omitempty"`
}

// Status reports derived-state and session counts, rate-limit headroom
// and objective progress. It never writes.
func (o *Orchestrator) Status(ctx context.Context, repo string) (*StatusResult, error) {
	now := o.now()
	snap, err := o.snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	ev := o.evaluate(snap, repo, now)
	lastCycle, err := o.store.GetState(ctx, stateLastCycle)
	if err != nil {
		return nil, err
	}

	res := &StatusResult{
		Repo:          repo,
		GeneratedAt:   now,
		StateCounts:   make(map[lifecycle.DerivedState]int),
		SessionCounts: make(map[lifecycle.SessionStatus]int),
		RateLimit:     ev.limiter.Snapshot(now),
		Objectives:    ev.progress,
		FixRates:      ev.rates.Sorted(),
		FixDurations:  analytics.FixDurations(ev.scoped),
		FixRatePct:    analytics.FixRatePct(ev.scoped),
		LastCycle:     lastCycle,
	}
	for _, st := range lifecycle.AllStates {
		res.StateCounts[st] = 0
	}
	for _, f := range ev.scoped {
		res.StateCounts[ev.states.Of(f)]++
	}
	for _, s := range snap.Sessions {
		if inScope(repo, s.TargetRepo) && s.Real() {
			res.SessionCounts[s.Status]++
		}
	}
	res.Repos = o.repoStatuses(ev, repo)
	return res, nil
}

func (o *Orchestrator) repoStatuses(ev *evaluation, repo string) []RepoStatus {
	byURL := make(map[string]*RepoStatus)
	add := func(url string) *RepoStatus {
		if rs, ok := byURL[url]; ok {
			return rs
		}
		resolved := o.cfg.Repo(url)
		rs := &RepoStatus{URL: resolved.URL, Configured: resolved.Configured}
		if last, ok := ev.snap.LastScans[resolved.URL]; ok {
			rs.LastScanAt = last
			rs.NextScanAt = schedule.NextDue(schedule.Repo{Schedule: resolved.Schedule}, last)
		}
		byURL[url] = rs
		return rs
	}
	for _, url := range o.cfg.RepoURLs() {
		if inScope(repo, url) {
			add(url)
		}
	}
	for _, f := range ev.scoped {
		rs := add(f.TargetRepo)
		rs.Findings++
		if !ev.states.Of(f).Resolved() {
			rs.Open++
		}
	}

	out := make([]RepoStatus, 0, len(byURL))
	for _, rs := range byURL {
		out = append(out, *rs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
