package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/metrics"
	"github.com/marius-posa/codeql-devin-fixer/internal/priority"
)

// Keys in the orchestrator state table.
const (
	stateLastCycle     = "last_cycle"
	stateObjectivesMet = "objectives_met"
)

// CycleOpts controls one full cycle.
type CycleOpts struct {
	Repo   string
	DryRun bool
}

// CycleResult combines the scan and dispatch passes of one cycle.
type CycleResult struct {
	DryRun     bool                         `json:"dry_run"`
	StartedAt  time.Time                    `json:"started_at"`
	Scan       *ScanResult                  `json:"scan"`
	Dispatch   *DispatchResult              `json:"dispatch"`
	Objectives []priority.ObjectiveProgress `json:"objective_progress"`
	NewlyMet   []priority.ObjectiveProgress `json:"objectives_newly_met"`
}

// Cycle triggers due scans, then polls sessions and dispatches new
// batches. Objectives that became met since the previous live cycle of
// the same repo scope are reported once.
func (o *Orchestrator) Cycle(ctx context.Context, opts CycleOpts) (*CycleResult, error) {
	started := o.now()
	res := &CycleResult{DryRun: opts.DryRun, StartedAt: started}

	scan, err := o.Scan(ctx, ScanOpts{Repo: opts.Repo, DryRun: opts.DryRun || o.host == nil})
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	res.Scan = scan

	dispatch, err := o.Dispatch(ctx, DispatchOpts{Repo: opts.Repo, DryRun: opts.DryRun})
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	res.Dispatch = dispatch

	// Objective progress after dispatch reflects refreshed sessions and PRs.
	final, err := o.Status(ctx, opts.Repo)
	if err != nil {
		return nil, err
	}
	res.Objectives = final.Objectives
	for st, n := range final.StateCounts {
		metrics.FindingsByState.WithLabelValues(string(st)).Set(float64(n))
	}

	prev, err := o.loadMet(ctx, opts.Repo)
	if err != nil {
		return nil, err
	}
	res.NewlyMet = priority.NewlyMet(prev, res.Objectives)
	if res.NewlyMet == nil {
		res.NewlyMet = []priority.ObjectiveProgress{}
	}
	for _, p := range res.NewlyMet {
		o.log.Info().
			Str("severity", string(p.TargetSeverity)).
			Int("target", p.TargetCount).
			Int("open", p.Open).
			Msg("objective met")
	}

	if !opts.DryRun {
		if err := o.saveMet(ctx, opts.Repo, priority.MetSnapshot(res.Objectives)); err != nil {
			return nil, err
		}
		if err := o.store.SetState(ctx, stateLastCycle, o.now().UTC().Format(time.RFC3339)); err != nil {
			return nil, fmt.Errorf("record cycle: %w", err)
		}
		metrics.CycleDuration.Observe(o.now().Sub(started).Seconds())
	}
	return res, nil
}

// metKey scopes the objective snapshot to the cycle's repo filter; a
// filtered cycle only sees that repo's findings.
func metKey(repo string) string {
	if repo == "" {
		return stateObjectivesMet
	}
	return stateObjectivesMet + ":" + repo
}

func (o *Orchestrator) loadMet(ctx context.Context, repo string) (map[string]bool, error) {
	raw, err := o.store.GetState(ctx, metKey(repo))
	if err != nil {
		return nil, fmt.Errorf("load objective snapshot: %w", err)
	}
	met := make(map[string]bool)
	if raw == "" {
		return met, nil
	}
	if err := json.Unmarshal([]byte(raw), &met); err != nil {
		o.log.Warn().Err(err).Msg("discarding unreadable objective snapshot")
		return make(map[string]bool), nil
	}
	return met, nil
}

func (o *Orchestrator) saveMet(ctx context.Context, repo string, met map[string]bool) error {
	raw, err := json.Marshal(met)
	if err != nil {
		return err
	}
	if err := o.store.SetState(ctx, metKey(repo), string(raw)); err != nil {
		return fmt.Errorf("save objective snapshot: %w", err)
	}
	return nil
}
