package orchestrator

import (
	"context"
	"fmt"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/metrics"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// IngestResult describes one ingested scan run.
type IngestResult struct {
	TargetRepo   string `json:"target_repo"`
	RunID        string `json:"run_id"`
	RunNumber    int    `json:"run_number"`
	Duplicate    bool   `json:"duplicate"`
	Observations int    `json:"observations"`
	Findings     int    `json:"findings"`
	Verified     int    `json:"verified_fixes"`
}

// Ingest decodes a run payload in any supported schema and records it.
func (o *Orchestrator) Ingest(ctx context.Context, payload []byte) (*IngestResult, error) {
	run, err := tracker.DecodeRun(payload, tracker.DecodeOptions{Source: o.source})
	if err != nil {
		metrics.RunsIngestedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	return o.IngestRun(ctx, run)
}

// IngestRun records run and rebuilds the repository's findings from its
// full run history. Re-ingesting a known run changes nothing.
func (o *Orchestrator) IngestRun(ctx context.Context, run *tracker.Run) (*IngestResult, error) {
	res := &IngestResult{
		TargetRepo:   run.TargetRepo,
		RunID:        run.RunID,
		RunNumber:    run.RunNumber,
		Observations: len(run.Findings),
	}

	inserted, err := o.store.RecordRun(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	if !inserted {
		res.Duplicate = true
		metrics.RunsIngestedTotal.WithLabelValues("duplicate").Inc()
		o.log.Info().Str("repo", run.TargetRepo).Str("run_id", run.RunID).Msg("run already ingested")
		return res, nil
	}
	metrics.RunsIngestedTotal.WithLabelValues("recorded").Inc()

	runs, err := o.store.Runs(ctx, run.TargetRepo)
	if err != nil {
		return nil, fmt.Errorf("load runs: %w", err)
	}
	findings := tracker.Fold(runs, o.foldOptions())
	if err := o.store.ReplaceFindings(ctx, run.TargetRepo, findings); err != nil {
		return nil, fmt.Errorf("replace findings: %w", err)
	}
	res.Findings = len(findings)

	if run.FingerprintsKnown {
		n, err := o.verify(ctx, run, findings)
		if err != nil {
			return nil, err
		}
		res.Verified = n
	}

	o.log.Info().
		Str("repo", run.TargetRepo).
		Str("run_id", run.RunID).
		Int("observations", res.Observations).
		Int("findings", res.Findings).
		Int("verified", res.Verified).
		Msg("run ingested")
	return res, nil
}

// verify records fingerprints that a session with a pull request targeted
// and that this run no longer reports.
func (o *Orchestrator) verify(ctx context.Context, run *tracker.Run, findings []tracker.Finding) (int, error) {
	snap, err := o.store.Snapshot(ctx, run.TargetRepo, o.now())
	if err != nil {
		return 0, fmt.Errorf("load sessions for verification: %w", err)
	}

	present := make(map[string]bool, len(run.Findings))
	for _, obs := range run.Findings {
		present[obs.Fingerprint] = true
	}
	byKey := make(map[string]string, len(findings)*2)
	for _, f := range findings {
		for _, k := range f.Keys() {
			byKey[k] = f.Fingerprint
		}
	}
	already := lifecycle.NewVerifiedSet(snap.Verified)
	ix := lifecycle.NewIndex(snap.Sessions, snap.PullRequests)

	now := o.now()
	var fixes []lifecycle.VerifiedFix
	seen := make(map[string]bool)
	for _, s := range snap.Sessions {
		if !s.Real() || s.TargetRepo != run.TargetRepo {
			continue
		}
		prURL := s.PRURL
		if prURL == "" {
			if prs := ix.PRsForSession(s); len(prs) > 0 {
				prURL = prs[0].HTMLURL
			}
		}
		if prURL == "" {
			continue
		}
		for _, id := range s.IssueIDs {
			fp, ok := byKey[id]
			if !ok || present[fp] || seen[fp] || already.Has(run.TargetRepo, fp) {
				continue
			}
			seen[fp] = true
			fixes = append(fixes, lifecycle.VerifiedFix{
				TargetRepo:  run.TargetRepo,
				Fingerprint: fp,
				SessionID:   s.SessionID,
				PRURL:       prURL,
				VerifiedAt:  now,
			})
		}
	}
	if len(fixes) == 0 {
		return 0, nil
	}
	if err := o.store.SaveVerifiedFixes(ctx, fixes); err != nil {
		return 0, fmt.Errorf("save verified fixes: %w", err)
	}
	return len(fixes), nil
}
