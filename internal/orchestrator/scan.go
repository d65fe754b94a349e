package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/config"
	"github.com/marius-posa/codeql-devin-fixer/internal/metrics"
	"github.com/marius-posa/codeql-devin-fixer/internal/schedule"
)

// Scan decision reasons.
const (
	ScanDisabled        = "disabled"
	ScanAutoOff         = "auto_scan_off"
	ScanNeverScanned    = "never_scanned"
	ScanIntervalElapsed = "interval_elapsed"
	ScanCommitThreshold = "commit_threshold"
	ScanNotDue          = "not_due"
)

// ScanOpts controls one scheduling pass.
type ScanOpts struct {
	Repo   string
	DryRun bool
}

// ScanDecision is the scheduling verdict for one repository.
type ScanDecision struct {
	Repo       string    `json:"repo"`
	Due        bool      `json:"due"`
	Reason     string    `json:"reason"`
	LastScanAt time.Time `json:"last_scan_at,omitempty"`
	NextScanAt time.Time `json:"next_scan_at,omitempty"`
	Commits    *int      `json:"commits_since_last_scan,omitempty"`
	Triggered  bool      `json:"triggered"`
	Error      string    `json:"error,omitempty"`
}

// ScanResult lists the decision for every configured repository.
type ScanResult struct {
	DryRun    bool           `json:"dry_run"`
	Triggered int            `json:"triggered"`
	Decisions []ScanDecision `json:"decisions"`
}

// Scan triggers the scan workflow of every configured repository that is
// due. A failed trigger is reported on its decision and leaves the last
// scan time untouched so the repository stays due.
func (o *Orchestrator) Scan(ctx context.Context, opts ScanOpts) (*ScanResult, error) {
	if !opts.DryRun && o.host == nil {
		return nil, errors.New("scan: no source host configured")
	}
	last, err := o.store.LastScans(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last scans: %w", err)
	}

	now := o.now()
	res := &ScanResult{DryRun: opts.DryRun, Decisions: []ScanDecision{}}
	for _, url := range o.cfg.RepoURLs() {
		if !inScope(opts.Repo, url) {
			continue
		}
		repo := o.cfg.Repo(url)
		d := o.decide(repo, last[repo.URL], now)
		if d.Due && !opts.DryRun {
			o.trigger(ctx, repo, &d, now)
			if d.Triggered {
				res.Triggered++
			}
		}
		res.Decisions = append(res.Decisions, d)
	}
	return res, nil
}

func (o *Orchestrator) decide(repo config.ResolvedRepo, lastScan, now time.Time) ScanDecision {
	sr := schedule.Repo{
		URL:             repo.URL,
		Enabled:         repo.Enabled,
		AutoScan:        repo.AutoScan,
		Schedule:        repo.Schedule,
		CommitThreshold: repo.CommitThreshold,
	}
	d := ScanDecision{
		Repo:       repo.URL,
		LastScanAt: lastScan,
		NextScanAt: schedule.NextDue(sr, lastScan),
	}

	switch {
	case !repo.Enabled:
		d.Reason = ScanDisabled
		return d
	case !repo.AutoScan:
		d.Reason = ScanAutoOff
		return d
	case lastScan.IsZero():
		d.Due, d.Reason = true, ScanNeverScanned
		return d
	}

	if !now.Before(d.NextScanAt) {
		d.Due, d.Reason = true, ScanIntervalElapsed
		return d
	}
	if repo.CommitThreshold > 0 && o.host != nil {
		n, err := o.host.CommitCountSince(repo.URL, lastScan)
		if err != nil {
			o.log.Warn().Err(err).Str("repo", repo.URL).Msg("count commits since last scan")
		} else {
			d.Commits = &n
		}
	}
	d.Due = schedule.IsDue(sr, lastScan, d.Commits, now)
	if d.Due {
		d.Reason = ScanCommitThreshold
	} else {
		d.Reason = ScanNotDue
	}
	return d
}

func (o *Orchestrator) trigger(ctx context.Context, repo config.ResolvedRepo, d *ScanDecision, now time.Time) {
	log := o.log.With().Str("repo", repo.URL).Str("workflow", repo.Workflow).Logger()
	if err := o.host.TriggerScan(repo.URL, repo.Workflow); err != nil {
		d.Error = err.Error()
		metrics.ScansTriggeredTotal.WithLabelValues(repo.URL, "failed").Inc()
		log.Error().Err(err).Msg("trigger scan failed")
		return
	}
	if err := o.store.SetLastScan(ctx, repo.URL, now, "triggered"); err != nil {
		d.Error = err.Error()
		log.Error().Err(err).Msg("record scan trigger")
	}
	d.Triggered = true
	d.LastScanAt = now
	d.NextScanAt = schedule.NextDue(schedule.Repo{Schedule: repo.Schedule}, now)
	metrics.ScansTriggeredTotal.WithLabelValues(repo.URL, "triggered").Inc()
	log.Info().Str("reason", d.Reason).Msg("scan triggered")
}
