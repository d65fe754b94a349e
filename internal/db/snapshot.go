package db

import (
	"context"
	"fmt"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// Snapshot is a point-in-time consistent read of everything one cycle
// needs.
type Snapshot struct {
	Findings     []tracker.Finding
	Sessions     []lifecycle.Session
	PullRequests []lifecycle.PullRequest
	History      map[string]eligibility.HistoryEntry
	Verified     []lifecycle.VerifiedFix
	// RateLimit holds dispatch times newer than the requested window start.
	RateLimit []time.Time
	LastScans map[string]time.Time
}

// Snapshot reads findings, sessions and PRs for repo (all repos when
// empty) together with the global history, verification, rate-limit and
// schedule tables inside one transaction.
func (d *DB) Snapshot(ctx context.Context, repo string, windowStart time.Time) (*Snapshot, error) {
	var s Snapshot
	err := d.withTx(ctx, func(t *tx) error {
		var err error
		if s.Findings, err = loadFindings(ctx, t, repo); err != nil {
			return err
		}
		if s.Sessions, err = loadSessions(ctx, t, repo); err != nil {
			return err
		}
		if s.PullRequests, err = loadPullRequests(ctx, t, repo); err != nil {
			return err
		}
		if s.History, err = loadHistory(ctx, t); err != nil {
			return err
		}
		if s.Verified, err = loadVerifiedFixes(ctx, t); err != nil {
			return err
		}
		if s.RateLimit, err = loadRateLimitTimestamps(ctx, t, windowStart); err != nil {
			return err
		}
		if s.LastScans, err = loadLastScans(ctx, t); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return &s, nil
}
