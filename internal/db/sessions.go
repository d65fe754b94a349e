package db

import (
	"context"
	"fmt"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
)

// SaveSession inserts or replaces a session and its targeted issue IDs.
func (d *DB) SaveSession(ctx context.Context, s lifecycle.Session) error {
	return d.withTx(ctx, func(t *tx) error {
		now := formatTS(d.now())
		created := formatTS(s.CreatedAt)
		if created == "" {
			created = now
		}
		if _, err := t.exec(ctx,
			`INSERT INTO sessions (session_id, status, batch_id, target_repo, pr_url, url, created_at, updated_at, failure_counted)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (session_id) DO UPDATE SET
			   status = excluded.status, batch_id = excluded.batch_id, target_repo = excluded.target_repo,
			   pr_url = excluded.pr_url, url = excluded.url, updated_at = excluded.updated_at,
			   failure_counted = excluded.failure_counted`,
			s.SessionID, string(s.Status), s.BatchID, s.TargetRepo, s.PRURL, s.URL, created, now, boolInt(s.FailureCounted),
		); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		if _, err := t.exec(ctx, `DELETE FROM session_issues WHERE session_id = ?`, s.SessionID); err != nil {
			return fmt.Errorf("clear session issues: %w", err)
		}
		for _, id := range uniq(s.IssueIDs) {
			if _, err := t.exec(ctx, `INSERT INTO session_issues (session_id, issue_id) VALUES (?, ?)`, s.SessionID, id); err != nil {
				return fmt.Errorf("save session issue: %w", err)
			}
		}
		return nil
	})
}

// UpdateSessionStatus records a polled status and, when known, the PR URL.
func (d *DB) UpdateSessionStatus(ctx context.Context, sessionID string, status lifecycle.SessionStatus, prURL string) error {
	res, err := d.exec(ctx,
		`UPDATE sessions SET status = ?, pr_url = CASE WHEN ? = '' THEN pr_url ELSE ? END, updated_at = ?
		 WHERE session_id = ?`,
		string(status), prURL, prURL, formatTS(d.now()), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session status: session %q not found", sessionID)
	}
	return nil
}

// Sessions returns sessions for repo, or all sessions when repo is empty.
func (d *DB) Sessions(ctx context.Context, repo string) ([]lifecycle.Session, error) {
	return loadSessions(ctx, d, repo)
}

func loadSessions(ctx context.Context, q queryer, repo string) ([]lifecycle.Session, error) {
	query := `SELECT session_id, status, batch_id, target_repo, pr_url, url, created_at, failure_counted FROM sessions`
	var args []interface{}
	if repo != "" {
		query += ` WHERE target_repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY created_at, session_id`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Session
	idx := make(map[string]int)
	for rows.Next() {
		var s lifecycle.Session
		var status, created string
		var counted int
		if err := rows.Scan(&s.SessionID, &status, &s.BatchID, &s.TargetRepo, &s.PRURL, &s.URL, &created, &counted); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.Status = lifecycle.SessionStatus(status)
		s.CreatedAt = parseTS(created)
		s.FailureCounted = counted != 0
		idx[s.SessionID] = len(out)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	issueRows, err := q.query(ctx, `SELECT session_id, issue_id FROM session_issues ORDER BY session_id, issue_id`)
	if err != nil {
		return nil, fmt.Errorf("query session issues: %w", err)
	}
	defer issueRows.Close()
	for issueRows.Next() {
		var sid, iid string
		if err := issueRows.Scan(&sid, &iid); err != nil {
			return nil, fmt.Errorf("scan session issue: %w", err)
		}
		if i, ok := idx[sid]; ok {
			out[i].IssueIDs = append(out[i].IssueIDs, iid)
		}
	}
	return out, issueRows.Err()
}

// SavePullRequests upserts PRs fetched from the source host.
func (d *DB) SavePullRequests(ctx context.Context, prs []lifecycle.PullRequest) error {
	return d.withTx(ctx, func(t *tx) error {
		now := formatTS(d.now())
		for _, p := range prs {
			if p.HTMLURL == "" {
				continue
			}
			if _, err := t.exec(ctx,
				`INSERT INTO pull_requests (html_url, number, target_repo, state, merged, session_id, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT (html_url) DO UPDATE SET
				   number = excluded.number, target_repo = excluded.target_repo, state = excluded.state,
				   merged = excluded.merged, session_id = excluded.session_id, updated_at = excluded.updated_at`,
				p.HTMLURL, p.Number, p.TargetRepo, p.State, boolInt(p.Merged), p.SessionID, now,
			); err != nil {
				return fmt.Errorf("save pull request: %w", err)
			}
			if _, err := t.exec(ctx, `DELETE FROM pr_issues WHERE html_url = ?`, p.HTMLURL); err != nil {
				return fmt.Errorf("clear pr issues: %w", err)
			}
			for _, id := range uniq(p.IssueIDs) {
				if _, err := t.exec(ctx, `INSERT INTO pr_issues (html_url, issue_id) VALUES (?, ?)`, p.HTMLURL, id); err != nil {
					return fmt.Errorf("save pr issue: %w", err)
				}
			}
		}
		return nil
	})
}

// PullRequests returns PRs for repo, or all PRs when repo is empty.
func (d *DB) PullRequests(ctx context.Context, repo string) ([]lifecycle.PullRequest, error) {
	return loadPullRequests(ctx, d, repo)
}

func loadPullRequests(ctx context.Context, q queryer, repo string) ([]lifecycle.PullRequest, error) {
	query := `SELECT html_url, number, target_repo, state, merged, session_id FROM pull_requests`
	var args []interface{}
	if repo != "" {
		query += ` WHERE target_repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY html_url`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pull requests: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.PullRequest
	idx := make(map[string]int)
	for rows.Next() {
		var p lifecycle.PullRequest
		var merged int
		if err := rows.Scan(&p.HTMLURL, &p.Number, &p.TargetRepo, &p.State, &merged, &p.SessionID); err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		p.Merged = merged != 0
		idx[p.HTMLURL] = len(out)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	issueRows, err := q.query(ctx, `SELECT html_url, issue_id FROM pr_issues ORDER BY html_url, issue_id`)
	if err != nil {
		return nil, fmt.Errorf("query pr issues: %w", err)
	}
	defer issueRows.Close()
	for issueRows.Next() {
		var u, iid string
		if err := issueRows.Scan(&u, &iid); err != nil {
			return nil, fmt.Errorf("scan pr issue: %w", err)
		}
		if i, ok := idx[u]; ok {
			out[i].IssueIDs = append(out[i].IssueIDs, iid)
		}
	}
	return out, issueRows.Err()
}

// SaveVerifiedFixes records fingerprints confirmed fixed. The first
// verification of a fingerprint in a repository is kept.
func (d *DB) SaveVerifiedFixes(ctx context.Context, fixes []lifecycle.VerifiedFix) error {
	return d.withTx(ctx, func(t *tx) error {
		for _, v := range fixes {
			if _, err := t.exec(ctx,
				`INSERT INTO verified_fixes (target_repo, fingerprint, session_id, pr_url, verified_at) VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (target_repo, fingerprint) DO NOTHING`,
				v.TargetRepo, v.Fingerprint, v.SessionID, v.PRURL, formatTS(v.VerifiedAt),
			); err != nil {
				return fmt.Errorf("save verified fix: %w", err)
			}
		}
		return nil
	})
}

// VerifiedFixes returns every recorded verification.
func (d *DB) VerifiedFixes(ctx context.Context) ([]lifecycle.VerifiedFix, error) {
	return loadVerifiedFixes(ctx, d)
}

func loadVerifiedFixes(ctx context.Context, q queryer) ([]lifecycle.VerifiedFix, error) {
	rows, err := q.query(ctx, `SELECT target_repo, fingerprint, session_id, pr_url, verified_at FROM verified_fixes ORDER BY target_repo, fingerprint`)
	if err != nil {
		return nil, fmt.Errorf("query verified fixes: %w", err)
	}
	defer rows.Close()
	var out []lifecycle.VerifiedFix
	for rows.Next() {
		var v lifecycle.VerifiedFix
		var at string
		if err := rows.Scan(&v.TargetRepo, &v.Fingerprint, &v.SessionID, &v.PRURL, &at); err != nil {
			return nil, fmt.Errorf("scan verified fix: %w", err)
		}
		v.VerifiedAt = parseTS(at)
		out = append(out, v)
	}
	return out, rows.Err()
}

func uniq(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
