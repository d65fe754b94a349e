package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// RecordRun stores a scan run and its observations. Re-recording an
// existing (target_repo, run_id) is a no-op and returns false.
func (d *DB) RecordRun(ctx context.Context, run *tracker.Run) (bool, error) {
	inserted := false
	err := d.withTx(ctx, func(t *tx) error {
		res, err := t.exec(ctx,
			`INSERT INTO runs (target_repo, run_id, run_number, timestamp, fingerprints_known, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (target_repo, run_id) DO NOTHING`,
			run.TargetRepo, run.RunID, run.RunNumber, formatTS(run.Timestamp), boolInt(run.FingerprintsKnown), formatTS(d.now()),
		)
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if n == 0 {
			return nil
		}
		inserted = true

		for i, obs := range run.Findings {
			if _, err := t.exec(ctx,
				`INSERT INTO run_findings (target_repo, run_id, position, fingerprint, tracking_id, rule_id, severity, family, file, start_line, message)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.TargetRepo, run.RunID, i, obs.Fingerprint, obs.TrackingID, obs.RuleID,
				string(obs.Severity), obs.Family, obs.File, obs.StartLine, obs.Message,
			); err != nil {
				return fmt.Errorf("insert run finding: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// Runs returns every recorded run for repo with its observations, oldest
// first.
func (d *DB) Runs(ctx context.Context, repo string) ([]tracker.Run, error) {
	rows, err := d.query(ctx,
		`SELECT target_repo, run_id, run_number, timestamp, fingerprints_known
		 FROM runs WHERE target_repo = ? ORDER BY timestamp ASC, run_number ASC, run_id ASC`,
		repo,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []tracker.Run
	byID := make(map[string]int)
	for rows.Next() {
		var r tracker.Run
		var ts string
		var known int
		if err := rows.Scan(&r.TargetRepo, &r.RunID, &r.RunNumber, &ts, &known); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Timestamp = parseTS(ts)
		r.FingerprintsKnown = known != 0
		byID[r.RunID] = len(runs)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	obsRows, err := d.query(ctx,
		`SELECT run_id, fingerprint, tracking_id, rule_id, severity, family, file, start_line, message
		 FROM run_findings WHERE target_repo = ? ORDER BY run_id, position`,
		repo,
	)
	if err != nil {
		return nil, fmt.Errorf("query run findings: %w", err)
	}
	defer obsRows.Close()
	for obsRows.Next() {
		var runID, sev string
		var o tracker.Observation
		if err := obsRows.Scan(&runID, &o.Fingerprint, &o.TrackingID, &o.RuleID, &sev, &o.Family, &o.File, &o.StartLine, &o.Message); err != nil {
			return nil, fmt.Errorf("scan run finding: %w", err)
		}
		o.Severity = tracker.Severity(sev)
		if i, ok := byID[runID]; ok {
			runs[i].Findings = append(runs[i].Findings, o)
		}
	}
	return runs, obsRows.Err()
}

// Repos returns every repository with at least one recorded run.
func (d *DB) Repos(ctx context.Context) ([]string, error) {
	rows, err := d.query(ctx, `SELECT DISTINCT target_repo FROM runs ORDER BY target_repo`)
	if err != nil {
		return nil, fmt.Errorf("query repos: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceFindings swaps the materialized findings of repo for findings in
// one transaction.
func (d *DB) ReplaceFindings(ctx context.Context, repo string, findings []tracker.Finding) error {
	return d.withTx(ctx, func(t *tx) error {
		if _, err := t.exec(ctx, `DELETE FROM findings WHERE target_repo = ?`, repo); err != nil {
			return fmt.Errorf("delete findings: %w", err)
		}
		for _, f := range findings {
			var fix interface{}
			if f.FixDurationHours != nil {
				fix = *f.FixDurationHours
			}
			if _, err := t.exec(ctx,
				`INSERT INTO findings (target_repo, fingerprint, rule_id, severity, family, file, start_line, raw_status,
				   appearances, first_seen_run, first_seen_at, last_seen_run, last_seen_at, latest_tracking_id, fix_duration_hours)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				repo, f.Fingerprint, f.RuleID, string(f.Severity), f.Family, f.File, f.StartLine, string(f.Status),
				f.Appearances, f.FirstSeenRun, formatTS(f.FirstSeenAt), f.LastSeenRun, formatTS(f.LastSeenAt),
				f.LatestTrackingID, fix,
			); err != nil {
				return fmt.Errorf("insert finding %s: %w", f.Fingerprint, err)
			}
		}
		return nil
	})
}

type queryer interface {
	query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Findings returns materialized findings for repo, or all repos when
// repo is empty.
func (d *DB) Findings(ctx context.Context, repo string) ([]tracker.Finding, error) {
	return loadFindings(ctx, d, repo)
}

func loadFindings(ctx context.Context, q queryer, repo string) ([]tracker.Finding, error) {
	query := `SELECT target_repo, fingerprint, rule_id, severity, family, file, start_line, raw_status,
		appearances, first_seen_run, first_seen_at, last_seen_run, last_seen_at, latest_tracking_id, fix_duration_hours
		FROM findings`
	var args []interface{}
	if repo != "" {
		query += ` WHERE target_repo = ?`
		args = append(args, repo)
	}
	query += ` ORDER BY target_repo, fingerprint`

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	var out []tracker.Finding
	for rows.Next() {
		var f tracker.Finding
		var sev, status, first, last string
		var fix sql.NullFloat64
		if err := rows.Scan(&f.TargetRepo, &f.Fingerprint, &f.RuleID, &sev, &f.Family, &f.File, &f.StartLine, &status,
			&f.Appearances, &f.FirstSeenRun, &first, &f.LastSeenRun, &last, &f.LatestTrackingID, &fix); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		f.Severity = tracker.Severity(sev)
		f.Status = tracker.RawStatus(status)
		f.FirstSeenAt = parseTS(first)
		f.LastSeenAt = parseTS(last)
		if fix.Valid {
			v := fix.Float64
			f.FixDurationHours = &v
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
