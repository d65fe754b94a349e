package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
)

// advisoryLockKey serializes capacity reservations across PostgreSQL
// sessions.
const advisoryLockKey = 0x66697872

// ReserveDispatch claims one slot in the sliding window if fewer than
// maxSessions dispatches were recorded within period before now. The check
// and the insert share one transaction. It returns the reservation ID, or
// ErrRateLimited when the window is full.
func (d *DB) ReserveDispatch(ctx context.Context, maxSessions int, period time.Duration, now time.Time) (string, error) {
	id := uuid.NewString()
	err := d.withTx(ctx, func(t *tx) error {
		if d.dialect == Postgres {
			if _, err := t.exec(ctx, `SELECT pg_advisory_xact_lock(?)`, advisoryLockKey); err != nil {
				return fmt.Errorf("lock rate limiter: %w", err)
			}
		}
		var count int
		if err := t.queryRow(ctx,
			`SELECT COUNT(*) FROM rate_limit_events WHERE dispatched_at > ?`,
			formatTS(now.Add(-period)),
		).Scan(&count); err != nil {
			return fmt.Errorf("count rate limit events: %w", err)
		}
		if count >= maxSessions {
			return ErrRateLimited
		}
		if _, err := t.exec(ctx,
			`INSERT INTO rate_limit_events (id, dispatched_at, session_id) VALUES (?, ?, ?)`,
			id, formatTS(now), "pending-"+id,
		); err != nil {
			return fmt.Errorf("insert rate limit event: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// ConfirmDispatch attaches the created session to a reservation.
func (d *DB) ConfirmDispatch(ctx context.Context, reservationID, sessionID string) error {
	if _, err := d.exec(ctx, `UPDATE rate_limit_events SET session_id = ? WHERE id = ?`, sessionID, reservationID); err != nil {
		return fmt.Errorf("confirm dispatch: %w", err)
	}
	return nil
}

// ReleaseDispatch drops a reservation whose create call failed.
func (d *DB) ReleaseDispatch(ctx context.Context, reservationID string) error {
	if _, err := d.exec(ctx, `DELETE FROM rate_limit_events WHERE id = ?`, reservationID); err != nil {
		return fmt.Errorf("release dispatch: %w", err)
	}
	return nil
}

// RateLimitTimestamps returns dispatch times after since, oldest first.
func (d *DB) RateLimitTimestamps(ctx context.Context, since time.Time) ([]time.Time, error) {
	return loadRateLimitTimestamps(ctx, d, since)
}

func loadRateLimitTimestamps(ctx context.Context, q queryer, since time.Time) ([]time.Time, error) {
	rows, err := q.query(ctx,
		`SELECT dispatched_at FROM rate_limit_events WHERE dispatched_at > ? ORDER BY dispatched_at`,
		formatTS(since),
	)
	if err != nil {
		return nil, fmt.Errorf("query rate limit events: %w", err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		out = append(out, parseTS(s))
	}
	return out, rows.Err()
}

// RecordDispatchOutcome applies one create attempt to the history of each
// fingerprint: dispatch_count always increments; success resets
// consecutive_failures and failure increments it.
func (d *DB) RecordDispatchOutcome(ctx context.Context, fingerprints []string, sessionID string, success bool, at time.Time) error {
	return d.withTx(ctx, func(t *tx) error {
		failInc, failReset := 1, 0
		if success {
			failInc, failReset = 0, 1
		}
		for _, fp := range uniq(fingerprints) {
			if _, err := t.exec(ctx,
				`INSERT INTO dispatch_history (fingerprint, dispatch_count, last_dispatched_at, last_session_id, consecutive_failures)
				 VALUES (?, 1, ?, ?, ?)
				 ON CONFLICT (fingerprint) DO UPDATE SET
				   dispatch_count = dispatch_history.dispatch_count + 1,
				   last_dispatched_at = excluded.last_dispatched_at,
				   last_session_id = CASE WHEN excluded.last_session_id = '' THEN dispatch_history.last_session_id ELSE excluded.last_session_id END,
				   consecutive_failures = CASE WHEN ? = 1 THEN 0 ELSE dispatch_history.consecutive_failures + ? END`,
				fp, formatTS(at), sessionID, failInc, failReset, failInc,
			); err != nil {
				return fmt.Errorf("record dispatch outcome for %s: %w", fp, err)
			}
		}
		return nil
	})
}

// MarkSessionFailureCounted charges a failed session to the history of
// its fingerprints exactly once. It reports whether this call did the
// charging.
func (d *DB) MarkSessionFailureCounted(ctx context.Context, sessionID string, fingerprints []string) (bool, error) {
	counted := false
	err := d.withTx(ctx, func(t *tx) error {
		res, err := t.exec(ctx,
			`UPDATE sessions SET failure_counted = 1, updated_at = ? WHERE session_id = ? AND failure_counted = 0`,
			formatTS(d.now()), sessionID,
		)
		if err != nil {
			return fmt.Errorf("mark session failure: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		counted = true
		for _, fp := range uniq(fingerprints) {
			if _, err := t.exec(ctx,
				`UPDATE dispatch_history SET consecutive_failures = consecutive_failures + 1 WHERE fingerprint = ?`,
				fp,
			); err != nil {
				return fmt.Errorf("increment failures for %s: %w", fp, err)
			}
		}
		return nil
	})
	return counted, err
}

// History returns the dispatch history keyed by fingerprint.
func (d *DB) History(ctx context.Context) (map[string]eligibility.HistoryEntry, error) {
	return loadHistory(ctx, d)
}

func loadHistory(ctx context.Context, q queryer) (map[string]eligibility.HistoryEntry, error) {
	rows, err := q.query(ctx,
		`SELECT fingerprint, dispatch_count, last_dispatched_at, last_session_id, consecutive_failures FROM dispatch_history`)
	if err != nil {
		return nil, fmt.Errorf("query dispatch history: %w", err)
	}
	defer rows.Close()
	out := make(map[string]eligibility.HistoryEntry)
	for rows.Next() {
		var h eligibility.HistoryEntry
		var at string
		if err := rows.Scan(&h.Fingerprint, &h.DispatchCount, &at, &h.LastSessionID, &h.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan dispatch history: %w", err)
		}
		h.LastDispatchedAt = parseTS(at)
		out[h.Fingerprint] = h
	}
	return out, rows.Err()
}

// ResetHistory clears the dispatch history of a fingerprint. This is the
// operator escape hatch for findings that need human review.
func (d *DB) ResetHistory(ctx context.Context, fingerprint string) (bool, error) {
	res, err := d.exec(ctx, `DELETE FROM dispatch_history WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("reset history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetAttempts zeroes dispatch_count for fingerprint and keeps its
// failure streak, granting max_attempts more tries. Further failed
// creates then push the streak past max_attempts into human review.
func (d *DB) ResetAttempts(ctx context.Context, fingerprint string) (bool, error) {
	res, err := d.exec(ctx, `UPDATE dispatch_history SET dispatch_count = 0 WHERE fingerprint = ?`, fingerprint)
	if err != nil {
		return false, fmt.Errorf("reset attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetLastScan records a scan trigger for repo.
func (d *DB) SetLastScan(ctx context.Context, repo string, at time.Time, status string) error {
	if _, err := d.exec(ctx,
		`INSERT INTO scan_schedule (target_repo, last_scan_at, last_status) VALUES (?, ?, ?)
		 ON CONFLICT (target_repo) DO UPDATE SET last_scan_at = excluded.last_scan_at, last_status = excluded.last_status`,
		repo, formatTS(at), status,
	); err != nil {
		return fmt.Errorf("set last scan: %w", err)
	}
	return nil
}

// LastScans returns the last scan time per repository.
func (d *DB) LastScans(ctx context.Context) (map[string]time.Time, error) {
	return loadLastScans(ctx, d)
}

func loadLastScans(ctx context.Context, q queryer) (map[string]time.Time, error) {
	rows, err := q.query(ctx, `SELECT target_repo, last_scan_at FROM scan_schedule`)
	if err != nil {
		return nil, fmt.Errorf("query scan schedule: %w", err)
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var repo, at string
		if err := rows.Scan(&repo, &at); err != nil {
			return nil, fmt.Errorf("scan scan schedule: %w", err)
		}
		out[repo] = parseTS(at)
	}
	return out, rows.Err()
}

// GetState returns a stored orchestrator value, or "" when unset.
func (d *DB) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := d.queryRow(ctx, `SELECT value FROM orchestrator_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return v, nil
}

// SetState stores an orchestrator value.
func (d *DB) SetState(ctx context.Context, key, value string) error {
	if _, err := d.exec(ctx,
		`INSERT INTO orchestrator_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTS(d.now()),
	); err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
