package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	d.SetClock(func() time.Time { return t0 })
	t.Cleanup(func() { d.Close() })
	return d
}

func testRun(id string, n int, at time.Time, fps ...string) *tracker.Run {
	r := &tracker.Run{TargetRepo: "https://github.com/acme/api", RunID: id, RunNumber: n, Timestamp: at, FingerprintsKnown: true}
	for i, fp := range fps {
		r.Findings = append(r.Findings, tracker.Observation{
			Fingerprint: fp, TrackingID: tracker.TrackingID(n, i), RuleID: "js/xss",
			Severity: tracker.SeverityHigh, Family: "xss", File: "a.js", StartLine: i + 1,
		})
	}
	return r
}

func TestMigrate(t *testing.T) {
	d, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	for _, table := range tables {
		var name string
		err := d.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}

	var version int
	if err := d.conn.QueryRow("SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}

	// Migrate again should be idempotent
	if err := d.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if d.Dialect() != SQLite {
		t.Errorf("Dialect = %q, want sqlite", d.Dialect())
	}
}

func TestReset(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if _, err := d.RecordRun(ctx, testRun("1", 1, t0, "a")); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := d.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	runs, err := d.Runs(ctx, "https://github.com/acme/api")
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs after reset, got %d", len(runs))
	}
}

func TestRecordRunIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	inserted, err := d.RecordRun(ctx, testRun("gh-1", 1, t0, "a", "b"))
	if err != nil || !inserted {
		t.Fatalf("first RecordRun = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = d.RecordRun(ctx, testRun("gh-1", 1, t0, "a", "b", "c"))
	if err != nil || inserted {
		t.Fatalf("second RecordRun = (%v, %v), want (false, nil)", inserted, err)
	}
	if _, err := d.RecordRun(ctx, testRun("gh-0", 0, t0.Add(-time.Hour), "a")); err != nil {
		t.Fatalf("RecordRun older: %v", err)
	}

	runs, err := d.Runs(ctx, "https://github.com/acme/api")
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "gh-0" {
		t.Errorf("runs[0] = %q, want oldest first", runs[0].RunID)
	}
	if len(runs[1].Findings) != 2 {
		t.Errorf("run gh-1 findings = %d, want 2", len(runs[1].Findings))
	}
	if runs[1].Findings[1].TrackingID != "CQLF-R1-0002" {
		t.Errorf("tracking id = %q", runs[1].Findings[1].TrackingID)
	}
	if !runs[1].Timestamp.Equal(t0) {
		t.Errorf("timestamp = %v, want %v", runs[1].Timestamp, t0)
	}

	repos, err := d.Repos(ctx)
	if err != nil || len(repos) != 1 {
		t.Errorf("Repos = %v, %v", repos, err)
	}
}

func TestReplaceFindings(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := "https://github.com/acme/api"

	fix := 12.5
	first := []tracker.Finding{
		{Fingerprint: "a", TargetRepo: repo, RuleID: "js/xss", Severity: tracker.SeverityHigh, Status: tracker.StatusFixed,
			Appearances: 2, FirstSeenAt: t0, LastSeenAt: t0.Add(12 * time.Hour), FixDurationHours: &fix},
		{Fingerprint: "b", TargetRepo: repo, Status: tracker.StatusNew, Appearances: 1, FirstSeenAt: t0, LastSeenAt: t0},
	}
	if err := d.ReplaceFindings(ctx, repo, first); err != nil {
		t.Fatalf("ReplaceFindings: %v", err)
	}
	if err := d.ReplaceFindings(ctx, "https://github.com/acme/other", first[1:]); err != nil {
		t.Fatalf("ReplaceFindings other: %v", err)
	}

	got, err := d.Findings(ctx, repo)
	if err != nil {
		t.Fatalf("Findings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(got))
	}
	if got[0].FixDurationHours == nil || *got[0].FixDurationHours != 12.5 {
		t.Errorf("fix duration = %v, want 12.5", got[0].FixDurationHours)
	}
	if got[1].FixDurationHours != nil {
		t.Errorf("open finding has fix duration %v", *got[1].FixDurationHours)
	}

	// Full replacement, not merge.
	if err := d.ReplaceFindings(ctx, repo, first[:1]); err != nil {
		t.Fatalf("ReplaceFindings: %v", err)
	}
	got, _ = d.Findings(ctx, repo)
	if len(got) != 1 || got[0].Fingerprint != "a" {
		t.Errorf("after replace = %+v", got)
	}
	all, _ := d.Findings(ctx, "")
	if len(all) != 2 {
		t.Errorf("all repos = %d findings, want 2", len(all))
	}
}

func TestSessionsAndPullRequests(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := "https://github.com/acme/api"

	s := lifecycle.Session{
		SessionID: "devin-1", Status: lifecycle.SessionCreated, BatchID: "b1", TargetRepo: repo,
		IssueIDs: []string{"fp1", "CQLF-R1-0001", "fp1"}, URL: "https://app.devin.ai/sessions/devin-1", CreatedAt: t0,
	}
	if err := d.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if err := d.UpdateSessionStatus(ctx, "devin-1", lifecycle.SessionFinished, "https://github.com/acme/api/pull/3"); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if err := d.UpdateSessionStatus(ctx, "devin-1", lifecycle.SessionFinished, ""); err != nil {
		t.Fatalf("UpdateSessionStatus: %v", err)
	}
	if err := d.UpdateSessionStatus(ctx, "missing", lifecycle.SessionFinished, ""); err == nil {
		t.Error("expected error for unknown session")
	}

	sessions, err := d.Sessions(ctx, repo)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Status != lifecycle.SessionFinished || got.PRURL != "https://github.com/acme/api/pull/3" {
		t.Errorf("session = %+v", got)
	}
	if len(got.IssueIDs) != 2 {
		t.Errorf("issue ids = %v, want 2 unique", got.IssueIDs)
	}

	prs := []lifecycle.PullRequest{{
		HTMLURL: "https://github.com/acme/api/pull/3", Number: 3, TargetRepo: repo,
		State: "closed", Merged: true, SessionID: "devin-1", IssueIDs: []string{"CQLF-R1-0001"},
	}}
	if err := d.SavePullRequests(ctx, prs); err != nil {
		t.Fatalf("SavePullRequests: %v", err)
	}
	prs[0].IssueIDs = []string{"fp1"}
	if err := d.SavePullRequests(ctx, prs); err != nil {
		t.Fatalf("SavePullRequests again: %v", err)
	}
	gotPRs, err := d.PullRequests(ctx, repo)
	if err != nil {
		t.Fatalf("PullRequests: %v", err)
	}
	if len(gotPRs) != 1 || !gotPRs[0].Merged || gotPRs[0].SessionID != "devin-1" {
		t.Fatalf("prs = %+v", gotPRs)
	}
	if len(gotPRs[0].IssueIDs) != 1 || gotPRs[0].IssueIDs[0] != "fp1" {
		t.Errorf("pr issue ids = %v, want replaced [fp1]", gotPRs[0].IssueIDs)
	}
}

func TestReserveDispatch(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := d.ReserveDispatch(ctx, 2, time.Hour, t0.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("ReserveDispatch %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if _, err := d.ReserveDispatch(ctx, 2, time.Hour, t0.Add(2*time.Minute)); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third reservation error = %v, want ErrRateLimited", err)
	}

	if err := d.ReleaseDispatch(ctx, ids[1]); err != nil {
		t.Fatalf("ReleaseDispatch: %v", err)
	}
	if err := d.ConfirmDispatch(ctx, ids[0], "devin-1"); err != nil {
		t.Fatalf("ConfirmDispatch: %v", err)
	}
	if _, err := d.ReserveDispatch(ctx, 2, time.Hour, t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("reservation after release: %v", err)
	}

	// The window slides without explicit cleanup.
	if _, err := d.ReserveDispatch(ctx, 2, time.Hour, t0.Add(90*time.Minute)); err != nil {
		t.Fatalf("reservation after window: %v", err)
	}

	ts, err := d.RateLimitTimestamps(ctx, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RateLimitTimestamps: %v", err)
	}
	if len(ts) != 3 {
		t.Errorf("timestamps = %d, want 3", len(ts))
	}
}

func TestDispatchHistory(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.RecordDispatchOutcome(ctx, []string{"fp1", "fp2"}, "", false, t0); err != nil {
		t.Fatalf("RecordDispatchOutcome fail: %v", err)
	}
	if err := d.RecordDispatchOutcome(ctx, []string{"fp1"}, "", false, t0.Add(time.Hour)); err != nil {
		t.Fatalf("RecordDispatchOutcome fail: %v", err)
	}
	h, err := d.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h["fp1"].DispatchCount != 2 || h["fp1"].ConsecutiveFailures != 2 {
		t.Errorf("fp1 = %+v, want 2 dispatches 2 failures", h["fp1"])
	}

	if err := d.RecordDispatchOutcome(ctx, []string{"fp1"}, "devin-9", true, t0.Add(2*time.Hour)); err != nil {
		t.Fatalf("RecordDispatchOutcome ok: %v", err)
	}
	h, _ = d.History(ctx)
	fp1 := h["fp1"]
	if fp1.DispatchCount != 3 || fp1.ConsecutiveFailures != 0 || fp1.LastSessionID != "devin-9" {
		t.Errorf("fp1 = %+v, want 3 dispatches, 0 failures, devin-9", fp1)
	}
	if !fp1.LastDispatchedAt.Equal(t0.Add(2 * time.Hour)) {
		t.Errorf("last dispatched = %v", fp1.LastDispatchedAt)
	}
	if h["fp2"].DispatchCount != 1 || h["fp2"].ConsecutiveFailures != 1 {
		t.Errorf("fp2 = %+v", h["fp2"])
	}

	reset, err := d.ResetHistory(ctx, "fp2")
	if err != nil || !reset {
		t.Errorf("ResetHistory = (%v, %v)", reset, err)
	}
	h, _ = d.History(ctx)
	if _, ok := h["fp2"]; ok {
		t.Error("fp2 history should be gone")
	}
}

func TestResetAttemptsKeepsFailureStreak(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.RecordDispatchOutcome(ctx, []string{"fp1"}, "", false, t0); err != nil {
			t.Fatalf("RecordDispatchOutcome: %v", err)
		}
	}
	ok, err := d.ResetAttempts(ctx, "fp1")
	if err != nil || !ok {
		t.Fatalf("ResetAttempts = (%v, %v)", ok, err)
	}
	if err := d.RecordDispatchOutcome(ctx, []string{"fp1"}, "", false, t0); err != nil {
		t.Fatalf("RecordDispatchOutcome: %v", err)
	}
	h, _ := d.History(ctx)
	if h["fp1"].DispatchCount != 1 || h["fp1"].ConsecutiveFailures != 4 {
		t.Errorf("fp1 = %+v, want 1 dispatch and 4 failures", h["fp1"])
	}

	if ok, err := d.ResetAttempts(ctx, "fp-missing"); err != nil || ok {
		t.Errorf("ResetAttempts(missing) = (%v, %v)", ok, err)
	}
}

func TestMarkSessionFailureCountedOnce(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.RecordDispatchOutcome(ctx, []string{"fp1"}, "devin-1", true, t0); err != nil {
		t.Fatalf("RecordDispatchOutcome: %v", err)
	}
	if err := d.SaveSession(ctx, lifecycle.Session{SessionID: "devin-1", Status: lifecycle.SessionError, IssueIDs: []string{"fp1"}}); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	for i, want := range []bool{true, false} {
		counted, err := d.MarkSessionFailureCounted(ctx, "devin-1", []string{"fp1"})
		if err != nil {
			t.Fatalf("MarkSessionFailureCounted: %v", err)
		}
		if counted != want {
			t.Errorf("call %d counted = %v, want %v", i, counted, want)
		}
	}
	h, _ := d.History(ctx)
	if h["fp1"].ConsecutiveFailures != 1 {
		t.Errorf("failures = %d, want 1", h["fp1"].ConsecutiveFailures)
	}
	sessions, _ := d.Sessions(ctx, "")
	if !sessions[0].FailureCounted {
		t.Error("session should be flagged as counted")
	}
}

func TestScheduleStateAndVerified(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := "https://github.com/acme/api"

	if err := d.SetLastScan(ctx, repo, t0, "triggered"); err != nil {
		t.Fatalf("SetLastScan: %v", err)
	}
	if err := d.SetLastScan(ctx, repo, t0.Add(time.Hour), "triggered"); err != nil {
		t.Fatalf("SetLastScan: %v", err)
	}
	scans, err := d.LastScans(ctx)
	if err != nil {
		t.Fatalf("LastScans: %v", err)
	}
	if !scans[repo].Equal(t0.Add(time.Hour)) {
		t.Errorf("last scan = %v", scans[repo])
	}

	v, err := d.GetState(ctx, "last_cycle")
	if err != nil || v != "" {
		t.Errorf("GetState unset = (%q, %v)", v, err)
	}
	if err := d.SetState(ctx, "last_cycle", "x"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if err := d.SetState(ctx, "last_cycle", "y"); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if v, _ := d.GetState(ctx, "last_cycle"); v != "y" {
		t.Errorf("GetState = %q, want y", v)
	}

	api := "https://github.com/acme/api"
	fixes := []lifecycle.VerifiedFix{{TargetRepo: api, Fingerprint: "fp1", SessionID: "devin-1", PRURL: "u1", VerifiedAt: t0}}
	if err := d.SaveVerifiedFixes(ctx, fixes); err != nil {
		t.Fatalf("SaveVerifiedFixes: %v", err)
	}
	fixes[0].SessionID = "devin-2"
	if err := d.SaveVerifiedFixes(ctx, fixes); err != nil {
		t.Fatalf("SaveVerifiedFixes again: %v", err)
	}
	got, err := d.VerifiedFixes(ctx)
	if err != nil || len(got) != 1 || got[0].SessionID != "devin-1" || got[0].TargetRepo != api {
		t.Errorf("VerifiedFixes = %+v, %v", got, err)
	}

	// The same fingerprint in a fork is a separate verification.
	fork := []lifecycle.VerifiedFix{{TargetRepo: "https://github.com/fork/api", Fingerprint: "fp1", SessionID: "devin-3", PRURL: "u3", VerifiedAt: t0}}
	if err := d.SaveVerifiedFixes(ctx, fork); err != nil {
		t.Fatalf("SaveVerifiedFixes fork: %v", err)
	}
	if got, _ := d.VerifiedFixes(ctx); len(got) != 2 {
		t.Errorf("VerifiedFixes after fork = %+v, want 2 rows", got)
	}
}

func TestSnapshot(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()
	repo := "https://github.com/acme/api"

	d.ReplaceFindings(ctx, repo, []tracker.Finding{{Fingerprint: "a", TargetRepo: repo, Status: tracker.StatusNew}})
	d.SaveSession(ctx, lifecycle.Session{SessionID: "devin-1", Status: lifecycle.SessionRunning, TargetRepo: repo, IssueIDs: []string{"a"}})
	d.SaveSession(ctx, lifecycle.Session{SessionID: "devin-2", Status: lifecycle.SessionRunning, TargetRepo: "https://github.com/acme/other"})
	d.RecordDispatchOutcome(ctx, []string{"a"}, "devin-1", true, t0)
	d.ReserveDispatch(ctx, 10, time.Hour, t0)
	d.ReserveDispatch(ctx, 10, 24*time.Hour, t0.Add(-2*time.Hour))
	d.SetLastScan(ctx, repo, t0, "triggered")

	snap, err := d.Snapshot(ctx, repo, t0.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Findings) != 1 || len(snap.Sessions) != 1 {
		t.Errorf("snapshot findings=%d sessions=%d, want 1/1", len(snap.Findings), len(snap.Sessions))
	}
	if snap.Sessions[0].IssueIDs[0] != "a" {
		t.Errorf("session issues = %v", snap.Sessions[0].IssueIDs)
	}
	if snap.History["a"].DispatchCount != 1 {
		t.Errorf("history = %+v", snap.History)
	}
	if len(snap.RateLimit) != 1 {
		t.Errorf("rate limit entries = %d, want 1 inside window", len(snap.RateLimit))
	}
	if _, ok := snap.LastScans[repo]; !ok {
		t.Error("missing last scan")
	}
}

func TestRebind(t *testing.T) {
	d := &DB{dialect: Postgres}
	got := d.rebind("SELECT * FROM t WHERE a = ? AND b = ?")
	if got != "SELECT * FROM t WHERE a = $1 AND b = $2" {
		t.Errorf("rebind = %q", got)
	}
	s := &DB{dialect: SQLite}
	if q := s.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind = %q", q)
	}
}
