package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius-posa/codeql-devin-fixer/internal/config"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/priority"
)

func boolPtr(b bool) *bool { return &b }

func scanRepos(c *config.Fixer) {
	c.Repos = []config.Repo{
		{URL: "https://github.com/acme/never", AutoScan: true, Schedule: "daily"},
		{URL: "https://github.com/acme/manual", AutoScan: false},
		{URL: "https://github.com/acme/off", AutoScan: true, Enabled: boolPtr(false)},
		{URL: "https://github.com/acme/busy", AutoScan: true, Schedule: "weekly", CommitThreshold: 5},
		{URL: "https://github.com/acme/quiet", AutoScan: true, Schedule: "weekly", CommitThreshold: 5},
		{URL: "https://github.com/acme/stale", AutoScan: true, Schedule: "6h", Workflow: "custom.yml"},
	}
}

func seedScans(t *testing.T, env *testEnv) {
	t.Helper()
	ctx := context.Background()
	for repo, ago := range map[string]time.Duration{
		"https://github.com/acme/busy":  time.Hour,
		"https://github.com/acme/quiet": time.Hour,
		"https://github.com/acme/stale": 7 * time.Hour,
	} {
		require.NoError(t, env.db.SetLastScan(ctx, repo, t0.Add(-ago), "triggered"))
	}
	env.host.commits["https://github.com/acme/busy"] = 9
	env.host.commits["https://github.com/acme/quiet"] = 2
}

func decisions(res *ScanResult) map[string]ScanDecision {
	out := make(map[string]ScanDecision)
	for _, d := range res.Decisions {
		out[d.Repo] = d
	}
	return out
}

func TestScan_DueLogic(t *testing.T) {
	env := setupTest(t, scanRepos)
	seedScans(t, env)

	res, err := env.o.Scan(context.Background(), ScanOpts{DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 6)
	assert.Equal(t, 0, res.Triggered)
	assert.Empty(t, env.host.triggered)

	d := decisions(res)
	tests := []struct {
		repo   string
		due    bool
		reason string
	}{
		{"https://github.com/acme/never", true, ScanNeverScanned},
		{"https://github.com/acme/manual", false, ScanAutoOff},
		{"https://github.com/acme/off", false, ScanDisabled},
		{"https://github.com/acme/busy", true, ScanCommitThreshold},
		{"https://github.com/acme/quiet", false, ScanNotDue},
		{"https://github.com/acme/stale", true, ScanIntervalElapsed},
	}
	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			got := d[tt.repo]
			assert.Equal(t, tt.due, got.Due)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
	require.NotNil(t, d["https://github.com/acme/busy"].Commits)
	assert.Equal(t, 9, *d["https://github.com/acme/busy"].Commits)
	assert.True(t, d["https://github.com/acme/quiet"].NextScanAt.Equal(t0.Add(167*time.Hour)))
}

func TestScan_TriggersDueRepos(t *testing.T) {
	env := setupTest(t, scanRepos)
	seedScans(t, env)
	ctx := context.Background()

	res, err := env.o.Scan(ctx, ScanOpts{})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Triggered)
	assert.ElementsMatch(t, []string{
		"https://github.com/acme/never@codeql-fixer.yml",
		"https://github.com/acme/busy@codeql-fixer.yml",
		"https://github.com/acme/stale@custom.yml",
	}, env.host.triggered)

	last, err := env.db.LastScans(ctx)
	require.NoError(t, err)
	assert.True(t, last["https://github.com/acme/never"].Equal(t0))
	assert.True(t, last["https://github.com/acme/quiet"].Equal(t0.Add(-time.Hour)))

	// Everything just triggered is no longer due.
	env.host.commits["https://github.com/acme/busy"] = 0
	again, err := env.o.Scan(ctx, ScanOpts{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Triggered)
}

func TestScan_TriggerFailureKeepsRepoDue(t *testing.T) {
	env := setupTest(t, scanRepos)
	ctx := context.Background()
	env.host.triggerErr["https://github.com/acme/never"] = errors.New("workflow not found")

	res, err := env.o.Scan(ctx, ScanOpts{Repo: "https://github.com/acme/never"})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.False(t, res.Decisions[0].Triggered)
	assert.Contains(t, res.Decisions[0].Error, "workflow not found")

	last, err := env.db.LastScans(ctx)
	require.NoError(t, err)
	assert.NotContains(t, last, "https://github.com/acme/never")
}

func TestScan_CommitCountUnavailable(t *testing.T) {
	env := setupTest(t, scanRepos)
	seedScans(t, env)
	delete(env.host.commits, "https://github.com/acme/busy")

	res, err := env.o.Scan(context.Background(), ScanOpts{Repo: "https://github.com/acme/busy", DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.False(t, res.Decisions[0].Due)
	assert.Nil(t, res.Decisions[0].Commits)
}

func TestScan_RequiresHostForLiveRuns(t *testing.T) {
	env := setupTest(t, scanRepos)
	env.o.host = nil
	_, err := env.o.Scan(context.Background(), ScanOpts{})
	assert.Error(t, err)
}

// --- Cycle ---

func TestCycle_ReportsNewlyMetObjectives(t *testing.T) {
	env := setupTest(t, func(c *config.Fixer) {
		c.Objectives = []config.Objective{{TargetSeverity: "critical", TargetCount: 0, Priority: 1}}
	})
	ctx := context.Background()
	env.ingest(t, runPayload(t, testRepo, 1, t0.Add(-time.Hour), sqliC))

	first, err := env.o.Cycle(ctx, CycleOpts{})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Dispatch.SessionsCreated)
	require.Len(t, first.Objectives, 1)
	assert.False(t, first.Objectives[0].Met)
	assert.Empty(t, first.NewlyMet)

	// The next scan no longer reports the finding and the session is done.
	env.clock.Advance(2 * time.Hour)
	env.agent.setStatus("devin-1", lifecycle.SessionFinished, "")
	env.ingest(t, runPayload(t, testRepo, 2, t0.Add(time.Hour)))

	second, err := env.o.Cycle(ctx, CycleOpts{})
	require.NoError(t, err)
	require.Len(t, second.NewlyMet, 1)
	assert.Equal(t, "critical", string(second.NewlyMet[0].TargetSeverity))

	third, err := env.o.Cycle(ctx, CycleOpts{})
	require.NoError(t, err)
	assert.Empty(t, third.NewlyMet, "a met objective is reported once")

	st, err := env.o.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Format(time.RFC3339), st.LastCycle)
}

func TestCycle_RepoFilteredSnapshotIsScoped(t *testing.T) {
	env := setupTest(t, func(c *config.Fixer) {
		c.Objectives = []config.Objective{{TargetSeverity: "critical", TargetCount: 0, Priority: 1}}
	})
	ctx := context.Background()
	env.ingest(t, runPayload(t, "https://github.com/acme/web", 1, t0.Add(-time.Hour), sqliC))

	// Only the clean repo is in scope, so the objective is met there.
	filtered, err := env.o.Cycle(ctx, CycleOpts{Repo: testRepo})
	require.NoError(t, err)
	require.Len(t, filtered.Objectives, 1)
	assert.True(t, filtered.Objectives[0].Met)

	global, err := env.db.GetState(ctx, stateObjectivesMet)
	require.NoError(t, err)
	assert.Empty(t, global, "a filtered cycle leaves the global snapshot alone")
	scoped, err := env.db.GetState(ctx, metKey(testRepo))
	require.NoError(t, err)
	assert.JSONEq(t, `{"critical<=0": true}`, scoped)

	all, err := env.o.Cycle(ctx, CycleOpts{})
	require.NoError(t, err)
	require.Len(t, all.Objectives, 1)
	assert.False(t, all.Objectives[0].Met)
	assert.Empty(t, all.NewlyMet)
	raw, err := env.db.GetState(ctx, stateObjectivesMet)
	require.NoError(t, err)
	assert.JSONEq(t, `{"critical<=0": false}`, raw)
}

func TestCycle_DryRunPersistsNothing(t *testing.T) {
	env := setupTest(t, func(c *config.Fixer) {
		c.Objectives = []config.Objective{{TargetSeverity: "critical", TargetCount: 0, Priority: 1}}
		scanRepos(c)
	})
	ctx := context.Background()
	env.ingest(t, runPayload(t, testRepo, 1, t0.Add(-time.Hour), sqliC))

	res, err := env.o.Cycle(ctx, CycleOpts{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.Scan.DryRun)
	assert.Empty(t, env.host.triggered)
	require.Len(t, res.Dispatch.Results, 1)
	assert.Equal(t, OutcomeDryRun, res.Dispatch.Results[0].Status)

	for _, key := range []string{stateLastCycle, stateObjectivesMet} {
		v, err := env.db.GetState(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v, key)
	}
}

func TestCycle_UnreadableObjectiveSnapshot(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()
	require.NoError(t, env.db.SetState(ctx, stateObjectivesMet, "not json"))

	met, err := env.o.loadMet(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, met)

	require.NoError(t, env.o.saveMet(ctx, "", priority.MetSnapshot([]priority.ObjectiveProgress{
		{Objective: priority.Objective{TargetSeverity: "high", TargetCount: 1}, Met: true},
	})))
	met, err = env.o.loadMet(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"high<=1": true}, met)
}
