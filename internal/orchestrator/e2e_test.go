package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marius-posa/codeql-devin-fixer/internal/config"
	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
)

// A finding seen in two consecutive runs is recurring and gets exactly
// one session on the next dispatch.
func TestE2E_RecurringFindingDispatch(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.ingest(t, runPayload(t, testRepo, 1, t0.Add(-48*time.Hour), xssA))
	env.ingest(t, runPayload(t, testRepo, 2, t0.Add(-24*time.Hour), xssA))

	plan, err := env.o.Plan(ctx, testRepo)
	require.NoError(t, err)
	require.Len(t, plan.Eligible, 1)
	assert.Equal(t, 2, plan.Eligible[0].Finding.Appearances)
	assert.Equal(t, "recurring", string(plan.Eligible[0].Finding.Status))

	res, err := env.o.Dispatch(ctx, DispatchOpts{Repo: testRepo})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, OutcomeCreated, res.Results[0].Status)
	assert.Equal(t, "devin-1", res.Results[0].SessionID)
	assert.Equal(t, []string{xssA.fp}, res.Results[0].Fingerprints)

	history, err := env.db.History(ctx)
	require.NoError(t, err)
	h := history[xssA.fp]
	assert.Equal(t, 1, h.DispatchCount)
	assert.Equal(t, 0, h.ConsecutiveFailures)
	assert.Equal(t, "devin-1", h.LastSessionID)
	assert.True(t, h.LastDispatchedAt.Equal(t0))

	stamps, err := env.db.RateLimitTimestamps(ctx, t0.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, stamps, 1)

	sessions, err := env.db.Sessions(ctx, testRepo)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.ElementsMatch(t, []string{xssA.fp, "CQLF-R2-0001"}, sessions[0].IssueIDs)

	// A second dispatch in the same window creates nothing new.
	again, err := env.o.Dispatch(ctx, DispatchOpts{Repo: testRepo})
	require.NoError(t, err)
	assert.Empty(t, again.Results)
	assert.Len(t, env.agent.created, 1)
}

// A session that ends in error charges one failure and puts the finding
// into its first cooldown.
func TestE2E_ErroredSessionEntersCooldown(t *testing.T) {
	env := setupTest(t, nil)
	ctx := context.Background()

	env.ingest(t, runPayload(t, testRepo, 1, t0.Add(-48*time.Hour), xssA))
	env.ingest(t, runPayload(t, testRepo, 2, t0.Add(-24*time.Hour), xssA))
	_, err := env.o.Dispatch(ctx, DispatchOpts{})
	require.NoError(t, err)

	env.agent.setStatus("devin-1", lifecycle.SessionError, "")
	env.clock.Advance(time.Hour)

	res, err := env.o.Dispatch(ctx, DispatchOpts{})
	require.NoError(t, err)
	require.NotNil(t, res.Refresh)
	assert.Equal(t, 1, res.Refresh.FailureCharged)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1, res.SkipCounts[eligibility.ReasonCooldownActive])

	plan, err := env.o.Plan(ctx, "")
	require.NoError(t, err)
	require.Len(t, plan.Skipped, 1)
	skip := plan.Skipped[0]
	assert.Equal(t, eligibility.ReasonCooldownActive, skip.Reason)
	assert.Equal(t, lifecycle.StateRecurring, skip.State)
	assert.InDelta(t, 23.0, skip.CooldownRemaining, 0.01)

	history, err := env.db.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, history[xssA.fp].ConsecutiveFailures)
	assert.Equal(t, 1, history[xssA.fp].DispatchCount)

	// Once the cooldown lapses the finding is dispatched again.
	env.clock.Advance(24 * time.Hour)
	retry, err := env.o.Dispatch(ctx, DispatchOpts{})
	require.NoError(t, err)
	require.Len(t, retry.Results, 1)
	assert.Equal(t, "devin-2", retry.Results[0].SessionID)

	history, err = env.db.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, history[xssA.fp].DispatchCount)
	assert.Equal(t, 0, history[xssA.fp].ConsecutiveFailures)
}

// Repeated attempts stop at the configured maximum.
func TestE2E_MaxAttempts(t *testing.T) {
	env := setupTest(t, func(c *config.Fixer) {
		c.Eligibility.MaxAttempts = 2
		c.Eligibility.CooldownHours = []float64{1}
	})
	ctx := context.Background()
	env.ingest(t, runPayload(t, testRepo, 1, t0.Add(-time.Hour), xssA))

	for i := 1; i <= 2; i++ {
		res, err := env.o.Dispatch(ctx, DispatchOpts{})
		require.NoError(t, err)
		require.Len(t, res.Results, 1, "attempt %d", i)
		env.agent.setStatus(res.Results[0].SessionID, lifecycle.SessionFailed, "")
		env.clock.Advance(2 * time.Hour)
	}

	res, err := env.o.Dispatch(ctx, DispatchOpts{})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1, res.SkipCounts[eligibility.ReasonMaxAttempts])
}
