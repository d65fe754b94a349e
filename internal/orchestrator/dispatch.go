package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/marius-posa/codeql-devin-fixer/internal/agent"
	"github.com/marius-posa/codeql-devin-fixer/internal/batch"
	"github.com/marius-posa/codeql-devin-fixer/internal/db"
	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/metrics"
	"github.com/marius-posa/codeql-devin-fixer/internal/prompt"
	"github.com/marius-posa/codeql-devin-fixer/internal/ratelimit"
)

const pollConcurrency = 4

// Outcome values for DispatchOutcome.Status.
const (
	OutcomeCreated     = "created"
	OutcomeFailed      = "failed"
	OutcomeDryRun      = "dry_run"
	OutcomeRateLimited = "rate_limited"
)

// DispatchOpts controls one dispatch pass.
type DispatchOpts struct {
	Repo   string
	DryRun bool
	// MaxSessions further caps sessions for this pass; zero means no
	// extra cap.
	MaxSessions int
}

// DispatchOutcome reports what happened to one batch.
type DispatchOutcome struct {
	BatchID      string   `json:"batch_id"`
	TargetRepo   string   `json:"target_repo"`
	Family       string   `json:"family"`
	Severity     string   `json:"severity_tier"`
	Fingerprints []string `json:"fingerprints"`
	Status       string   `json:"status"`
	SessionID    string   `json:"session_id,omitempty"`
	SessionURL   string   `json:"session_url,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// DispatchResult summarizes a dispatch pass.
type DispatchResult struct {
	DryRun          bool                       `json:"dry_run"`
	SessionsCreated int                        `json:"sessions_created"`
	SessionsFailed  int                        `json:"sessions_failed"`
	Results         []DispatchOutcome          `json:"results"`
	SkipCounts      map[eligibility.Reason]int `json:"skip_counts"`
	RateLimit       ratelimit.Snapshot         `json:"rate_limit"`
	Refresh         *RefreshResult             `json:"refresh,omitempty"`

	plan *PlanResult
}

// Plan returns the plan the pass executed.
func (r *DispatchResult) Plan() *PlanResult { return r.plan }

// RefreshResult summarizes session polling and PR syncing.
type RefreshResult struct {
	Polled         int `json:"sessions_polled"`
	PollErrors     int `json:"poll_errors"`
	FailureCharged int `json:"failures_charged"`
	PullRequests   int `json:"pull_requests"`
	PRErrors       int `json:"pr_errors"`
}

// Refresh polls non-terminal sessions, charges newly failed sessions to
// the history of their targets once, and syncs pull requests. Collaborator
// failures are logged and counted, not returned.
func (o *Orchestrator) Refresh(ctx context.Context, repo string) (*RefreshResult, error) {
	now := o.now()
	snap, err := o.snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	res := &RefreshResult{}

	if o.agent != nil {
		if err := o.pollSessions(ctx, snap, repo, res); err != nil {
			return nil, err
		}
	}
	if o.host != nil {
		if err := o.syncPullRequests(ctx, snap, repo, res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type polled struct {
	session lifecycle.Session
	info    *agent.SessionInfo
	err     error
}

func (o *Orchestrator) pollSessions(ctx context.Context, snap *db.Snapshot, repo string, res *RefreshResult) error {
	var active []lifecycle.Session
	for _, s := range snap.Sessions {
		if inScope(repo, s.TargetRepo) && s.Active() {
			active = append(active, s)
		}
	}

	results := make([]polled, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for i, s := range active {
		i, s := i, s
		g.Go(func() error {
			info, err := o.agent.GetSessionStatus(gctx, s.SessionID)
			results[i] = polled{session: s, info: info, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	failed := make(map[string]lifecycle.Session)
	for _, s := range snap.Sessions {
		if inScope(repo, s.TargetRepo) && s.Real() && s.Status.Failure() && !s.FailureCounted {
			failed[s.SessionID] = s
		}
	}
	for _, p := range results {
		res.Polled++
		if p.err != nil {
			res.PollErrors++
			o.log.Warn().Err(p.err).Str("session_id", p.session.SessionID).Msg("poll session status")
			continue
		}
		if p.info.Status == p.session.Status && p.info.PRURL == "" {
			continue
		}
		if err := o.store.UpdateSessionStatus(ctx, p.session.SessionID, p.info.Status, p.info.PRURL); err != nil {
			return fmt.Errorf("update session %s: %w", p.session.SessionID, err)
		}
		if p.info.Status != p.session.Status {
			o.log.Info().
				Str("session_id", p.session.SessionID).
				Str("from", string(p.session.Status)).
				Str("to", string(p.info.Status)).
				Msg("session status changed")
		}
		if p.info.Status.Failure() {
			failed[p.session.SessionID] = p.session
		}
	}

	for id, s := range failed {
		charged, err := o.store.MarkSessionFailureCounted(ctx, id, s.IssueIDs)
		if err != nil {
			return fmt.Errorf("charge session failure: %w", err)
		}
		if charged {
			res.FailureCharged++
			metrics.SessionsFailedTotal.WithLabelValues(s.TargetRepo).Inc()
		}
	}
	return nil
}

func (o *Orchestrator) syncPullRequests(ctx context.Context, snap *db.Snapshot, repo string, res *RefreshResult) error {
	repos := make(map[string]bool)
	for _, f := range snap.Findings {
		if inScope(repo, f.TargetRepo) {
			repos[f.TargetRepo] = true
		}
	}
	for _, s := range snap.Sessions {
		if inScope(repo, s.TargetRepo) && s.TargetRepo != "" {
			repos[s.TargetRepo] = true
		}
	}

	for r := range repos {
		prs, err := o.host.ListPullRequests(r)
		if err != nil {
			res.PRErrors++
			o.log.Warn().Err(err).Str("repo", r).Msg("list pull requests")
			continue
		}
		if err := o.store.SavePullRequests(ctx, prs); err != nil {
			return fmt.Errorf("save pull requests: %w", err)
		}
		res.PullRequests += len(prs)
	}
	return nil
}

// Dispatch creates one agent session per planned batch. Batches are sent
// one after another with the configured delay between create calls. A
// failed create is charged to the history of its findings and never
// stops sibling batches. Dry runs write nothing and call nothing remote.
func (o *Orchestrator) Dispatch(ctx context.Context, opts DispatchOpts) (*DispatchResult, error) {
	res := &DispatchResult{DryRun: opts.DryRun}
	if !opts.DryRun {
		if o.agent == nil {
			return nil, errors.New("dispatch: no agent client configured")
		}
		refresh, err := o.Refresh(ctx, opts.Repo)
		if err != nil {
			return nil, err
		}
		res.Refresh = refresh
	}

	now := o.now()
	snap, err := o.snapshot(ctx, now)
	if err != nil {
		return nil, err
	}
	ev := o.evaluate(snap, opts.Repo, now)
	plan := o.plan(ev, opts.Repo, opts.MaxSessions)
	res.plan = plan
	res.SkipCounts = plan.SkipCounts
	res.Results = []DispatchOutcome{}
	for reason, n := range plan.SkipCounts {
		metrics.SkipsTotal.WithLabelValues(string(reason)).Add(float64(n))
	}

	tmpl, err := prompt.LoadTemplate(o.prompt)
	if err != nil {
		return nil, err
	}

	delay := o.cfg.DispatchDelay()
	for i, b := range plan.Planned {
		if !opts.DryRun && i > 0 {
			if err := o.sleep(ctx, delay); err != nil {
				res.RateLimit = ev.limiter.Snapshot(o.now())
				return res, err
			}
		}
		out, stop, err := o.dispatchBatch(ctx, b, tmpl, ev.limiter, opts.DryRun)
		if err != nil {
			return nil, err
		}
		res.Results = append(res.Results, out)
		switch out.Status {
		case OutcomeCreated:
			res.SessionsCreated++
		case OutcomeFailed:
			res.SessionsFailed++
		}
		if stop {
			break
		}
	}

	res.RateLimit = ev.limiter.Snapshot(o.now())
	if !opts.DryRun {
		metrics.RateLimitRemaining.Set(float64(res.RateLimit.Remaining))
	}
	o.log.Info().
		Bool("dry_run", opts.DryRun).
		Int("planned", len(plan.Planned)).
		Int("created", res.SessionsCreated).
		Int("failed", res.SessionsFailed).
		Int("skipped", len(plan.Skipped)).
		Msg("dispatch complete")
	return res, nil
}

// dispatchBatch sends one batch. stop is true when the capacity race was
// lost and no further batches should be attempted.
func (o *Orchestrator) dispatchBatch(ctx context.Context, b batch.Batch, tmpl string, limiter *ratelimit.Limiter, dryRun bool) (DispatchOutcome, bool, error) {
	fps := b.Fingerprints()
	out := DispatchOutcome{
		BatchID:      b.ID,
		TargetRepo:   b.TargetRepo,
		Family:       b.Family,
		Severity:     string(b.Severity),
		Fingerprints: fps,
	}
	log := o.log.With().Str("repo", b.TargetRepo).Str("family", b.Family).Str("batch_id", b.ID).Logger()

	text, err := prompt.BuildBatchPrompt(b, b.TargetRepo, tmpl)
	if err != nil {
		return out, false, fmt.Errorf("build prompt: %w", err)
	}
	if dryRun {
		out.Status = OutcomeDryRun
		out.SessionID = "dry-run"
		return out, false, nil
	}

	now := o.now()
	reservation, err := o.store.ReserveDispatch(ctx, o.cfg.RateLimit.MaxSessions, o.period(), now)
	if errors.Is(err, db.ErrRateLimited) {
		log.Warn().Msg("rate limit reached before dispatch")
		out.Status = OutcomeRateLimited
		return out, true, nil
	}
	if err != nil {
		return out, false, fmt.Errorf("reserve dispatch: %w", err)
	}

	resp, err := o.agent.CreateSession(ctx, agent.CreateSessionRequest{
		Prompt:     text,
		Title:      sessionTitle(b),
		Tags:       o.cfg.Dispatch.Tags,
		MaxBudget:  o.cfg.Agent.MaxBudget,
		Idempotent: true,
	})
	if err != nil {
		if rerr := o.store.ReleaseDispatch(ctx, reservation); rerr != nil {
			return out, false, fmt.Errorf("release dispatch: %w", rerr)
		}
		if herr := o.store.RecordDispatchOutcome(ctx, fps, "", false, now); herr != nil {
			return out, false, fmt.Errorf("record dispatch failure: %w", herr)
		}
		metrics.SessionsFailedTotal.WithLabelValues(b.TargetRepo).Inc()
		log.Error().Err(err).Int("findings", len(fps)).Msg("create session failed")
		out.Status = OutcomeFailed
		out.Error = err.Error()
		return out, false, nil
	}

	if err := o.store.ConfirmDispatch(ctx, reservation, resp.SessionID); err != nil {
		return out, false, fmt.Errorf("confirm dispatch: %w", err)
	}
	url := resp.URL
	if url == "" {
		url = o.cfg.Agent.SessionURLPrefix + strings.TrimPrefix(resp.SessionID, o.cfg.Agent.SessionIDPrefix)
	}
	if err := o.store.SaveSession(ctx, lifecycle.Session{
		SessionID:  resp.SessionID,
		Status:     lifecycle.SessionCreated,
		BatchID:    b.ID,
		TargetRepo: b.TargetRepo,
		IssueIDs:   b.IssueIDs(),
		URL:        url,
		CreatedAt:  now,
	}); err != nil {
		return out, false, fmt.Errorf("save session: %w", err)
	}
	if err := o.store.RecordDispatchOutcome(ctx, fps, resp.SessionID, true, now); err != nil {
		return out, false, fmt.Errorf("record dispatch: %w", err)
	}
	limiter.Record(now)
	metrics.SessionsCreatedTotal.WithLabelValues(b.TargetRepo).Inc()
	log.Info().Str("session_id", resp.SessionID).Int("findings", len(fps)).Msg("session created")

	out.Status = OutcomeCreated
	out.SessionID = resp.SessionID
	out.SessionURL = url
	return out, false, nil
}

func sessionTitle(b batch.Batch) string {
	repo := b.TargetRepo
	if i := strings.LastIndex(repo, "/"); i >= 0 {
		if j := strings.LastIndex(repo[:i], "/"); j >= 0 {
			repo = repo[j+1:]
		}
	}
	return fmt.Sprintf("CodeQL fix: %d %s (%s) finding(s) in %s", len(b.Members), b.Family, b.Severity, repo)
}
