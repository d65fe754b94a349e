// Package orchestrator composes tracking, lifecycle resolution,
// eligibility, scoring, batching and scheduling into operator actions.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marius-posa/codeql-devin-fixer/internal/agent"
	"github.com/marius-posa/codeql-devin-fixer/internal/config"
	"github.com/marius-posa/codeql-devin-fixer/internal/db"
	"github.com/marius-posa/codeql-devin-fixer/internal/eligibility"
	"github.com/marius-posa/codeql-devin-fixer/internal/fingerprint"
	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/priority"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// Store is the durable state the orchestrator reads and writes.
// *db.DB implements it.
type Store interface {
	RecordRun(ctx context.Context, run *tracker.Run) (bool, error)
	Runs(ctx context.Context, repo string) ([]tracker.Run, error)
	ReplaceFindings(ctx context.Context, repo string, findings []tracker.Finding) error
	Snapshot(ctx context.Context, repo string, windowStart time.Time) (*db.Snapshot, error)

	SaveSession(ctx context.Context, s lifecycle.Session) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status lifecycle.SessionStatus, prURL string) error
	MarkSessionFailureCounted(ctx context.Context, sessionID string, fingerprints []string) (bool, error)
	SavePullRequests(ctx context.Context, prs []lifecycle.PullRequest) error
	SaveVerifiedFixes(ctx context.Context, fixes []lifecycle.VerifiedFix) error

	ReserveDispatch(ctx context.Context, maxSessions int, period time.Duration, now time.Time) (string, error)
	ConfirmDispatch(ctx context.Context, reservationID, sessionID string) error
	ReleaseDispatch(ctx context.Context, reservationID string) error
	RecordDispatchOutcome(ctx context.Context, fingerprints []string, sessionID string, success bool, at time.Time) error

	LastScans(ctx context.Context) (map[string]time.Time, error)
	SetLastScan(ctx context.Context, repo string, at time.Time, status string) error
	GetState(ctx context.Context, key string) (string, error)
	SetState(ctx context.Context, key, value string) error
}

// Agent creates and polls remediation sessions. *agent.Client implements it.
type Agent interface {
	CreateSession(ctx context.Context, req agent.CreateSessionRequest) (*agent.CreateSessionResponse, error)
	GetSessionStatus(ctx context.Context, sessionID string) (*agent.SessionInfo, error)
}

// SourceHost lists pull requests and triggers scans. *github.Client
// implements it.
type SourceHost interface {
	ListPullRequests(repoURL string) ([]lifecycle.PullRequest, error)
	TriggerScan(repoURL, workflow string) error
	CommitCountSince(repoURL string, since time.Time) (int, error)
}

// Options wires an Orchestrator. Agent and Host may be nil for read-only
// use (plan, status, ingest).
type Options struct {
	Config *config.Fixer
	Store  Store
	Agent  Agent
	Host   SourceHost
	Logger zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// Sleep paces dispatch calls; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Source resolves source lines while normalizing ingested runs.
	Source fingerprint.LineSource
	// PromptTemplate is a template file replacing the built-in batch prompt.
	PromptTemplate string
}

// Orchestrator runs ingest, plan, status, dispatch, scan and cycle.
type Orchestrator struct {
	cfg    *config.Fixer
	store  Store
	agent  Agent
	host   SourceHost
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	source fingerprint.LineSource
	prompt string
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Default().Fixer
	}
	o := &Orchestrator{
		cfg:    cfg,
		store:  opts.Store,
		agent:  opts.Agent,
		host:   opts.Host,
		log:    opts.Logger,
		now:    opts.Now,
		sleep:  opts.Sleep,
		source: opts.Source,
		prompt: opts.PromptTemplate,
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.sleep == nil {
		o.sleep = sleepCtx
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) period() time.Duration {
	return time.Duration(o.cfg.RateLimit.PeriodHours * float64(time.Hour))
}

func (o *Orchestrator) policy() eligibility.Policy {
	e := o.cfg.Eligibility
	return eligibility.Policy{
		MaxAttempts: e.MaxAttempts,
		Cooldown:    e.CooldownHours,
		MinFixRate:  e.FixRateFloor(),
		MinSamples:  e.FixRateSamples(),
	}
}

func (o *Orchestrator) slaBudgets() priority.SLABudgets {
	b := priority.DefaultSLABudgets()
	for sev, h := range o.cfg.SLAHours {
		b[tracker.ParseSeverity(sev)] = h
	}
	return b
}

func (o *Orchestrator) objectives() []priority.Objective {
	out := make([]priority.Objective, 0, len(o.cfg.Objectives))
	for _, ob := range o.cfg.Objectives {
		out = append(out, priority.Objective{
			TargetSeverity: tracker.ParseSeverity(ob.TargetSeverity),
			TargetCount:    ob.TargetCount,
			Priority:       ob.Priority,
		})
	}
	return out
}

func (o *Orchestrator) foldOptions() tracker.FoldOptions {
	return tracker.FoldOptions{Legacy: tracker.LegacyPolicy(o.cfg.Tracking.LegacyGuard)}
}

// inScope reports whether repo passes the operator's repository filter.
func inScope(filter, repo string) bool {
	return filter == "" || strings.EqualFold(config.NormalizeRepoURL(filter), config.NormalizeRepoURL(repo))
}
