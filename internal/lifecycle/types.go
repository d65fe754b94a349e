package lifecycle

import (
	"strings"
	"time"
)

// SessionStatus is the remediation-agent's view of a session.
type SessionStatus string

const (
	SessionCreated   SessionStatus = "created"
	SessionRunning   SessionStatus = "running"
	SessionFinished  SessionStatus = "finished"
	SessionStopped   SessionStatus = "stopped"
	SessionFailed    SessionStatus = "failed"
	SessionError     SessionStatus = "error"
	SessionExpired   SessionStatus = "expired"
	SessionCancelled SessionStatus = "cancelled"
)

// ParseSessionStatus normalizes a status string reported by the agent.
// Unknown values are treated as running so the session keeps blocking
// re-dispatch until it reaches a recognizable terminal state.
func ParseSessionStatus(s string) SessionStatus {
	switch st := SessionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case SessionCreated, SessionRunning, SessionFinished, SessionStopped,
		SessionFailed, SessionError, SessionExpired, SessionCancelled:
		return st
	case "blocked", "working", "pending", "":
		return SessionRunning
	case "completed", "done", "success":
		return SessionFinished
	default:
		return SessionRunning
	}
}

// Terminal reports whether no further status transitions are expected.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionFinished, SessionStopped, SessionFailed, SessionError, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// Failure reports whether the terminal status counts as a failed attempt.
func (s SessionStatus) Failure() bool {
	switch s {
	case SessionFailed, SessionError, SessionExpired, SessionCancelled:
		return true
	}
	return false
}

// Session is one remediation attempt created by dispatch.
type Session struct {
	SessionID  string        `json:"session_id"`
	Status     SessionStatus `json:"status"`
	BatchID    string        `json:"batch_id"`
	TargetRepo string        `json:"target_repo"`
	// IssueIDs holds the fingerprints and tracking IDs the session targets.
	IssueIDs  []string  `json:"issue_ids"`
	PRURL     string    `json:"pr_url,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	// FailureCounted is set once a failed terminal status has been
	// charged to the dispatch history of its targets.
	FailureCounted bool `json:"failure_counted"`
}

// Real reports whether the session has a genuine agent-side identifier.
func (s Session) Real() bool { return !IsPlaceholderID(s.SessionID) }

// Active reports whether the session still blocks re-dispatch.
func (s Session) Active() bool { return s.Real() && !s.Status.Terminal() }

// IsPlaceholderID reports whether id was never issued by the agent
// service (dry runs and reservations awaiting a create response).
func IsPlaceholderID(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == "dry-run" || strings.HasPrefix(id, "pending-")
}

// PullRequest is read from the source-hosting platform.
type PullRequest struct {
	HTMLURL    string `json:"html_url"`
	Number     int    `json:"number"`
	TargetRepo string `json:"target_repo"`
	State      string `json:"state"`
	Merged     bool   `json:"merged"`
	// SessionID is the agent session that opened the PR, when known.
	SessionID string   `json:"session_id,omitempty"`
	IssueIDs  []string `json:"issue_ids"`
}

// Open reports whether the PR is open and unmerged.
func (p PullRequest) Open() bool {
	return !p.Merged && strings.EqualFold(p.State, "open")
}

// VerifiedFix records a post-remediation scan confirming absence.
type VerifiedFix struct {
	TargetRepo  string    `json:"target_repo"`
	Fingerprint string    `json:"fingerprint"`
	SessionID   string    `json:"session_id"`
	PRURL       string    `json:"pr_url"`
	VerifiedAt  time.Time `json:"verified_at"`
}

// Key identifies a tracked finding. A fingerprint is only unique within
// its repository: forks and vendored code share fingerprints.
type Key struct {
	Repo        string
	Fingerprint string
}

// VerifiedSet is keyed by repository and fingerprint.
type VerifiedSet map[Key]VerifiedFix

// NewVerifiedSet indexes fixes by repository and fingerprint.
func NewVerifiedSet(fixes []VerifiedFix) VerifiedSet {
	set := make(VerifiedSet, len(fixes))
	for _, v := range fixes {
		set[Key{Repo: v.TargetRepo, Fingerprint: v.Fingerprint}] = v
	}
	return set
}

// Has reports whether fp has been verified fixed in repo.
func (v VerifiedSet) Has(repo, fp string) bool {
	_, ok := v[Key{Repo: repo, Fingerprint: fp}]
	return ok
}

// DerivedState is the authoritative status of a finding.
type DerivedState string

const (
	StateVerifiedFixed     DerivedState = "verified_fixed"
	StatePRMerged          DerivedState = "pr_merged"
	StatePROpen            DerivedState = "pr_open"
	StateSessionDispatched DerivedState = "session_dispatched"
	StateFixed             DerivedState = "fixed"
	StateNew               DerivedState = "new"
	StateRecurring         DerivedState = "recurring"
)

// AllStates lists derived states in precedence order.
var AllStates = []DerivedState{
	StateVerifiedFixed, StatePRMerged, StatePROpen, StateSessionDispatched,
	StateFixed, StateNew, StateRecurring,
}

// Resolved reports whether the state means the vulnerability is gone.
func (d DerivedState) Resolved() bool {
	return d == StateFixed || d == StateVerifiedFixed
}
