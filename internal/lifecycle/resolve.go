package lifecycle

import (
	"sort"

	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// Index holds flat session and PR collections plus lookup tables from
// issue identifiers to the records that reference them. Links are
// resolved by set intersection at query time. Tracking IDs repeat across
// repositories, so issue lookups are scoped to one repository.
type Index struct {
	sessions []Session
	prs      []PullRequest

	sessionsByIssue map[issueRef][]int
	prsByIssue      map[issueRef][]int
	prsBySessionID  map[string][]int
	prsByURL        map[string][]int
}

type issueRef struct {
	repo, id string
}

// NewIndex builds the lookup tables. The slices are not retained for
// mutation; callers may reuse them.
func NewIndex(sessions []Session, prs []PullRequest) *Index {
	ix := &Index{
		sessions:        append([]Session(nil), sessions...),
		prs:             append([]PullRequest(nil), prs...),
		sessionsByIssue: make(map[issueRef][]int),
		prsByIssue:      make(map[issueRef][]int),
		prsBySessionID:  make(map[string][]int),
		prsByURL:        make(map[string][]int),
	}
	for i, s := range ix.sessions {
		for _, id := range s.IssueIDs {
			if id != "" {
				ref := issueRef{s.TargetRepo, id}
				ix.sessionsByIssue[ref] = append(ix.sessionsByIssue[ref], i)
			}
		}
	}
	for i, p := range ix.prs {
		for _, id := range p.IssueIDs {
			if id != "" {
				ref := issueRef{p.TargetRepo, id}
				ix.prsByIssue[ref] = append(ix.prsByIssue[ref], i)
			}
		}
		if p.SessionID != "" {
			ix.prsBySessionID[p.SessionID] = append(ix.prsBySessionID[p.SessionID], i)
		}
		if p.HTMLURL != "" {
			ix.prsByURL[p.HTMLURL] = append(ix.prsByURL[p.HTMLURL], i)
		}
	}
	return ix
}

// Sessions returns every indexed session.
func (ix *Index) Sessions() []Session { return ix.sessions }

// PullRequests returns every indexed pull request.
func (ix *Index) PullRequests() []PullRequest { return ix.prs }

// SessionsFor returns the sessions of repo naming any of keys, in index
// order.
func (ix *Index) SessionsFor(repo string, keys []string) []Session {
	var out []Session
	for _, i := range collect(ix.sessionsByIssue, repo, keys) {
		out = append(out, ix.sessions[i])
	}
	return out
}

// PRsForSession returns the PRs linked to s by URL or session ID.
func (ix *Index) PRsForSession(s Session) []PullRequest {
	var idx []int
	if s.PRURL != "" {
		idx = append(idx, ix.prsByURL[s.PRURL]...)
	}
	if s.SessionID != "" && !IsPlaceholderID(s.SessionID) {
		idx = append(idx, ix.prsBySessionID[s.SessionID]...)
	}
	var out []PullRequest
	for _, i := range dedupe(idx) {
		out = append(out, ix.prs[i])
	}
	return out
}

// PRsFor returns PRs of repo referencing any of keys directly, plus PRs
// linked to a session of repo that references any of keys.
func (ix *Index) PRsFor(repo string, keys []string) []PullRequest {
	idx := collect(ix.prsByIssue, repo, keys)
	for _, si := range collect(ix.sessionsByIssue, repo, keys) {
		s := ix.sessions[si]
		if s.PRURL != "" {
			idx = append(idx, ix.prsByURL[s.PRURL]...)
		}
		if !IsPlaceholderID(s.SessionID) {
			idx = append(idx, ix.prsBySessionID[s.SessionID]...)
		}
	}
	var out []PullRequest
	for _, i := range dedupe(idx) {
		out = append(out, ix.prs[i])
	}
	return out
}

// Resolve fuses a tracked finding with session, PR and verification
// evidence. The first matching state wins.
func Resolve(f tracker.Finding, ix *Index, verified VerifiedSet) DerivedState {
	if verified.Has(f.TargetRepo, f.Fingerprint) {
		return StateVerifiedFixed
	}

	keys := f.Keys()
	if ix != nil {
		prs := ix.PRsFor(f.TargetRepo, keys)
		for _, p := range prs {
			if p.Merged {
				return StatePRMerged
			}
		}
		for _, p := range prs {
			if p.Open() {
				return StatePROpen
			}
		}
		for _, s := range ix.SessionsFor(f.TargetRepo, keys) {
			if s.Active() {
				return StateSessionDispatched
			}
		}
	}

	switch f.Status {
	case tracker.StatusFixed:
		return StateFixed
	case tracker.StatusNew:
		return StateNew
	default:
		return StateRecurring
	}
}

// States holds derived states keyed by repository and fingerprint.
type States map[Key]DerivedState

// KeyOf returns the key of f.
func KeyOf(f tracker.Finding) Key {
	return Key{Repo: f.TargetRepo, Fingerprint: f.Fingerprint}
}

// Of returns the state of f, resolving it without evidence when f was
// not part of the resolved set.
func (s States) Of(f tracker.Finding) DerivedState {
	if st, ok := s[KeyOf(f)]; ok {
		return st
	}
	return Resolve(f, nil, nil)
}

// ResolveAll resolves every finding.
func ResolveAll(findings []tracker.Finding, ix *Index, verified VerifiedSet) States {
	out := make(States, len(findings))
	for _, f := range findings {
		out[KeyOf(f)] = Resolve(f, ix, verified)
	}
	return out
}

func collect(m map[issueRef][]int, repo string, keys []string) []int {
	var idx []int
	for _, k := range keys {
		idx = append(idx, m[issueRef{repo, k}]...)
	}
	return dedupe(idx)
}

func dedupe(idx []int) []int {
	if len(idx) < 2 {
		return idx
	}
	sort.Ints(idx)
	out := idx[:1]
	for _, v := range idx[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
