package batch

import (
	"sort"

	"github.com/google/uuid"

	"github.com/marius-posa/codeql-devin-fixer/internal/priority"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

const defaultBatchSize = 5

// Candidate is an eligible finding annotated with its priority score.
type Candidate struct {
	Finding tracker.Finding    `json:"finding"`
	Score   float64            `json:"score"`
	SLA     priority.SLAStatus `json:"sla_status"`
}

// Limits bounds batch formation for one cycle.
type Limits struct {
	// BatchSize caps findings per batch.
	BatchSize int
	// Capacity is the number of batches (sessions) that may be formed:
	// the rate limiter's remaining capacity combined with any operator cap.
	Capacity int
	// PerRepoCap caps batches per repository per cycle; zero means no cap.
	PerRepoCap int
	// RepoCaps overrides PerRepoCap for specific repositories.
	RepoCaps map[string]int
}

func (l Limits) repoCap(repo string) int {
	if c, ok := l.RepoCaps[repo]; ok {
		return c
	}
	return l.PerRepoCap
}

// Batch is one unit of work submitted as a single agent session.
type Batch struct {
	ID         string           `json:"batch_id"`
	TargetRepo string           `json:"target_repo"`
	Family     string           `json:"family"`
	Severity   tracker.Severity `json:"severity_tier"`
	MaxScore   float64          `json:"max_score"`
	Members    []Candidate      `json:"members"`
}

// Fingerprints returns the member fingerprints in batch order.
func (b Batch) Fingerprints() []string {
	out := make([]string, len(b.Members))
	for i, m := range b.Members {
		out[i] = m.Finding.Fingerprint
	}
	return out
}

// IssueIDs returns every identifier a session for this batch should
// carry: fingerprints and latest tracking IDs.
func (b Batch) IssueIDs() []string {
	var out []string
	for _, m := range b.Members {
		out = append(out, m.Finding.Keys()...)
	}
	return out
}

var newID = uuid.NewString

// SortCandidates orders by score descending, then fingerprint ascending.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		return cs[i].Finding.Fingerprint < cs[j].Finding.Fingerprint
	})
}

type group struct {
	repo, family string
	members      []Candidate
}

// Form groups candidates by (repository, family) and emits at most one
// batch per group, highest-scoring groups first, until capacity runs out.
// A finding, identified by repository and fingerprint, appears in at
// most one batch.
func Form(candidates []Candidate, lim Limits) []Batch {
	if lim.BatchSize <= 0 {
		lim.BatchSize = defaultBatchSize
	}
	if lim.Capacity <= 0 || len(candidates) == 0 {
		return nil
	}

	sorted := append([]Candidate(nil), candidates...)
	SortCandidates(sorted)

	seen := make(map[[2]string]bool, len(sorted))
	index := make(map[[2]string]*group)
	var groups []*group
	for _, c := range sorted {
		id := [2]string{c.Finding.TargetRepo, c.Finding.Fingerprint}
		if seen[id] {
			continue
		}
		seen[id] = true
		key := [2]string{c.Finding.TargetRepo, c.Finding.Family}
		g, ok := index[key]
		if !ok {
			g = &group{repo: key[0], family: key[1]}
			index[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, c)
	}

	// members[0] is each group's maximum.
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.members[0].Score != b.members[0].Score {
			return a.members[0].Score > b.members[0].Score
		}
		if a.repo != b.repo {
			return a.repo < b.repo
		}
		return a.family < b.family
	})

	perRepo := make(map[string]int)
	var batches []Batch
	for _, g := range groups {
		if len(batches) >= lim.Capacity {
			break
		}
		if c := lim.repoCap(g.repo); c > 0 && perRepo[g.repo] >= c {
			continue
		}
		n := len(g.members)
		if n > lim.BatchSize {
			n = lim.BatchSize
		}
		members := append([]Candidate(nil), g.members[:n]...)
		b := Batch{
			ID:         newID(),
			TargetRepo: g.repo,
			Family:     g.family,
			Severity:   maxSeverity(members),
			MaxScore:   members[0].Score,
			Members:    members,
		}
		batches = append(batches, b)
		perRepo[g.repo]++
	}
	return batches
}

func maxSeverity(cs []Candidate) tracker.Severity {
	best := tracker.SeverityUnknown
	for _, c := range cs {
		if c.Finding.Severity.Rank() > best.Rank() {
			best = c.Finding.Severity
		}
	}
	return best
}
