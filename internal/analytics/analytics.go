package analytics

import (
	"math"
	"sort"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
	"github.com/marius-posa/codeql-devin-fixer/internal/tracker"
)

// FamilyRate holds historical session outcomes for one vulnerability family.
type FamilyRate struct {
	Family    string  `json:"family"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"fix_rate"`
}

// Estimates maps family to its observed fix rate.
type Estimates map[string]FamilyRate

// Rate returns the fix rate and sample size for family. A zero sample
// size means there is no estimate.
func (e Estimates) Rate(family string) (float64, int) {
	fr, ok := e[family]
	if !ok || fr.Attempts == 0 {
		return 0, 0
	}
	return fr.Rate, fr.Attempts
}

// Sorted returns the estimates ordered by family.
func (e Estimates) Sorted() []FamilyRate {
	out := make([]FamilyRate, 0, len(e))
	for _, fr := range e {
		out = append(out, fr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Family < out[j].Family })
	return out
}

// FixRates aggregates terminal sessions by the families of the findings
// they targeted. A session succeeds when a linked PR merged or any of its
// targets was verified fixed. Placeholder sessions are ignored. A
// session only counts the findings of its own repository.
func FixRates(findings []tracker.Finding, ix *lifecycle.Index, verified lifecycle.VerifiedSet) Estimates {
	byKey := make(map[lifecycle.Key]tracker.Finding, len(findings)*2)
	for _, f := range findings {
		for _, k := range f.Keys() {
			byKey[lifecycle.Key{Repo: f.TargetRepo, Fingerprint: k}] = f
		}
	}

	est := make(Estimates)
	if ix == nil {
		return est
	}
	for _, s := range ix.Sessions() {
		if !s.Real() || !s.Status.Terminal() {
			continue
		}

		families := make(map[string]bool)
		success := false
		for _, id := range s.IssueIDs {
			f, ok := byKey[lifecycle.Key{Repo: s.TargetRepo, Fingerprint: id}]
			if !ok {
				continue
			}
			families[f.Family] = true
			if verified.Has(f.TargetRepo, f.Fingerprint) {
				success = true
			}
		}
		if len(families) == 0 {
			continue
		}
		for _, pr := range ix.PRsForSession(s) {
			if pr.Merged {
				success = true
			}
		}

		for fam := range families {
			fr := est[fam]
			fr.Family = fam
			fr.Attempts++
			if success {
				fr.Successes++
			}
			est[fam] = fr
		}
	}

	for fam, fr := range est {
		fr.Rate = math.Round(float64(fr.Successes)/float64(fr.Attempts)*1000) / 1000
		est[fam] = fr
	}
	return est
}

// SeverityDuration holds time-to-fix stats for one severity tier.
type SeverityDuration struct {
	Severity tracker.Severity `json:"severity"`
	Count    int              `json:"count"`
	Avg      float64          `json:"avg_hours"`
	P50      float64          `json:"p50_hours"`
	P95      float64          `json:"p95_hours"`
}

// FixDurations summarizes fix_duration_hours of fixed findings per
// severity, most severe first.
func FixDurations(findings []tracker.Finding) []SeverityDuration {
	bySev := make(map[tracker.Severity][]float64)
	for _, f := range findings {
		if f.Status != tracker.StatusFixed || f.FixDurationHours == nil {
			continue
		}
		bySev[f.Severity] = append(bySev[f.Severity], *f.FixDurationHours)
	}

	var results []SeverityDuration
	for sev, durations := range bySev {
		sort.Float64s(durations)
		results = append(results, SeverityDuration{
			Severity: sev,
			Count:    len(durations),
			Avg:      avg(durations),
			P50:      percentile(durations, 50),
			P95:      percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Severity.Rank() > results[j].Severity.Rank()
	})
	return results
}

// FixRatePct is the share of fixed findings among all tracked findings.
func FixRatePct(findings []tracker.Finding) float64 {
	fixed := 0
	for _, f := range findings {
		if f.Status == tracker.StatusFixed {
			fixed++
		}
	}
	return pct(fixed, len(findings))
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
