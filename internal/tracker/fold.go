package tracker

import (
	"math"
	"sort"
)

// LegacyPolicy controls how runs without fingerprint data affect the
// new-versus-recurring decision.
type LegacyPolicy string

const (
	// LegacyAnyEarlier forces "recurring" for a single-appearance finding
	// when any run older than its first sighting lacks fingerprint data.
	LegacyAnyEarlier LegacyPolicy = "any_earlier"
	// LegacyOff ignores runs without fingerprint data entirely.
	LegacyOff LegacyPolicy = "off"
)

// FoldOptions tunes Fold.
type FoldOptions struct {
	Legacy LegacyPolicy
}

// SortRuns orders runs by timestamp, then run number, then run ID.
func SortRuns(runs []Run) {
	sort.SliceStable(runs, func(i, j int) bool {
		a, b := runs[i], runs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.RunNumber != b.RunNumber {
			return a.RunNumber < b.RunNumber
		}
		return a.RunID < b.RunID
	})
}

// Fold rebuilds one Finding per fingerprint for a single repository by
// replaying its runs oldest first. The input slice is not modified. The
// result is sorted by fingerprint and is a full replacement for any
// earlier materialization.
func Fold(runs []Run, opts FoldOptions) []Finding {
	if opts.Legacy == "" {
		opts.Legacy = LegacyAnyEarlier
	}

	ordered := make([]Run, len(runs))
	copy(ordered, runs)
	SortRuns(ordered)

	// Latest run that carries fingerprint data decides presence.
	latest := -1
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].FingerprintsKnown {
			latest = i
			break
		}
	}
	if latest < 0 {
		return nil
	}

	type state struct {
		finding  Finding
		firstIdx int
		lastIdx  int
	}
	byFP := make(map[string]*state)

	for i, run := range ordered {
		if !run.FingerprintsKnown {
			continue
		}
		seen := make(map[string]bool, len(run.Findings))
		for _, obs := range run.Findings {
			if obs.Fingerprint == "" || seen[obs.Fingerprint] {
				continue
			}
			seen[obs.Fingerprint] = true

			st, ok := byFP[obs.Fingerprint]
			if !ok {
				st = &state{
					finding: Finding{
						Fingerprint:  obs.Fingerprint,
						TargetRepo:   run.TargetRepo,
						FirstSeenRun: run.RunNumber,
						FirstSeenAt:  run.Timestamp,
					},
					firstIdx: i,
				}
				byFP[obs.Fingerprint] = st
			}
			f := &st.finding
			f.Appearances++
			f.LastSeenRun = run.RunNumber
			f.LastSeenAt = run.Timestamp
			st.lastIdx = i
			// Descriptive fields follow the most recent sighting.
			f.RuleID = obs.RuleID
			f.Severity = obs.Severity
			f.Family = obs.Family
			f.File = obs.File
			f.StartLine = obs.StartLine
			if obs.TrackingID != "" {
				f.LatestTrackingID = obs.TrackingID
			}
		}
	}

	// legacyBefore[i] is true when some run before index i lacks data.
	legacyBefore := make([]bool, len(ordered)+1)
	for i, run := range ordered {
		legacyBefore[i+1] = legacyBefore[i] || !run.FingerprintsKnown
	}

	out := make([]Finding, 0, len(byFP))
	for _, st := range byFP {
		f := st.finding
		if f.Severity == "" {
			f.Severity = SeverityUnknown
		}
		if st.lastIdx == latest {
			f.Status = StatusRecurring
			if f.Appearances == 1 {
				f.Status = StatusNew
				if opts.Legacy == LegacyAnyEarlier && legacyBefore[st.firstIdx] {
					f.Status = StatusRecurring
				}
			}
		} else {
			f.Status = StatusFixed
			hours := math.Round(f.LastSeenAt.Sub(f.FirstSeenAt).Hours()*100) / 100
			f.FixDurationHours = &hours
		}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}
