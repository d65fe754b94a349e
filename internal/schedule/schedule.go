package schedule

import (
	"fmt"
	"strings"
	"time"
)

var namedIntervals = map[string]time.Duration{
	"hourly":   time.Hour,
	"daily":    24 * time.Hour,
	"weekly":   168 * time.Hour,
	"biweekly": 336 * time.Hour,
	"monthly":  720 * time.Hour,
}

// DefaultInterval applies when a repository names no schedule.
const DefaultInterval = 24 * time.Hour

// Interval resolves a named schedule ("daily") or a Go duration ("6h").
func Interval(name string) (time.Duration, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return DefaultInterval, nil
	}
	if d, ok := namedIntervals[name]; ok {
		return d, nil
	}
	d, err := time.ParseDuration(name)
	if err != nil {
		return 0, fmt.Errorf("unknown schedule %q", name)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule %q must be positive", name)
	}
	return d, nil
}

// Repo is the scheduling view of a repository's configuration.
type Repo struct {
	URL      string
	Enabled  bool
	AutoScan bool
	Schedule string
	// CommitThreshold triggers an early scan once this many commits
	// have landed since the last scan. Zero disables the trigger.
	CommitThreshold int
}

// IsDue reports whether repo should be scanned at now. lastScan is zero
// for a never-scanned repository; commits is nil when no commit-velocity
// signal is available.
func IsDue(repo Repo, lastScan time.Time, commits *int, now time.Time) bool {
	if !repo.Enabled || !repo.AutoScan {
		return false
	}
	if lastScan.IsZero() {
		return true
	}
	interval, err := Interval(repo.Schedule)
	if err != nil {
		interval = DefaultInterval
	}
	if now.Sub(lastScan) >= interval {
		return true
	}
	return commits != nil && repo.CommitThreshold > 0 && *commits >= repo.CommitThreshold
}

// NextDue returns when repo next becomes due by time alone.
func NextDue(repo Repo, lastScan time.Time) time.Time {
	if lastScan.IsZero() {
		return time.Time{}
	}
	interval, err := Interval(repo.Schedule)
	if err != nil {
		interval = DefaultInterval
	}
	return lastScan.Add(interval)
}
