package ratelimit

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxSessions = 10
	defaultPeriod      = 24 * time.Hour
)

// Limiter is a sliding-window cap on dispatches. It holds no global
// state; build one per cycle from the durable store with New.
type Limiter struct {
	mu          sync.Mutex
	maxSessions int
	period      time.Duration
	timestamps  []time.Time
}

// New creates a limiter seeded with previously recorded dispatch times.
func New(maxSessions int, period time.Duration, recorded []time.Time) *Limiter {
	if maxSessions <= 0 {
		maxSessions = defaultMaxSessions
	}
	if period <= 0 {
		period = defaultPeriod
	}
	ts := append([]time.Time(nil), recorded...)
	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })
	return &Limiter{maxSessions: maxSessions, period: period, timestamps: ts}
}

// MaxSessions returns the window capacity.
func (l *Limiter) MaxSessions() int { return l.maxSessions }

// Period returns the window length.
func (l *Limiter) Period() time.Duration { return l.period }

// countLocked counts timestamps inside (now-period, now]. Entries at or
// before the cutoff are expired but not pruned.
func (l *Limiter) countLocked(now time.Time) int {
	cutoff := now.Add(-l.period)
	n := 0
	for _, t := range l.timestamps {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// InWindow returns the number of dispatches counted against now.
func (l *Limiter) InWindow(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.countLocked(now)
}

// CanDispatch reports whether one more dispatch fits the window.
func (l *Limiter) CanDispatch(now time.Time) bool {
	return l.Remaining(now) > 0
}

// Remaining returns the unused capacity at now, never negative.
func (l *Limiter) Remaining(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.maxSessions - l.countLocked(now)
	if r < 0 {
		return 0
	}
	return r
}

// Record adds a confirmed dispatch.
func (l *Limiter) Record(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.timestamps = append(l.timestamps, t)
}

// Snapshot is the serializable limiter state.
type Snapshot struct {
	MaxSessions int       `json:"max_sessions"`
	PeriodHours float64   `json:"period_hours"`
	InWindow    int       `json:"in_window"`
	Remaining   int       `json:"remaining"`
	OldestAt    time.Time `json:"oldest_in_window,omitempty"`
}

// Snapshot reports the limiter state at now.
func (l *Limiter) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.countLocked(now)
	s := Snapshot{
		MaxSessions: l.maxSessions,
		PeriodHours: l.period.Hours(),
		InWindow:    n,
		Remaining:   l.maxSessions - n,
	}
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	cutoff := now.Add(-l.period)
	for _, t := range l.timestamps {
		if t.After(cutoff) {
			s.OldestAt = t
			break
		}
	}
	return s
}
