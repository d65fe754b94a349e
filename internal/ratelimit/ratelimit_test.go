package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestLimiter_BoundaryAndExpiry(t *testing.T) {
	l := New(3, 24*time.Hour, nil)
	for i := 0; i < 3; i++ {
		assert.True(t, l.CanDispatch(t0))
		l.Record(t0.Add(time.Duration(i) * time.Minute))
	}
	now := t0.Add(5 * time.Minute)
	assert.False(t, l.CanDispatch(now))
	assert.Equal(t, 0, l.Remaining(now))

	later := t0.Add(24*time.Hour + time.Minute)
	assert.True(t, l.CanDispatch(later), "oldest entry left the window")
	assert.Equal(t, 2, l.Remaining(later))

	assert.Equal(t, 3, l.Remaining(t0.Add(72*time.Hour)))
}

func TestLimiter_QueriesDoNotMutate(t *testing.T) {
	l := New(2, time.Hour, []time.Time{t0})
	for i := 0; i < 5; i++ {
		l.CanDispatch(t0)
		l.Remaining(t0)
	}
	assert.Equal(t, 1, l.InWindow(t0))
	assert.Equal(t, 1, l.Remaining(t0))
}

func TestLimiter_EntryAtCutoffIsExpired(t *testing.T) {
	l := New(1, time.Hour, []time.Time{t0})
	assert.False(t, l.CanDispatch(t0.Add(59*time.Minute)))
	assert.True(t, l.CanDispatch(t0.Add(time.Hour)))
}

func TestLimiter_Defaults(t *testing.T) {
	l := New(0, 0, nil)
	assert.Equal(t, 10, l.MaxSessions())
	assert.Equal(t, 24*time.Hour, l.Period())
}

func TestLimiter_Snapshot(t *testing.T) {
	l := New(5, 2*time.Hour, []time.Time{t0.Add(-3 * time.Hour), t0.Add(-time.Hour), t0})
	s := l.Snapshot(t0)
	assert.Equal(t, 2, s.InWindow)
	assert.Equal(t, 3, s.Remaining)
	assert.Equal(t, 2.0, s.PeriodHours)
	assert.Equal(t, t0.Add(-time.Hour), s.OldestAt)
}
