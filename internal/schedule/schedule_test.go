package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

func intp(n int) *int { return &n }

func TestInterval(t *testing.T) {
	tests := map[string]time.Duration{
		"hourly":   time.Hour,
		"Daily":    24 * time.Hour,
		"weekly":   168 * time.Hour,
		"biweekly": 336 * time.Hour,
		"monthly":  720 * time.Hour,
		"":         24 * time.Hour,
		"6h":       6 * time.Hour,
	}
	for name, want := range tests {
		got, err := Interval(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := Interval("fortnightly")
	assert.Error(t, err)
	_, err = Interval("-1h")
	assert.Error(t, err)
}

func TestIsDue(t *testing.T) {
	daily := Repo{Enabled: true, AutoScan: true, Schedule: "daily", CommitThreshold: 10}
	tests := []struct {
		name     string
		repo     Repo
		lastScan time.Time
		commits  *int
		want     bool
	}{
		{"disabled", Repo{Enabled: false, AutoScan: true}, time.Time{}, nil, false},
		{"auto scan off", Repo{Enabled: true}, time.Time{}, nil, false},
		{"never scanned", daily, time.Time{}, nil, true},
		{"interval elapsed", daily, now.Add(-24 * time.Hour), nil, true},
		{"within interval", daily, now.Add(-time.Hour), nil, false},
		{"commit threshold met", daily, now.Add(-time.Hour), intp(10), true},
		{"commit threshold not met", daily, now.Add(-time.Hour), intp(9), false},
		{"no threshold configured", Repo{Enabled: true, AutoScan: true}, now.Add(-time.Hour), intp(1000), false},
		{"bad schedule falls back to daily", Repo{Enabled: true, AutoScan: true, Schedule: "sometimes"}, now.Add(-25 * time.Hour), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDue(tt.repo, tt.lastScan, tt.commits, now))
		})
	}
}

func TestNextDue(t *testing.T) {
	r := Repo{Schedule: "hourly"}
	assert.Equal(t, now.Add(time.Hour), NextDue(r, now))
	assert.True(t, NextDue(r, time.Time{}).IsZero())
}
