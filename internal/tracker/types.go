package tracker

import (
	"strings"
	"time"
)

// Severity is the normalized severity tier of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityUnknown  Severity = "unknown"
)

// ParseSeverity maps scanner severity labels onto a tier. SARIF levels
// (error/warning/note) are accepted as well.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "error":
		return SeverityHigh
	case "medium", "moderate", "warning":
		return SeverityMedium
	case "low", "note", "recommendation":
		return SeverityLow
	default:
		return SeverityUnknown
	}
}

// Rank orders severities; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// RawStatus is the cross-run status of a finding before session/PR evidence.
type RawStatus string

const (
	StatusNew       RawStatus = "new"
	StatusRecurring RawStatus = "recurring"
	StatusFixed     RawStatus = "fixed"
)

// Observation is one finding as reported by one scan run.
type Observation struct {
	Fingerprint string   `json:"fingerprint"`
	TrackingID  string   `json:"tracking_id"`
	RuleID      string   `json:"rule_id"`
	Severity    Severity `json:"severity"`
	Family      string   `json:"family"`
	File        string   `json:"file"`
	StartLine   int      `json:"start_line"`
	Message     string   `json:"message,omitempty"`
}

// Run is one immutable scan of a repository.
type Run struct {
	TargetRepo string    `json:"target_repo"`
	RunID      string    `json:"run_id"`
	RunNumber  int       `json:"run_number"`
	Timestamp  time.Time `json:"timestamp"`
	// FingerprintsKnown is false for legacy runs that recorded no
	// per-finding identity; such runs contribute no observations.
	FingerprintsKnown bool          `json:"fingerprints_known"`
	Findings          []Observation `json:"findings"`
}

// Finding is the materialized cross-run view of one distinct vulnerability.
type Finding struct {
	Fingerprint      string    `json:"fingerprint"`
	RuleID           string    `json:"rule_id"`
	Severity         Severity  `json:"severity_tier"`
	Family           string    `json:"family"`
	File             string    `json:"file"`
	StartLine        int       `json:"start_line"`
	TargetRepo       string    `json:"target_repo"`
	Status           RawStatus `json:"raw_status"`
	Appearances      int       `json:"appearances"`
	FirstSeenRun     int       `json:"first_seen_run"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenRun      int       `json:"last_seen_run"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	LatestTrackingID string    `json:"latest_tracking_id"`
	// FixDurationHours is set only when Status is StatusFixed.
	FixDurationHours *float64 `json:"fix_duration_hours,omitempty"`
}

// Keys returns the identifiers session and PR evidence may use to refer
// to this finding.
func (f Finding) Keys() []string {
	if f.LatestTrackingID == "" || f.LatestTrackingID == f.Fingerprint {
		return []string{f.Fingerprint}
	}
	return []string{f.Fingerprint, f.LatestTrackingID}
}
