package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/schedule"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var recognizedSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

var recognizedLogFormats = map[string]bool{
	"auto":    true,
	"console": true,
	"json":    true,
}

var recognizedLegacyGuards = map[string]bool{
	"any_earlier": true,
	"off":         true,
}

// Validate checks a FixerConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *FixerConfig) []ValidationError {
	var errs []ValidationError
	f := cfg.Fixer

	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if !recognizedLogFormats[f.Log.Format] {
		add("fixer.log.format", "unrecognized format %q", f.Log.Format)
	}
	if !strings.HasPrefix(f.Agent.BaseURL, "http://") && !strings.HasPrefix(f.Agent.BaseURL, "https://") {
		add("fixer.agent.base_url", "must be an http(s) URL")
	}
	for _, d := range []struct {
		field, value string
	}{
		{"fixer.agent.timeout", f.Agent.Timeout},
		{"fixer.agent.max_retry_elapsed", f.Agent.MaxRetryElapsed},
		{"fixer.dispatch.delay", f.Dispatch.Delay},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v < 0 {
			add(d.field, "invalid duration %q", d.value)
		}
	}
	if f.Agent.MaxBudget < 0 {
		add("fixer.agent.max_budget", "must not be negative")
	}

	if f.Dispatch.BatchSize < 1 {
		add("fixer.dispatch.batch_size", "must be at least 1")
	}
	if f.Dispatch.MaxSessionsPerCycle < 0 {
		add("fixer.dispatch.max_sessions_per_cycle", "must not be negative")
	}
	if f.Dispatch.PerRepoCap < 0 {
		add("fixer.dispatch.per_repo_cap", "must not be negative")
	}

	if f.RateLimit.MaxSessions < 1 {
		add("fixer.rate_limit.max_sessions", "must be at least 1")
	}
	if f.RateLimit.PeriodHours <= 0 {
		add("fixer.rate_limit.period_hours", "must be positive")
	}

	e := f.Eligibility
	if e.MaxAttempts < 1 {
		add("fixer.eligibility.max_attempts", "must be at least 1")
	}
	for i := range e.CooldownHours {
		if e.CooldownHours[i] < 0 {
			add(fmt.Sprintf("fixer.eligibility.cooldown_hours[%d]", i), "must not be negative")
		}
		if i > 0 && e.CooldownHours[i] < e.CooldownHours[i-1] {
			add(fmt.Sprintf("fixer.eligibility.cooldown_hours[%d]", i), "schedule must not decrease")
		}
	}
	if r := e.FixRateFloor(); r < 0 || r > 1 {
		add("fixer.eligibility.min_fix_rate", "must be between 0 and 1")
	}
	if e.FixRateSamples() < 0 {
		add("fixer.eligibility.min_samples", "must not be negative")
	}

	if !recognizedLegacyGuards[f.Tracking.LegacyGuard] {
		add("fixer.tracking.legacy_guard", "unrecognized policy %q", f.Tracking.LegacyGuard)
	}

	for sev, h := range f.SLAHours {
		if !recognizedSeverities[sev] {
			add("fixer.sla_hours."+sev, "unrecognized severity")
		} else if h <= 0 {
			add("fixer.sla_hours."+sev, "must be positive")
		}
	}

	for i, o := range f.Objectives {
		prefix := fmt.Sprintf("fixer.objectives[%d]", i)
		if !recognizedSeverities[strings.ToLower(o.TargetSeverity)] {
			add(prefix+".target_severity", "unrecognized severity %q", o.TargetSeverity)
		}
		if o.TargetCount < 0 {
			add(prefix+".target_count", "must not be negative")
		}
	}

	if f.Server.Port < 0 || f.Server.Port > 65535 {
		add("fixer.server.port", "out of range")
	}

	seen := make(map[string]bool)
	for i, r := range f.Repos {
		prefix := fmt.Sprintf("fixer.repos[%d]", i)
		if r.URL == "" {
			add(prefix+".url", "is required")
			continue
		}
		key := strings.ToLower(r.URL)
		if seen[key] {
			add(prefix+".url", "duplicate repository %q", r.URL)
		}
		seen[key] = true
		if r.Importance != nil && (*r.Importance < 0 || *r.Importance > 100) {
			add(prefix+".importance", "must be between 0 and 100")
		}
		if _, err := schedule.Interval(r.Schedule); err != nil {
			add(prefix+".schedule", "%v", err)
		}
		if r.CommitThreshold < 0 {
			add(prefix+".commit_threshold", "must not be negative")
		}
		if r.MaxSessionsPerCycle < 0 {
			add(prefix+".max_sessions_per_cycle", "must not be negative")
		}
	}

	return errs
}
