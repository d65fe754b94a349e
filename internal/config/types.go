package config

// FixerConfig is the top-level configuration structure parsed from fixer YAML.
type FixerConfig struct {
	Fixer Fixer `yaml:"fixer"`
}

// Fixer holds orchestrator settings and the monitored repositories.
type Fixer struct {
	Database    string             `yaml:"database"`
	Log         Log                `yaml:"log"`
	Agent       Agent              `yaml:"agent"`
	GitHub      GitHub             `yaml:"github"`
	Dispatch    Dispatch           `yaml:"dispatch"`
	RateLimit   RateLimit          `yaml:"rate_limit"`
	Eligibility Eligibility        `yaml:"eligibility"`
	Tracking    Tracking           `yaml:"tracking"`
	SLAHours    map[string]float64 `yaml:"sla_hours"`
	Objectives  []Objective        `yaml:"objectives"`
	Server      Server             `yaml:"server"`
	Repos       []Repo             `yaml:"repos"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, console, json
}

// Agent configures the remediation-agent API client.
type Agent struct {
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv        string  `yaml:"api_key_env"`
	Timeout          string  `yaml:"timeout"`
	MaxRetryElapsed  string  `yaml:"max_retry_elapsed"`
	MaxBudget        float64 `yaml:"max_budget"`
	SessionURLPrefix string  `yaml:"session_url_prefix"`
	// SessionIDPrefix is the part of a session ID that session URLs
	// may omit.
	SessionIDPrefix  string  `yaml:"session_id_prefix"`
}

// GitHub configures the gh-CLI backed source-hosting client.
type GitHub struct {
	ScanWorkflow string `yaml:"scan_workflow"`
	PRLimit      int    `yaml:"pr_limit"`
}

// Dispatch bounds how findings are batched and sent.
type Dispatch struct {
	BatchSize int `yaml:"batch_size"`
	// MaxSessionsPerCycle caps sessions per cycle on top of the rate
	// limiter. Zero means only the rate limiter applies.
	MaxSessionsPerCycle int      `yaml:"max_sessions_per_cycle"`
	PerRepoCap          int      `yaml:"per_repo_cap"`
	Delay               string   `yaml:"delay"`
	Tags                []string `yaml:"tags"`
	PromptTemplate      string   `yaml:"prompt_template"`
}

// RateLimit is the global sliding window on session creation.
type RateLimit struct {
	MaxSessions int     `yaml:"max_sessions"`
	PeriodHours float64 `yaml:"period_hours"`
}

// Eligibility tunes the dispatch gate.
type Eligibility struct {
	MaxAttempts   int       `yaml:"max_attempts"`
	CooldownHours []float64 `yaml:"cooldown_hours"`
	// MinFixRate and MinSamples are pointers so an explicit 0, which
	// disables the low-fix-rate gate, survives defaulting.
	MinFixRate *float64 `yaml:"min_fix_rate"`
	MinSamples *int     `yaml:"min_samples"`
}

// Default low-fix-rate gate thresholds.
const (
	DefaultMinFixRate = 0.1
	DefaultMinSamples = 5
)

// FixRateFloor returns min_fix_rate, or its default when unset.
func (e Eligibility) FixRateFloor() float64 {
	if e.MinFixRate == nil {
		return DefaultMinFixRate
	}
	return *e.MinFixRate
}

// FixRateSamples returns min_samples, or its default when unset.
func (e Eligibility) FixRateSamples() int {
	if e.MinSamples == nil {
		return DefaultMinSamples
	}
	return *e.MinSamples
}

// Tracking tunes cross-run folding.
type Tracking struct {
	LegacyGuard string `yaml:"legacy_guard"` // any_earlier, off
}

// Objective is a severity-scoped goal that boosts matching findings.
type Objective struct {
	TargetSeverity string `yaml:"target_severity"`
	TargetCount    int    `yaml:"target_count"`
	Priority       int    `yaml:"priority"`
}

// Server configures `fixer serve`.
type Server struct {
	Port int `yaml:"port"`
	// AllowedOrigins enables CORS on the API for these origins.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Repo is one monitored repository.
type Repo struct {
	URL string `yaml:"url"`
	// Importance is 0-100; nil means unset.
	Importance          *float64 `yaml:"importance"`
	Enabled             *bool    `yaml:"enabled"`
	AutoScan            bool     `yaml:"auto_scan"`
	Schedule            string   `yaml:"schedule"`
	CommitThreshold     int      `yaml:"commit_threshold"`
	MaxSessionsPerCycle int      `yaml:"max_sessions_per_cycle"`
	Workflow            string   `yaml:"workflow"`
}
