package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by LoadDefault when no config file exists.
var ErrNotFound = errors.New("no fixer config found")

// Load reads and parses a fixer configuration from the given YAML file path.
// After parsing, it fills in defaults for every unset value.
func Load(path string) (*FixerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg FixerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a fixer config in standard locations and loads the
// first one found. Search order: ./fixer.yaml, ~/.fixer/config.yaml
func LoadDefault() (*FixerConfig, error) {
	candidates := []string{"fixer.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".fixer", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return nil, fmt.Errorf("%w (searched: %v)", ErrNotFound, candidates)
}

// Default returns a configuration with every default applied and no repos.
func Default() *FixerConfig {
	var cfg FixerConfig
	applyDefaults(&cfg)
	return &cfg
}

// DefaultDatabasePath is ~/.fixer/fixer.db, or fixer.db when the home
// directory cannot be resolved.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fixer.db"
	}
	return filepath.Join(home, ".fixer", "fixer.db")
}

func applyDefaults(cfg *FixerConfig) {
	f := &cfg.Fixer

	if f.Database == "" {
		f.Database = DefaultDatabasePath()
	}
	if f.Log.Level == "" {
		f.Log.Level = "info"
	}
	if f.Log.Format == "" {
		f.Log.Format = "auto"
	}

	if f.Agent.BaseURL == "" {
		f.Agent.BaseURL = "https://api.devin.ai/v1"
	}
	if f.Agent.APIKeyEnv == "" {
		f.Agent.APIKeyEnv = "DEVIN_API_KEY"
	}
	if f.Agent.Timeout == "" {
		f.Agent.Timeout = "30s"
	}
	if f.Agent.MaxRetryElapsed == "" {
		f.Agent.MaxRetryElapsed = "2m"
	}
	if f.Agent.SessionURLPrefix == "" {
		f.Agent.SessionURLPrefix = "https://app.devin.ai/sessions/"
	}
	if f.Agent.SessionIDPrefix == "" {
		f.Agent.SessionIDPrefix = "devin-"
	}

	if f.GitHub.ScanWorkflow == "" {
		f.GitHub.ScanWorkflow = "codeql-fixer.yml"
	}
	if f.GitHub.PRLimit == 0 {
		f.GitHub.PRLimit = 100
	}

	if f.Dispatch.BatchSize == 0 {
		f.Dispatch.BatchSize = 5
	}
	if f.Dispatch.Delay == "" {
		f.Dispatch.Delay = "3s"
	}
	if len(f.Dispatch.Tags) == 0 {
		f.Dispatch.Tags = []string{"codeql-fix"}
	}

	if f.RateLimit.MaxSessions == 0 {
		f.RateLimit.MaxSessions = 20
	}
	if f.RateLimit.PeriodHours == 0 {
		f.RateLimit.PeriodHours = 24
	}

	if f.Eligibility.MaxAttempts == 0 {
		f.Eligibility.MaxAttempts = 3
	}
	if len(f.Eligibility.CooldownHours) == 0 {
		f.Eligibility.CooldownHours = []float64{24, 72, 168}
	}
	if f.Eligibility.MinFixRate == nil {
		rate := DefaultMinFixRate
		f.Eligibility.MinFixRate = &rate
	}
	if f.Eligibility.MinSamples == nil {
		n := DefaultMinSamples
		f.Eligibility.MinSamples = &n
	}

	if f.Tracking.LegacyGuard == "" {
		f.Tracking.LegacyGuard = "any_earlier"
	}

	sla := map[string]float64{"critical": 168, "high": 720, "medium": 2160, "low": 4320}
	if f.SLAHours == nil {
		f.SLAHours = map[string]float64{}
	}
	for sev, h := range sla {
		if _, ok := f.SLAHours[sev]; !ok {
			f.SLAHours[sev] = h
		}
	}

	if f.Server.Port == 0 {
		f.Server.Port = 8080
	}

	for i := range f.Repos {
		r := &f.Repos[i]
		r.URL = NormalizeRepoURL(r.URL)
		if r.Enabled == nil {
			enabled := true
			r.Enabled = &enabled
		}
		if r.Schedule == "" {
			r.Schedule = "daily"
		}
	}
}

// NormalizeRepoURL trims whitespace, a trailing slash and a ".git" suffix.
func NormalizeRepoURL(u string) string {
	u = strings.TrimSpace(u)
	u = strings.TrimRight(u, "/")
	return strings.TrimSuffix(u, ".git")
}

// DefaultImportance applies to repositories with no configured importance.
const DefaultImportance = 0.5

// ResolvedRepo is a repository's effective settings with defaults applied
// and importance normalized to [0,1].
type ResolvedRepo struct {
	URL                 string  `json:"url"`
	Configured          bool    `json:"configured"`
	Importance          float64 `json:"importance"`
	Enabled             bool    `json:"enabled"`
	AutoScan            bool    `json:"auto_scan"`
	Schedule            string  `json:"schedule"`
	CommitThreshold     int     `json:"commit_threshold"`
	MaxSessionsPerCycle int     `json:"max_sessions_per_cycle"`
	Workflow            string  `json:"workflow"`
}

// Repo returns the effective settings for url. Unknown repositories get
// importance 0.5, a daily schedule and auto-scan off.
func (f *Fixer) Repo(url string) ResolvedRepo {
	url = NormalizeRepoURL(url)
	for _, r := range f.Repos {
		if !strings.EqualFold(r.URL, url) {
			continue
		}
		out := ResolvedRepo{
			URL:                 r.URL,
			Configured:          true,
			Importance:          DefaultImportance,
			Enabled:             r.Enabled == nil || *r.Enabled,
			AutoScan:            r.AutoScan,
			Schedule:            r.Schedule,
			CommitThreshold:     r.CommitThreshold,
			MaxSessionsPerCycle: r.MaxSessionsPerCycle,
			Workflow:            r.Workflow,
		}
		if r.Importance != nil {
			out.Importance = clamp(*r.Importance/100, 0, 1)
		}
		if out.Workflow == "" {
			out.Workflow = f.GitHub.ScanWorkflow
		}
		if out.MaxSessionsPerCycle == 0 {
			out.MaxSessionsPerCycle = f.Dispatch.PerRepoCap
		}
		return out
	}
	return ResolvedRepo{
		URL:                 url,
		Importance:          DefaultImportance,
		Enabled:             true,
		Schedule:            "daily",
		MaxSessionsPerCycle: f.Dispatch.PerRepoCap,
		Workflow:            f.GitHub.ScanWorkflow,
	}
}

// RepoURLs returns the configured repository URLs in file order.
func (f *Fixer) RepoURLs() []string {
	out := make([]string, 0, len(f.Repos))
	for _, r := range f.Repos {
		out = append(out, r.URL)
	}
	return out
}

// DispatchDelay parses dispatch.delay, falling back to 3s.
func (f *Fixer) DispatchDelay() time.Duration {
	return parseDurationOr(f.Dispatch.Delay, 3*time.Second)
}

// AgentTimeout parses agent.timeout, falling back to 30s.
func (f *Fixer) AgentTimeout() time.Duration {
	return parseDurationOr(f.Agent.Timeout, 30*time.Second)
}

// AgentMaxRetryElapsed parses agent.max_retry_elapsed, falling back to 2m.
func (f *Fixer) AgentMaxRetryElapsed() time.Duration {
	return parseDurationOr(f.Agent.MaxRetryElapsed, 2*time.Minute)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
