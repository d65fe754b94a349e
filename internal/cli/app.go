package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/marius-posa/codeql-devin-fixer/internal/agent"
	"github.com/marius-posa/codeql-devin-fixer/internal/config"
	"github.com/marius-posa/codeql-devin-fixer/internal/db"
	"github.com/marius-posa/codeql-devin-fixer/internal/fingerprint"
	"github.com/marius-posa/codeql-devin-fixer/internal/github"
	"github.com/marius-posa/codeql-devin-fixer/internal/logging"
	"github.com/marius-posa/codeql-devin-fixer/internal/orchestrator"
)

// loadConfig reads --config, else the default search path, else built-in
// defaults when no file exists anywhere.
func loadConfig() (*config.FixerConfig, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg, err := config.LoadDefault()
	if errors.Is(err, config.ErrNotFound) {
		return config.Default(), nil
	}
	return cfg, err
}

// appOpts selects which remote collaborators a command needs.
type appOpts struct {
	agent bool
	host  bool
	// sourceRoot resolves source lines while fingerprinting ingested runs.
	sourceRoot string
}

type app struct {
	cfg  *config.FixerConfig
	db   *db.DB
	orch *orchestrator.Orchestrator
	log  zerolog.Logger
}

// openApp loads and validates config, opens and migrates the database and
// wires the orchestrator. The returned cleanup closes the database.
func openApp(cmd *cobra.Command, opts appOpts) (*app, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, nil, fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	f := &cfg.Fixer

	level := f.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.Init(logging.Config{
		Format:    f.Log.Format,
		Level:     level,
		Component: cmd.Name(),
		Out:       cmd.ErrOrStderr(),
	})

	dsn := f.Database
	if dbOverride != "" {
		dsn = dbOverride
	}
	database, err := db.Open(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}

	oo := orchestrator.Options{
		Config:         f,
		Store:          database,
		Logger:         logger,
		PromptTemplate: f.Dispatch.PromptTemplate,
	}
	if opts.sourceRoot != "" {
		oo.Source = fingerprint.DirSource{Root: opts.sourceRoot}
	}
	if opts.agent {
		key := os.Getenv(f.Agent.APIKeyEnv)
		if key == "" {
			database.Close()
			return nil, nil, fmt.Errorf("%s is not set", f.Agent.APIKeyEnv)
		}
		oo.Agent = agent.New(agent.Config{
			BaseURL:         f.Agent.BaseURL,
			APIKey:          key,
			Timeout:         f.AgentTimeout(),
			MaxRetryElapsed: f.AgentMaxRetryElapsed(),
		})
	}
	if opts.host {
		gh := github.NewClient(&github.ExecRunner{})
		gh.SetPRLimit(f.GitHub.PRLimit)
		gh.SetSessionMatcher(github.NewSessionMatcher(f.Agent.SessionURLPrefix, f.Agent.SessionIDPrefix))
		oo.Host = gh
	}

	a := &app{
		cfg:  cfg,
		db:   database,
		orch: orchestrator.New(oo),
		log:  logger,
	}
	return a, func() { database.Close() }, nil
}

func jsonOutput() bool {
	return strings.EqualFold(outputFormat, "json")
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
