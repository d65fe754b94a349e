package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// executeCommand runs the root command with fresh global flag values and
// returns stdout. Log output goes to a separate buffer.
func executeCommand(args ...string) (string, error) {
	configFile, outputFormat, logLevel, dbOverride = "", "text", "", ""
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

type workspace struct {
	config string
	db     string
	dir    string
}

func newWorkspace(t *testing.T, cfg string) workspace {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fixer.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return workspace{config: path, db: filepath.Join(dir, "fixer.db"), dir: dir}
}

func (w workspace) run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeCommand(append([]string{"--config", w.config, "--db", w.db}, args...)...)
	if err != nil {
		t.Fatalf("fixer %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func (w workspace) writeRun(t *testing.T, number int, fingerprints ...string) string {
	t.Helper()
	var findings []map[string]interface{}
	for i, fp := range fingerprints {
		findings = append(findings, map[string]interface{}{
			"fingerprint":   fp,
			"rule_id":       "js/sql-injection",
			"severity_tier": "critical",
			"file":          "db/query.js",
			"start_line":    10 + i,
		})
	}
	data, err := json.Marshal(map[string]interface{}{
		"schema_version": 3,
		"target_repo":    "https://github.com/acme/api",
		"run_id":         fmt.Sprintf("run-%d", number),
		"run_number":     number,
		"timestamp":      time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		"findings":       findings,
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(w.dir, fmt.Sprintf("run-%d.json", number))
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
fixer:
  log:
    level: error
  repos:
    - url: https://github.com/acme/api
`

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"ingest", "plan", "status", "dispatch", "scan", "cycle",
		"serve", "config", "db", "history", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"config", "validate"}, {"config", "show"},
		{"db", "migrate"}, {"db", "reset"},
		{"history", "show"}, {"history", "reset"},
	} {
		out, err := executeCommand(append(args, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", args, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", args)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	w := newWorkspace(t, minimalConfig)
	out := w.run(t, "config", "validate")
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}

	bad := newWorkspace(t, "fixer:\n  dispatch:\n    delay: soon\n")
	if _, err := executeCommand("--config", bad.config, "config", "validate"); err == nil {
		t.Error("expected validation failure")
	}
}

func TestConfigShowAppliesDefaults(t *testing.T) {
	w := newWorkspace(t, minimalConfig)
	out := w.run(t, "config", "show")
	for _, want := range []string{"max_sessions: 20", "batch_size: 5", "codeql-fix"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q", want)
		}
	}
}

func TestConfigInitWritesLoadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixer.yaml")
	out, err := executeCommand("config", "init", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, "Wrote") {
		t.Errorf("output = %s", out)
	}
	if _, err := executeCommand("--config", path, "config", "validate"); err != nil {
		t.Errorf("generated config does not validate: %v", err)
	}
	if _, err := executeCommand("config", "init", path); err == nil {
		t.Error("expected init to refuse overwriting without --force")
	}
}

func TestVersionJSON(t *testing.T) {
	SetVersion("1.2.3")
	out, err := executeCommand("--format", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["version"] != "1.2.3" {
		t.Errorf("version = %q", got["version"])
	}
}

func TestIngestPlanAndDryRunDispatch(t *testing.T) {
	w := newWorkspace(t, minimalConfig)
	run := w.writeRun(t, 1, "fp-1", "fp-2")

	var ingested []struct {
		Findings  int  `json:"findings"`
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal([]byte(w.run(t, "--format", "json", "ingest", run)), &ingested); err != nil {
		t.Fatalf("decode ingest: %v", err)
	}
	if len(ingested) != 1 || ingested[0].Findings != 2 || ingested[0].Duplicate {
		t.Fatalf("ingest = %+v", ingested)
	}

	if out := w.run(t, "ingest", run); !strings.Contains(out, "already ingested") {
		t.Errorf("re-ingest output = %s", out)
	}

	var plan struct {
		Eligible []json.RawMessage `json:"eligible"`
		Planned  []json.RawMessage `json:"planned_dispatches"`
		Capacity int               `json:"capacity"`
	}
	if err := json.Unmarshal([]byte(w.run(t, "--format", "json", "plan")), &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if len(plan.Eligible) != 2 || len(plan.Planned) != 1 || plan.Capacity != 20 {
		t.Errorf("plan: %d eligible, %d planned, capacity %d", len(plan.Eligible), len(plan.Planned), plan.Capacity)
	}

	var dispatch struct {
		DryRun  bool `json:"dry_run"`
		Results []struct {
			Status string `json:"status"`
		} `json:"results"`
	}
	out := w.run(t, "--format", "json", "dispatch", "--dry-run")
	if err := json.Unmarshal([]byte(out), &dispatch); err != nil {
		t.Fatalf("decode dispatch: %v", err)
	}
	if !dispatch.DryRun || len(dispatch.Results) != 1 || dispatch.Results[0].Status != "dry_run" {
		t.Errorf("dispatch = %+v", dispatch)
	}
}

func TestHistoryResetUnknownFingerprint(t *testing.T) {
	w := newWorkspace(t, minimalConfig)
	_, err := executeCommand("--config", w.config, "--db", w.db, "history", "reset", "fp-missing")
	if err == nil || !strings.Contains(err.Error(), "no dispatch history") {
		t.Errorf("err = %v", err)
	}
}

func TestHistoryResetAttemptsOnlyUnknownFingerprint(t *testing.T) {
	t.Cleanup(func() { historyResetCmd.Flags().Set("attempts-only", "false") })
	w := newWorkspace(t, minimalConfig)
	_, err := executeCommand("--config", w.config, "--db", w.db, "history", "reset", "--attempts-only", "fp-missing")
	if err == nil || !strings.Contains(err.Error(), "no dispatch history") {
		t.Errorf("err = %v", err)
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	w := newWorkspace(t, minimalConfig)
	if _, err := executeCommand("--config", w.config, "--db", w.db, "db", "reset"); err == nil {
		t.Error("expected reset without --yes to fail")
	}
	if out := w.run(t, "db", "reset", "--yes"); !strings.Contains(out, "Database reset.") {
		t.Errorf("output = %s", out)
	}
}
