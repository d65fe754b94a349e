package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/fingerprint"
)

// ErrInvalidRun is returned for run payloads that cannot be normalized.
var ErrInvalidRun = errors.New("invalid run payload")

// payloadHeader is the part shared by every historical payload shape.
type payloadHeader struct {
	SchemaVersion int    `json:"schema_version"`
	TargetRepo    string `json:"target_repo"`
	RunID         string `json:"run_id"`
	RunNumber     int    `json:"run_number"`
	Timestamp     string `json:"timestamp"`
}

// legacyIssue is the per-issue record of v1/v2 payloads.
type legacyIssue struct {
	ID           string `json:"id"`
	RuleID       string `json:"rule_id"`
	Severity     string `json:"severity"`
	SeverityTier string `json:"severity_tier"`
	Family       string `json:"family"`
	File         string `json:"file"`
	StartLine    int    `json:"start_line"`
	Message      string `json:"message"`
}

// payloadV1 has issue metadata but no identity for any finding.
type payloadV1 struct {
	payloadHeader
	Issues []legacyIssue `json:"issues"`
}

// payloadV2 adds a bare fingerprint list aligned with Issues by index.
type payloadV2 struct {
	payloadHeader
	Issues            []legacyIssue `json:"issues"`
	IssueFingerprints []string      `json:"issue_fingerprints"`
}

// findingV3 is a fully described finding.
type findingV3 struct {
	Fingerprint  string `json:"fingerprint"`
	TrackingID   string `json:"tracking_id"`
	RuleID       string `json:"rule_id"`
	Severity     string `json:"severity"`
	SeverityTier string `json:"severity_tier"`
	Family       string `json:"family"`
	File         string `json:"file"`
	StartLine    int    `json:"start_line"`
	Message      string `json:"message"`
	StableHash   string `json:"stable_hash"`
}

type payloadV3 struct {
	payloadHeader
	Findings []findingV3 `json:"findings"`
}

// DecodeOptions tunes normalization.
type DecodeOptions struct {
	// Source resolves source lines when a finding has neither a stable
	// hash nor a message. May be nil.
	Source fingerprint.LineSource
}

// DecodeRun detects the payload variant and normalizes it into a Run.
func DecodeRun(data []byte, opts DecodeOptions) (*Run, error) {
	var hdr payloadHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}

	version := hdr.SchemaVersion
	if version == 0 {
		switch {
		case probe["findings"] != nil:
			version = 3
		case probe["issue_fingerprints"] != nil:
			version = 2
		default:
			version = 1
		}
	}

	var run *Run
	var err error
	switch version {
	case 1:
		var p payloadV1
		if err = json.Unmarshal(data, &p); err == nil {
			run, err = p.normalize()
		}
	case 2:
		var p payloadV2
		if err = json.Unmarshal(data, &p); err == nil {
			run, err = p.normalize(opts)
		}
	case 3:
		var p payloadV3
		if err = json.Unmarshal(data, &p); err == nil {
			run, err = p.normalize(opts)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported schema_version %d", ErrInvalidRun, version)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidRun) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	return run, nil
}

func (h payloadHeader) base() (*Run, error) {
	repo := strings.TrimRight(strings.TrimSpace(h.TargetRepo), "/")
	if repo == "" {
		return nil, fmt.Errorf("%w: target_repo is required", ErrInvalidRun)
	}
	runID := strings.TrimSpace(h.RunID)
	if runID == "" && h.RunNumber > 0 {
		runID = fmt.Sprintf("%d", h.RunNumber)
	}
	if runID == "" {
		return nil, fmt.Errorf("%w: run_id or run_number is required", ErrInvalidRun)
	}
	ts, err := parseTimestamp(h.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	return &Run{
		TargetRepo: repo,
		RunID:      runID,
		RunNumber:  h.RunNumber,
		Timestamp:  ts,
	}, nil
}

func (p payloadV1) normalize() (*Run, error) {
	run, err := p.base()
	if err != nil {
		return nil, err
	}
	run.FingerprintsKnown = false
	return run, nil
}

func (p payloadV2) normalize(opts DecodeOptions) (*Run, error) {
	run, err := p.base()
	if err != nil {
		return nil, err
	}
	run.FingerprintsKnown = true
	for i, fp := range p.IssueFingerprints {
		obs := Observation{Fingerprint: strings.TrimSpace(fp)}
		if i < len(p.Issues) {
			is := p.Issues[i]
			obs.TrackingID = is.ID
			obs.RuleID = is.RuleID
			obs.Severity = ParseSeverity(severityOf(is.Severity, is.SeverityTier))
			obs.Family = is.Family
			obs.File = is.File
			obs.StartLine = is.StartLine
			obs.Message = is.Message
		} else {
			obs.Severity = SeverityUnknown
		}
		if obs.Fingerprint == "" {
			obs.Fingerprint = fingerprint.Compute(fingerprint.Input{
				RuleID: obs.RuleID, Message: obs.Message, File: obs.File, StartLine: obs.StartLine,
			}, opts.Source)
		}
		run.Findings = append(run.Findings, finishObservation(obs, run.RunNumber, i))
	}
	return run, nil
}

func (p payloadV3) normalize(opts DecodeOptions) (*Run, error) {
	run, err := p.base()
	if err != nil {
		return nil, err
	}
	run.FingerprintsKnown = true
	for i, f := range p.Findings {
		obs := Observation{
			Fingerprint: strings.TrimSpace(f.Fingerprint),
			TrackingID:  f.TrackingID,
			RuleID:      f.RuleID,
			Severity:    ParseSeverity(severityOf(f.Severity, f.SeverityTier)),
			Family:      f.Family,
			File:        f.File,
			StartLine:   f.StartLine,
			Message:     f.Message,
		}
		if obs.Fingerprint == "" {
			obs.Fingerprint = fingerprint.Compute(fingerprint.Input{
				RuleID:     f.RuleID,
				Message:    f.Message,
				StableHash: f.StableHash,
				File:       f.File,
				StartLine:  f.StartLine,
			}, opts.Source)
		}
		run.Findings = append(run.Findings, finishObservation(obs, run.RunNumber, i))
	}
	return run, nil
}

func finishObservation(obs Observation, runNumber, index int) Observation {
	if obs.TrackingID == "" {
		obs.TrackingID = TrackingID(runNumber, index)
	}
	if obs.Family == "" {
		obs.Family = FamilyOf(obs.RuleID)
	}
	if obs.Severity == "" {
		obs.Severity = SeverityUnknown
	}
	return obs
}

// TrackingID is the scan-local identifier assigned to the index-th finding
// of a run.
func TrackingID(runNumber, index int) string {
	return fmt.Sprintf("CQLF-R%d-%04d", runNumber, index+1)
}

var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// severityOf prefers the plain severity key and falls back to the tier
// key used by newer producers.
func severityOf(severity, tier string) string {
	if severity != "" {
		return severity
	}
	return tier
}
