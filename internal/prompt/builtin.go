package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/marius-posa/codeql-devin-fixer/internal/batch"
)

// BatchTemplate is the default prompt for one remediation batch.
const BatchTemplate = `# Fix {{finding_count}} CodeQL {{family}} finding(s) in {{repo_url}}

Repository: {{repo_url}}
Vulnerability family: {{family}}
Highest severity: {{severity}}
Batch: {{batch_id}}

## Findings
{{findings}}

## Instructions
1. Clone the repository and check out the default branch.
2. For each finding above, read the flagged code and fix the root cause. Do not suppress the alert.
3. Keep each change minimal and preserve existing behavior.
4. Add or update tests that cover the fix where the project has tests.
5. Open one pull request against the default branch.
{{#if tracking_ids}}

## Pull request
Reference every finding in the PR description so the fix can be tracked:
{{tracking_ids}}
{{/if}}
`

// BuildBatchPrompt renders tmpl (BatchTemplate when empty) for b.
func BuildBatchPrompt(b batch.Batch, repoURL, tmpl string) (string, error) {
	if len(b.Members) == 0 {
		return "", fmt.Errorf("build prompt: batch %s has no findings", b.ID)
	}
	if tmpl == "" {
		tmpl = BatchTemplate
	}
	return Render(tmpl, BatchVars(b, repoURL))
}

// BatchVars returns the template variables describing b.
func BatchVars(b batch.Batch, repoURL string) Vars {
	var list strings.Builder
	var ids []string
	for i, m := range b.Members {
		f := m.Finding
		trackingID := f.LatestTrackingID
		if trackingID == "" {
			trackingID = f.Fingerprint
		}
		fmt.Fprintf(&list, "%d. %s `%s` at %s:%d (severity: %s, fingerprint: %s)\n",
			i+1, trackingID, f.RuleID, f.File, f.StartLine, f.Severity, f.Fingerprint)
		ids = append(ids, "- "+trackingID)
	}
	return Vars{
		"repo_url":      repoURL,
		"family":        b.Family,
		"severity":      string(b.Severity),
		"batch_id":      b.ID,
		"finding_count": strconv.Itoa(len(b.Members)),
		"findings":      strings.TrimRight(list.String(), "\n"),
		"tracking_ids":  strings.Join(ids, "\n"),
	}
}
