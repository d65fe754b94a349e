package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
)

// CmdRunner provides command execution. Interface for testing.
type CmdRunner interface {
	Run(args ...string) (string, error)
}

// ExecRunner runs gh commands via exec. Each command is killed after
// Timeout (one minute when zero).
type ExecRunner struct {
	Timeout time.Duration
}

func (r *ExecRunner) Run(args ...string) (string, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Client provides GitHub operations.
type Client struct {
	cmd      CmdRunner
	prLimit  int
	sessions *SessionMatcher
}

// NewClient creates a GitHub client that recognises default agent
// session links.
func NewClient(cmd CmdRunner) *Client {
	return &Client{
		cmd:      cmd,
		prLimit:  100,
		sessions: NewSessionMatcher(DefaultSessionURLPrefix, DefaultSessionIDPrefix),
	}
}

// SetSessionMatcher replaces how PR text is matched to agent sessions.
func (c *Client) SetSessionMatcher(m *SessionMatcher) {
	if m != nil {
		c.sessions = m
	}
}

// SetPRLimit bounds how many pull requests ListPullRequests fetches.
func (c *Client) SetPRLimit(n int) {
	if n > 0 {
		c.prLimit = n
	}
}

// RepoSlug converts a repository URL into owner/name.
func RepoSlug(repoURL string) (string, error) {
	s := strings.TrimSpace(repoURL)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("parse repo url %q: %w", repoURL, err)
		}
		s = strings.Trim(u.Path, "/")
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid repo %q: want https://github.com/owner/name", repoURL)
	}
	return parts[0] + "/" + parts[1], nil
}

var (
	trackingIDRe  = regexp.MustCompile(`CQLF-R\d+-\d+`)
	fingerprintRe = regexp.MustCompile(`\b[0-9a-f]{20}\b`)
)

// Defaults for agent session links.
const (
	DefaultSessionURLPrefix = "https://app.devin.ai/sessions/"
	DefaultSessionIDPrefix  = "devin-"
)

// ExtractIssueIDs returns the tracking IDs and fingerprints mentioned in
// text, sorted and unique.
func ExtractIssueIDs(text string) []string {
	seen := make(map[string]bool)
	for _, m := range trackingIDRe.FindAllString(text, -1) {
		seen[m] = true
	}
	for _, m := range fingerprintRe.FindAllString(text, -1) {
		seen[m] = true
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SessionMatcher finds agent session links of the form
// <urlPrefix>[<idPrefix>]<id> and maps them to session IDs.
type SessionMatcher struct {
	re       *regexp.Regexp
	idPrefix string
}

// NewSessionMatcher builds a matcher for session URLs under urlPrefix.
// The URL scheme is optional when matching; the ID prefix may or may
// not appear in the URL and is always present in the returned ID.
func NewSessionMatcher(urlPrefix, idPrefix string) *SessionMatcher {
	base := strings.TrimPrefix(strings.TrimPrefix(urlPrefix, "https://"), "http://")
	if base != "" && !strings.HasSuffix(base, "/") {
		base += "/"
	}
	pattern := regexp.QuoteMeta(base)
	if idPrefix != "" {
		pattern += `(?:` + regexp.QuoteMeta(idPrefix) + `)?`
	}
	pattern += `([0-9A-Za-z]+)`
	return &SessionMatcher{re: regexp.MustCompile(pattern), idPrefix: idPrefix}
}

// SessionID returns the agent session referenced by a session URL in
// text, or "".
func (m *SessionMatcher) SessionID(text string) string {
	sub := m.re.FindStringSubmatch(text)
	if sub == nil {
		return ""
	}
	return m.idPrefix + sub[1]
}

type ghPR struct {
	Number   int     `json:"number"`
	Title    string  `json:"title"`
	Body     string  `json:"body"`
	URL      string  `json:"url"`
	State    string  `json:"state"`
	MergedAt *string `json:"mergedAt"`
}

// ListPullRequests fetches recent pull requests of repoURL in every state
// and links them to issues and sessions through their title and body.
func (c *Client) ListPullRequests(repoURL string) ([]lifecycle.PullRequest, error) {
	slug, err := RepoSlug(repoURL)
	if err != nil {
		return nil, err
	}
	out, err := c.cmd.Run("pr", "list", "--repo", slug, "--state", "all",
		"--limit", strconv.Itoa(c.prLimit), "--json", "number,title,body,url,state,mergedAt")
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s: %w", slug, err)
	}
	if out == "" {
		return nil, nil
	}

	var raw []ghPR
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse PR list JSON: %w", err)
	}

	prs := make([]lifecycle.PullRequest, 0, len(raw))
	for _, r := range raw {
		text := r.Title + "\n" + r.Body
		merged := strings.EqualFold(r.State, "MERGED") || (r.MergedAt != nil && *r.MergedAt != "")
		state := "closed"
		if strings.EqualFold(r.State, "OPEN") {
			state = "open"
		}
		prs = append(prs, lifecycle.PullRequest{
			HTMLURL:    r.URL,
			Number:     r.Number,
			TargetRepo: repoURL,
			State:      state,
			Merged:     merged,
			SessionID:  c.sessions.SessionID(text),
			IssueIDs:   ExtractIssueIDs(text),
		})
	}
	return prs, nil
}

// TriggerScan starts the scan workflow on the default branch of repoURL.
func (c *Client) TriggerScan(repoURL, workflow string) error {
	slug, err := RepoSlug(repoURL)
	if err != nil {
		return err
	}
	if workflow == "" || strings.HasPrefix(workflow, "-") {
		return fmt.Errorf("invalid workflow %q", workflow)
	}
	if _, err := c.cmd.Run("workflow", "run", workflow, "--repo", slug); err != nil {
		return fmt.Errorf("trigger scan for %s: %w", slug, err)
	}
	return nil
}

// CommitCountSince counts commits on the default branch of repoURL after
// since.
func (c *Client) CommitCountSince(repoURL string, since time.Time) (int, error) {
	slug, err := RepoSlug(repoURL)
	if err != nil {
		return 0, err
	}
	path := fmt.Sprintf("repos/%s/commits?per_page=100&since=%s", slug, url.QueryEscape(since.UTC().Format(time.RFC3339)))
	out, err := c.cmd.Run("api", "--paginate", path, "--jq", "length")
	if err != nil {
		return 0, fmt.Errorf("count commits for %s: %w", slug, err)
	}

	// --paginate prints one count per page.
	total := 0
	for _, line := range strings.Fields(out) {
		n, err := strconv.Atoi(line)
		if err != nil {
			return 0, fmt.Errorf("parse commit count %q: %w", line, err)
		}
		total += n
	}
	return total, nil
}
