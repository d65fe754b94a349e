// Package agent is the HTTP client for the remediation-agent service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/marius-posa/codeql-devin-fixer/internal/lifecycle"
)

const (
	DefaultBaseURL         = "https://api.devin.ai/v1"
	defaultTimeout         = 30 * time.Second
	defaultMaxRetryElapsed = 2 * time.Minute
	defaultInitialInterval = 500 * time.Millisecond
	maxErrorBody           = 4 << 10
)

// APIError is the typed failure returned after retries are exhausted or
// a non-retryable response is received. StatusCode is 0 for network
// failures.
type APIError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("agent request failed: %v", e.Err)
	}
	return fmt.Sprintf("agent API error (%d): %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether the failure was transient.
func (e *APIError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CreateSessionRequest is the payload for a new remediation session.
type CreateSessionRequest struct {
	Prompt     string   `json:"prompt"`
	Title      string   `json:"title,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	MaxBudget  float64  `json:"max_acu_limit,omitempty"`
	Idempotent bool     `json:"idempotent,omitempty"`
}

// CreateSessionResponse identifies the created session.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

// SessionInfo is the polled state of a session.
type SessionInfo struct {
	SessionID string
	Status    lifecycle.SessionStatus
	PRURL     string
}

// Config holds client settings. Zero values select defaults.
type Config struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	MaxRetryElapsed time.Duration
	InitialInterval time.Duration
}

// Client talks to the remediation-agent REST API.
type Client struct {
	baseURL    string
	apiKey     string
	http       *http.Client
	maxElapsed time.Duration
	initial    time.Duration
}

// New creates a client. Every request is bounded by cfg.Timeout; retries
// stop after cfg.MaxRetryElapsed.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetryElapsed <= 0 {
		cfg.MaxRetryElapsed = defaultMaxRetryElapsed
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaultInitialInterval
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: cfg.Timeout},
		maxElapsed: cfg.MaxRetryElapsed,
		initial:    cfg.InitialInterval,
	}
}

// CreateSession starts a remediation session.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResponse, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("create session: empty prompt")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}
	var out CreateSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, &APIError{StatusCode: http.StatusOK, Body: "response missing session_id"}
	}
	return &out, nil
}

type sessionResponse struct {
	SessionID   string `json:"session_id"`
	Status      string `json:"status"`
	StatusEnum  string `json:"status_enum"`
	PullRequest *struct {
		URL string `json:"url"`
	} `json:"pull_request"`
}

// GetSessionStatus polls one session.
func (c *Client) GetSessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var raw sessionResponse
	if err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), nil, &raw); err != nil {
		return nil, err
	}
	status := raw.StatusEnum
	if status == "" {
		status = raw.Status
	}
	info := &SessionInfo{SessionID: sessionID, Status: lifecycle.ParseSessionStatus(status)}
	if raw.PullRequest != nil {
		info.PRURL = raw.PullRequest.URL
	}
	return info, nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.maxElapsed / 4
	bo.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(bo, ctx)
}

// do issues one logical request, retrying transient failures with
// exponential backoff and jitter.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var lastErr *APIError
	op := func() error {
		err := c.attempt(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		lastErr = apiErr
		if !apiErr.Retryable() || ctx.Err() != nil {
			return backoff.Permanent(apiErr)
		}
		return apiErr
	}
	if err := backoff.Retry(op, c.newBackOff(ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Body: "invalid JSON response", Err: err}
	}
	return nil
}
