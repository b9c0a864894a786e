// Package issues files tracker issues for failed runs of long-lived
// variants, so upgrade-path regressions are not lost between scheduled runs.
package issues

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

var (
	// ErrTrackerUnavailable indicates the tracker rejected or never
	// answered a request.
	ErrTrackerUnavailable = errors.New("issue tracker unavailable")
)

// Issue is one tracker issue.
type Issue struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	State string `json:"state"`
}

// Filer records run failures in an issue tracker.
type Filer interface {
	FileOrUpdate(ctx context.Context, title, body string) (*Issue, error)
}

// Client talks to a tracker with a GitHub-compatible issues API.
type Client struct {
	BaseURL string
	Repo    string
	Token   string

	// HTTP may be replaced in tests.
	HTTP *http.Client
}

// NewClient creates a Client with a sane request timeout.
func NewClient(baseURL, repo, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Repo:    repo,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// FileOrUpdate files a new issue, or appends a comment to the existing open
// issue with the same title. Deduplication is by exact title, so callers
// should use a stable title per variant rather than per run.
func (c *Client) FileOrUpdate(ctx context.Context, title, body string) (*Issue, error) {
	existing, err := c.findOpen(ctx, title)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if err := c.comment(ctx, existing.ID, body); err != nil {
			return nil, err
		}
		return existing, nil
	}

	return c.create(ctx, title, body)
}

func (c *Client) findOpen(ctx context.Context, title string) (*Issue, error) {
	query := url.Values{"state": {"open"}}
	endpoint := fmt.Sprintf("%s/repos/%s/issues?%s", c.BaseURL, c.Repo, query.Encode())

	var issues []Issue
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &issues); err != nil {
		return nil, err
	}

	for i := range issues {
		if issues[i].Title == title {
			return &issues[i], nil
		}
	}

	return nil, nil
}

func (c *Client) create(ctx context.Context, title, body string) (*Issue, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/issues", c.BaseURL, c.Repo)
	payload := map[string]string{"title": title, "body": body}

	var issue Issue
	if err := c.do(ctx, http.MethodPost, endpoint, payload, &issue); err != nil {
		return nil, err
	}

	return &issue, nil
}

func (c *Client) comment(ctx context.Context, issueID int64, body string) error {
	endpoint := fmt.Sprintf("%s/repos/%s/issues/%d/comments", c.BaseURL, c.Repo, issueID)
	payload := map[string]string{"body": body}

	return c.do(ctx, http.MethodPost, endpoint, payload, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal tracker payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build tracker request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Join(err, ErrTrackerUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned %s",
			ErrTrackerUnavailable, method, endpoint, resp.Status)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(err, ErrTrackerUnavailable)
	}

	return nil
}

// FailureTitle builds the stable dedup title for a variant.
func FailureTitle(variant string) string {
	return fmt.Sprintf("ci: scheduled run failed for variant %s", variant)
}

// FailureBody renders the issue body for one failed run.
func FailureBody(runID, bundlePath string, runErr error) string {
	return fmt.Sprintf("Run `%s` failed:\n\n```\n%v\n```\n\nEvidence bundle: `%s`\n",
		runID, runErr, bundlePath)
}
