package seopilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal seopilot HTTP API client bound to one project.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout applies when HTTPClient is nil. Audit runs block until the runner
	// finishes, so keep it above the server's runner timeout.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   90 * time.Second,
	}
}

// Audit represents the API audit model.
type Audit struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	PageID      *string        `json:"page_id,omitempty"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Trigger     string         `json:"trigger"`
	Runner      string         `json:"runner,omitempty"`
	Score       *int           `json:"score,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	RawResult   map[string]any `json:"raw_result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	JobID       *string        `json:"job_id,omitempty"`
	StartedAt   *string        `json:"started_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// Issue represents a finding of an audit.
type Issue struct {
	ID             string   `json:"id"`
	AuditID        string   `json:"audit_id"`
	Code           string   `json:"code"`
	Severity       string   `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	MetricValue    *float64 `json:"metric_value,omitempty"`
	Threshold      *float64 `json:"threshold,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Status         string   `json:"status"`
	ResolvedAt     *string  `json:"resolved_at,omitempty"`
	FixCount       int      `json:"fix_count"`
}

// Fix is a remediation proposal attached to an issue.
type Fix struct {
	ID          string         `json:"id"`
	IssueID     string         `json:"issue_id"`
	Provider    string         `json:"provider"`
	Content     map[string]any `json:"content"`
	CreatedByID *string        `json:"created_by_id,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// CreateAuditInput describes a new audit. PageID empty audits the project domain.
type CreateAuditInput struct {
	Type    string `json:"type"`
	PageID  string `json:"page_id,omitempty"`
	Trigger string `json:"trigger,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// AuditFilter narrows ListAudits. Zero values are ignored.
type AuditFilter struct {
	Type   string
	Status string
	PageID string
	Limit  int
}

// IssueFilter narrows ListIssues. Zero values are ignored.
type IssueFilter struct {
	Status   string
	Severity string
	Category string
}

// APIError wraps non-2xx responses. Code is the server's error code
// (quota_exceeded, invalid_state, ...) when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateAudit opens a pending audit. A 429 APIError with code quota_exceeded
// means the tenant has no automation runs left this period.
func (c *Client) CreateAudit(ctx context.Context, in CreateAuditInput) (Audit, error) {
	var resp Audit
	err := c.do(ctx, http.MethodPost, c.projectPath("audits"), in, &resp)
	return resp, err
}

// RunAudit executes a pending or queued audit and returns it completed or failed.
func (c *Client) RunAudit(ctx context.Context, auditID string) (Audit, error) {
	var resp Audit
	err := c.do(ctx, http.MethodPost, c.projectPath("audits/"+url.PathEscape(auditID)+"/run"), nil, &resp)
	return resp, err
}

func (c *Client) ListAudits(ctx context.Context, f AuditFilter) ([]Audit, error) {
	q := url.Values{}
	setQuery(q, "type", f.Type)
	setQuery(q, "status", f.Status)
	setQuery(q, "page_id", f.PageID)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", f.Limit))
	}
	var resp []Audit
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath("audits"), q), nil, &resp)
	return resp, err
}

func (c *Client) ListIssues(ctx context.Context, auditID string, f IssueFilter) ([]Issue, error) {
	q := url.Values{}
	setQuery(q, "status", f.Status)
	setQuery(q, "severity", f.Severity)
	setQuery(q, "category", f.Category)
	var resp []Issue
	endpoint := c.projectPath("audits/" + url.PathEscape(auditID) + "/issues")
	err := c.do(ctx, http.MethodGet, withQuery(endpoint, q), nil, &resp)
	return resp, err
}

// SetIssueStatus moves an issue to open, in_progress, resolved or ignored.
func (c *Client) SetIssueStatus(ctx context.Context, auditID, issueID, status string) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("audits/%s/issues/%s", url.PathEscape(auditID), url.PathEscape(issueID)))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// GenerateFix asks an AI provider (gpt, gemini, groq) for a fix.
func (c *Client) GenerateFix(ctx context.Context, auditID, issueID, provider string) (Fix, error) {
	var resp Fix
	endpoint := c.projectPath(fmt.Sprintf("audits/%s/issues/%s/fixes/generate", url.PathEscape(auditID), url.PathEscape(issueID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"provider": provider}, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
