package flowlinesdk

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

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	TenantID    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, tenantID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		TenantID: tenantID,
		Timeout:  10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	JobNumber string  `json:"job_number"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	DueDate   *string `json:"due_date,omitempty"`
}

// Operation represents a routed work step.
type Operation struct {
	ID          string  `json:"id"`
	TenantID    string  `json:"tenant_id"`
	PartID      string  `json:"part_id"`
	CellID      *string `json:"cell_id,omitempty"`
	Name        string  `json:"name"`
	Sequence    int     `json:"sequence"`
	Status      string  `json:"status"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// CellMetrics is the WIP gauge reading for a cell.
type CellMetrics struct {
	CellID             string   `json:"cell_id"`
	CellName           string   `json:"cell_name"`
	CurrentWIP         int      `json:"current_wip"`
	WIPLimit           *int     `json:"wip_limit,omitempty"`
	UtilizationPercent *float64 `json:"utilization_percent,omitempty"`
	Status             string   `json:"status"`
}

// AdmissionDecision answers whether work may advance into the next cell.
type AdmissionDecision struct {
	HasCapacity bool    `json:"has_capacity"`
	Warning     bool    `json:"warning"`
	NextCellID  *string `json:"next_cell_id,omitempty"`
	CurrentWIP  *int    `json:"current_wip,omitempty"`
	WIPLimit    *int    `json:"wip_limit,omitempty"`
	Message     string  `json:"message"`
}

// Expectation is one version of a belief about a future outcome.
type Expectation struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	ExpectationType string         `json:"expectation_type"`
	Statement       string         `json:"statement"`
	ExpectedValue   map[string]any `json:"expected_value,omitempty"`
	ExpectedAt      *string        `json:"expected_at,omitempty"`
	Version         int            `json:"version"`
	SupersededBy    *string        `json:"superseded_by,omitempty"`
	Source          string         `json:"source"`
}

// Exception is a detected deviation awaiting triage.
type Exception struct {
	ID              string   `json:"id"`
	TenantID        string   `json:"tenant_id"`
	ExpectationID   *string  `json:"expectation_id,omitempty"`
	ExceptionType   string   `json:"exception_type"`
	Status          string   `json:"status"`
	Description     string   `json:"description"`
	DeviationAmount *float64 `json:"deviation_amount,omitempty"`
	DeviationUnit   *string  `json:"deviation_unit,omitempty"`
	DetectedAt      string   `json:"detected_at"`
}

// ExceptionStats summarizes the exception queue.
type ExceptionStats struct {
	OpenCount              int      `json:"open_count"`
	AcknowledgedCount      int      `json:"acknowledged_count"`
	ResolvedCount          int      `json:"resolved_count"`
	DismissedCount         int      `json:"dismissed_count"`
	TotalCount             int      `json:"total_count"`
	AvgResolutionTimeHours *float64 `json:"avg_resolution_time_hours,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateJob creates a job; dueDate may be empty.
func (c *Client) CreateJob(ctx context.Context, jobNumber, name, dueDate string) (Job, error) {
	body := map[string]any{
		"job_number": jobNumber,
		"name":       name,
	}
	if dueDate != "" {
		body["due_date"] = dueDate
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.tenantPath("jobs"), body, &resp)
	return resp, err
}

// SetJobDueDate replans the job's completion expectation.
func (c *Client) SetJobDueDate(ctx context.Context, jobID, dueDate string) (Job, error) {
	body := map[string]any{"due_date": dueDate}
	var resp Job
	endpoint := c.tenantPath(fmt.Sprintf("jobs/%s/due-date", url.PathEscape(jobID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CompleteJob marks the job done; set force to skip the unfinished-operations check.
func (c *Client) CompleteJob(ctx context.Context, jobID string, force bool) (Job, error) {
	endpoint := c.tenantPath(fmt.Sprintf("jobs/%s/done", url.PathEscape(jobID)))
	if force {
		endpoint += "?force=true"
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CompleteOperation completes an operation; lateness is checked server-side.
func (c *Client) CompleteOperation(ctx context.Context, opID string) (Operation, error) {
	var resp Operation
	endpoint := c.tenantPath(fmt.Sprintf("operations/%s/done", url.PathEscape(opID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AdvanceOperation moves an operation to the next cell, capacity permitting.
func (c *Client) AdvanceOperation(ctx context.Context, opID string) (Operation, AdmissionDecision, error) {
	var resp struct {
		Operation Operation         `json:"operation"`
		Admission AdmissionDecision `json:"admission"`
	}
	endpoint := c.tenantPath(fmt.Sprintf("operations/%s/advance", url.PathEscape(opID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Operation, resp.Admission, err
}

// CellMetrics returns the WIP gauge for a cell.
func (c *Client) CellMetrics(ctx context.Context, cellID string) (CellMetrics, error) {
	var resp CellMetrics
	endpoint := c.tenantPath(fmt.Sprintf("cells/%s/metrics", url.PathEscape(cellID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CheckAdmission asks whether work in cellID may advance to the next cell.
func (c *Client) CheckAdmission(ctx context.Context, cellID string) (AdmissionDecision, error) {
	var resp AdmissionDecision
	endpoint := c.tenantPath(fmt.Sprintf("cells/%s/admission", url.PathEscape(cellID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AssertExpectation records a versioned belief about an entity's outcome.
// Source must be one of the tenant's registered expectation sources.
func (c *Client) AssertExpectation(ctx context.Context, entityType, entityID, expectationType, statement, source, expectedAt string) (Expectation, error) {
	body := map[string]any{
		"entity_type":      entityType,
		"entity_id":        entityID,
		"expectation_type": expectationType,
		"statement":        statement,
		"source":           source,
	}
	if expectedAt != "" {
		body["expected_at"] = expectedAt
	}
	var resp Expectation
	err := c.do(ctx, http.MethodPost, c.tenantPath("expectations"), body, &resp)
	return resp, err
}

// SupersedeExpectation replaces an active belief with a new version. The call
// conflicts when the id was already superseded.
func (c *Client) SupersedeExpectation(ctx context.Context, id, source, expectedAt string) (Expectation, error) {
	body := map[string]any{"source": source}
	if expectedAt != "" {
		body["expected_at"] = expectedAt
	}
	var resp Expectation
	endpoint := c.tenantPath(fmt.Sprintf("expectations/%s/supersede", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExpectationChain returns every version of the belief, oldest first.
func (c *Client) ExpectationChain(ctx context.Context, id string) ([]Expectation, error) {
	var resp struct {
		Items []Expectation `json:"items"`
	}
	endpoint := c.tenantPath(fmt.Sprintf("expectations/%s/chain", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ListExceptions returns exceptions, optionally filtered by status.
func (c *Client) ListExceptions(ctx context.Context, status string) ([]Exception, error) {
	endpoint := c.tenantPath("exceptions")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp struct {
		Items []Exception `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// AcknowledgeException claims an open exception.
func (c *Client) AcknowledgeException(ctx context.Context, id string) (Exception, error) {
	var resp Exception
	endpoint := c.tenantPath(fmt.Sprintf("exceptions/%s/acknowledge", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ResolveException closes an exception with resolution metadata.
func (c *Client) ResolveException(ctx context.Context, id, rootCause, correctiveAction string) (Exception, error) {
	body := map[string]any{}
	if rootCause != "" {
		body["root_cause"] = rootCause
	}
	if correctiveAction != "" {
		body["corrective_action"] = correctiveAction
	}
	var resp Exception
	endpoint := c.tenantPath(fmt.Sprintf("exceptions/%s/resolve", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// DismissException closes an exception as not actionable.
func (c *Client) DismissException(ctx context.Context, id, reason string) (Exception, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Exception
	endpoint := c.tenantPath(fmt.Sprintf("exceptions/%s/dismiss", url.PathEscape(id)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExceptionStats returns the triage summary for the tenant.
func (c *Client) ExceptionStats(ctx context.Context) (ExceptionStats, error) {
	var resp ExceptionStats
	err := c.do(ctx, http.MethodGet, c.tenantPath("exceptions/stats"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.tenantPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) tenantPath(p string) string {
	tenant := url.PathEscape(c.TenantID)
	return fmt.Sprintf("v0/tenants/%s/%s", tenant, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
