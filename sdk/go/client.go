// Package interlocksdk is a minimal Interlock HTTP API client.
//
// Predict and reschedule operations are serialized per owner on the server;
// a concurrent writer gets a 409 owner_busy response. The client retries
// those transparently with exponential backoff.
package interlocksdk

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

	"github.com/cenkalti/backoff/v4"
)

// Client talks to one Interlock server on behalf of one owner.
type Client struct {
	BaseURL     string
	OwnerID     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	// MaxBusyWait bounds the total time spent retrying owner_busy
	// responses. Zero means the 15 second default.
	MaxBusyWait time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, ownerID string) *Client {
	return &Client{
		BaseURL: baseURL,
		OwnerID: ownerID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                  string   `json:"id"`
	OwnerID             string   `json:"owner_id"`
	Title               string   `json:"title"`
	Department          string   `json:"department"`
	Priority            string   `json:"priority"`
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	Status              string   `json:"status"`
	Progress            int      `json:"progress"`
	ConflictProbability float64  `json:"conflict_probability"`
	PredictedDelayHours float64  `json:"predicted_delay_hours"`
	DependsOn           []string `json:"depends_on,omitempty"`
	Version             int64    `json:"version"`
}

// Proposal is a suggested reschedule window.
type Proposal struct {
	NewStartDate string   `json:"new_start_date"`
	NewEndDate   string   `json:"new_end_date"`
	Confidence   float64  `json:"confidence"`
	Reason       string   `json:"reason"`
	Stakeholders []string `json:"stakeholders,omitempty"`
}

// Conflict represents a detected timeline conflict.
type Conflict struct {
	ID                   string    `json:"id"`
	OwnerID              string    `json:"owner_id"`
	TaskID               string    `json:"task_id"`
	SecondTaskID         string    `json:"second_task_id,omitempty"`
	Type                 string    `json:"conflict_type"`
	Severity             string    `json:"severity"`
	Description          string    `json:"description"`
	AffectedDepartments  []string  `json:"affected_departments,omitempty"`
	PredictedImpactHours float64   `json:"predicted_impact_hours"`
	ResolutionStatus     string    `json:"resolution_status"`
	Suggestion           *Proposal `json:"auto_resolution_suggested,omitempty"`
	Version              int64     `json:"version"`
	CreatedAt            string    `json:"created_at"`
	ResolvedAt           string    `json:"resolved_at,omitempty"`
}

// Change is one row of the change feed.
type Change struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	OwnerID    string `json:"owner_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Version    int64  `json:"version"`
	ChangeType string `json:"change_type"`
	Payload    string `json:"payload_json,omitempty"`
}

// PredictResult summarizes one prediction run.
type PredictResult struct {
	Conflicts  []Conflict `json:"conflicts"`
	Scanned    int        `json:"scanned"`
	Suppressed int        `json:"suppressed"`
}

// RescheduleResult is the outcome of committing one reschedule.
type RescheduleResult struct {
	Applied  bool     `json:"applied"`
	Task     Task     `json:"task"`
	Conflict Conflict `json:"conflict"`
}

// RescheduleFailure is one failed item of a reschedule-all run.
type RescheduleFailure struct {
	ConflictID string `json:"conflict_id"`
	Reason     string `json:"reason"`
}

// BatchResult summarizes a reschedule-all run.
type BatchResult struct {
	Attempted int                 `json:"attempted"`
	Applied   int                 `json:"applied"`
	Failures  []RescheduleFailure `json:"failures"`
}

// Summary is the timeline health rollup.
type Summary struct {
	OwnerID                    string         `json:"owner_id"`
	TasksByStatus              map[string]int `json:"tasks_by_status"`
	OpenConflictsBySeverity    map[string]int `json:"open_conflicts_by_severity"`
	AverageConflictProbability float64        `json:"average_conflict_probability"`
	LatestChangeID             int64          `json:"latest_change_id"`
}

// TaskPage and ConflictPage wrap list responses with cursors.
type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor"`
}

type ConflictPage struct {
	Items      []Conflict `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

type ChangePage struct {
	Items      []Change `json:"items"`
	NextCursor int64    `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message are taken from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Busy reports whether the server declined because another writer holds the
// owner lock. Busy errors are safe to retry.
func (e *APIError) Busy() bool {
	return e.StatusCode == http.StatusConflict && e.Code == "owner_busy"
}

// EnsureOwner creates the owner if it does not exist yet.
func (c *Client) EnsureOwner(ctx context.Context, name string) error {
	body := map[string]any{"name": name}
	return c.do(ctx, http.MethodPut, c.ownerPath(""), body, nil)
}

// CreateTask creates a task. Fields left zero fall back to server defaults.
func (c *Client) CreateTask(ctx context.Context, t Task) (Task, error) {
	body := map[string]any{
		"title":      t.Title,
		"department": t.Department,
		"start_date": t.StartDate,
		"end_date":   t.EndDate,
	}
	if t.Priority != "" {
		body["priority"] = t.Priority
	}
	if t.Status != "" {
		body["status"] = t.Status
	}
	if t.Progress != 0 {
		body["progress"] = t.Progress
	}
	if len(t.DependsOn) > 0 {
		body["depends_on"] = t.DependsOn
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.ownerPath("tasks"), body, &resp)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.ownerPath("tasks/"+url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// UpdateTask patches a task. Only the keys present in fields are sent.
func (c *Client) UpdateTask(ctx context.Context, taskID string, fields map[string]any) (Task, error) {
	var resp Task
	err := c.doRetry(ctx, http.MethodPatch, c.ownerPath("tasks/"+url.PathEscape(taskID)), fields, &resp)
	return resp, err
}

// Tasks returns one page of tasks.
func (c *Client) Tasks(ctx context.Context, limit int, cursor string) (TaskPage, error) {
	endpoint := c.ownerPath("tasks") + pageQuery(limit, cursor)
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Predict runs conflict detection, retrying while the owner is busy.
func (c *Client) Predict(ctx context.Context) (PredictResult, error) {
	var resp PredictResult
	err := c.doRetry(ctx, http.MethodPost, c.ownerPath("predict"), nil, &resp)
	return resp, err
}

// Conflicts returns one page of conflicts.
func (c *Client) Conflicts(ctx context.Context, limit int, cursor string) (ConflictPage, error) {
	endpoint := c.ownerPath("conflicts") + pageQuery(limit, cursor)
	var resp ConflictPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetConflict fetches one conflict.
func (c *Client) GetConflict(ctx context.Context, conflictID string) (Conflict, error) {
	var resp Conflict
	err := c.do(ctx, http.MethodGet, c.ownerPath("conflicts/"+url.PathEscape(conflictID)), nil, &resp)
	return resp, err
}

// Reschedule accepts a conflict's stored reschedule suggestion.
func (c *Client) Reschedule(ctx context.Context, conflictID string) (RescheduleResult, error) {
	return c.reschedule(ctx, conflictID, nil)
}

// RescheduleTo commits an edited window instead of the stored suggestion.
// An empty newEnd keeps the task's current duration.
func (c *Client) RescheduleTo(ctx context.Context, conflictID, newStart, newEnd string) (RescheduleResult, error) {
	body := map[string]any{"new_start_date": newStart}
	if newEnd != "" {
		body["new_end_date"] = newEnd
	}
	return c.reschedule(ctx, conflictID, body)
}

func (c *Client) reschedule(ctx context.Context, conflictID string, body any) (RescheduleResult, error) {
	var resp RescheduleResult
	endpoint := c.ownerPath("conflicts/" + url.PathEscape(conflictID) + "/reschedule")
	err := c.doRetry(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RescheduleAll accepts every open suggestion in one pass. Partial failure
// is normal; inspect Failures.
func (c *Client) RescheduleAll(ctx context.Context) (BatchResult, error) {
	var resp BatchResult
	err := c.doRetry(ctx, http.MethodPost, c.ownerPath("reschedule-all"), nil, &resp)
	return resp, err
}

// Dismiss closes a conflict without moving anything.
func (c *Client) Dismiss(ctx context.Context, conflictID string) (Conflict, error) {
	var resp Conflict
	endpoint := c.ownerPath("conflicts/" + url.PathEscape(conflictID) + "/dismiss")
	err := c.doRetry(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Changes returns change rows after the cursor, oldest first.
func (c *Client) Changes(ctx context.Context, after int64, limit int) (ChangePage, error) {
	endpoint := fmt.Sprintf("%s?cursor=%d", c.ownerPath("changes"), after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp ChangePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Summary returns the timeline health rollup.
func (c *Client) Summary(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, c.ownerPath("summary"), nil, &resp)
	return resp, err
}

// doRetry wraps do with exponential backoff on owner_busy responses.
func (c *Client) doRetry(ctx context.Context, method, endpoint string, body any, out any) error {
	wait := c.MaxBusyWait
	if wait == 0 {
		wait = 15 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = wait
	return backoff.Retry(func() error {
		err := c.do(ctx, method, endpoint, body, out)
		if err == nil {
			return nil
		}
		if apiErr, ok := err.(*APIError); ok && apiErr.Busy() {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func pageQuery(limit int, cursor string) string {
	parts := []string{}
	if limit > 0 {
		parts = append(parts, fmt.Sprintf("limit=%d", limit))
	}
	if cursor != "" {
		parts = append(parts, "cursor="+url.QueryEscape(cursor))
	}
	if len(parts) == 0 {
		return ""
	}
	return "?" + strings.Join(parts, "&")
}

func (c *Client) ownerPath(p string) string {
	owner := url.PathEscape(c.OwnerID)
	if p == "" {
		return fmt.Sprintf("v0/owners/%s", owner)
	}
	return fmt.Sprintf("v0/owners/%s/%s", owner, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
