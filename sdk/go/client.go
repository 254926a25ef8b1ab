package taskgatesdk

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

// Client is a minimal taskgate HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when the server runs without auth.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Check batteries can run for
// minutes, so the timeout is generous.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 15 * time.Minute,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string          `json:"id"`
	Title              string          `json:"title"`
	Priority           string          `json:"priority"`
	Status             string          `json:"status"`
	Classification     string          `json:"classification,omitempty"`
	Assignee           string          `json:"assignee,omitempty"`
	Goal               string          `json:"goal,omitempty"`
	AcceptanceCriteria []string        `json:"acceptance_criteria,omitempty"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	Feedback           []FeedbackEntry `json:"feedback,omitempty"`
	Errors             []ErrorEntry    `json:"errors,omitempty"`
	Ref                Ref             `json:"ref,omitempty"`
	CreatedAt          string          `json:"created_at"`
	UpdatedAt          string          `json:"updated_at"`
}

type FeedbackEntry struct {
	Seq        int    `json:"seq"`
	Kind       string `json:"kind"`
	Actionable bool   `json:"actionable,omitempty"`
	Resolves   int    `json:"resolves,omitempty"`
	Author     string `json:"author,omitempty"`
	Text       string `json:"text"`
	At         string `json:"at"`
}

type ErrorEntry struct {
	Seq    int    `json:"seq"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	At     string `json:"at"`
}

type Ref struct {
	Branch        string `json:"branch,omitempty"`
	Commit        string `json:"commit,omitempty"`
	ReviewRequest string `json:"review_request,omitempty"`
}

// CreateTaskInput mirrors the create-task request body.
type CreateTaskInput struct {
	ID                 string   `json:"id,omitempty"`
	Title              string   `json:"title"`
	Priority           string   `json:"priority,omitempty"`
	Classification     string   `json:"classification,omitempty"`
	Goal               string   `json:"goal,omitempty"`
	Overview           string   `json:"overview,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	FilesAffected      []string `json:"files_affected,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
}

// CheckResult is one outcome within a report.
type CheckResult struct {
	ID       string         `json:"id"`
	OK       bool           `json:"ok"`
	Status   string         `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

type Report struct {
	ID        string        `json:"id"`
	Mode      string        `json:"mode"`
	Profile   string        `json:"profile,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	OK        bool          `json:"ok"`
	Results   []CheckResult `json:"results"`
	Cancelled []string      `json:"cancelled,omitempty"`
}

type ReviewResult struct {
	Task   Task   `json:"task"`
	Report Report `json:"report"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
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

// CreateTask creates a pending task.
func (c *Client) CreateTask(ctx context.Context, in CreateTaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", in, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, taskPath(id, ""), nil, &resp)
	return resp, err
}

// ListTasks lists tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Task `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Prepare(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "prepare"), nil, &resp)
	return resp, err
}

func (c *Client) Claim(ctx context.Context, id, role string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "claim"), map[string]any{"role": role}, &resp)
	return resp, err
}

// RequestReview runs the full battery server-side. When the battery fails
// the returned *APIError carries the report under Details["report"].
func (c *Client) RequestReview(ctx context.Context, id string) (ReviewResult, error) {
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, taskPath(id, "review"), nil, &resp)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "complete"), nil, &resp)
	return resp, err
}

func (c *Client) Fail(ctx context.Context, id, reason string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "fail"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// AddFeedback sends a reviewed task back with a feedback entry.
func (c *Client) AddFeedback(ctx context.Context, id, text string, informational bool) (Task, error) {
	body := map[string]any{"text": text, "informational": informational}
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, "feedback"), body, &resp)
	return resp, err
}

func (c *Client) ResolveFeedback(ctx context.Context, id string, seq int, note string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, taskPath(id, fmt.Sprintf("feedback/%d/resolve", seq)), map[string]any{"note": note}, &resp)
	return resp, err
}

// RunChecks runs the quick or full battery; taskID may be empty.
func (c *Client) RunChecks(ctx context.Context, mode, taskID string) (Report, error) {
	endpoint := "v0/checks/" + url.PathEscape(mode)
	if taskID != "" {
		endpoint += "?task_id=" + url.QueryEscape(taskID)
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func taskPath(id, action string) string {
	p := "v0/tasks/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
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
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
