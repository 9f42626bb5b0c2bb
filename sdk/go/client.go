package stagelinesdk

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

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Progress struct {
	CompletedCount  int  `json:"completed_count"`
	TotalCount      int  `json:"total_count"`
	Percent         int  `json:"percent"`
	IsFullyComplete bool `json:"is_fully_complete"`
}

type ChecklistItem struct {
	ID          string `json:"id"`
	StageID     string `json:"stage_id"`
	Description string `json:"description"`
	Order       int    `json:"order"`
	IsCompleted bool   `json:"is_completed"`
}

type Approval struct {
	ID             string  `json:"id"`
	StageID        string  `json:"stage_id"`
	Status         string  `json:"status"`
	Decision       *string `json:"decision,omitempty"`
	ApprovedAt     *string `json:"approved_at,omitempty"`
	ApprovedByName *string `json:"approved_by_name,omitempty"`
}

// Stage is a stage with its derived progress and gating.
type Stage struct {
	ID                     string          `json:"id"`
	ProjectID              string          `json:"project_id"`
	Order                  int             `json:"order"`
	Name                   string          `json:"name"`
	Status                 string          `json:"status"`
	RequiresClientApproval bool            `json:"requires_client_approval"`
	Blocked                bool            `json:"blocked"`
	BlockedBy              string          `json:"blocked_by,omitempty"`
	Items                  []ChecklistItem `json:"items"`
	Progress               Progress        `json:"progress"`
	Approval               *Approval       `json:"approval,omitempty"`
}

type Workflow struct {
	ProjectID string  `json:"project_id"`
	Stages    []Stage `json:"stages"`
}

type ToggleResult struct {
	Item           ChecklistItem `json:"item"`
	Stage          Stage         `json:"stage"`
	StageCompleted bool          `json:"stage_completed"`
}

type ApprovalRequest struct {
	Approval Approval `json:"approval"`
	URL      string   `json:"url"`
}

type Resolution struct {
	Approval  Approval `json:"approval"`
	Unblocked []string `json:"unblocked"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error envelope
// when the body has one.
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

// NotYet reports whether the server refused because a precondition is not met yet
// (blocked stage or unfinished checklist) rather than because the request is wrong.
func (e *APIError) NotYet() bool {
	return e.Details["kind"] == "not_yet"
}

func (c *Client) Workflow(ctx context.Context, projectID string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, c.apiPath("projects", projectID, "workflow"), nil, &resp)
	return resp, err
}

// ToggleItem flips a checklist item.
func (c *Client) ToggleItem(ctx context.Context, itemID string) (ToggleResult, error) {
	var resp ToggleResult
	err := c.do(ctx, http.MethodPost, c.apiPath("checklist-items", itemID, "toggle"), nil, &resp)
	return resp, err
}

func (c *Client) SetRequiresApproval(ctx context.Context, stageID string, value bool) (Workflow, error) {
	var resp Workflow
	body := map[string]any{"requires_client_approval": value}
	err := c.do(ctx, http.MethodPut, c.apiPath("stages", stageID, "requires-approval"), body, &resp)
	return resp, err
}

// RequestApproval asks the client to approve a stage. The returned URL is the only
// copy of the approval link.
func (c *Client) RequestApproval(ctx context.Context, stageID, notes string) (ApprovalRequest, error) {
	var resp ApprovalRequest
	body := map[string]any{"notes": notes}
	err := c.do(ctx, http.MethodPost, c.apiPath("stages", stageID, "approvals"), body, &resp)
	return resp, err
}

// Resolve submits a decision on the public approval endpoint. No credentials are sent.
func (c *Client) Resolve(ctx context.Context, token, decision, approverName, comment string) (Resolution, error) {
	var resp Resolution
	body := map[string]any{
		"decision":      decision,
		"approver_name": approverName,
		"comment":       comment,
	}
	pub := *c
	pub.BearerToken, pub.APIKey = "", ""
	err := pub.do(ctx, http.MethodPost, "approval/"+url.PathEscape(token), body, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.apiPath("projects", projectID, "events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
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

func (c *Client) apiPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+1)
	escaped = append(escaped, strings.Trim(c.BasePath, "/"))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return strings.Join(escaped, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
