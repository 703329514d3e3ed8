package coordlinesdk

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

// Client is a minimal Coordline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID           string `json:"id"`
	SeqNum       string `json:"seq_num"`
	Title        string `json:"title"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Status       string `json:"status"`
	AssigneeID   string `json:"assignee_id,omitempty"`
	AssigneeKind string `json:"assignee_kind,omitempty"`
	ClaimedBy    string `json:"claimed_by,omitempty"`
	VersionToken int64  `json:"version_token"`
}

// WorkResult pairs a work item with its replay flag.
type WorkResult struct {
	Item     WorkItem `json:"item"`
	Replayed bool     `json:"replayed"`
}

// Candidate is one ranked claimable item.
type Candidate struct {
	Item       WorkItem `json:"item"`
	SkillScore int      `json:"skill_score"`
	Priority   int      `json:"priority"`
}

// SchemaObject represents the governed schema object model (partial).
type SchemaObject struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	CanonicalHash string `json:"canonical_hash,omitempty"`
	Version       string `json:"version"`
	Status        string `json:"status"`
	VersionToken  int64  `json:"version_token"`
}

// SchemaResult is the settled state after a change submission.
type SchemaResult struct {
	Object   SchemaObject `json:"object"`
	Outcome  string       `json:"outcome"`
	Replayed bool         `json:"replayed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	OccurredAt string         `json:"occurred_at"`
	ActorID    string         `json:"actor_id"`
	Action     string         `json:"action"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with a forward cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"next_cursor"`
}

// CreateWork creates a work item.
func (c *Client) CreateWork(ctx context.Context, title, workType, severity string) (WorkResult, error) {
	body := map[string]any{
		"title":    title,
		"type":     workType,
		"severity": severity,
	}
	var resp WorkResult
	err := c.do(ctx, http.MethodPost, "v0/work", body, &resp)
	return resp, err
}

// GetWork fetches one work item.
func (c *Client) GetWork(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "v0/work/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetStatus moves a work item, guarded by the version token it saw.
func (c *Client) SetStatus(ctx context.Context, id, status string, expectedVersion int64, token string) (WorkResult, error) {
	body := map[string]any{
		"status":            status,
		"expected_version":  expectedVersion,
		"idempotency_token": token,
	}
	var resp WorkResult
	err := c.do(ctx, http.MethodPatch, "v0/work/"+url.PathEscape(id)+"/status", body, &resp)
	return resp, err
}

// Complete records the unified terminal action on an item.
func (c *Client) Complete(ctx context.Context, id string, expectedVersion int64, testsPassing bool, token string) (WorkResult, error) {
	body := map[string]any{
		"expected_version":  expectedVersion,
		"tests_passing":     testsPassing,
		"idempotency_token": token,
	}
	var resp WorkResult
	err := c.do(ctx, http.MethodPost, "v0/work/"+url.PathEscape(id)+"/complete", body, &resp)
	return resp, err
}

// ClaimNext claims the best available item for an agent.
func (c *Client) ClaimNext(ctx context.Context, agentID string, capabilities []string) (WorkItem, error) {
	body := map[string]any{
		"agent_id":     agentID,
		"capabilities": capabilities,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/queue/claim", body, &resp)
	return resp, err
}

// Queue returns ranked claim candidates.
func (c *Client) Queue(ctx context.Context, capabilities []string) ([]Candidate, error) {
	endpoint := "v0/queue"
	if len(capabilities) > 0 {
		endpoint += "?capabilities=" + url.QueryEscape(strings.Join(capabilities, ","))
	}
	var resp []Candidate
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyChange submits a schema change through the governance pipeline.
func (c *Client) ApplyChange(ctx context.Context, definition, reason, token string) (SchemaResult, error) {
	body := map[string]any{
		"definition":        definition,
		"reason":            reason,
		"idempotency_token": token,
	}
	var resp SchemaResult
	err := c.do(ctx, http.MethodPost, "v0/schema/changes", body, &resp)
	return resp, err
}

// Alter adds a column to a governed table. The server folds the column
// into the current definition and redeploys it.
func (c *Client) Alter(ctx context.Context, statement, reason, token string) (SchemaResult, error) {
	body := map[string]any{
		"statement":         statement,
		"reason":            reason,
		"idempotency_token": token,
	}
	var resp SchemaResult
	err := c.do(ctx, http.MethodPost, "v0/schema/alter", body, &resp)
	return resp, err
}

// GetSchemaObject fetches a governed object by name.
func (c *Client) GetSchemaObject(ctx context.Context, name string) (SchemaObject, error) {
	var resp SchemaObject
	err := c.do(ctx, http.MethodGet, "v0/schema/objects/"+url.PathEscape(name), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage reads the log forward from a cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, after int64) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if after > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%d", endpoint, sep, after)
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
