package dealgatesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal dealgate HTTP API client.
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
		Timeout: 30 * time.Second,
	}
}

// Deal is the input a run decides on.
type Deal struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Sector      string            `json:"sector,omitempty"`
	Stage       string            `json:"stage,omitempty"`
	Website     string            `json:"website,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type RunOutcome struct {
	Decision   string `json:"decision"`
	Degraded   bool   `json:"degraded"`
	ErrorCount int    `json:"error_count"`
}

// Run represents the API run model.
type Run struct {
	ID          string      `json:"id"`
	DealID      string      `json:"deal_id"`
	Deal        Deal        `json:"deal"`
	Status      string      `json:"status"`
	Outcome     *RunOutcome `json:"outcome,omitempty"`
	CreatedAt   string      `json:"created_at"`
	StartedAt   *string     `json:"started_at,omitempty"`
	CompletedAt *string     `json:"completed_at,omitempty"`
}

// Sealed reports whether the run reached a terminal status.
func (r Run) Sealed() bool { return r.CompletedAt != nil }

type ChecklistItem struct {
	QuestionRef int      `json:"question_ref"`
	Item        string   `json:"item"`
	Type        string   `json:"type"`
	EvidenceIDs []string `json:"evidence_ids"`
}

type DecisionGate struct {
	Decision          string          `json:"decision"`
	GatingQuestions   []string        `json:"gating_questions"`
	EvidenceChecklist []ChecklistItem `json:"evidence_checklist"`
}

// ControlResult is returned by start and resume.
type ControlResult struct {
	Status   string        `json:"status"`
	Stage    string        `json:"stage"`
	Run      Run           `json:"run"`
	Decision *DecisionGate `json:"decision_gate,omitempty"`
}

// State represents the replayed run state (partial).
type State struct {
	RunID        string                    `json:"run_id"`
	DealID       string                    `json:"deal_id"`
	Stage        string                    `json:"stage"`
	Evidence     []map[string]any          `json:"evidence"`
	Tasks        map[string]map[string]any `json:"tasks"`
	Decision     *DecisionGate             `json:"decision_gate,omitempty"`
	Errors       []map[string]any          `json:"errors"`
	ToolMessages int                       `json:"tool_messages"`
	EventCount   int                       `json:"event_count"`
}

// Event represents a log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	DealID  string         `json:"deal_id"`
	RunID   string         `json:"run_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun creates a run for deal.
func (c *Client) CreateRun(ctx context.Context, deal Deal) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodPost, "v1/runs", map[string]any{"deal": deal}, &resp)
	return resp, err
}

// GetRun fetches a run by id.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v1/runs/"+url.PathEscape(runID), nil, &resp)
	return resp, err
}

// ListRuns lists runs newest first, optionally for one deal.
func (c *Client) ListRuns(ctx context.Context, dealID string, limit int) ([]Run, error) {
	q := url.Values{}
	if dealID != "" {
		q.Set("deal_id", dealID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v1/runs", q), nil, &resp)
	return resp.Items, err
}

// StartRun drives the run in the background on the server.
func (c *Client) StartRun(ctx context.Context, runID string) (ControlResult, error) {
	var resp ControlResult
	err := c.do(ctx, http.MethodPost, "v1/runs/"+url.PathEscape(runID)+"/start", nil, &resp)
	return resp, err
}

// ResumeRun runs the next incomplete wave and waits for it.
func (c *Client) ResumeRun(ctx context.Context, runID string) (ControlResult, error) {
	var resp ControlResult
	err := c.do(ctx, http.MethodPost, "v1/runs/"+url.PathEscape(runID)+"/resume", nil, &resp)
	return resp, err
}

// DriveByResume calls ResumeRun every interval until the run is sealed. A
// locked result means another scheduler is busy; the next tick retries.
func (c *Client) DriveByResume(ctx context.Context, runID string, interval time.Duration) (ControlResult, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		res, err := c.ResumeRun(ctx, runID)
		if err != nil {
			return res, err
		}
		if res.Status == "done" || res.Status == "sealed" {
			return res, nil
		}
		if res.Status == "locked" {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}

// GetState fetches the replayed state of a run.
func (c *Client) GetState(ctx context.Context, runID string) (State, error) {
	var resp State
	err := c.do(ctx, http.MethodGet, "v1/runs/"+url.PathEscape(runID)+"/state", nil, &resp)
	return resp, err
}

// RunEvents pages through a run's events after cursor.
func (c *Client) RunEvents(ctx context.Context, runID, cursor string, limit int) (PaginatedEvents, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v1/runs/"+url.PathEscape(runID)+"/events", q), nil, &resp)
	return resp, err
}

// Stream reads the run's server-sent events after cursor and calls fn for
// each one. It returns nil when the server ends the stream.
func (c *Client) Stream(ctx context.Context, runID string, cursor int64, fn func(Event) error) error {
	q := url.Values{}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	req, err := c.newRequest(ctx, http.MethodGet, withQuery("v1/runs/"+url.PathEscape(runID)+"/stream", q), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// Streams outlive the request timeout.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &evt); err != nil {
			return fmt.Errorf("decode stream event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body any) (*http.Request, error) {
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(p string, q url.Values) string {
	if len(q) == 0 {
		return p
	}
	return p + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
