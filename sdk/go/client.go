// Package cooklinesdk is a small client for the Cookline HTTP API.
package cooklinesdk

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

// Client talks to one team of a Cookline server.
type Client struct {
	BaseURL     string
	TeamID      string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-Id for servers started with --allow-user-header.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://localhost:8080/v0.
func New(baseURL, teamID string) *Client {
	return &Client{
		BaseURL: baseURL,
		TeamID:  teamID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID              string   `json:"id"`
	TeamID          string   `json:"team_id"`
	Title           string   `json:"title"`
	State           string   `json:"state"`
	Contributors    []string `json:"contributors"`
	Reviewers       []string `json:"reviewers"`
	CookValue       *float64 `json:"cook_value,omitempty"`
	CookState       string   `json:"cook_state"`
	CookAttribution string   `json:"cook_attribution"`
	Archived        bool     `json:"archived"`
}

// NewTask holds the fields accepted when creating a task.
type NewTask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Contributors []string `json:"contributors,omitempty"`
	Reviewers    []string `json:"reviewers,omitempty"`
	CookValue    *float64 `json:"cook_value,omitempty"`
	Attribution  string   `json:"attribution,omitempty"`
}

type Review struct {
	ID                string   `json:"id"`
	TaskID            string   `json:"task_id"`
	Status            string   `json:"status"`
	Approvals         []string `json:"approvals"`
	RequiredReviewers int      `json:"required_reviewers"`
}

type LedgerEntry struct {
	ID            string  `json:"id"`
	TaskID        string  `json:"task_id"`
	ContributorID string  `json:"contributor_id"`
	CookValue     float64 `json:"cook_value"`
	Attribution   string  `json:"attribution"`
	IssuedAt      string  `json:"issued_at"`
}

// IssueResult is the issuance outcome for one contributor.
type IssueResult struct {
	ContributorID string       `json:"contributor_id"`
	Entry         *LedgerEntry `json:"entry,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// Approval reports an approval and, when it completed the review, what was issued.
type Approval struct {
	Review   Review        `json:"review"`
	Task     Task          `json:"task"`
	Approved bool          `json:"approved"`
	Issued   []IssueResult `json:"issued,omitempty"`
}

type Weight struct {
	ContributorID string  `json:"contributor_id"`
	Weight        float64 `json:"weight"`
	RawCook       float64 `json:"raw_cook"`
	EntryCount    int     `json:"entry_count"`
}

type Proposal struct {
	ID                 string  `json:"id"`
	Type               string  `json:"type"`
	Title              string  `json:"title"`
	Status             string  `json:"status"`
	ObjectionWeight    float64 `json:"objection_weight"`
	ObjectionThreshold float64 `json:"objection_threshold"`
	WindowClosesAt     string  `json:"window_closes_at"`
	VotingID           *string `json:"voting_id,omitempty"`
}

type Objection struct {
	Proposal  Proposal `json:"proposal"`
	Weight    float64  `json:"weight"`
	Escalated bool     `json:"escalated"`
}

type Vote struct {
	VotingID string  `json:"voting_id"`
	VoterID  string  `json:"voter_id"`
	Option   string  `json:"option"`
	Weight   float64 `json:"weight"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	TeamID     string         `json:"team_id"`
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

// APIError wraps non-2xx responses. Code, Message and Details come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in backlog.
func (c *Client) CreateTask(ctx context.Context, t NewTask) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.teamPath("tasks"), t, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.taskPath(taskID, ""), nil, &resp)
	return resp, err
}

// MoveTask applies one lifecycle transition.
func (c *Client) MoveTask(ctx context.Context, taskID, to string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "move"), map[string]any{"to": to}, &resp)
	return resp, err
}

// SetCook sets the task's COOK value.
func (c *Client) SetCook(ctx context.Context, taskID string, value float64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "cook"), map[string]any{"value": value}, &resp)
	return resp, err
}

func (c *Client) ApproveReview(ctx context.Context, taskID string) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "review/approve"), nil, &resp)
	return resp, err
}

func (c *Client) ObjectReview(ctx context.Context, taskID, reason string) (Review, error) {
	var resp Review
	err := c.do(ctx, http.MethodPost, c.taskPath(taskID, "review/object"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Ledger lists ledger entries, optionally for one contributor.
func (c *Client) Ledger(ctx context.Context, contributorID string) ([]LedgerEntry, error) {
	endpoint := c.teamPath("ledger")
	if contributorID != "" {
		endpoint += "?contributor_id=" + url.QueryEscape(contributorID)
	}
	var resp struct {
		Items []LedgerEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Weight(ctx context.Context, contributorID string) (Weight, error) {
	var resp Weight
	err := c.do(ctx, http.MethodGet, c.teamPath("contributors/"+url.PathEscape(contributorID)+"/weight"), nil, &resp)
	return resp, err
}

// CreateProposal opens a proposal with the team's default threshold and window.
func (c *Client) CreateProposal(ctx context.Context, proposalType, title, description string) (Proposal, error) {
	body := map[string]any{"type": proposalType, "title": title}
	if description != "" {
		body["description"] = description
	}
	var resp Proposal
	err := c.do(ctx, http.MethodPost, c.teamPath("proposals"), body, &resp)
	return resp, err
}

func (c *Client) ObjectToProposal(ctx context.Context, proposalID, reason string) (Objection, error) {
	var resp Objection
	err := c.do(ctx, http.MethodPost, c.teamPath("proposals/"+url.PathEscape(proposalID)+"/objections"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) CastVote(ctx context.Context, votingID, option string) (Vote, error) {
	var resp Vote
	err := c.do(ctx, http.MethodPost, c.teamPath("votings/"+url.PathEscape(votingID)+"/votes"), map[string]any{"option": option}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.teamPath("events")
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
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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

func (c *Client) teamPath(p string) string {
	return fmt.Sprintf("teams/%s/%s", url.PathEscape(c.TeamID), strings.TrimLeft(p, "/"))
}

func (c *Client) taskPath(taskID, action string) string {
	p := "tasks/" + url.PathEscape(taskID)
	if action != "" {
		p += "/" + action
	}
	return c.teamPath(p)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
