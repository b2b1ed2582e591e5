package ticketlinesdk

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

// Client is a minimal Ticketline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Ticket represents the API ticket model (partial).
type Ticket struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	EpicID     *string  `json:"epic_id,omitempty"`
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	Status     string   `json:"status"`
	Priority   string   `json:"priority"`
	AssigneeID *string  `json:"assignee_id,omitempty"`
	Tags       []string `json:"tags"`
	ClosedAt   *string  `json:"closed_at,omitempty"`
}

// DemoStep is one verification step of a demo script.
type DemoStep struct {
	Order           int     `json:"order"`
	Type            string  `json:"type"`
	Description     string  `json:"description"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	Status          string  `json:"status"`
	Notes           *string `json:"notes,omitempty"`
}

// DemoScript is a script with its steps and, once sealed, its verdict.
type DemoScript struct {
	ID          string     `json:"id"`
	TicketID    string     `json:"ticket_id"`
	GeneratedAt string     `json:"generated_at"`
	CompletedAt *string    `json:"completed_at,omitempty"`
	Passed      *bool      `json:"passed,omitempty"`
	Feedback    *string    `json:"feedback,omitempty"`
	Steps       []DemoStep `json:"steps"`
}

// DemoStepResult names a step and the result to record for it.
type DemoStepResult struct {
	Order  int     `json:"order"`
	Status string  `json:"status"`
	Notes  *string `json:"notes,omitempty"`
}

// Finding is a review finding attached to a ticket.
type Finding struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TicketID  string  `json:"ticket_id"`
	ScriptID  *string `json:"script_id,omitempty"`
	StepOrder *int    `json:"step_order,omitempty"`
	Category  string  `json:"category"`
	Severity  string  `json:"severity"`
	Title     string  `json:"title"`
	Detail    string  `json:"detail,omitempty"`
}

// Comment is a ticket comment.
type Comment struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
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

// APIError wraps non-2xx responses. Code carries the machine-readable error
// code from the response envelope when one was present.
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

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == code
}

// PaginatedTickets wraps ticket listings with cursors.
type PaginatedTickets struct {
	Items      []Ticket `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTicket creates a ticket. Type may be empty to use the project default.
func (c *Client) CreateTicket(ctx context.Context, title, ticketType string) (Ticket, error) {
	body := map[string]any{"title": title}
	if ticketType != "" {
		body["type"] = ticketType
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPost, c.projectPath("tickets"), body, &resp)
	return resp, err
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id string) (Ticket, error) {
	var resp Ticket
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s", url.PathEscape(id)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetTicketStatus moves a ticket through its workflow.
func (c *Client) SetTicketStatus(ctx context.Context, id, status string, force bool) (Ticket, error) {
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s", url.PathEscape(id)))
	if force {
		endpoint += "?force=true"
	}
	var resp Ticket
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// Tickets returns one page of the project's tickets.
func (c *Client) Tickets(ctx context.Context, limit int, cursor string) (PaginatedTickets, error) {
	endpoint := c.projectPath("tickets")
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
	var resp PaginatedTickets
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// AddComment appends a comment to a ticket.
func (c *Client) AddComment(ctx context.Context, ticketID, body string) (Comment, error) {
	var resp Comment
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/comments", url.PathEscape(ticketID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"body": body}, &resp)
	return resp, err
}

// GenerateDemoScript creates a demo script from the ticket type's template.
func (c *Client) GenerateDemoScript(ctx context.Context, ticketID string, force bool) (DemoScript, error) {
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/demo", url.PathEscape(ticketID)))
	if force {
		endpoint += "?force=true"
	}
	var resp DemoScript
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CurrentDemoScript returns the ticket's current script, or nil when the
// ticket has none yet.
func (c *Client) CurrentDemoScript(ctx context.Context, ticketID string) (*DemoScript, error) {
	var resp struct {
		Script *DemoScript `json:"script"`
	}
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/demo", url.PathEscape(ticketID)))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Script, nil
}

// RecordDemoStep records one step's verification result.
func (c *Client) RecordDemoStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) (DemoStep, error) {
	body := map[string]any{"status": status}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp DemoStep
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/demo/scripts/%s/steps/%d",
		url.PathEscape(ticketID), url.PathEscape(scriptID), order))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// SubmitDemoVerdict seals a script. A 409 with code demo_completed means the
// verdict was already submitted.
func (c *Client) SubmitDemoVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []DemoStepResult) (DemoScript, error) {
	body := map[string]any{
		"passed": passed,
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	if len(results) > 0 {
		body["results"] = results
	}
	var resp DemoScript
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/demo/scripts/%s/verdict",
		url.PathEscape(ticketID), url.PathEscape(scriptID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddFinding records a review finding against a ticket.
func (c *Client) AddFinding(ctx context.Context, ticketID, title, severity, detail string) (Finding, error) {
	body := map[string]any{"title": title}
	if severity != "" {
		body["severity"] = severity
	}
	if detail != "" {
		body["detail"] = detail
	}
	var resp Finding
	endpoint := c.projectPath(fmt.Sprintf("tickets/%s/findings", url.PathEscape(ticketID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListFindings returns findings for a ticket.
func (c *Client) ListFindings(ctx context.Context, ticketID string) ([]Finding, error) {
	var resp []Finding
	endpoint := c.projectPath("findings")
	if ticketID != "" {
		endpoint = fmt.Sprintf("%s?ticket_id=%s", endpoint, url.QueryEscape(ticketID))
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
