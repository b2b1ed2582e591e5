package server

import (
	"encoding/json"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/engine"
	"ticketline/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Status      *string `json:"status,omitempty" enum:"active,archived"`
	Description *string `json:"description,omitempty"`
}

type ImportConfigRequest struct {
	YAML string `json:"yaml"`
}

type CreateEpicRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type UpdateEpicRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"open,active,done,canceled"`
}

type CreateTicketRequest struct {
	ID          *string  `json:"id,omitempty"`
	EpicID      *string  `json:"epic_id,omitempty"`
	Type        string   `json:"type,omitempty" enum:"feature,bug,chore"`
	Title       string   `json:"title"`
	Description *string  `json:"description,omitempty"`
	Priority    *string  `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type UpdateTicketRequest struct {
	Status      *string   `json:"status,omitempty" enum:"backlog,todo,in_progress,in_review,changes_requested,done,canceled"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Type        *string   `json:"type,omitempty" enum:"feature,bug,chore"`
	Priority    *string   `json:"priority,omitempty" enum:"low,medium,high"`
	AssigneeID  *string   `json:"assignee_id,omitempty"`
	EpicID      *string   `json:"epic_id,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

type CreateCommentRequest struct {
	Body string `json:"body"`
}

type CreateSubtaskRequest struct {
	Title string `json:"title"`
}

type SetSubtaskDoneRequest struct {
	Done bool `json:"done"`
}

type CreateAttachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content" format:"byte"`
}

type DemoStepRequest struct {
	Type            string `json:"type" enum:"manual,visual,automated"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

type CreateDemoScriptRequest struct {
	Steps []DemoStepRequest `json:"steps,omitempty"`
}

type UpdateDemoStepRequest struct {
	Status string  `json:"status" enum:"pending,passed,failed,skipped"`
	Notes  *string `json:"notes,omitempty"`
}

type DemoStepResultRequest struct {
	Order  int     `json:"order"`
	Status string  `json:"status" enum:"pending,passed,failed,skipped"`
	Notes  *string `json:"notes,omitempty"`
}

type DemoVerdictRequest struct {
	Passed   bool                    `json:"passed"`
	Feedback *string                 `json:"feedback,omitempty"`
	Results  []DemoStepResultRequest `json:"results,omitempty"`
}

type CreateFindingRequest struct {
	ScriptID  *string `json:"script_id,omitempty"`
	StepOrder *int    `json:"step_order,omitempty"`
	Category  *string `json:"category,omitempty"`
	Severity  *string `json:"severity,omitempty" enum:"minor,major,blocker"`
	Title     string  `json:"title"`
	Detail    *string `json:"detail,omitempty"`
}

type ReviewerEntryRequest struct {
	ActorID string  `json:"actor_id"`
	Focus   *string `json:"focus,omitempty"`
}

type ReplaceReviewersRequest struct {
	Reviewers []ReviewerEntryRequest `json:"reviewers"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	OrgID       *string  `json:"org_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type EpicResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"open,active,done,canceled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type TicketResponse struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	EpicID      *string  `json:"epic_id,omitempty"`
	Type        string   `json:"type" enum:"feature,bug,chore"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status" enum:"backlog,todo,in_progress,in_review,changes_requested,done,canceled"`
	Priority    string   `json:"priority" enum:"low,medium,high"`
	AssigneeID  *string  `json:"assignee_id,omitempty"`
	Tags        []string `json:"tags"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
	ClosedAt    *string  `json:"closed_at,omitempty" format:"date-time"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type SubtaskResponse struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	SortOrder int    `json:"sort_order"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type AttachmentResponse struct {
	ID          string `json:"id"`
	TicketID    string `json:"ticket_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	UploadedBy  string `json:"uploaded_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type AttachmentContentResponse struct {
	AttachmentResponse
	Content string `json:"content" format:"byte"`
}

type DemoStepResponse struct {
	Order           int     `json:"order"`
	Type            string  `json:"type" enum:"manual,visual,automated"`
	Description     string  `json:"description"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	Status          string  `json:"status" enum:"pending,passed,failed,skipped"`
	Notes           *string `json:"notes,omitempty"`
}

type DemoScriptResponse struct {
	ID          string             `json:"id"`
	TicketID    string             `json:"ticket_id"`
	GeneratedAt string             `json:"generated_at" format:"date-time"`
	CompletedAt *string            `json:"completed_at,omitempty" format:"date-time"`
	Passed      *bool              `json:"passed,omitempty"`
	Feedback    *string            `json:"feedback,omitempty"`
	Steps       []DemoStepResponse `json:"steps"`
}

type CurrentDemoResponse struct {
	Script *DemoScriptResponse `json:"script"`
}

type FindingResponse struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	TicketID  string  `json:"ticket_id"`
	ScriptID  *string `json:"script_id,omitempty"`
	StepOrder *int    `json:"step_order,omitempty"`
	Category  string  `json:"category"`
	Severity  string  `json:"severity" enum:"minor,major,blocker"`
	Title     string  `json:"title"`
	Detail    string  `json:"detail,omitempty"`
	CreatedBy string  `json:"created_by"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type ReviewerResponse struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Focus     string `json:"focus,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	ProjectID   string   `json:"project_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type RoleResponse struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKeyCreatedResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	ProjectID string         `json:"project_id"`
	Tickets   map[string]int `json:"tickets"`
	OpenEpics int            `json:"open_epics"`
}

type ProjectConfigResponse struct {
	Project   projectConfigSection    `json:"project"`
	Defaults  defaultsConfigSection   `json:"defaults"`
	Review    reviewConfigSection     `json:"review"`
	Demo      demoConfigSection       `json:"demo"`
	Reviewers []reviewerConfigEntry   `json:"reviewers"`
	RBAC      rbacConfigSection       `json:"rbac"`
	Webhooks  []webhookConfigResponse `json:"webhooks"`
}

type projectConfigSection struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

type defaultsConfigSection struct {
	Ticket struct {
		Type     string `json:"type"`
		Priority string `json:"priority"`
	} `json:"ticket"`
}

type reviewConfigSection struct {
	RequireDemoPassForDone bool   `json:"require_demo_pass_for_done"`
	AutoFindings           bool   `json:"auto_findings"`
	AutoFindingSeverity    string `json:"auto_finding_severity"`
	AttachmentMaxBytes     int64  `json:"attachment_max_bytes"`
}

type demoConfigSection struct {
	Templates map[string][]demoTemplateStepResponse `json:"templates"`
}

type demoTemplateStepResponse struct {
	Type            string `json:"type"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expected_outcome,omitempty"`
}

type reviewerConfigEntry struct {
	ActorID string `json:"actor_id"`
	Focus   string `json:"focus,omitempty"`
}

type rbacConfigSection struct {
	Roles map[string]RoleResponse `json:"roles"`
}

// webhookConfigResponse never echoes the shared secret.
type webhookConfigResponse struct {
	URL            string   `json:"url"`
	Events         []string `json:"events"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Enabled        bool     `json:"enabled"`
}

type paginatedTickets struct {
	Items      []TicketResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func epicResponse(ep domain.Epic) EpicResponse {
	return EpicResponse(ep)
}

func ticketResponse(t domain.Ticket) TicketResponse {
	return TicketResponse{
		ID:          t.ID,
		ProjectID:   t.ProjectID,
		EpicID:      t.EpicID,
		Type:        t.Type,
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		AssigneeID:  t.AssigneeID,
		Tags:        nonNilSlice(decodeStringSlice(t.TagsJSON)),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		ClosedAt:    t.ClosedAt,
	}
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse(c)
}

func subtaskResponse(s domain.Subtask) SubtaskResponse {
	return SubtaskResponse(s)
}

func attachmentResponse(a domain.Attachment) AttachmentResponse {
	return AttachmentResponse(a)
}

func demoStepResponse(s domain.DemoStep) DemoStepResponse {
	return DemoStepResponse{
		Order:           s.StepOrder,
		Type:            s.Type,
		Description:     s.Description,
		ExpectedOutcome: s.ExpectedOutcome,
		Status:          s.Status,
		Notes:           s.Notes,
	}
}

func demoScriptResponse(d domain.DemoScriptDetail) DemoScriptResponse {
	steps := make([]DemoStepResponse, 0, len(d.Steps))
	for _, s := range d.Steps {
		steps = append(steps, demoStepResponse(s))
	}
	return DemoScriptResponse{
		ID:          d.ID,
		TicketID:    d.TicketID,
		GeneratedAt: d.GeneratedAt,
		CompletedAt: d.CompletedAt,
		Passed:      d.Passed,
		Feedback:    d.Feedback,
		Steps:       steps,
	}
}

func findingResponse(f domain.ReviewFinding) FindingResponse {
	return FindingResponse(f)
}

func reviewerResponse(r domain.Reviewer) ReviewerResponse {
	return ReviewerResponse(r)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(strPtr(e.Payload)),
	}
}

func whoAmIResponse(w engine.WhoAmI) WhoAmIResponse {
	return WhoAmIResponse{
		ActorID:     w.ActorID,
		ProjectID:   w.ProjectID,
		Roles:       nonNilSlice(w.Roles),
		Permissions: nonNilSlice(w.Permissions),
	}
}

func roleResponse(r repo.Role) RoleResponse {
	return RoleResponse{
		ID:          r.ID,
		Description: r.Description,
		Permissions: nonNilSlice(r.Permissions),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Project: projectConfigSection{
			ID:   cfg.Project.ID,
			Kind: cfg.Project.Kind,
		},
		Review: reviewConfigSection{
			RequireDemoPassForDone: cfg.Review.RequireDemoPassForDone,
			AutoFindings:           cfg.Review.AutoFindings,
			AutoFindingSeverity:    cfg.Review.AutoFindingSeverity,
			AttachmentMaxBytes:     cfg.Review.AttachmentMaxBytes,
		},
		Demo: demoConfigSection{
			Templates: map[string][]demoTemplateStepResponse{},
		},
		Reviewers: []reviewerConfigEntry{},
		RBAC: rbacConfigSection{
			Roles: map[string]RoleResponse{},
		},
		Webhooks: []webhookConfigResponse{},
	}
	res.Defaults.Ticket.Type = cfg.Defaults.Ticket.Type
	res.Defaults.Ticket.Priority = cfg.Defaults.Ticket.Priority
	for name, steps := range cfg.Demo.Templates {
		out := make([]demoTemplateStepResponse, 0, len(steps))
		for _, s := range steps {
			out = append(out, demoTemplateStepResponse{
				Type:            s.Type,
				Description:     s.Description,
				ExpectedOutcome: s.ExpectedOutcome,
			})
		}
		res.Demo.Templates[name] = out
	}
	for _, rv := range cfg.Reviewers {
		res.Reviewers = append(res.Reviewers, reviewerConfigEntry{ActorID: rv.ActorID, Focus: rv.Focus})
	}
	for name, role := range cfg.RBAC.Roles {
		res.RBAC.Roles[name] = RoleResponse{
			ID:          name,
			Description: role.Description,
			Permissions: nonNilSlice(role.Permissions),
		}
	}
	for _, wh := range cfg.Webhooks {
		res.Webhooks = append(res.Webhooks, webhookConfigResponse{
			URL:            wh.URL,
			Events:         nonNilSlice(wh.Events),
			TimeoutSeconds: wh.TimeoutSeconds,
			Enabled:        wh.Enabled == nil || *wh.Enabled,
		})
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []string
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strPtr(in string) *string {
	return &in
}
