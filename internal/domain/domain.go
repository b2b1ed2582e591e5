package domain

type Project struct {
	ID          string `json:"id"`
	OrgID       string `json:"org_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Epic struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"open,active,done,canceled"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type Ticket struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	EpicID      *string `json:"epic_id,omitempty"`
	Type        string  `json:"type" enum:"feature,bug,chore"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"backlog,todo,in_progress,in_review,changes_requested,done,canceled"`
	Priority    string  `json:"priority" enum:"low,medium,high"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	TagsJSON    *string `json:"tags_json,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type Comment struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Subtask struct {
	ID        string `json:"id"`
	TicketID  string `json:"ticket_id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	SortOrder int    `json:"sort_order"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Attachment struct {
	ID          string `json:"id"`
	TicketID    string `json:"ticket_id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	SHA256      string `json:"sha256"`
	UploadedBy  string `json:"uploaded_by"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// DemoScript is the verification checklist for one review cycle of a ticket.
// Once CompletedAt is set the script and its steps are immutable.
type DemoScript struct {
	ID          string  `json:"id"`
	TicketID    string  `json:"ticket_id"`
	GeneratedAt string  `json:"generated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	Passed      *bool   `json:"passed,omitempty"`
	Feedback    *string `json:"feedback,omitempty"`
}

type DemoStep struct {
	ScriptID        string  `json:"script_id"`
	StepOrder       int     `json:"order"`
	Type            string  `json:"type" enum:"manual,visual,automated"`
	Description     string  `json:"description"`
	ExpectedOutcome string  `json:"expected_outcome"`
	Status          string  `json:"status" enum:"pending,passed,failed,skipped"`
	Notes           *string `json:"notes,omitempty"`
}

// DemoScriptDetail bundles a script with its steps in order.
type DemoScriptDetail struct {
	DemoScript
	Steps []DemoStep `json:"steps"`
}

// DemoStepResult is one entry of a verdict's full step listing.
type DemoStepResult struct {
	Order  int     `json:"order"`
	Status string  `json:"status" enum:"pending,passed,failed,skipped"`
	Notes  *string `json:"notes,omitempty"`
}

type ReviewFinding struct {
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

type Reviewer struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	Focus     string `json:"focus,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
