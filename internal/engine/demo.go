package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ticketline/internal/domain"
	"ticketline/internal/engine/auth"
	"ticketline/internal/events"
	"ticketline/internal/repo"
)

// ErrDemoCompleted is returned when a mutation targets a script whose verdict
// has already been submitted.
var ErrDemoCompleted = errors.New("demo script already completed")

const (
	defaultApproveFeedback = "Approved - all steps verified."
	defaultRejectFeedback  = "Changes requested - see failed steps."
)

// DemoStepInput describes one step of a script being generated. Type defaults
// to manual.
type DemoStepInput struct {
	Type            string
	Description     string
	ExpectedOutcome string
}

// DemoCreateOptions are parameters for generating a demo script.
type DemoCreateOptions struct {
	TicketID string
	Steps    []DemoStepInput
	ActorID  string
	Force    bool
}

// CreateDemoScript generates a script for a ticket, from explicit steps or the
// config template for the ticket's type. The new script becomes the ticket's
// current one; an unfinished predecessor is superseded. The ticket moves to
// in_review if it is not there already.
func (e Engine) CreateDemoScript(ctx context.Context, opts DemoCreateOptions) (domain.DemoScriptDetail, error) {
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	steps := opts.Steps
	if len(steps) == 0 {
		for _, tpl := range e.Config.TemplateFor(t.Type) {
			steps = append(steps, DemoStepInput{
				Type:            tpl.Type,
				Description:     tpl.Description,
				ExpectedOutcome: tpl.ExpectedOutcome,
			})
		}
		if len(steps) == 0 {
			return domain.DemoScriptDetail{}, fmt.Errorf("no demo template for ticket type %s; provide steps", t.Type)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	script := domain.DemoScript{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.ID+"|demo|"+now)).String(),
		TicketID:    t.ID,
		GeneratedAt: now,
	}
	rows := make([]domain.DemoStep, 0, len(steps))
	for i, in := range steps {
		if in.Description == "" {
			return domain.DemoScriptDetail{}, fmt.Errorf("step %d has empty description", i+1)
		}
		typ := in.Type
		if typ == "" {
			typ = "manual"
		}
		if err := validateStepType(typ); err != nil {
			return domain.DemoScriptDetail{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		rows = append(rows, domain.DemoStep{
			ScriptID:        script.ID,
			StepOrder:       i + 1,
			Type:            typ,
			Description:     in.Description,
			ExpectedOutcome: in.ExpectedOutcome,
			Status:          "pending",
		})
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	defer tx.Rollback()

	payload := events.EventPayload{"step_count": len(rows)}
	prev, err := e.Repo.CurrentDemoScriptTx(ctx, tx, t.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.DemoScriptDetail{}, err
	}
	if err == nil && prev.CompletedAt == nil {
		payload["superseded"] = prev.ID
	}
	if err := e.Repo.InsertDemoScript(ctx, tx, script, rows); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if t.Status != "in_review" {
		if err := ensureTicketTransition(t.Status, "in_review", opts.Force); err != nil {
			return domain.DemoScriptDetail{}, err
		}
		from := t.Status
		t.Status = "in_review"
		t.UpdatedAt = now
		if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
			return domain.DemoScriptDetail{}, err
		}
		if err := e.Events.Append(ctx, tx, "ticket.status_changed", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
			"from_status": from,
			"to_status":   t.Status,
		}); err != nil {
			return domain.DemoScriptDetail{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "demo.script_created", t.ProjectID, "demo_script", script.ID, opts.ActorID, payload); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	return domain.DemoScriptDetail{DemoScript: script, Steps: rows}, nil
}

// CurrentDemoScript returns the ticket's current script with its steps, or nil
// when the ticket has none yet.
func (e Engine) CurrentDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error) {
	if _, err := e.Repo.GetTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	script, err := e.Repo.CurrentDemoScript(ctx, ticketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	steps, err := e.Repo.ListDemoSteps(ctx, script.ID)
	if err != nil {
		return nil, err
	}
	return &domain.DemoScriptDetail{DemoScript: script, Steps: steps}, nil
}

func (e Engine) GetDemoScriptByID(ctx context.Context, scriptID string) (domain.DemoScriptDetail, error) {
	script, err := e.Repo.GetDemoScript(ctx, scriptID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	steps, err := e.Repo.ListDemoSteps(ctx, script.ID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	return domain.DemoScriptDetail{DemoScript: script, Steps: steps}, nil
}

// DemoStepUpdateOptions identify a step and the result to record for it.
// ScriptID may be empty to target the ticket's current script; a non-empty
// value must match it. Nil Notes leaves stored notes untouched.
type DemoStepUpdateOptions struct {
	TicketID string
	ScriptID string
	Order    int
	Status   string
	Notes    *string
	ActorID  string
}

// UpdateDemoStep records the verification result of one step. Re-recording the
// same status is allowed; notes are last-write-wins.
func (e Engine) UpdateDemoStep(ctx context.Context, opts DemoStepUpdateOptions) (domain.DemoStep, error) {
	if err := validateStepStatus(opts.Status); err != nil {
		return domain.DemoStep{}, err
	}
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.DemoStep{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DemoStep{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.CurrentDemoScriptTx(ctx, tx, t.ID)
	if err != nil {
		return domain.DemoStep{}, err
	}
	if opts.ScriptID != "" && opts.ScriptID != current.ID {
		return domain.DemoStep{}, fmt.Errorf("demo script %s: %w", opts.ScriptID, repo.ErrNotFound)
	}
	if current.CompletedAt != nil {
		return domain.DemoStep{}, ErrDemoCompleted
	}
	step, err := e.Repo.GetDemoStepTx(ctx, tx, current.ID, opts.Order)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.DemoStep{}, fmt.Errorf("demo step %d: %w", opts.Order, repo.ErrNotFound)
		}
		return domain.DemoStep{}, err
	}
	if err := e.Repo.UpdateDemoStep(ctx, tx, current.ID, opts.Order, opts.Status, opts.Notes); err != nil {
		return domain.DemoStep{}, err
	}
	step.Status = opts.Status
	if opts.Notes != nil {
		step.Notes = opts.Notes
	}
	if err := e.Events.Append(ctx, tx, "demo.step_updated", t.ProjectID, "demo_script", current.ID, opts.ActorID, events.EventPayload{
		"order":  opts.Order,
		"status": opts.Status,
	}); err != nil {
		return domain.DemoStep{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DemoStep{}, err
	}
	return step, nil
}

// DemoVerdictOptions carry a reviewer's final verdict. Results are applied to
// the named steps before the script is sealed.
type DemoVerdictOptions struct {
	TicketID string
	ScriptID string
	Passed   bool
	Feedback string
	Results  []domain.DemoStepResult
	ActorID  string
	Force    bool
}

// SubmitDemoVerdict seals the ticket's current script and moves the ticket to
// done or changes_requested in the same transaction. A passing verdict
// requires every step to be verified. Failed steps produce findings when the
// config asks for them.
func (e Engine) SubmitDemoVerdict(ctx context.Context, opts DemoVerdictOptions) (domain.DemoScriptDetail, error) {
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	defer tx.Rollback()

	script, err := e.Repo.CurrentDemoScriptTx(ctx, tx, t.ID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if opts.ScriptID != "" && opts.ScriptID != script.ID {
		return domain.DemoScriptDetail{}, fmt.Errorf("demo script %s: %w", opts.ScriptID, repo.ErrNotFound)
	}
	if script.CompletedAt != nil {
		return domain.DemoScriptDetail{}, ErrDemoCompleted
	}
	if !opts.Force {
		ok, err := e.Repo.IsReviewer(ctx, tx, t.ProjectID, opts.ActorID)
		if err != nil {
			return domain.DemoScriptDetail{}, err
		}
		if !ok {
			return domain.DemoScriptDetail{}, auth.ReviewerRequiredError{ActorID: opts.ActorID}
		}
	}
	for _, res := range opts.Results {
		if err := validateStepStatus(res.Status); err != nil {
			return domain.DemoScriptDetail{}, fmt.Errorf("step %d: %w", res.Order, err)
		}
		if err := e.Repo.UpdateDemoStep(ctx, tx, script.ID, res.Order, res.Status, res.Notes); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.DemoScriptDetail{}, fmt.Errorf("demo step %d: %w", res.Order, repo.ErrNotFound)
			}
			return domain.DemoScriptDetail{}, err
		}
	}
	steps, err := e.Repo.ListDemoStepsTx(ctx, tx, script.ID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if opts.Passed && !opts.Force {
		for _, st := range steps {
			if st.Status == "pending" {
				return domain.DemoScriptDetail{}, fmt.Errorf("step %d has not been verified", st.StepOrder)
			}
		}
	}
	feedback := strings.TrimSpace(opts.Feedback)
	if feedback == "" {
		if opts.Passed {
			feedback = defaultApproveFeedback
		} else {
			feedback = defaultRejectFeedback
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CompleteDemoScript(ctx, tx, script.ID, now, opts.Passed, feedback); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	script.CompletedAt = &now
	script.Passed = &opts.Passed
	script.Feedback = &feedback
	if e.Config != nil && e.Config.Review.AutoFindings {
		if err := e.recordFailedStepFindings(ctx, tx, t, script.ID, opts.ActorID, now); err != nil {
			return domain.DemoScriptDetail{}, err
		}
	}
	target := "changes_requested"
	if opts.Passed {
		target = "done"
	}
	if err := ensureTicketTransition(t.Status, target, opts.Force); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if target == "done" && !opts.Force {
		if err := e.ensureSubtasksDone(ctx, tx, t.ID); err != nil {
			return domain.DemoScriptDetail{}, err
		}
		if err := e.ensureDemoPassed(ctx, tx, t.ID); err != nil {
			return domain.DemoScriptDetail{}, err
		}
	}
	from := t.Status
	t.Status = target
	t.UpdatedAt = now
	if target == "done" {
		t.ClosedAt = &now
	}
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if err := e.Events.Append(ctx, tx, "demo.verdict_submitted", t.ProjectID, "demo_script", script.ID, opts.ActorID, events.EventPayload{
		"passed":   opts.Passed,
		"feedback": feedback,
	}); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.status_changed", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
		"from_status": from,
		"to_status":   t.Status,
	}); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DemoScriptDetail{}, err
	}
	steps, err = e.Repo.ListDemoSteps(ctx, script.ID)
	if err != nil {
		return domain.DemoScriptDetail{}, err
	}
	return domain.DemoScriptDetail{DemoScript: script, Steps: steps}, nil
}

func (e Engine) recordFailedStepFindings(ctx context.Context, tx *sql.Tx, t domain.Ticket, scriptID string, actorID, now string) error {
	severity := e.Config.Review.AutoFindingSeverity
	if severity == "" {
		severity = "major"
	}
	fresh, err := e.Repo.ListDemoStepsTx(ctx, tx, scriptID)
	if err != nil {
		return err
	}
	for _, st := range fresh {
		if st.Status != "failed" {
			continue
		}
		order := st.StepOrder
		detail := st.Description
		if st.Notes != nil && *st.Notes != "" {
			detail += "\n\n" + *st.Notes
		}
		f := domain.ReviewFinding{
			ID:        uuid.New().String(),
			ProjectID: t.ProjectID,
			TicketID:  t.ID,
			ScriptID:  &scriptID,
			StepOrder: &order,
			Category:  "demo_step",
			Severity:  severity,
			Title:     fmt.Sprintf("Demo step %d failed", order),
			Detail:    detail,
			CreatedBy: actorID,
			CreatedAt: now,
		}
		if err := e.Repo.InsertFinding(ctx, tx, f); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "finding.added", t.ProjectID, "finding", f.ID, actorID, events.EventPayload{
			"severity": f.Severity,
			"title":    f.Title,
		}); err != nil {
			return err
		}
	}
	return nil
}

// FindingAddOptions are parameters for recording a review finding by hand.
type FindingAddOptions struct {
	TicketID  string
	ScriptID  string
	StepOrder *int
	Category  string
	Severity  string
	Title     string
	Detail    string
	ActorID   string
}

func (e Engine) AddReviewFinding(ctx context.Context, opts FindingAddOptions) (domain.ReviewFinding, error) {
	if opts.Title == "" {
		return domain.ReviewFinding{}, errors.New("title is required")
	}
	if opts.Severity == "" {
		opts.Severity = "minor"
	}
	if err := validateSeverity(opts.Severity); err != nil {
		return domain.ReviewFinding{}, err
	}
	if opts.Category == "" {
		opts.Category = "general"
	}
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.ReviewFinding{}, err
	}
	var scriptID *string
	if opts.ScriptID != "" {
		script, err := e.Repo.GetDemoScript(ctx, opts.ScriptID)
		if err != nil {
			return domain.ReviewFinding{}, err
		}
		if script.TicketID != t.ID {
			return domain.ReviewFinding{}, fmt.Errorf("demo script %s: %w", opts.ScriptID, repo.ErrNotFound)
		}
		scriptID = &script.ID
	}
	f := domain.ReviewFinding{
		ID:        uuid.New().String(),
		ProjectID: t.ProjectID,
		TicketID:  t.ID,
		ScriptID:  scriptID,
		StepOrder: opts.StepOrder,
		Category:  opts.Category,
		Severity:  opts.Severity,
		Title:     opts.Title,
		Detail:    opts.Detail,
		CreatedBy: opts.ActorID,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return f, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertFinding(ctx, tx, f); err != nil {
		return f, err
	}
	if err := e.Events.Append(ctx, tx, "finding.added", t.ProjectID, "finding", f.ID, opts.ActorID, events.EventPayload{
		"severity": f.Severity,
		"title":    f.Title,
	}); err != nil {
		return f, err
	}
	if err := tx.Commit(); err != nil {
		return f, err
	}
	return f, nil
}

func validateStepStatus(s string) error {
	switch s {
	case "pending", "passed", "failed", "skipped":
		return nil
	}
	return fmt.Errorf("invalid step status %s", s)
}

func validateStepType(t string) error {
	switch t {
	case "manual", "visual", "automated":
		return nil
	}
	return fmt.Errorf("invalid step type %s", t)
}

func validateSeverity(s string) error {
	switch s {
	case "minor", "major", "blocker":
		return nil
	}
	return fmt.Errorf("invalid severity %s", s)
}
