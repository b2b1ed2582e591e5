package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/engine/auth"
	"ticketline/internal/events"
	"ticketline/internal/repo"
)

type Engine struct {
	DB             *sql.DB
	Repo           repo.Repo
	Events         events.Writer
	Auth           auth.Service
	Config         *config.Config
	AttachmentsDir string
	Now            func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitProject creates a project with its org, seed config, RBAC roles and
// reviewer roster. Migrations must already have run.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	orgID := "default-org"
	p := domain.Project{
		ID:          projectID,
		OrgID:       orgID,
		Kind:        "software-project",
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.EnsureOrg(ctx, tx, orgID, "Default Org", now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure org: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,kind,status,description,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.OrgID, p.Kind, p.Status, nullable(p.Description), p.CreatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	seedCfg := e.Config
	if seedCfg == nil || seedCfg.Project.ID != projectID {
		seedCfg = config.Default(projectID)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, seedCfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.syncConfigTx(ctx, tx, p.ID, seedCfg); err != nil {
		return domain.Project{}, err
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure actor: %w", err)
	}
	if err := e.Repo.AssignOrgRole(ctx, tx, orgID, actorID, "owner"); err != nil {
		return domain.Project{}, fmt.Errorf("assign org role: %w", err)
	}
	if err := e.Repo.AssignRole(ctx, tx, p.ID, actorID, "owner"); err != nil {
		return domain.Project{}, fmt.Errorf("assign owner role: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ApplyConfig stores a validated config and syncs the RBAC roles and reviewer
// roster derived from it.
func (e Engine) ApplyConfig(ctx context.Context, projectID string, cfg *config.Config, actorID string) error {
	if cfg == nil {
		return errors.New("config required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.syncConfigTx(ctx, tx, projectID, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "config.updated", projectID, "project", projectID, actorID, events.EventPayload{}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) syncConfigTx(ctx context.Context, tx *sql.Tx, projectID string, cfg *config.Config) error {
	for roleID, role := range cfg.RBAC.Roles {
		if err := e.Repo.InsertRole(ctx, tx, roleID, role.Description); err != nil {
			return fmt.Errorf("insert role %s: %w", roleID, err)
		}
		for _, perm := range role.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return fmt.Errorf("insert permission %s: %w", perm, err)
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, roleID, err)
			}
		}
	}
	if len(cfg.Reviewers) > 0 {
		if err := e.Repo.ReplaceReviewers(ctx, tx, projectID, cfg.Reviewers); err != nil {
			return fmt.Errorf("sync reviewers: %w", err)
		}
	}
	return nil
}

func (e Engine) UpdateProject(ctx context.Context, id, status string, description *string, actorID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return p, err
	}
	if status != "" && status != "active" && status != "archived" {
		return p, fmt.Errorf("invalid project status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if status != "" {
		p.Status = status
	}
	if description != nil {
		p.Description = *description
	}
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, description=? WHERE id=?`,
		p.Status, nullable(p.Description), p.ID); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "project.updated", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// EpicCreateOptions are parameters for creating an epic.
type EpicCreateOptions struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	ActorID     string
}

func (e Engine) CreateEpic(ctx context.Context, opts EpicCreateOptions) (domain.Epic, error) {
	if opts.Title == "" {
		return domain.Epic{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Epic{}, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Epic{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|epic|"+opts.Title+"|"+now)).String()
	}
	ep := domain.Epic{
		ID:          id,
		ProjectID:   opts.ProjectID,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      "open",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertEpic(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.Events.Append(ctx, tx, "epic.created", ep.ProjectID, "epic", ep.ID, opts.ActorID, events.EventPayload{"title": ep.Title}); err != nil {
		return ep, err
	}
	if err := tx.Commit(); err != nil {
		return ep, err
	}
	return ep, nil
}

// EpicUpdateOptions encapsulates allowed epic updates.
type EpicUpdateOptions struct {
	ID          string
	Title       *string
	Description *string
	Status      string
	ActorID     string
	Force       bool
}

func (e Engine) UpdateEpic(ctx context.Context, opts EpicUpdateOptions) (domain.Epic, error) {
	ep, err := e.Repo.GetEpic(ctx, opts.ID)
	if err != nil {
		return ep, err
	}
	original := ep
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()
	if opts.Title != nil {
		if *opts.Title == "" {
			return ep, errors.New("title must not be empty")
		}
		ep.Title = *opts.Title
	}
	if opts.Description != nil {
		ep.Description = *opts.Description
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if opts.Status != "" && opts.Status != ep.Status {
		if err := ensureEpicTransition(ep.Status, opts.Status, opts.Force); err != nil {
			return ep, err
		}
		if opts.Status == "done" && !opts.Force {
			if err := e.ensureEpicTicketsClosed(ctx, ep.ID); err != nil {
				return ep, err
			}
		}
		ep.Status = opts.Status
		if opts.Status == "done" || opts.Status == "canceled" {
			ep.ClosedAt = &nowStr
		}
	}
	ep.UpdatedAt = nowStr
	if err := e.Repo.UpdateEpic(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.Events.Append(ctx, tx, "epic.updated", ep.ProjectID, "epic", ep.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   ep.Status,
	}); err != nil {
		return ep, err
	}
	if err := tx.Commit(); err != nil {
		return ep, err
	}
	return ep, nil
}

func ensureEpicTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "open":
		if newStatus == "active" || newStatus == "canceled" {
			return nil
		}
	case "active":
		if newStatus == "done" || newStatus == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("invalid epic status transition %s -> %s", oldStatus, newStatus)
}

func (e Engine) ensureEpicTicketsClosed(ctx context.Context, epicID string) error {
	tickets, err := e.Repo.ListTickets(ctx, repo.TicketFilters{EpicID: epicID})
	if err != nil {
		return err
	}
	for _, t := range tickets {
		if t.Status != "done" && t.Status != "canceled" {
			return fmt.Errorf("ticket %s not closed", t.ID)
		}
	}
	return nil
}

// TicketCreateOptions are parameters for creating a ticket.
type TicketCreateOptions struct {
	ID          string
	ProjectID   string
	EpicID      string
	Type        string
	Title       string
	Description string
	Priority    string
	AssigneeID  string
	Tags        []string
	ActorID     string
}

func (e Engine) CreateTicket(ctx context.Context, opts TicketCreateOptions) (domain.Ticket, error) {
	if opts.Title == "" {
		return domain.Ticket{}, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Ticket{}, errors.New("project is required")
	}
	if opts.Type == "" {
		opts.Type = "feature"
		if e.Config != nil && e.Config.Defaults.Ticket.Type != "" {
			opts.Type = e.Config.Defaults.Ticket.Type
		}
	}
	if opts.Priority == "" {
		opts.Priority = "medium"
		if e.Config != nil && e.Config.Defaults.Ticket.Priority != "" {
			opts.Priority = e.Config.Defaults.Ticket.Priority
		}
	}
	if err := validateTicketType(opts.Type); err != nil {
		return domain.Ticket{}, err
	}
	if err := validatePriority(opts.Priority); err != nil {
		return domain.Ticket{}, err
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Ticket{}, err
	}
	if opts.EpicID != "" {
		ep, err := e.Repo.GetEpic(ctx, opts.EpicID)
		if err != nil {
			return domain.Ticket{}, err
		}
		if ep.ProjectID != opts.ProjectID {
			return domain.Ticket{}, fmt.Errorf("epic %s not in project %s", opts.EpicID, opts.ProjectID)
		}
		if ep.Status == "done" || ep.Status == "canceled" {
			return domain.Ticket{}, fmt.Errorf("epic %s is closed", opts.EpicID)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.ProjectID+"|"+opts.Title+"|"+now)).String()
	}
	tagsJSON, err := marshalStringSlice(opts.Tags)
	if err != nil {
		return domain.Ticket{}, err
	}
	t := domain.Ticket{
		ID:          id,
		ProjectID:   opts.ProjectID,
		EpicID:      optionalString(opts.EpicID),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      "backlog",
		Priority:    opts.Priority,
		AssigneeID:  optionalString(opts.AssigneeID),
		TagsJSON:    tagsJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTicket(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.created", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
		"title":  t.Title,
		"type":   t.Type,
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// TicketUpdateOptions encapsulates allowed ticket updates.
type TicketUpdateOptions struct {
	ID          string
	Status      string
	Title       *string
	Description *string
	Type        *string
	Priority    *string
	Assign      *string
	SetEpic     *string
	Tags        *[]string
	ActorID     string
	Force       bool
}

func (e Engine) UpdateTicket(ctx context.Context, opts TicketUpdateOptions) (domain.Ticket, error) {
	t, err := e.Repo.GetTicket(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	original := t
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if opts.Title != nil {
		if *opts.Title == "" {
			return t, errors.New("title must not be empty")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.Type != nil {
		if err := validateTicketType(*opts.Type); err != nil {
			return t, err
		}
		t.Type = *opts.Type
	}
	if opts.Priority != nil {
		if err := validatePriority(*opts.Priority); err != nil {
			return t, err
		}
		t.Priority = *opts.Priority
	}
	if opts.Assign != nil {
		if *opts.Assign == "" {
			t.AssigneeID = nil
		} else {
			t.AssigneeID = opts.Assign
		}
	}
	if opts.SetEpic != nil {
		if *opts.SetEpic == "" {
			t.EpicID = nil
		} else {
			ep, err := e.Repo.GetEpic(ctx, *opts.SetEpic)
			if err != nil {
				return t, err
			}
			if ep.ProjectID != t.ProjectID {
				return t, fmt.Errorf("epic %s not in project %s", ep.ID, t.ProjectID)
			}
			t.EpicID = opts.SetEpic
		}
	}
	if opts.Tags != nil {
		tagsJSON, err := marshalStringSlice(*opts.Tags)
		if err != nil {
			return t, err
		}
		t.TagsJSON = tagsJSON
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if opts.Status != "" && opts.Status != t.Status {
		if err := ensureTicketTransition(t.Status, opts.Status, opts.Force); err != nil {
			return t, err
		}
		if opts.Status == "done" && !opts.Force {
			if err := e.ensureSubtasksDone(ctx, tx, t.ID); err != nil {
				return t, err
			}
			if err := e.ensureDemoPassed(ctx, tx, t.ID); err != nil {
				return t, err
			}
		}
		t.Status = opts.Status
		if opts.Status == "done" || opts.Status == "canceled" {
			t.ClosedAt = &nowStr
		} else {
			t.ClosedAt = nil
		}
	}
	t.UpdatedAt = nowStr
	if err := e.Repo.UpdateTicket(ctx, tx, t); err != nil {
		return t, err
	}
	if t.Status != original.Status {
		if err := e.Events.Append(ctx, tx, "ticket.status_changed", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
			"from_status": original.Status,
			"to_status":   t.Status,
		}); err != nil {
			return t, err
		}
	}
	if err := e.Events.Append(ctx, tx, "ticket.updated", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
		"status": t.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func ensureTicketTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "backlog":
		if newStatus == "todo" || newStatus == "canceled" {
			return nil
		}
	case "todo":
		if newStatus == "in_progress" || newStatus == "canceled" {
			return nil
		}
	case "in_progress":
		if newStatus == "in_review" || newStatus == "canceled" {
			return nil
		}
	case "in_review":
		if newStatus == "done" || newStatus == "changes_requested" || newStatus == "canceled" {
			return nil
		}
	case "changes_requested":
		if newStatus == "in_progress" || newStatus == "in_review" || newStatus == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("invalid ticket status transition %s -> %s", oldStatus, newStatus)
}

func validateTicketType(t string) error {
	switch t {
	case "feature", "bug", "chore":
		return nil
	}
	return fmt.Errorf("invalid ticket type %s", t)
}

func validatePriority(p string) error {
	switch p {
	case "low", "medium", "high":
		return nil
	}
	return fmt.Errorf("invalid priority %s", p)
}

func (e Engine) ensureSubtasksDone(ctx context.Context, tx *sql.Tx, ticketID string) error {
	open, err := e.Repo.CountOpenSubtasks(ctx, tx, ticketID)
	if err != nil {
		return err
	}
	if open > 0 {
		return fmt.Errorf("%d subtasks not done", open)
	}
	return nil
}

// ensureDemoPassed gates the done transition on a passed demo verdict when the
// config requires it.
func (e Engine) ensureDemoPassed(ctx context.Context, tx *sql.Tx, ticketID string) error {
	if e.Config == nil || !e.Config.Review.RequireDemoPassForDone {
		return nil
	}
	script, err := e.Repo.CurrentDemoScriptTx(ctx, tx, ticketID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return errors.New("demo script required before done")
		}
		return err
	}
	if script.CompletedAt == nil {
		return errors.New("demo verification not completed")
	}
	if script.Passed == nil || !*script.Passed {
		return errors.New("demo verification did not pass")
	}
	return nil
}

func (e Engine) AddComment(ctx context.Context, ticketID, body, actorID string) (domain.Comment, error) {
	if body == "" {
		return domain.Comment{}, errors.New("body is required")
	}
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Comment{}, err
	}
	c := domain.Comment{
		ID:        uuid.New().String(),
		TicketID:  t.ID,
		AuthorID:  actorID,
		Body:      body,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertComment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "ticket.commented", t.ProjectID, "ticket", t.ID, actorID, events.EventPayload{"comment_id": c.ID}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) AddSubtask(ctx context.Context, ticketID, title, actorID string) (domain.Subtask, error) {
	if title == "" {
		return domain.Subtask{}, errors.New("title is required")
	}
	t, err := e.Repo.GetTicket(ctx, ticketID)
	if err != nil {
		return domain.Subtask{}, err
	}
	existing, err := e.Repo.ListSubtasks(ctx, t.ID)
	if err != nil {
		return domain.Subtask{}, err
	}
	s := domain.Subtask{
		ID:        uuid.New().String(),
		TicketID:  t.ID,
		Title:     title,
		SortOrder: len(existing) + 1,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSubtask(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "subtask.added", t.ProjectID, "ticket", t.ID, actorID, events.EventPayload{"subtask_id": s.ID, "title": s.Title}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) ToggleSubtask(ctx context.Context, subtaskID string, done bool, actorID string) (domain.Subtask, error) {
	s, err := e.Repo.GetSubtask(ctx, subtaskID)
	if err != nil {
		return s, err
	}
	t, err := e.Repo.GetTicket(ctx, s.TicketID)
	if err != nil {
		return s, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSubtaskDone(ctx, tx, s.ID, done); err != nil {
		return s, err
	}
	s.Done = done
	if err := e.Events.Append(ctx, tx, "subtask.toggled", t.ProjectID, "ticket", t.ID, actorID, events.EventPayload{"subtask_id": s.ID, "done": done}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// WhoAmI describes an actor's roles and permissions within a project.
type WhoAmI struct {
	ActorID     string   `json:"actor_id"`
	ProjectID   string   `json:"project_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmI, error) {
	res := WhoAmI{ActorID: actorID, ProjectID: projectID}
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return res, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return res, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return res, err
	}
	res.Roles = roles
	res.Permissions = perms
	return res, nil
}

func (e Engine) GrantRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.granted", projectID, "actor", actorID, grantorID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, projectID, grantorID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return errors.New("actor_id and role_id required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RevokeRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.revoked", projectID, "actor", actorID, grantorID, events.EventPayload{"role_id": roleID}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceReviewers swaps the project's reviewer roster for the given entries.
func (e Engine) ReplaceReviewers(ctx context.Context, projectID string, entries []config.ReviewerConfig, actorID string) ([]domain.Reviewer, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.ActorID == "" {
			return nil, errors.New("reviewer actor_id required")
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceReviewers(ctx, tx, projectID, entries); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "reviewers.updated", projectID, "project", projectID, actorID, events.EventPayload{"count": len(entries)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Repo.ListReviewers(ctx, projectID)
}

// CreateAPIKey mints a key for an actor and returns the raw secret once.
// Only the hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if actorID == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "tlk_" + hex.EncodeToString(buf)
	now := e.now().UTC().Format(time.RFC3339)
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return key, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return key, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return key, "", err
	}
	if err := e.Events.Append(ctx, tx, "api_key.created", "", "api_key", key.ID, actorID, events.EventPayload{"name": name}); err != nil {
		return key, "", err
	}
	if err := tx.Commit(); err != nil {
		return key, "", err
	}
	return key, raw, nil
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
