package app

import (
	"context"
	"errors"
	"fmt"

	"ticketline/internal/config"
	"ticketline/internal/domain"
	"ticketline/internal/engine"
	"ticketline/internal/repo"
	"ticketline/internal/review"
)

// ResolveProjectAndConfig picks the active project and ensures a project +
// config exist in DB, seeding defaults if missing. It prefers overrides, then
// single-project DB. If the project does not exist, it is created on the fly
// with the calling actor as owner.
func ResolveProjectAndConfig(ctx context.Context, e engine.Engine, projectOverride, actorID string) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := e.Repo.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if _, err := e.InitProject(ctx, projectID, "", actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		if err := e.Repo.UpsertProjectConfig(ctx, projectID, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// EngineStore adapts the local engine to the review session's store boundary,
// so the interactive reviewer works against the workspace database directly.
type EngineStore struct {
	Engine  engine.Engine
	ActorID string
	Force   bool
}

func (s EngineStore) FetchDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error) {
	return s.Engine.CurrentDemoScript(ctx, ticketID)
}

func (s EngineStore) UpdateStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) error {
	_, err := s.Engine.UpdateDemoStep(ctx, engine.DemoStepUpdateOptions{
		TicketID: ticketID,
		ScriptID: scriptID,
		Order:    order,
		Status:   status,
		Notes:    notes,
		ActorID:  s.ActorID,
	})
	return translateDemoErr(err)
}

func (s EngineStore) SubmitVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []domain.DemoStepResult) (*domain.DemoScriptDetail, error) {
	detail, err := s.Engine.SubmitDemoVerdict(ctx, engine.DemoVerdictOptions{
		TicketID: ticketID,
		ScriptID: scriptID,
		Passed:   passed,
		Feedback: feedback,
		Results:  results,
		ActorID:  s.ActorID,
		Force:    s.Force,
	})
	if err != nil {
		return nil, translateDemoErr(err)
	}
	return &detail, nil
}

func translateDemoErr(err error) error {
	if errors.Is(err, engine.ErrDemoCompleted) {
		return review.ErrAlreadyCompleted
	}
	return err
}
