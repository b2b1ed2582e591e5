package app

import (
	"context"

	"ticketline/internal/domain"
	"ticketline/internal/review"
	ticketlinesdk "ticketline/sdk/go"
)

// RemoteStore adapts the HTTP API client to the review session's store
// boundary, so a reviewer can work against a served Ticketline instance
// instead of the workspace database.
type RemoteStore struct {
	Client *ticketlinesdk.Client
}

func (s RemoteStore) FetchDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error) {
	script, err := s.Client.CurrentDemoScript(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if script == nil {
		return nil, nil
	}
	detail := scriptDetail(*script)
	return &detail, nil
}

func (s RemoteStore) UpdateStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) error {
	_, err := s.Client.RecordDemoStep(ctx, ticketID, scriptID, order, status, notes)
	return translateAPIErr(err)
}

func (s RemoteStore) SubmitVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []domain.DemoStepResult) (*domain.DemoScriptDetail, error) {
	res := make([]ticketlinesdk.DemoStepResult, 0, len(results))
	for _, r := range results {
		res = append(res, ticketlinesdk.DemoStepResult{Order: r.Order, Status: r.Status, Notes: r.Notes})
	}
	script, err := s.Client.SubmitDemoVerdict(ctx, ticketID, scriptID, passed, feedback, res)
	if err != nil {
		return nil, translateAPIErr(err)
	}
	detail := scriptDetail(script)
	return &detail, nil
}

func scriptDetail(s ticketlinesdk.DemoScript) domain.DemoScriptDetail {
	detail := domain.DemoScriptDetail{
		DemoScript: domain.DemoScript{
			ID:          s.ID,
			TicketID:    s.TicketID,
			GeneratedAt: s.GeneratedAt,
			CompletedAt: s.CompletedAt,
			Passed:      s.Passed,
			Feedback:    s.Feedback,
		},
	}
	for _, st := range s.Steps {
		detail.Steps = append(detail.Steps, domain.DemoStep{
			ScriptID:        s.ID,
			StepOrder:       st.Order,
			Type:            st.Type,
			Description:     st.Description,
			ExpectedOutcome: st.ExpectedOutcome,
			Status:          st.Status,
			Notes:           st.Notes,
		})
	}
	return detail
}

func translateAPIErr(err error) error {
	if ticketlinesdk.IsCode(err, "demo_completed") {
		return review.ErrAlreadyCompleted
	}
	return err
}
