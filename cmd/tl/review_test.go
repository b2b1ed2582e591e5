package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"ticketline/internal/domain"
	"ticketline/internal/review"
)

type loopStore struct {
	script   *domain.DemoScriptDetail
	verdicts []bool
}

func (s *loopStore) FetchDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error) {
	return s.script, nil
}

func (s *loopStore) UpdateStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) error {
	for i := range s.script.Steps {
		if s.script.Steps[i].StepOrder == order {
			s.script.Steps[i].Status = status
			if notes != nil {
				v := *notes
				s.script.Steps[i].Notes = &v
			}
			return nil
		}
	}
	return fmt.Errorf("step %d not found", order)
}

func (s *loopStore) SubmitVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []domain.DemoStepResult) (*domain.DemoScriptDetail, error) {
	completed := "2024-03-01T00:00:00Z"
	s.script.CompletedAt = &completed
	s.script.Passed = &passed
	s.script.Feedback = &feedback
	s.verdicts = append(s.verdicts, passed)
	return s.script, nil
}

func loopScript(steps int) *domain.DemoScriptDetail {
	d := &domain.DemoScriptDetail{DemoScript: domain.DemoScript{
		ID:          "script-7",
		TicketID:    "tick-7",
		GeneratedAt: "2024-03-01T00:00:00Z",
	}}
	for i := 1; i <= steps; i++ {
		d.Steps = append(d.Steps, domain.DemoStep{
			ScriptID:        "script-7",
			StepOrder:       i,
			Type:            "manual",
			Description:     "check it",
			ExpectedOutcome: "works",
			Status:          "pending",
		})
	}
	return d
}

func loadedLoopSession(t *testing.T, steps int) (*review.Session, *loopStore) {
	t.Helper()
	store := &loopStore{script: loopScript(steps)}
	sess := review.NewSession(store, "tick-7")
	if err := sess.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return sess, store
}

func TestReviewLoopApprove(t *testing.T) {
	sess, store := loadedLoopSession(t, 2)
	in := strings.NewReader("pass 1\nskip 2\napprove\n")
	var out bytes.Buffer
	if err := runReviewLoop(context.Background(), sess, in, &out); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if len(store.verdicts) != 1 || !store.verdicts[0] {
		t.Fatalf("expected one passing verdict, got %v", store.verdicts)
	}
	text := out.String()
	if !strings.Contains(text, "Verdict submitted: approved") {
		t.Fatalf("missing submit confirmation:\n%s", text)
	}
	if !strings.Contains(text, "Verdict: approved") {
		t.Fatalf("missing final verdict render:\n%s", text)
	}
}

func TestReviewLoopRejectNeedsFailureOrFeedback(t *testing.T) {
	sess, store := loadedLoopSession(t, 1)
	in := strings.NewReader("reject\nfeedback not convincing\nreject\n")
	var out bytes.Buffer
	if err := runReviewLoop(context.Background(), sess, in, &out); err != nil {
		t.Fatalf("loop: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "error:") {
		t.Fatalf("bare reject should be refused:\n%s", text)
	}
	if len(store.verdicts) != 1 || store.verdicts[0] {
		t.Fatalf("expected one failing verdict after feedback, got %v", store.verdicts)
	}
	if !strings.Contains(text, "Verdict submitted: rejected") {
		t.Fatalf("missing submit confirmation:\n%s", text)
	}
}

func TestReviewLoopQuitWithoutVerdict(t *testing.T) {
	sess, store := loadedLoopSession(t, 1)
	in := strings.NewReader("frobnicate\nquit\n")
	var out bytes.Buffer
	if err := runReviewLoop(context.Background(), sess, in, &out); err != nil {
		t.Fatalf("loop: %v", err)
	}
	if len(store.verdicts) != 0 {
		t.Fatalf("quit must not submit a verdict, got %v", store.verdicts)
	}
	if !strings.Contains(out.String(), `unknown command "frobnicate"`) {
		t.Fatalf("missing unknown-command hint:\n%s", out.String())
	}
}
