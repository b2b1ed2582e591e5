package review_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ticketline/internal/domain"
	"ticketline/internal/review"
)

type stepWrite struct {
	Order  int
	Status string
	Notes  *string
}

type verdictCall struct {
	Passed   bool
	Feedback string
	Results  []domain.DemoStepResult
}

// stubStore is an in-memory review.Store with fault injection.
type stubStore struct {
	mu         sync.Mutex
	script     *domain.DemoScriptDetail
	fetchErr   error
	updateErr  error
	submitErr  error
	updateGate chan struct{}
	writes     []stepWrite
	verdicts   []verdictCall
}

func (s *stubStore) FetchDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return cloneDetail(s.script), nil
}

func (s *stubStore) UpdateStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) error {
	if s.updateGate != nil {
		<-s.updateGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if s.script == nil || s.script.ID != scriptID {
		return errors.New("not found")
	}
	if s.script.CompletedAt != nil {
		return review.ErrAlreadyCompleted
	}
	for i := range s.script.Steps {
		if s.script.Steps[i].StepOrder == order {
			s.script.Steps[i].Status = status
			if notes != nil {
				v := *notes
				s.script.Steps[i].Notes = &v
			}
			s.writes = append(s.writes, stepWrite{Order: order, Status: status, Notes: notes})
			return nil
		}
	}
	return errors.New("not found")
}

func (s *stubStore) SubmitVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []domain.DemoStepResult) (*domain.DemoScriptDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	if s.script == nil || s.script.ID != scriptID {
		return nil, errors.New("not found")
	}
	if s.script.CompletedAt != nil {
		return nil, review.ErrAlreadyCompleted
	}
	for _, res := range results {
		for i := range s.script.Steps {
			if s.script.Steps[i].StepOrder == res.Order {
				s.script.Steps[i].Status = res.Status
				if res.Notes != nil {
					v := *res.Notes
					s.script.Steps[i].Notes = &v
				}
			}
		}
	}
	completed := "2024-01-02T00:00:00Z"
	s.script.CompletedAt = &completed
	s.script.Passed = &passed
	s.script.Feedback = &feedback
	s.verdicts = append(s.verdicts, verdictCall{Passed: passed, Feedback: feedback, Results: results})
	return cloneDetail(s.script), nil
}

func cloneDetail(d *domain.DemoScriptDetail) *domain.DemoScriptDetail {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = make([]domain.DemoStep, len(d.Steps))
	copy(cp.Steps, d.Steps)
	for i := range cp.Steps {
		if d.Steps[i].Notes != nil {
			v := *d.Steps[i].Notes
			cp.Steps[i].Notes = &v
		}
	}
	if d.CompletedAt != nil {
		v := *d.CompletedAt
		cp.CompletedAt = &v
	}
	if d.Passed != nil {
		v := *d.Passed
		cp.Passed = &v
	}
	if d.Feedback != nil {
		v := *d.Feedback
		cp.Feedback = &v
	}
	return &cp
}

func newScript(steps int) *domain.DemoScriptDetail {
	d := &domain.DemoScriptDetail{
		DemoScript: domain.DemoScript{
			ID:          "script-1",
			TicketID:    "ticket-1",
			GeneratedAt: "2024-01-01T00:00:00Z",
		},
	}
	for i := 1; i <= steps; i++ {
		d.Steps = append(d.Steps, domain.DemoStep{
			ScriptID:        "script-1",
			StepOrder:       i,
			Type:            "manual",
			Description:     "do the thing",
			ExpectedOutcome: "it works",
			Status:          "pending",
		})
	}
	return d
}

func newActiveSession(t *testing.T, steps int) (*review.Session, *stubStore) {
	t.Helper()
	store := &stubStore{script: newScript(steps)}
	sess := review.NewSession(store, "ticket-1")
	if err := sess.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap := sess.Snapshot(); snap.Phase != review.PhaseActive {
		t.Fatalf("expected active phase, got %s", snap.Phase)
	}
	return sess, store
}

func TestApproveAfterAllStepsVerified(t *testing.T) {
	sess, store := newActiveSession(t, 3)
	ctx := context.Background()
	var callbacks []bool
	sess.OnComplete = func(passed bool) { callbacks = append(callbacks, passed) }
	for order := 1; order <= 3; order++ {
		if err := sess.MarkStep(ctx, order, "passed"); err != nil {
			t.Fatalf("mark step %d: %v", order, err)
		}
	}
	snap := sess.Snapshot()
	if snap.Gates.MarkedCount != 3 || !snap.Gates.CanApprove {
		t.Fatalf("expected approve gate open, got %+v", snap.Gates)
	}
	if err := sess.Approve(ctx); err != nil {
		t.Fatalf("approve: %v", err)
	}
	snap = sess.Snapshot()
	if snap.Phase != review.PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", snap.Phase)
	}
	if snap.Passed == nil || !*snap.Passed {
		t.Fatalf("expected passing verdict")
	}
	if len(callbacks) != 1 || !callbacks[0] {
		t.Fatalf("expected one passing completion callback, got %v", callbacks)
	}
	if len(store.verdicts) != 1 || !store.verdicts[0].Passed {
		t.Fatalf("expected one passing verdict, got %+v", store.verdicts)
	}
	v := store.verdicts[0]
	if v.Feedback != "Approved - all steps verified." {
		t.Fatalf("blank feedback must default, got %q", v.Feedback)
	}
	if len(v.Results) != 3 {
		t.Fatalf("verdict must carry every step, got %d results", len(v.Results))
	}
	for _, res := range v.Results {
		if res.Status != "passed" {
			t.Fatalf("step %d must submit as passed, got %s", res.Order, res.Status)
		}
	}
}

func TestApproveBlockedWhileStepsUnmarked(t *testing.T) {
	sess, store := newActiveSession(t, 2)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := sess.Approve(ctx); err == nil {
		t.Fatalf("expected approve gate error")
	}
	if len(store.verdicts) != 0 {
		t.Fatalf("verdict must not reach store when gate is closed")
	}
	snap := sess.Snapshot()
	if snap.Phase != review.PhaseActive {
		t.Fatalf("session must stay active, got %s", snap.Phase)
	}
}

func TestRejectWithFailedStepAndPendingRest(t *testing.T) {
	sess, store := newActiveSession(t, 3)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 2, "failed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Gates.CanApprove {
		t.Fatalf("approve must stay closed with pending steps")
	}
	if !snap.Gates.CanReject {
		t.Fatalf("reject must open on a failed step")
	}
	if err := sess.Reject(ctx); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if len(store.verdicts) != 1 || store.verdicts[0].Passed {
		t.Fatalf("expected one failing verdict, got %+v", store.verdicts)
	}
	v := store.verdicts[0]
	if v.Feedback != "Changes requested - see failed steps." {
		t.Fatalf("blank feedback must default, got %q", v.Feedback)
	}
	if len(v.Results) != 3 {
		t.Fatalf("verdict must carry every step, got %d results", len(v.Results))
	}
	byOrder := map[int]string{}
	for _, res := range v.Results {
		byOrder[res.Order] = res.Status
	}
	if byOrder[1] != "pending" || byOrder[2] != "failed" || byOrder[3] != "pending" {
		t.Fatalf("results must reflect effective statuses, got %v", byOrder)
	}
	if snap := sess.Snapshot(); snap.Phase != review.PhaseCompleted {
		t.Fatalf("expected completed phase, got %s", snap.Phase)
	}
}

func TestRejectRequiresFailureOrFeedback(t *testing.T) {
	sess, store := newActiveSession(t, 2)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := sess.Reject(ctx); err == nil {
		t.Fatalf("expected reject gate error")
	}
	sess.SetFeedback("  needs another pass  ")
	if snap := sess.Snapshot(); !snap.Gates.CanReject {
		t.Fatalf("feedback text must open the reject gate")
	}
	if err := sess.Reject(ctx); err != nil {
		t.Fatalf("reject with feedback: %v", err)
	}
	if len(store.verdicts) != 1 || store.verdicts[0].Passed {
		t.Fatalf("expected failing verdict, got %+v", store.verdicts)
	}
	if store.verdicts[0].Feedback != "needs another pass" {
		t.Fatalf("typed feedback must submit trimmed, got %q", store.verdicts[0].Feedback)
	}
	snap := sess.Snapshot()
	if snap.Feedback == nil || *snap.Feedback != "needs another pass" {
		t.Fatalf("expected trimmed feedback, got %v", snap.Feedback)
	}
}

func TestMarkStepRollsBackOnStoreFailure(t *testing.T) {
	sess, store := newActiveSession(t, 2)
	ctx := context.Background()
	store.mu.Lock()
	store.updateErr = errors.New("boom")
	store.mu.Unlock()
	if err := sess.MarkStep(ctx, 1, "passed"); err == nil {
		t.Fatalf("expected store error")
	}
	snap := sess.Snapshot()
	if snap.Steps[0].Status != "pending" {
		t.Fatalf("step must roll back to pending, got %s", snap.Steps[0].Status)
	}
	if snap.Gates.MarkedCount != 0 {
		t.Fatalf("marked count must not include failed writes, got %d", snap.Gates.MarkedCount)
	}
	if snap.Failure == nil || snap.Failure.Kind != review.FailStepUpdate {
		t.Fatalf("expected step_update_failed failure, got %+v", snap.Failure)
	}
	if snap.Failure.StepOrder == nil || *snap.Failure.StepOrder != 1 {
		t.Fatalf("failure must name the step, got %+v", snap.Failure)
	}
	// retry after the store recovers
	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	if err := sess.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	snap = sess.Snapshot()
	if snap.Steps[0].Status != "passed" || snap.Failure != nil {
		t.Fatalf("expected confirmed mark after retry, got %+v", snap.Steps[0])
	}
}

func TestNoteDraftSurvivesFailedCommit(t *testing.T) {
	sess, store := newActiveSession(t, 1)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 1, "failed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := sess.EditNote(1, "button stays disabled"); err != nil {
		t.Fatalf("edit note: %v", err)
	}
	store.mu.Lock()
	store.updateErr = errors.New("boom")
	store.mu.Unlock()
	if err := sess.CommitNote(ctx, 1); err == nil {
		t.Fatalf("expected commit failure")
	}
	snap := sess.Snapshot()
	if !snap.Steps[0].HasDraft || snap.Steps[0].Notes != "button stays disabled" {
		t.Fatalf("draft must survive a failed commit, got %+v", snap.Steps[0])
	}
	store.mu.Lock()
	store.updateErr = nil
	store.mu.Unlock()
	if err := sess.CommitNote(ctx, 1); err != nil {
		t.Fatalf("commit retry: %v", err)
	}
	snap = sess.Snapshot()
	if snap.Steps[0].HasDraft {
		t.Fatalf("draft must clear after successful commit")
	}
	if snap.Steps[0].Notes != "button stays disabled" {
		t.Fatalf("note must persist, got %q", snap.Steps[0].Notes)
	}
	// the commit re-asserts the step's current status alongside the note
	store.mu.Lock()
	last := store.writes[len(store.writes)-1]
	store.mu.Unlock()
	if last.Status != "failed" || last.Notes == nil {
		t.Fatalf("commit must carry status and note, got %+v", last)
	}
}

func TestOptimisticMarkVisibleWhileInFlight(t *testing.T) {
	store := &stubStore{script: newScript(1), updateGate: make(chan struct{})}
	sess := review.NewSession(store, "ticket-1")
	if err := sess.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- sess.MarkStep(context.Background(), 1, "passed")
	}()
	deadline := time.After(2 * time.Second)
	for {
		snap := sess.Snapshot()
		if len(snap.Steps) == 1 && snap.Steps[0].InFlight {
			if snap.Steps[0].Status != "passed" {
				t.Fatalf("in-flight mark must show new status, got %s", snap.Steps[0].Status)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("never observed in-flight mark")
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	close(store.updateGate)
	if err := <-done; err != nil {
		t.Fatalf("mark: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Steps[0].InFlight || snap.Steps[0].Status != "passed" {
		t.Fatalf("mark must settle as confirmed, got %+v", snap.Steps[0])
	}
}

func TestConflictWithAnotherReviewerThenRefresh(t *testing.T) {
	store := &stubStore{script: newScript(1)}
	ctx := context.Background()
	first := review.NewSession(store, "ticket-1")
	second := review.NewSession(store, "ticket-1")
	if err := first.Load(ctx); err != nil {
		t.Fatalf("load first: %v", err)
	}
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load second: %v", err)
	}
	if err := first.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := first.Approve(ctx); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := second.MarkStep(ctx, 1, "failed")
	if !errors.Is(err, review.ErrAlreadyCompleted) {
		t.Fatalf("expected already-completed conflict, got %v", err)
	}
	snap := second.Snapshot()
	if snap.Failure == nil || snap.Failure.Kind != review.FailAlreadyCompleted {
		t.Fatalf("expected already_completed failure, got %+v", snap.Failure)
	}
	if err := second.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	snap = second.Snapshot()
	if snap.Phase != review.PhaseCompleted {
		t.Fatalf("refresh must adopt completed state, got %s", snap.Phase)
	}
	if snap.Passed == nil || !*snap.Passed {
		t.Fatalf("refresh must surface the other verdict")
	}
	if err := second.MarkStep(ctx, 1, "failed"); !errors.Is(err, review.ErrAlreadyCompleted) {
		t.Fatalf("completed session must refuse marks, got %v", err)
	}
}

func TestTicketWithoutScript(t *testing.T) {
	store := &stubStore{}
	sess := review.NewSession(store, "ticket-1")
	ctx := context.Background()
	if err := sess.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Phase != review.PhaseEmpty {
		t.Fatalf("expected empty phase, got %s", snap.Phase)
	}
	if err := sess.MarkStep(ctx, 1, "passed"); err == nil {
		t.Fatalf("expected error marking without a script")
	}
	// a script appearing later is picked up by reload
	store.mu.Lock()
	store.script = newScript(2)
	store.mu.Unlock()
	if err := sess.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if snap := sess.Snapshot(); snap.Phase != review.PhaseActive || len(snap.Steps) != 2 {
		t.Fatalf("expected active session with steps, got %+v", snap)
	}
}

func TestFetchFailureEntersErrorPhase(t *testing.T) {
	store := &stubStore{fetchErr: errors.New("connection refused")}
	sess := review.NewSession(store, "ticket-1")
	if err := sess.Load(context.Background()); err == nil {
		t.Fatalf("expected fetch error")
	}
	snap := sess.Snapshot()
	if snap.Phase != review.PhaseError {
		t.Fatalf("expected error phase, got %s", snap.Phase)
	}
	if snap.Failure == nil || snap.Failure.Kind != review.FailFetch {
		t.Fatalf("expected fetch_failed failure, got %+v", snap.Failure)
	}
	// recovery on the next load
	store.mu.Lock()
	store.fetchErr = nil
	store.script = newScript(1)
	store.mu.Unlock()
	if err := sess.Load(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if snap := sess.Snapshot(); snap.Phase != review.PhaseActive || snap.Failure != nil {
		t.Fatalf("expected recovered session, got %+v", snap)
	}
}

func TestRemarkingStepIsIdempotent(t *testing.T) {
	sess, store := newActiveSession(t, 1)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := sess.MarkStep(ctx, 1, "passed"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if err := sess.MarkStep(ctx, 1, "skipped"); err != nil {
		t.Fatalf("re-mark: %v", err)
	}
	snap := sess.Snapshot()
	if snap.Steps[0].Status != "skipped" {
		t.Fatalf("latest mark wins, got %s", snap.Steps[0].Status)
	}
	store.mu.Lock()
	writes := len(store.writes)
	store.mu.Unlock()
	if writes != 3 {
		t.Fatalf("each mark reaches the store, got %d writes", writes)
	}
}

func TestUnknownStepRejectedLocally(t *testing.T) {
	sess, store := newActiveSession(t, 2)
	ctx := context.Background()
	if err := sess.MarkStep(ctx, 9, "passed"); err == nil {
		t.Fatalf("expected unknown step error")
	}
	store.mu.Lock()
	writes := len(store.writes)
	store.mu.Unlock()
	if writes != 0 {
		t.Fatalf("unknown step must not reach the store")
	}
	if err := sess.MarkStep(ctx, 1, "verified"); err == nil {
		t.Fatalf("expected invalid status error")
	}
}
