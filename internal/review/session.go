// Package review drives the demo verification flow a reviewer walks through
// before a ticket can leave review: load the current script, mark steps as
// verified, attach notes, then submit an approve or reject verdict. A Session
// keeps an optimistic local view over a Store so step marks show up
// immediately and roll back when the backing call fails.
package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ticketline/internal/domain"
)

// Phase is the lifecycle state of a Session.
type Phase string

const (
	PhaseLoading   Phase = "loading"
	PhaseEmpty     Phase = "empty"
	PhaseActive    Phase = "active"
	PhaseCompleted Phase = "completed"
	PhaseError     Phase = "error"
)

// FailureKind classifies the last store failure a Session observed.
type FailureKind string

const (
	FailFetch            FailureKind = "fetch_failed"
	FailStepUpdate       FailureKind = "step_update_failed"
	FailSubmission       FailureKind = "submission_failed"
	FailAlreadyCompleted FailureKind = "already_completed"
)

// ErrAlreadyCompleted reports a mutation against a script whose verdict was
// already submitted, here or elsewhere. Store implementations translate their
// transport's conflict signal into this sentinel.
var ErrAlreadyCompleted = errors.New("demo script already completed")

// Store is the persistence boundary a Session works against. FetchDemoScript
// returns nil without error when the ticket has no script yet.
type Store interface {
	FetchDemoScript(ctx context.Context, ticketID string) (*domain.DemoScriptDetail, error)
	UpdateStep(ctx context.Context, ticketID, scriptID string, order int, status string, notes *string) error
	SubmitVerdict(ctx context.Context, ticketID, scriptID string, passed bool, feedback string, results []domain.DemoStepResult) (*domain.DemoScriptDetail, error)
}

// Failure captures the last failed store interaction for display.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	StepOrder *int        `json:"step_order,omitempty"`
	Message   string      `json:"message"`
}

// Feedback recorded when the reviewer submits a verdict without typing any.
const (
	approvedFeedback = "Approved - all steps verified."
	rejectedFeedback = "Changes requested - see failed steps."
)

// Session is a single reviewer's working state for one ticket. Mutating
// methods are serialized; Snapshot may be called concurrently and observes
// in-flight optimistic step marks.
type Session struct {
	store    Store
	ticketID string

	// OnComplete, when set, runs after a verdict is accepted, outside the
	// state lock. It must not call the session's mutating methods.
	OnComplete func(passed bool)

	// opMu serializes mutating operations end to end, including the store
	// call. mu guards the fields below and is released during store calls
	// so Snapshot stays responsive.
	opMu sync.Mutex
	mu   sync.Mutex

	phase      Phase
	script     *domain.DemoScriptDetail
	optimistic map[int]string
	drafts     map[int]string
	feedback   string
	submitting bool
	failure    *Failure
}

func NewSession(store Store, ticketID string) *Session {
	return &Session{
		store:      store,
		ticketID:   ticketID,
		phase:      PhaseLoading,
		optimistic: map[int]string{},
		drafts:     map[int]string{},
	}
}

// Load fetches the ticket's current script and resets the session onto it.
// Note drafts survive a reload of the same script; a new script discards them.
func (s *Session) Load(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	detail, err := s.store.FetchDemoScript(ctx, s.ticketID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.phase = PhaseError
		s.failure = &Failure{Kind: FailFetch, Message: err.Error()}
		return err
	}
	s.failure = nil
	s.optimistic = map[int]string{}
	if detail == nil {
		s.script = nil
		s.phase = PhaseEmpty
		s.drafts = map[int]string{}
		s.feedback = ""
		return nil
	}
	if s.script == nil || s.script.ID != detail.ID {
		s.drafts = map[int]string{}
		s.feedback = ""
	}
	s.script = detail
	if detail.CompletedAt != nil {
		s.phase = PhaseCompleted
	} else {
		s.phase = PhaseActive
	}
	return nil
}

// Refresh re-fetches the script, typically after an already_completed failure.
func (s *Session) Refresh(ctx context.Context) error {
	return s.Load(ctx)
}

// MarkStep records a verification status for one step. The new status is
// visible in snapshots while the store call is in flight and rolls back if the
// call fails, so the marked count never counts unconfirmed steps after an
// error.
func (s *Session) MarkStep(ctx context.Context, order int, status string) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if err := s.requireActive(); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := s.stepIndex(order)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("step %d not found", order)
	}
	scriptID := s.script.ID
	s.optimistic[order] = status
	s.mu.Unlock()

	err := s.store.UpdateStep(ctx, s.ticketID, scriptID, order, status, nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.optimistic, order)
	if err != nil {
		s.failure = stepFailure(err, order)
		return err
	}
	s.failure = nil
	s.script.Steps[idx].Status = status
	return nil
}

// EditNote stages note text for a step without touching the store.
func (s *Session) EditNote(order int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireActive(); err != nil {
		return err
	}
	if s.stepIndex(order) < 0 {
		return fmt.Errorf("step %d not found", order)
	}
	s.drafts[order] = text
	return nil
}

// CommitNote persists the staged note for a step, re-asserting the step's
// current status alongside it. The draft is kept when the store call fails so
// nothing typed is lost.
func (s *Session) CommitNote(ctx context.Context, order int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if err := s.requireActive(); err != nil {
		s.mu.Unlock()
		return err
	}
	idx := s.stepIndex(order)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("step %d not found", order)
	}
	text, ok := s.drafts[order]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	scriptID := s.script.ID
	status := s.script.Steps[idx].Status
	s.mu.Unlock()

	note := text
	err := s.store.UpdateStep(ctx, s.ticketID, scriptID, order, status, &note)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.failure = stepFailure(err, order)
		return err
	}
	s.failure = nil
	s.script.Steps[idx].Notes = &note
	delete(s.drafts, order)
	return nil
}

// SetFeedback stages the verdict feedback text.
func (s *Session) SetFeedback(text string) {
	s.mu.Lock()
	s.feedback = text
	s.mu.Unlock()
}

// Approve submits a passing verdict. Every step must be marked first.
func (s *Session) Approve(ctx context.Context) error {
	return s.submit(ctx, true)
}

// Reject submits a failing verdict. At least one failed step or non-empty
// feedback is required.
func (s *Session) Reject(ctx context.Context) error {
	return s.submit(ctx, false)
}

func (s *Session) submit(ctx context.Context, passed bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if err := s.requireActive(); err != nil {
		s.mu.Unlock()
		return err
	}
	steps := s.effectiveSteps()
	g := computeGates(steps, s.submitting, s.feedback)
	if passed && !g.CanApprove {
		s.mu.Unlock()
		return fmt.Errorf("approve blocked: %d of %d steps verified", g.MarkedCount, g.TotalSteps)
	}
	if !passed && !g.CanReject {
		s.mu.Unlock()
		return errors.New("reject requires a failed step or feedback")
	}
	s.submitting = true
	scriptID := s.script.ID
	feedback := strings.TrimSpace(s.feedback)
	if feedback == "" {
		if passed {
			feedback = approvedFeedback
		} else {
			feedback = rejectedFeedback
		}
	}
	// The verdict carries the effective status of every step so the outcome
	// does not depend on which marks already reached the store. Notes travel
	// through CommitNote only; nil here leaves stored notes untouched.
	results := make([]domain.DemoStepResult, 0, len(steps))
	for _, st := range steps {
		results = append(results, domain.DemoStepResult{Order: st.Order, Status: st.Status})
	}
	s.mu.Unlock()

	detail, err := s.store.SubmitVerdict(ctx, s.ticketID, scriptID, passed, feedback, results)

	s.mu.Lock()
	s.submitting = false
	if err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			s.failure = &Failure{Kind: FailAlreadyCompleted, Message: err.Error()}
		} else {
			s.failure = &Failure{Kind: FailSubmission, Message: err.Error()}
		}
		s.mu.Unlock()
		return err
	}
	s.failure = nil
	if detail != nil {
		s.script = detail
	}
	s.phase = PhaseCompleted
	s.optimistic = map[int]string{}
	s.drafts = map[int]string{}
	done := s.OnComplete
	s.mu.Unlock()
	if done != nil {
		done(passed)
	}
	return nil
}

// requireActive is called with mu held.
func (s *Session) requireActive() error {
	switch s.phase {
	case PhaseActive:
		return nil
	case PhaseCompleted:
		return ErrAlreadyCompleted
	default:
		return fmt.Errorf("no active demo script (phase %s)", s.phase)
	}
}

// stepIndex is called with mu held.
func (s *Session) stepIndex(order int) int {
	if s.script == nil {
		return -1
	}
	for i, st := range s.script.Steps {
		if st.StepOrder == order {
			return i
		}
	}
	return -1
}

func stepFailure(err error, order int) *Failure {
	kind := FailStepUpdate
	if errors.Is(err, ErrAlreadyCompleted) {
		kind = FailAlreadyCompleted
	}
	o := order
	return &Failure{Kind: kind, StepOrder: &o, Message: err.Error()}
}

func validateStatus(s string) error {
	switch s {
	case "pending", "passed", "failed", "skipped":
		return nil
	}
	return fmt.Errorf("invalid step status %s", s)
}
