package review

import "strings"

// StepView is one step as the reviewer currently sees it: stored state plus
// any staged note and any in-flight status mark.
type StepView struct {
	Order           int    `json:"order"`
	Type            string `json:"type"`
	Description     string `json:"description"`
	ExpectedOutcome string `json:"expected_outcome"`
	Status          string `json:"status"`
	Notes           string `json:"notes,omitempty"`
	HasDraft        bool   `json:"has_draft,omitempty"`
	InFlight        bool   `json:"in_flight,omitempty"`
}

// Gates are the submit preconditions derived from the effective step states.
type Gates struct {
	CanApprove     bool `json:"can_approve"`
	CanReject      bool `json:"can_reject"`
	MarkedCount    int  `json:"marked_count"`
	TotalSteps     int  `json:"total_steps"`
	HasFailedSteps bool `json:"has_failed_steps"`
	Submitting     bool `json:"submitting"`
}

// Snapshot is a point-in-time copy of a Session safe to render or inspect
// while operations continue.
type Snapshot struct {
	Phase         Phase      `json:"phase"`
	TicketID      string     `json:"ticket_id"`
	ScriptID      string     `json:"script_id,omitempty"`
	GeneratedAt   string     `json:"generated_at,omitempty"`
	CompletedAt   *string    `json:"completed_at,omitempty"`
	Passed        *bool      `json:"passed,omitempty"`
	Feedback      *string    `json:"feedback,omitempty"`
	FeedbackDraft string     `json:"feedback_draft,omitempty"`
	Steps         []StepView `json:"steps,omitempty"`
	Gates         Gates      `json:"gates"`
	Failure       *Failure   `json:"failure,omitempty"`
}

// computeGates derives the submit gates. Approval needs every step marked;
// rejection needs a failed step or feedback text. Neither fires while a
// submission is in flight.
func computeGates(steps []StepView, submitting bool, feedback string) Gates {
	g := Gates{TotalSteps: len(steps), Submitting: submitting}
	for _, st := range steps {
		if st.Status != "pending" {
			g.MarkedCount++
		}
		if st.Status == "failed" {
			g.HasFailedSteps = true
		}
	}
	g.CanApprove = g.TotalSteps > 0 && g.MarkedCount == g.TotalSteps && !submitting
	g.CanReject = (g.HasFailedSteps || strings.TrimSpace(feedback) != "") && !submitting
	return g
}

// Snapshot returns the session's current effective state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:         s.phase,
		TicketID:      s.ticketID,
		FeedbackDraft: s.feedback,
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	if s.script == nil {
		snap.Gates = computeGates(nil, s.submitting, s.feedback)
		return snap
	}
	snap.ScriptID = s.script.ID
	snap.GeneratedAt = s.script.GeneratedAt
	if s.script.CompletedAt != nil {
		v := *s.script.CompletedAt
		snap.CompletedAt = &v
	}
	if s.script.Passed != nil {
		v := *s.script.Passed
		snap.Passed = &v
	}
	if s.script.Feedback != nil {
		v := *s.script.Feedback
		snap.Feedback = &v
	}
	snap.Steps = s.effectiveSteps()
	snap.Gates = computeGates(snap.Steps, s.submitting, s.feedback)
	return snap
}

// effectiveSteps is called with mu held.
func (s *Session) effectiveSteps() []StepView {
	if s.script == nil {
		return nil
	}
	views := make([]StepView, 0, len(s.script.Steps))
	for _, st := range s.script.Steps {
		v := StepView{
			Order:           st.StepOrder,
			Type:            st.Type,
			Description:     st.Description,
			ExpectedOutcome: st.ExpectedOutcome,
			Status:          st.Status,
		}
		if st.Notes != nil {
			v.Notes = *st.Notes
		}
		if text, ok := s.drafts[st.StepOrder]; ok {
			v.Notes = text
			v.HasDraft = true
		}
		if status, ok := s.optimistic[st.StepOrder]; ok {
			v.Status = status
			v.InFlight = true
		}
		views = append(views, v)
	}
	return views
}
