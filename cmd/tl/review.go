package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"ticketline/internal/review"
)

const reviewHelp = `Commands:
  pass|fail|skip|pending <step>   mark a step
  note <step> <text>              attach a note to a step
  feedback <text>                 stage verdict feedback
  approve                         submit a passing verdict (all steps verified)
  reject                          submit a failing verdict (failed step or feedback)
  show                            redraw the script
  refresh                         re-fetch the script from the store
  quit                            leave without a verdict`

// runReviewLoop drives a review session from a line prompt until the reviewer
// submits a verdict or quits. Errors from the store are printed and the loop
// continues, so a failed mark or a lost race never ends the review.
func runReviewLoop(ctx context.Context, sess *review.Session, in io.Reader, out io.Writer) error {
	sess.OnComplete = func(passed bool) {
		verdict := "rejected"
		if passed {
			verdict = "approved"
		}
		fmt.Fprintf(out, "Verdict submitted: %s\n", verdict)
	}
	renderSnapshot(out, sess.Snapshot())
	fmt.Fprintln(out, reviewHelp)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "review> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		verb, rest := fields[0], fields[1:]
		var err error
		switch verb {
		case "pass", "fail", "skip", "pending":
			err = markFromArgs(ctx, sess, verb, rest)
		case "note":
			err = noteFromArgs(ctx, sess, rest)
		case "feedback":
			sess.SetFeedback(strings.Join(rest, " "))
		case "approve":
			if err = sess.Approve(ctx); err == nil {
				renderSnapshot(out, sess.Snapshot())
				return nil
			}
		case "reject":
			if err = sess.Reject(ctx); err == nil {
				renderSnapshot(out, sess.Snapshot())
				return nil
			}
		case "show":
		case "refresh":
			err = sess.Refresh(ctx)
		case "help", "?":
			fmt.Fprintln(out, reviewHelp)
			continue
		case "quit", "exit", "q":
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q (try help)\n", verb)
			continue
		}
		if err != nil {
			fmt.Fprintln(out, "error:", err)
			if snap := sess.Snapshot(); snap.Failure != nil && snap.Failure.Kind == review.FailAlreadyCompleted {
				fmt.Fprintln(out, "the verdict was already submitted elsewhere; run refresh to see it")
			}
			continue
		}
		renderSnapshot(out, sess.Snapshot())
	}
}

func markFromArgs(ctx context.Context, sess *review.Session, verb string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <step>", verb)
	}
	order, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("step must be a number: %w", err)
	}
	return sess.MarkStep(ctx, order, stepStatusFor(verb))
}

func noteFromArgs(ctx context.Context, sess *review.Session, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: note <step> <text>")
	}
	order, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("step must be a number: %w", err)
	}
	if err := sess.EditNote(order, strings.Join(args[1:], " ")); err != nil {
		return err
	}
	return sess.CommitNote(ctx, order)
}

func stepStatusFor(verb string) string {
	switch verb {
	case "pass":
		return "passed"
	case "fail":
		return "failed"
	case "skip":
		return "skipped"
	}
	return "pending"
}

func renderSnapshot(out io.Writer, snap review.Snapshot) {
	switch snap.Phase {
	case review.PhaseEmpty:
		fmt.Fprintf(out, "Ticket %s has no demo script. Generate one with: tl demo create %s\n", snap.TicketID, snap.TicketID)
		return
	case review.PhaseError:
		if snap.Failure != nil {
			fmt.Fprintf(out, "Ticket %s: %s (%s)\n", snap.TicketID, snap.Failure.Message, snap.Failure.Kind)
		}
		return
	}
	fmt.Fprintf(out, "Ticket %s script %s (%s)\n", snap.TicketID, snap.ScriptID, snap.Phase)
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"#", "Type", "Status", "Description", "Expected", "Notes"})
	for _, st := range snap.Steps {
		status := st.Status
		if st.InFlight {
			status += "*"
		}
		notes := st.Notes
		if st.HasDraft {
			notes += " (draft)"
		}
		tw.AppendRow(table.Row{st.Order, st.Type, status, st.Description, st.ExpectedOutcome, notes})
	}
	tw.Render()
	if snap.Phase == review.PhaseCompleted {
		verdict := "rejected"
		if snap.Passed != nil && *snap.Passed {
			verdict = "approved"
		}
		completed := ""
		if snap.CompletedAt != nil {
			completed = " at " + *snap.CompletedAt
		}
		fmt.Fprintf(out, "Verdict: %s%s\n", verdict, completed)
		if snap.Feedback != nil && *snap.Feedback != "" {
			fmt.Fprintf(out, "Feedback: %s\n", *snap.Feedback)
		}
		return
	}
	g := snap.Gates
	fmt.Fprintf(out, "Verified %d/%d steps. approve: %s, reject: %s\n",
		g.MarkedCount, g.TotalSteps, readiness(g.CanApprove), readiness(g.CanReject))
	if snap.FeedbackDraft != "" {
		fmt.Fprintf(out, "Feedback draft: %s\n", snap.FeedbackDraft)
	}
}

func readiness(ok bool) string {
	if ok {
		return "ready"
	}
	return "blocked"
}
