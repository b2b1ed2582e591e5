package repo

import (
	"context"
	"database/sql"

	"ticketline/internal/domain"
)

func (r Repo) InsertDemoScript(ctx context.Context, tx *sql.Tx, s domain.DemoScript, steps []domain.DemoStep) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO demo_scripts(id,ticket_id,generated_at,completed_at,passed,feedback)
VALUES (?,?,?,?,?,?)`,
		s.ID, s.TicketID, s.GeneratedAt, nullableStringPtr(s.CompletedAt), nullableBoolPtr(s.Passed), nullableStringPtr(s.Feedback))
	if err != nil {
		return err
	}
	for _, step := range steps {
		_, err := tx.ExecContext(ctx, `INSERT INTO demo_steps(script_id,step_order,type,description,expected_outcome,status,notes)
VALUES (?,?,?,?,?,?,?)`,
			s.ID, step.StepOrder, step.Type, step.Description, step.ExpectedOutcome, step.Status, nullableStringPtr(step.Notes))
		if err != nil {
			return err
		}
	}
	return nil
}

func scanDemoScriptRow(scan func(dest ...any) error) (domain.DemoScript, error) {
	var s domain.DemoScript
	var completedAt, feedback sql.NullString
	var passed sql.NullInt64
	if err := scan(&s.ID, &s.TicketID, &s.GeneratedAt, &completedAt, &passed, &feedback); err != nil {
		return s, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.String
	}
	if passed.Valid {
		v := passed.Int64 != 0
		s.Passed = &v
	}
	if feedback.Valid {
		s.Feedback = &feedback.String
	}
	return s, nil
}

const demoScriptColumns = `id,ticket_id,generated_at,completed_at,passed,feedback`

func (r Repo) GetDemoScript(ctx context.Context, id string) (domain.DemoScript, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+demoScriptColumns+` FROM demo_scripts WHERE id=?`, id)
	s, err := scanDemoScriptRow(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) GetDemoScriptTx(ctx context.Context, tx *sql.Tx, id string) (domain.DemoScript, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+demoScriptColumns+` FROM demo_scripts WHERE id=?`, id)
	s, err := scanDemoScriptRow(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// CurrentDemoScript returns the most recently generated script for a ticket,
// or ErrNotFound when the ticket has none.
func (r Repo) CurrentDemoScript(ctx context.Context, ticketID string) (domain.DemoScript, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+demoScriptColumns+` FROM demo_scripts WHERE ticket_id=? ORDER BY generated_at DESC, id DESC LIMIT 1`, ticketID)
	s, err := scanDemoScriptRow(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) CurrentDemoScriptTx(ctx context.Context, tx *sql.Tx, ticketID string) (domain.DemoScript, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+demoScriptColumns+` FROM demo_scripts WHERE ticket_id=? ORDER BY generated_at DESC, id DESC LIMIT 1`, ticketID)
	s, err := scanDemoScriptRow(row.Scan)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) ListDemoScripts(ctx context.Context, ticketID string) ([]domain.DemoScript, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+demoScriptColumns+` FROM demo_scripts WHERE ticket_id=? ORDER BY generated_at DESC, id DESC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DemoScript
	for rows.Next() {
		s, err := scanDemoScriptRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanDemoStepRow(scan func(dest ...any) error) (domain.DemoStep, error) {
	var st domain.DemoStep
	var notes sql.NullString
	if err := scan(&st.ScriptID, &st.StepOrder, &st.Type, &st.Description, &st.ExpectedOutcome, &st.Status, &notes); err != nil {
		return st, err
	}
	if notes.Valid {
		st.Notes = &notes.String
	}
	return st, nil
}

const demoStepColumns = `script_id,step_order,type,description,expected_outcome,status,notes`

func (r Repo) ListDemoSteps(ctx context.Context, scriptID string) ([]domain.DemoStep, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+demoStepColumns+` FROM demo_steps WHERE script_id=? ORDER BY step_order ASC`, scriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DemoStep
	for rows.Next() {
		st, err := scanDemoStepRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) ListDemoStepsTx(ctx context.Context, tx *sql.Tx, scriptID string) ([]domain.DemoStep, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+demoStepColumns+` FROM demo_steps WHERE script_id=? ORDER BY step_order ASC`, scriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DemoStep
	for rows.Next() {
		st, err := scanDemoStepRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) GetDemoStepTx(ctx context.Context, tx *sql.Tx, scriptID string, stepOrder int) (domain.DemoStep, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+demoStepColumns+` FROM demo_steps WHERE script_id=? AND step_order=?`, scriptID, stepOrder)
	st, err := scanDemoStepRow(row.Scan)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

// UpdateDemoStep sets the status and, when notes is non-nil, the notes of a step.
// Passing nil notes leaves the stored notes untouched.
func (r Repo) UpdateDemoStep(ctx context.Context, tx *sql.Tx, scriptID string, stepOrder int, status string, notes *string) error {
	var res sql.Result
	var err error
	if notes != nil {
		res, err = tx.ExecContext(ctx, `UPDATE demo_steps SET status=?, notes=? WHERE script_id=? AND step_order=?`,
			status, nullableStringPtr(notes), scriptID, stepOrder)
	} else {
		res, err = tx.ExecContext(ctx, `UPDATE demo_steps SET status=? WHERE script_id=? AND step_order=?`,
			status, scriptID, stepOrder)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CompleteDemoScript(ctx context.Context, tx *sql.Tx, id, completedAt string, passed bool, feedback string) error {
	res, err := tx.ExecContext(ctx, `UPDATE demo_scripts SET completed_at=?, passed=?, feedback=? WHERE id=? AND completed_at IS NULL`,
		completedAt, boolToInt(passed), nullable(feedback), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}
