package repo

import (
	"context"
	"database/sql"
	"strings"

	"ticketline/internal/domain"
)

const findingColumns = `id,project_id,ticket_id,script_id,step_order,category,severity,title,detail,created_by,created_at`

func (r Repo) InsertFinding(ctx context.Context, tx *sql.Tx, f domain.ReviewFinding) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO review_findings(`+findingColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.ProjectID, f.TicketID, nullableStringPtr(f.ScriptID), nullableIntPtr(f.StepOrder),
		f.Category, f.Severity, f.Title, nullable(f.Detail), f.CreatedBy, f.CreatedAt)
	return err
}

func scanFindingRow(scan func(dest ...any) error) (domain.ReviewFinding, error) {
	var f domain.ReviewFinding
	var scriptID, detail sql.NullString
	var stepOrder sql.NullInt64
	if err := scan(&f.ID, &f.ProjectID, &f.TicketID, &scriptID, &stepOrder, &f.Category, &f.Severity,
		&f.Title, &detail, &f.CreatedBy, &f.CreatedAt); err != nil {
		return f, err
	}
	if scriptID.Valid {
		f.ScriptID = &scriptID.String
	}
	if stepOrder.Valid {
		v := int(stepOrder.Int64)
		f.StepOrder = &v
	}
	if detail.Valid {
		f.Detail = detail.String
	}
	return f, nil
}

func (r Repo) GetFinding(ctx context.Context, id string) (domain.ReviewFinding, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM review_findings WHERE id=?`, id)
	f, err := scanFindingRow(row.Scan)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

type FindingFilters struct {
	ProjectID string
	TicketID  string
	ScriptID  string
	Severity  string
	Limit     int
}

func (r Repo) ListFindings(ctx context.Context, f FindingFilters) ([]domain.ReviewFinding, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.TicketID != "" {
		clauses = append(clauses, "ticket_id=?")
		args = append(args, f.TicketID)
	}
	if f.ScriptID != "" {
		clauses = append(clauses, "script_id=?")
		args = append(args, f.ScriptID)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	query := `SELECT ` + findingColumns + ` FROM review_findings WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewFinding
	for rows.Next() {
		fd, err := scanFindingRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, fd)
	}
	return res, rows.Err()
}
