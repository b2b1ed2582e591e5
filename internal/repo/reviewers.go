package repo

import (
	"context"
	"database/sql"
	"time"

	"ticketline/internal/config"
	"ticketline/internal/domain"
)

func (r Repo) UpsertReviewer(ctx context.Context, tx *sql.Tx, projectID, actorID, focus, now string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	if _, err := exec(`INSERT OR IGNORE INTO actors(id,created_at) VALUES (?,?)`, actorID, now); err != nil {
		return err
	}
	_, err := exec(`INSERT INTO reviewers(project_id,actor_id,focus,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(project_id,actor_id) DO UPDATE SET focus=excluded.focus, updated_at=excluded.updated_at`,
		projectID, actorID, nullable(focus), now, now)
	return err
}

func (r Repo) GetReviewer(ctx context.Context, projectID, actorID string) (domain.Reviewer, error) {
	var rv domain.Reviewer
	var focus sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,actor_id,focus,created_at,updated_at FROM reviewers WHERE project_id=? AND actor_id=?`,
		projectID, actorID).Scan(&rv.ProjectID, &rv.ActorID, &focus, &rv.CreatedAt, &rv.UpdatedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	if focus.Valid {
		rv.Focus = focus.String
	}
	return rv, err
}

func (r Repo) ListReviewers(ctx context.Context, projectID string) ([]domain.Reviewer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,actor_id,focus,created_at,updated_at FROM reviewers WHERE project_id=? ORDER BY actor_id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reviewer
	for rows.Next() {
		var rv domain.Reviewer
		var focus sql.NullString
		if err := rows.Scan(&rv.ProjectID, &rv.ActorID, &focus, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
			return nil, err
		}
		if focus.Valid {
			rv.Focus = focus.String
		}
		res = append(res, rv)
	}
	return res, rows.Err()
}

func (r Repo) DeleteReviewer(ctx context.Context, projectID, actorID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM reviewers WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceReviewers swaps a project's reviewer roster for the one in config.
func (r Repo) ReplaceReviewers(ctx context.Context, tx *sql.Tx, projectID string, reviewers []config.ReviewerConfig) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM reviewers WHERE project_id=?`, projectID); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, rv := range reviewers {
		if err := r.UpsertReviewer(ctx, tx, projectID, rv.ActorID, rv.Focus, now); err != nil {
			return err
		}
	}
	return nil
}

// IsReviewer reports whether the actor belongs to the project's roster.
// An empty roster places no restriction, so every actor qualifies.
func (r Repo) IsReviewer(ctx context.Context, tx *sql.Tx, projectID, actorID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviewers WHERE project_id=?`, projectID)
	var total int
	if err := row.Scan(&total); err != nil {
		return false, err
	}
	if total == 0 {
		return true, nil
	}
	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM reviewers WHERE project_id=? AND actor_id=?`, projectID, actorID)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
