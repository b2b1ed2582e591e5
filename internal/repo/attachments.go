package repo

import (
	"context"
	"database/sql"

	"ticketline/internal/domain"
)

const attachmentColumns = `id,ticket_id,filename,content_type,size_bytes,sha256,uploaded_by,created_at`

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attachments(`+attachmentColumns+`)
VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.TicketID, a.Filename, a.ContentType, a.SizeBytes, a.SHA256, a.UploadedBy, a.CreatedAt)
	return err
}

func scanAttachmentRow(scan func(dest ...any) error) (domain.Attachment, error) {
	var a domain.Attachment
	err := scan(&a.ID, &a.TicketID, &a.Filename, &a.ContentType, &a.SizeBytes, &a.SHA256, &a.UploadedBy, &a.CreatedAt)
	return a, err
}

func (r Repo) GetAttachment(ctx context.Context, id string) (domain.Attachment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=?`, id)
	a, err := scanAttachmentRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListAttachments(ctx context.Context, ticketID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE ticket_id=? ORDER BY created_at ASC, id ASC`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		a, err := scanAttachmentRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
