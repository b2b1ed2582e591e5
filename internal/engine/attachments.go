package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"ticketline/internal/domain"
	"ticketline/internal/events"
)

// AttachmentAddOptions carry one uploaded file for a ticket.
type AttachmentAddOptions struct {
	TicketID    string
	Filename    string
	ContentType string
	Data        []byte
	ActorID     string
}

// AddAttachment stores the file content on disk under the workspace and the
// metadata row in the same commit. Content is addressed by attachment ID, not
// by filename.
func (e Engine) AddAttachment(ctx context.Context, opts AttachmentAddOptions) (domain.Attachment, error) {
	if e.AttachmentsDir == "" {
		return domain.Attachment{}, errors.New("attachments dir not configured")
	}
	if opts.Filename == "" {
		return domain.Attachment{}, errors.New("filename is required")
	}
	if len(opts.Data) == 0 {
		return domain.Attachment{}, errors.New("content is required")
	}
	if e.Config != nil {
		if max := e.Config.Review.AttachmentMaxBytes; max > 0 && int64(len(opts.Data)) > max {
			return domain.Attachment{}, fmt.Errorf("attachment exceeds %d bytes", max)
		}
	}
	t, err := e.Repo.GetTicket(ctx, opts.TicketID)
	if err != nil {
		return domain.Attachment{}, err
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := sha256.Sum256(opts.Data)
	a := domain.Attachment{
		ID:          uuid.New().String(),
		TicketID:    t.ID,
		Filename:    filepath.Base(opts.Filename),
		ContentType: contentType,
		SizeBytes:   int64(len(opts.Data)),
		SHA256:      hex.EncodeToString(sum[:]),
		UploadedBy:  opts.ActorID,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	path := filepath.Join(e.AttachmentsDir, a.ID)
	if err := os.WriteFile(path, opts.Data, 0o644); err != nil {
		return domain.Attachment{}, fmt.Errorf("write attachment: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		os.Remove(path)
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAttachment(ctx, tx, a); err != nil {
		os.Remove(path)
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "attachment.added", t.ProjectID, "ticket", t.ID, opts.ActorID, events.EventPayload{
		"attachment_id": a.ID,
		"filename":      a.Filename,
		"size_bytes":    a.SizeBytes,
	}); err != nil {
		os.Remove(path)
		return a, err
	}
	if err := tx.Commit(); err != nil {
		os.Remove(path)
		return a, err
	}
	return a, nil
}

// ReadAttachment returns the metadata and raw content of an attachment.
func (e Engine) ReadAttachment(ctx context.Context, id string) (domain.Attachment, []byte, error) {
	a, err := e.Repo.GetAttachment(ctx, id)
	if err != nil {
		return a, nil, err
	}
	if e.AttachmentsDir == "" {
		return a, nil, errors.New("attachments dir not configured")
	}
	data, err := os.ReadFile(filepath.Join(e.AttachmentsDir, a.ID))
	if err != nil {
		return a, nil, fmt.Errorf("read attachment content: %w", err)
	}
	return a, data, nil
}
