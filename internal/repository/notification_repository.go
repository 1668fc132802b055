package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// NotificationRepository persists one notification per (event, recipient).
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts a notification. A second insert for the same event and
// recipient is ignored and reports created=false.
func (r *NotificationRepository) Create(ctx context.Context, n *Notification) (bool, error) {
	query := `
		INSERT INTO notifications
		    (event_id, recipient_id, type, title, body, project_id, related_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id, recipient_id) DO NOTHING
		RETURNING id::text, is_read, created_at
	`

	err := r.db.QueryRow(ctx, query,
		n.EventID,
		n.RecipientID,
		string(n.Type),
		n.Title,
		n.Body,
		n.ProjectID,
		n.RelatedID,
	).Scan(&n.ID, &n.IsRead, &n.CreatedAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return true, nil
}

// ListByRecipient returns a recipient's notifications, newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, event_id, recipient_id, type, title, body,
		       project_id, related_id, is_read, created_at
		FROM notifications
		WHERE recipient_id = $1
		  AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3
	`, recipientID, unreadOnly, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		var typ string
		err := rows.Scan(
			&n.ID,
			&n.EventID,
			&n.RecipientID,
			&typ,
			&n.Title,
			&n.Body,
			&n.ProjectID,
			&n.RelatedID,
			&n.IsRead,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		n.Type = NotificationType(typ)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	return out, nil
}

// MarkRead sets the read flag. Only the recipient's own notifications match.
func (r *NotificationRepository) MarkRead(ctx context.Context, id, recipientID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id::text = $1 AND recipient_id = $2
	`, id, recipientID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to mark notification read")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("notification", id)
	}
	return nil
}
