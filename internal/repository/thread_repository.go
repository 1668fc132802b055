package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

const uniqueViolation = "23505"

// ThreadRepository stores approval threads and their messages.
type ThreadRepository struct {
	db *database.DB
}

// NewThreadRepository creates a new ThreadRepository.
func NewThreadRepository(db *database.DB) *ThreadRepository {
	return &ThreadRepository{db: db}
}

// GetByID returns a thread.
func (r *ThreadRepository) GetByID(ctx context.Context, id string) (*ApprovalThread, error) {
	query := `
		SELECT id, project_id, expense_id, members, unread_count,
		       last_message, last_message_by, last_message_at,
		       created_at, updated_at
		FROM approval_threads
		WHERE id = $1
	`

	t := &ApprovalThread{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.ProjectID,
		&t.ExpenseID,
		&t.Members,
		&t.UnreadCount,
		&t.LastMessage,
		&t.LastMessageBy,
		&t.LastMessageAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("thread", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get thread")
	}
	return t, nil
}

// Create inserts a new thread. A thread that already exists yields a
// Conflict so the caller can fall back to AddMembers.
func (r *ThreadRepository) Create(ctx context.Context, t *ApprovalThread) error {
	if t.UnreadCount == nil {
		t.UnreadCount = make(map[string]int, len(t.Members))
	}
	query := `
		INSERT INTO approval_threads (id, project_id, expense_id, members, unread_count)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.ProjectID,
		t.ExpenseID,
		nonNil(t.Members),
		t.UnreadCount,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.Conflict("thread already exists: " + t.ID)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create thread")
	}
	return nil
}

// AddMembers unions ids into the member list and gives each newcomer a zero
// unread counter. Existing members and counters are left as they are. The
// resulting member list is returned.
func (r *ThreadRepository) AddMembers(ctx context.Context, id string, ids []string) ([]string, error) {
	query := `
		UPDATE approval_threads t
		SET members = t.members || ARRAY(
		        SELECT DISTINCT m FROM unnest($2::text[]) AS m
		        WHERE NOT m = ANY (t.members)
		    ),
		    unread_count = (
		        SELECT COALESCE(jsonb_object_agg(m, 0), '{}'::jsonb)
		        FROM unnest($2::text[]) AS m
		        WHERE NOT t.unread_count ? m
		    ) || t.unread_count,
		    updated_at = NOW()
		WHERE t.id = $1
		RETURNING t.members
	`

	var members []string
	err := r.db.QueryRow(ctx, query, id, nonNil(ids)).Scan(&members)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("thread", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to add thread members")
	}
	return members, nil
}

// AppendMessage stores a message, updates the last-message fields and bumps
// the unread counter of every member except the sender, atomically.
func (r *ThreadRepository) AppendMessage(ctx context.Context, m *ThreadMessage) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO thread_messages (thread_id, sender_id, body, created_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id::text
		`, m.ThreadID, m.SenderID, m.Body, m.CreatedAt).Scan(&m.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return errors.NotFound("thread", m.ThreadID)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert message")
		}

		_, err = tx.Exec(ctx, `
			UPDATE approval_threads t
			SET last_message    = $2,
			    last_message_by = $3,
			    last_message_at = $4,
			    unread_count    = t.unread_count || (
			        SELECT COALESCE(jsonb_object_agg(
			                   m, COALESCE((t.unread_count ->> m)::int, 0) + 1
			               ), '{}'::jsonb)
			        FROM unnest(t.members) AS m
			        WHERE m <> $3
			    ),
			    updated_at = NOW()
			WHERE t.id = $1
		`, m.ThreadID, m.Body, m.SenderID, m.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update thread summary")
		}
		return nil
	})
}

// ResetUnread zeroes one member's unread counter.
func (r *ThreadRepository) ResetUnread(ctx context.Context, id, userID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_threads
		SET unread_count = unread_count || jsonb_build_object($2::text, 0),
		    updated_at   = NOW()
		WHERE id = $1
	`, id, userID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reset unread counter")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("thread", id)
	}
	return nil
}

// ListMessages returns a thread's messages oldest-first, optionally only
// those created after since.
func (r *ThreadRepository) ListMessages(ctx context.Context, threadID string, since *time.Time, limit int) ([]*ThreadMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `
		SELECT id::text, thread_id, sender_id, body, created_at
		FROM thread_messages
		WHERE thread_id = $1
		  AND ($2::timestamptz IS NULL OR created_at > $2)
		ORDER BY created_at ASC
		LIMIT $3
	`, threadID, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list messages")
	}
	defer rows.Close()

	var out []*ThreadMessage
	for rows.Next() {
		m := &ThreadMessage{}
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list messages")
	}
	return out, nil
}
