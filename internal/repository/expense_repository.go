package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// ExpenseRepository stores the expenses that approval threads hang off.
type ExpenseRepository struct {
	db *database.DB
}

// NewExpenseRepository creates a new ExpenseRepository.
func NewExpenseRepository(db *database.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

const expenseColumns = `
	id, project_id, title, amount, currency, status,
	submitted_by, submitted_at, decided_by, decided_at, decision_reason,
	created_at, updated_at`

// Create inserts a draft expense.
func (r *ExpenseRepository) Create(ctx context.Context, e *Expense) error {
	if e.Status == "" {
		e.Status = ExpenseDraft
	}
	query := `
		INSERT INTO expenses (id, project_id, title, amount, currency, status, submitted_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		e.ID,
		e.ProjectID,
		e.Title,
		e.Amount,
		e.Currency,
		e.Status,
		e.SubmittedBy,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create expense")
	}
	return nil
}

// GetByID returns an expense.
func (r *ExpenseRepository) GetByID(ctx context.Context, id string) (*Expense, error) {
	query := `SELECT ` + expenseColumns + ` FROM expenses WHERE id = $1`

	e := &Expense{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&e.ID,
		&e.ProjectID,
		&e.Title,
		&e.Amount,
		&e.Currency,
		&e.Status,
		&e.SubmittedBy,
		&e.SubmittedAt,
		&e.DecidedBy,
		&e.DecidedAt,
		&e.DecisionReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("expense", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get expense")
	}
	return e, nil
}

// MarkSubmitted moves a draft expense to submitted. A row in any other
// status yields a Conflict.
func (r *ExpenseRepository) MarkSubmitted(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE expenses
		SET status = 'submitted', submitted_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, id, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to submit expense")
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id, ExpenseSubmitted)
	}
	return nil
}

// MarkDecided moves a submitted expense to approved or rejected.
func (r *ExpenseRepository) MarkDecided(ctx context.Context, id, status, decidedBy string, reason *string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE expenses
		SET status          = $2,
		    decided_by      = $3,
		    decision_reason = $4,
		    decided_at      = $5,
		    updated_at      = NOW()
		WHERE id = $1 AND status = 'submitted'
	`, id, status, decidedBy, reason, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decide expense")
	}
	if tag.RowsAffected() == 0 {
		return r.transitionFailure(ctx, id, status)
	}
	return nil
}

func (r *ExpenseRepository) transitionFailure(ctx context.Context, id, target string) error {
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return errors.Conflict("expense " + id + " cannot move from " + current.Status + " to " + target)
}
