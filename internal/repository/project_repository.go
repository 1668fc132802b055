package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// ProjectRepository reads project rosters and maintains the cached delegate
// pointer.
type ProjectRepository struct {
	db *database.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *database.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Upsert creates a project or replaces its roster. The cached delegate
// pointer is not touched.
func (r *ProjectRepository) Upsert(ctx context.Context, p *Project) error {
	query := `
		INSERT INTO projects
		    (id, name, approver_ids, production_head_ids, manager_id, team_members)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET name                = EXCLUDED.name,
		    approver_ids        = EXCLUDED.approver_ids,
		    production_head_ids = EXCLUDED.production_head_ids,
		    manager_id          = EXCLUDED.manager_id,
		    team_members        = EXCLUDED.team_members,
		    updated_at          = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		p.ID,
		p.Name,
		nonNil(p.ApproverIDs),
		nonNil(p.ProductionHeadIDs),
		p.ManagerID,
		nonNil(p.TeamMembers),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save project")
	}
	return nil
}

// GetByID returns a project.
func (r *ProjectRepository) GetByID(ctx context.Context, id string) (*Project, error) {
	query := `
		SELECT id, name, approver_ids, production_head_ids, manager_id,
		       team_members, temporary_approver_phone, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	p := &Project{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.ApproverIDs,
		&p.ProductionHeadIDs,
		&p.ManagerID,
		&p.TeamMembers,
		&p.TemporaryApproverPhone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get project")
	}
	return p, nil
}

// SetDelegatePhone overwrites the cached delegate pointer. Last write wins.
func (r *ProjectRepository) SetDelegatePhone(ctx context.Context, projectID, phone string) error {
	return r.setPointer(ctx, projectID, &phone)
}

// ClearDelegatePhone clears the cached delegate pointer whatever it holds.
func (r *ProjectRepository) ClearDelegatePhone(ctx context.Context, projectID string) error {
	return r.setPointer(ctx, projectID, nil)
}

// ClearDelegatePhoneIf clears the cached delegate pointer only when it still
// equals phone. It reports whether the pointer was cleared.
func (r *ProjectRepository) ClearDelegatePhoneIf(ctx context.Context, projectID, phone string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE projects
		SET temporary_approver_phone = NULL, updated_at = NOW()
		WHERE id = $1 AND temporary_approver_phone = $2
	`, projectID, phone)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to clear delegate pointer")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *ProjectRepository) setPointer(ctx context.Context, projectID string, phone *string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE projects
		SET temporary_approver_phone = $2, updated_at = NOW()
		WHERE id = $1
	`, projectID, phone)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegate pointer")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("project", projectID)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
