package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// delegationsChannel is the LISTEN channel fed by the delegations_changed
// trigger; the payload is the project id.
const delegationsChannel = "delegations_changed"

// DelegationRepository owns the per-project ledger of temporary-approver
// assignments.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id::text, project_id, approver_id, approver_name, approver_phone,
	assigned_date, start_date, expiring_date,
	COALESCE(status, ''), is_active,
	assigned_by, assigned_by_name, response_message,
	created_at, updated_at`

// Create inserts a new assignment and fills in the generated fields.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	query := `
		INSERT INTO delegations
		    (project_id, approver_id, approver_name, approver_phone,
		     assigned_date, start_date, expiring_date,
		     status, is_active, assigned_by, assigned_by_name)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10, $11)
		RETURNING id::text, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ProjectID,
		d.ApproverID,
		d.ApproverName,
		d.ApproverPhone,
		d.AssignedDate,
		d.StartDate,
		d.ExpiringDate,
		nullableStatus(d.Status),
		d.IsActive,
		d.AssignedBy,
		d.AssignedByName,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create delegation")
	}
	return nil
}

// GetByID returns one assignment of a project.
func (r *DelegationRepository) GetByID(ctx context.Context, projectID, id string) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE project_id = $1 AND id::text = $2
	`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, projectID, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation")
	}
	return d, nil
}

// ListByProject returns every assignment of a project, newest first.
func (r *DelegationRepository) ListByProject(ctx context.Context, projectID string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE project_id = $1
		ORDER BY created_at DESC
	`
	return r.list(ctx, "failed to list delegations", query, projectID)
}

// ListAcceptedActive returns accepted, still-active assignments regardless
// of expiry. Callers filter on expiry against their own notion of now.
func (r *DelegationRepository) ListAcceptedActive(ctx context.Context, projectID string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE project_id = $1
		  AND status = 'accepted'
		  AND is_active
		ORDER BY updated_at DESC
	`
	return r.list(ctx, "failed to list accepted delegations", query, projectID)
}

// FindByApproverID returns a project's assignments for a delegate user id.
func (r *DelegationRepository) FindByApproverID(ctx context.Context, projectID, approverID string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE project_id = $1 AND approver_id = $2 AND approver_id <> ''
		ORDER BY created_at DESC
	`
	return r.list(ctx, "failed to find delegations by approver", query, projectID, approverID)
}

// FindByApproverPhone returns a project's assignments for a delegate phone.
func (r *DelegationRepository) FindByApproverPhone(ctx context.Context, projectID, phone string) ([]*Delegation, error) {
	query := `SELECT ` + delegationColumns + `
		FROM delegations
		WHERE project_id = $1 AND approver_phone = $2 AND approver_phone <> ''
		ORDER BY created_at DESC
	`
	return r.list(ctx, "failed to find delegations by phone", query, projectID, phone)
}

// Accept marks an assignment accepted and active, then deletes every other
// unanswered offer (pending or no status) for the project. Other accepted
// records are left untouched. Inactive records are never revived and
// yield a Conflict. Returns the number of pruned offers.
func (r *DelegationRepository) Accept(ctx context.Context, projectID, id string, message *string) (int64, error) {
	var pruned int64
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var returnedID string
		err := tx.QueryRow(ctx, `
			UPDATE delegations
			SET status           = 'accepted',
			    is_active        = TRUE,
			    response_message = $3,
			    updated_at       = NOW()
			WHERE project_id = $1 AND id::text = $2
			  AND is_active
			RETURNING id::text
		`, projectID, id, message).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			var exists bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (SELECT 1 FROM delegations WHERE project_id = $1 AND id::text = $2)
			`, projectID, id).Scan(&exists); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to accept delegation")
			}
			if exists {
				return errors.Conflict("delegation " + id + " is no longer active")
			}
			return errors.NotFound("delegation", id)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to accept delegation")
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM delegations
			WHERE project_id = $1
			  AND id::text <> $2
			  AND (status IS NULL OR status = 'pending')
		`, projectID, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to prune competing delegations")
		}
		pruned = tag.RowsAffected()
		return nil
	})
	return pruned, err
}

// Reject marks an assignment rejected and inactive.
func (r *DelegationRepository) Reject(ctx context.Context, projectID, id string, message *string) error {
	query := `
		UPDATE delegations
		SET status           = 'rejected',
		    is_active        = FALSE,
		    response_message = $3,
		    updated_at       = NOW()
		WHERE project_id = $1 AND id::text = $2
		RETURNING id::text
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, projectID, id, message).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("delegation", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reject delegation")
	}
	return nil
}

// Deactivate clears is_active. It reports whether the row changed, so a
// repeated call on an inactive record is a no-op returning false.
func (r *DelegationRepository) Deactivate(ctx context.Context, projectID, id string) (bool, error) {
	query := `
		WITH target AS (
		    SELECT id, is_active FROM delegations
		    WHERE project_id = $1 AND id::text = $2
		), changed AS (
		    UPDATE delegations d
		    SET is_active = FALSE, updated_at = NOW()
		    FROM target
		    WHERE d.id = target.id AND target.is_active
		    RETURNING d.id
		)
		SELECT EXISTS (SELECT 1 FROM target), EXISTS (SELECT 1 FROM changed)
	`

	var found, changed bool
	if err := r.db.QueryRow(ctx, query, projectID, id).Scan(&found, &changed); err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate delegation")
	}
	if !found {
		return false, errors.NotFound("delegation", id)
	}
	return changed, nil
}

// Update replaces the approver, start and expiry fields of an assignment.
func (r *DelegationRepository) Update(ctx context.Context, d *Delegation) error {
	query := `
		UPDATE delegations
		SET approver_id    = $3,
		    approver_name  = $4,
		    approver_phone = $5,
		    start_date     = $6,
		    expiring_date  = $7,
		    updated_at     = NOW()
		WHERE project_id = $1 AND id::text = $2
		RETURNING updated_at
	`

	err := r.db.QueryRow(ctx, query,
		d.ProjectID,
		d.ID,
		d.ApproverID,
		d.ApproverName,
		d.ApproverPhone,
		d.StartDate,
		d.ExpiringDate,
	).Scan(&d.UpdatedAt)
	if err == pgx.ErrNoRows {
		return errors.NotFound("delegation", d.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update delegation")
	}
	return nil
}

// Delete hard-deletes one assignment.
func (r *DelegationRepository) Delete(ctx context.Context, projectID, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM delegations WHERE project_id = $1 AND id::text = $2`, projectID, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete delegation")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("delegation", id)
	}
	return nil
}

// DeleteByApproverID hard-deletes every assignment of a delegate on a project.
func (r *DelegationRepository) DeleteByApproverID(ctx context.Context, projectID, approverID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM delegations
		WHERE project_id = $1 AND approver_id = $2 AND approver_id <> ''
	`, projectID, approverID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to delete delegations")
	}
	return tag.RowsAffected(), nil
}

// ProjectsWithExpired returns the ids of projects holding at least one
// accepted, active assignment whose expiry is before now.
func (r *DelegationRepository) ProjectsWithExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT project_id
		FROM delegations
		WHERE status = 'accepted'
		  AND is_active
		  AND expiring_date IS NOT NULL
		  AND expiring_date < $1
		ORDER BY project_id
	`, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find expired delegations")
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan project ids")
	}
	return ids, nil
}

// Subscribe listens for ledger changes on a project. One value is sent per
// change notification; sends are coalesced when the consumer lags. The
// channel closes when ctx ends or the listening connection fails.
func (r *DelegationRepository) Subscribe(ctx context.Context, projectID string) (<-chan struct{}, error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, errors.Unavailable("database", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+delegationsChannel); err != nil {
		conn.Release()
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to listen for delegation changes")
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			// UNLISTEN on a fresh context: ctx is already done here.
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+delegationsChannel)
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			if n.Payload != projectID {
				continue
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func nullableStatus(s DelegationStatus) *string {
	if s == DelegationUnset {
		return nil
	}
	v := string(s)
	return &v
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *DelegationRepository) scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	var status string
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.ApproverID,
		&d.ApproverName,
		&d.ApproverPhone,
		&d.AssignedDate,
		&d.StartDate,
		&d.ExpiringDate,
		&status,
		&d.IsActive,
		&d.AssignedBy,
		&d.AssignedByName,
		&d.ResponseMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Status = DelegationStatus(status)
	return d, nil
}

func (r *DelegationRepository) list(ctx context.Context, failure, query string, args ...any) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, failure)
	}
	defer rows.Close()

	var out []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, failure)
	}
	return out, nil
}
