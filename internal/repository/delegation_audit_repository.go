package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-expense-approvals/internal/database"
	"github.com/pesio-ai/be-expense-approvals/internal/errors"
)

// DelegationAuditRepository appends and reads immutable delegation audit entries.
type DelegationAuditRepository struct {
	db *database.DB
}

// NewDelegationAuditRepository creates a new DelegationAuditRepository.
func NewDelegationAuditRepository(db *database.DB) *DelegationAuditRepository {
	return &DelegationAuditRepository{db: db}
}

// Append inserts one audit entry. The table rejects updates and deletes, so
// this is the only mutation exposed.
func (r *DelegationAuditRepository) Append(ctx context.Context, entry *DelegationAuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO delegation_audit_log
		    (delegation_id, project_id, action, performed_by, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id::text, performed_at
	`

	err := r.db.QueryRow(ctx, query,
		entry.DelegationID,
		entry.ProjectID,
		entry.Action,
		entry.PerformedBy,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append delegation audit entry")
	}
	return nil
}

// ListByProject returns a project's audit trail ordered oldest-first.
func (r *DelegationAuditRepository) ListByProject(ctx context.Context, projectID string) ([]*DelegationAuditEntry, error) {
	query := `
		SELECT id::text, delegation_id, project_id,
		       action, performed_by, performed_at, metadata
		FROM delegation_audit_log
		WHERE project_id = $1
		ORDER BY performed_at ASC, id
	`

	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delegation audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *DelegationAuditRepository) scanRows(rows pgx.Rows) ([]*DelegationAuditEntry, error) {
	var entries []*DelegationAuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read delegation audit log")
	}
	return entries, nil
}

func (r *DelegationAuditRepository) scanEntry(sc rowScanner) (*DelegationAuditEntry, error) {
	entry := &DelegationAuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.DelegationID,
		&entry.ProjectID,
		&entry.Action,
		&entry.PerformedBy,
		&entry.PerformedAt,
		&metadataJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
		}
	}
	return entry, nil
}
