package repository

import (
	"context"
	"fmt"

	"github.com/openrepo/editsync/cmd/editsync/models"
	"github.com/openrepo/editsync/common/db"
)

// PatchJournalRepository stores submit history in Postgres
type PatchJournalRepository struct {
	db *db.DB
}

// NewPatchJournalRepository creates a new patch journal repository
func NewPatchJournalRepository(database *db.DB) *PatchJournalRepository {
	return &PatchJournalRepository{db: database}
}

// Record inserts a journal entry and fills in its creation time
func (r *PatchJournalRepository) Record(ctx context.Context, entry *models.JournalEntry) error {
	query := `
		INSERT INTO patch_journal
			(id, resource_url, resource_type, submitted_by, operations, op_count, outcome, status_code, error_message, drift)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	var drift any
	if len(entry.Drift) > 0 {
		drift = entry.Drift
	}

	err := r.db.QueryRow(
		ctx,
		query,
		entry.ID,
		entry.ResourceURL,
		entry.ResourceType,
		entry.SubmittedBy,
		entry.Operations,
		entry.OpCount,
		entry.Outcome,
		entry.StatusCode,
		entry.ErrorMessage,
		drift,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record patch journal entry: %w", err)
	}

	return nil
}

// ListByResource returns the newest entries for a resource first
func (r *PatchJournalRepository) ListByResource(ctx context.Context, resourceURL string, limit int) ([]*models.JournalEntry, error) {
	query := `
		SELECT id, resource_url, resource_type, submitted_by, operations, op_count, outcome,
		       status_code, error_message, drift, created_at
		FROM patch_journal
		WHERE resource_url = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, resourceURL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list patch journal: %w", err)
	}
	defer rows.Close()

	var entries []*models.JournalEntry
	for rows.Next() {
		e := &models.JournalEntry{}
		var drift []byte
		err := rows.Scan(&e.ID, &e.ResourceURL, &e.ResourceType, &e.SubmittedBy, &e.Operations, &e.OpCount,
			&e.Outcome, &e.StatusCode, &e.ErrorMessage, &drift, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patch journal entry: %w", err)
		}
		e.Drift = drift
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patch journal: %w", err)
	}

	return entries, nil
}
