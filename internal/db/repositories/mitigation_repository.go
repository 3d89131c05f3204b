// mitigation_repository.go implements MitigationRepository for hazard and
// control rows (one table, distinguished by hazard_id) and their sidecar
// deletion tombstones.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// MitigationRepository handles database operations for mitigation items
type MitigationRepository struct {
	db *sqlx.DB
}

// NewMitigationRepository creates a new mitigation repository
func NewMitigationRepository(db *sqlx.DB) *MitigationRepository {
	return &MitigationRepository{db: db}
}

// GetByID retrieves a mitigation item scoped to the organization
func (r *MitigationRepository) GetByID(ctx context.Context, orgID, id string) (*models.MitigationItem, error) {
	query := `
		SELECT id, organization_id, job_id, hazard_id, title, description, done,
		       completed_at, created_at, updated_at
		FROM mitigation_items
		WHERE id = $1 AND organization_id = $2
	`

	item := &models.MitigationItem{}
	err := r.db.GetContext(ctx, item, query, id, orgID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get mitigation item: %w", err)
	}

	return item, nil
}

// Create inserts a new hazard or control. As with jobs, offline clients may
// supply their own id; a unique-violation error is returned unwrapped.
func (r *MitigationRepository) Create(ctx context.Context, item *models.MitigationItem) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}

	query := `
		INSERT INTO mitigation_items (id, organization_id, job_id, hazard_id, title, description, done, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		item.ID,
		item.OrganizationID,
		item.JobID,
		item.HazardID,
		item.Title,
		item.Description,
		item.Done,
		item.CompletedAt,
	).Scan(&item.CreatedAt, &item.UpdatedAt)

	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to create mitigation item: %w", err)
	}

	return nil
}

// Update persists the mutable mitigation fields and bumps updated_at.
// completed_at is written as-is: the sync layer owns the set-once semantics
// (stamped on the transition into done, never cleared afterwards).
func (r *MitigationRepository) Update(ctx context.Context, item *models.MitigationItem) error {
	query := `
		UPDATE mitigation_items
		SET title = $1, description = $2, done = $3, completed_at = $4, updated_at = NOW()
		WHERE id = $5 AND organization_id = $6
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		item.Title,
		item.Description,
		item.Done,
		item.CompletedAt,
		item.ID,
		item.OrganizationID,
	).Scan(&item.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("mitigation item not found: %s", item.ID)
		}
		return fmt.Errorf("failed to update mitigation item: %w", err)
	}

	return nil
}

// DeleteWithTombstone removes a mitigation item and records its tombstone in
// one transaction. Deleting a hazard cascades to its controls via the schema's
// ON DELETE CASCADE; only the hazard itself gets a tombstone row because pull
// clients evict child controls together with their parent.
//
// The operation is idempotent: if the row is already gone the tombstone insert
// is attempted anyway (ON CONFLICT DO NOTHING) and no error is returned, so a
// client retrying a delete after a lost response converges to the same state.
func (r *MitigationRepository) DeleteWithTombstone(ctx context.Context, item *models.MitigationTombstone) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleteQuery := `
		DELETE FROM mitigation_items
		WHERE id = $1 AND organization_id = $2
	`
	if _, err := tx.ExecContext(ctx, deleteQuery, item.ID, item.OrganizationID); err != nil {
		return fmt.Errorf("failed to delete mitigation item: %w", err)
	}

	tombstoneQuery := `
		INSERT INTO mitigation_deletions (id, organization_id, job_id, hazard_id, deleted_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, tombstoneQuery, item.ID, item.OrganizationID, item.JobID, item.HazardID); err != nil {
		return fmt.Errorf("failed to record mitigation tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mitigation delete: %w", err)
	}

	return nil
}

// ListChangedSince returns mitigation items mutated at or after the watermark,
// ordered by (updated_at, id) for deterministic paging
func (r *MitigationRepository) ListChangedSince(ctx context.Context, orgID string, since time.Time, limit, offset int) ([]*models.MitigationItem, error) {
	query := `
		SELECT id, organization_id, job_id, hazard_id, title, description, done,
		       completed_at, created_at, updated_at
		FROM mitigation_items
		WHERE organization_id = $1 AND updated_at >= $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`

	items := make([]*models.MitigationItem, 0)
	if err := r.db.SelectContext(ctx, &items, query, orgID, since, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list changed mitigation items: %w", err)
	}

	return items, nil
}

// ListTombstonesSince returns deletion tombstones recorded at or after the watermark
func (r *MitigationRepository) ListTombstonesSince(ctx context.Context, orgID string, since time.Time) ([]*models.MitigationTombstone, error) {
	query := `
		SELECT id, organization_id, job_id, hazard_id, deleted_at
		FROM mitigation_deletions
		WHERE organization_id = $1 AND deleted_at >= $2
		ORDER BY deleted_at ASC
	`

	tombstones := make([]*models.MitigationTombstone, 0)
	if err := r.db.SelectContext(ctx, &tombstones, query, orgID, since); err != nil {
		return nil, fmt.Errorf("failed to list mitigation tombstones: %w", err)
	}

	return tombstones, nil
}
