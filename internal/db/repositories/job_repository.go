// job_repository.go implements JobRepository, providing tenant-scoped queries
// for job rows: lookup, insert (with optional client-supplied id), partial
// update persistence, draft soft-delete, and the watermark queries consumed by
// the change puller.
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

// JobRepository handles database operations for jobs
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// GetByID retrieves a live (non-tombstoned) job scoped to the organization
func (r *JobRepository) GetByID(ctx context.Context, orgID, id string) (*models.Job, error) {
	query := `
		SELECT id, organization_id, client_name, job_type, location, status, notes,
		       created_by, created_at, updated_at, deleted_at
		FROM jobs
		WHERE id = $1 AND organization_id = $2 AND deleted_at IS NULL
	`

	job := &models.Job{}
	err := r.db.GetContext(ctx, job, query, id, orgID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// Create inserts a new job. If job.ID is empty a server id is generated;
// otherwise the supplied id is used so offline clients can pre-generate UUIDs.
// A unique-violation error is returned unwrapped so callers can classify it.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusDraft
	}

	query := `
		INSERT INTO jobs (id, organization_id, client_name, job_type, location, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		job.ID,
		job.OrganizationID,
		job.ClientName,
		job.JobType,
		job.Location,
		job.Status,
		job.Notes,
		job.CreatedBy,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// Update persists the mutable job fields and bumps updated_at. The caller is
// responsible for having applied partial-update semantics to the struct first.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	query := `
		UPDATE jobs
		SET client_name = $1, job_type = $2, location = $3, status = $4, notes = $5, updated_at = NOW()
		WHERE id = $6 AND organization_id = $7 AND deleted_at IS NULL
		RETURNING updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		job.ClientName,
		job.JobType,
		job.Location,
		job.Status,
		job.Notes,
		job.ID,
		job.OrganizationID,
	).Scan(&job.UpdatedAt)

	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("job not found: %s", job.ID)
		}
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

// SoftDelete tombstones a job by setting deleted_at. The status gate (draft
// only) is enforced by the sync layer before this is called; the WHERE clause
// repeats it as a last line of defence against racing status changes.
func (r *JobRepository) SoftDelete(ctx context.Context, orgID, id string) (*time.Time, error) {
	query := `
		UPDATE jobs
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND organization_id = $2 AND status = $3 AND deleted_at IS NULL
		RETURNING deleted_at
	`

	var deletedAt time.Time
	err := r.db.QueryRowContext(ctx, query, id, orgID, models.JobStatusDraft).Scan(&deletedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not deletable (missing, already deleted, or no longer draft)
		}
		return nil, fmt.Errorf("failed to delete job: %w", err)
	}

	return &deletedAt, nil
}

// ListChangedSince returns live jobs mutated at or after the watermark,
// ordered by (updated_at, id) so page boundaries are deterministic.
// limit+1 rows are requested so the caller can detect has_more without a
// separate count query.
func (r *JobRepository) ListChangedSince(ctx context.Context, orgID string, since time.Time, limit, offset int) ([]*models.Job, error) {
	query := `
		SELECT id, organization_id, client_name, job_type, location, status, notes,
		       created_by, created_at, updated_at, deleted_at
		FROM jobs
		WHERE organization_id = $1 AND updated_at >= $2 AND deleted_at IS NULL
		ORDER BY updated_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`

	jobs := make([]*models.Job, 0)
	if err := r.db.SelectContext(ctx, &jobs, query, orgID, since, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list changed jobs: %w", err)
	}

	return jobs, nil
}

// ListDeletedSince returns ids of jobs tombstoned at or after the watermark
func (r *JobRepository) ListDeletedSince(ctx context.Context, orgID string, since time.Time) ([]string, error) {
	query := `
		SELECT id
		FROM jobs
		WHERE organization_id = $1 AND deleted_at IS NOT NULL AND deleted_at >= $2
		ORDER BY deleted_at ASC
	`

	ids := make([]string, 0)
	if err := r.db.SelectContext(ctx, &ids, query, orgID, since); err != nil {
		return nil, fmt.Errorf("failed to list deleted jobs: %w", err)
	}

	return ids, nil
}
