// export_repository.go implements ExportRepository. Export rows are written by
// the report-generation collaborator; this repository only reads them for
// manifest verification.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
)

// ExportRepository handles database operations for export records
type ExportRepository struct {
	db *sql.DB
}

// NewExportRepository creates a new export repository
func NewExportRepository(db *sql.DB) *ExportRepository {
	return &ExportRepository{db: db}
}

// GetByID retrieves an export record scoped to the organization
func (r *ExportRepository) GetByID(ctx context.Context, orgID, id string) (*models.ExportRecord, error) {
	query := `
		SELECT id, organization_id, state, manifest_hash, created_at
		FROM exports
		WHERE id = $1 AND organization_id = $2
	`

	record := &models.ExportRecord{}
	err := r.db.QueryRowContext(ctx, query, id, orgID).Scan(
		&record.ID,
		&record.OrganizationID,
		&record.State,
		&record.ManifestHash,
		&record.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get export record: %w", err)
	}

	return record, nil
}
