// ledger_repository.go implements LedgerRepository, the persistence layer for
// the append-only hash chain. It deliberately exposes no update or delete
// methods: the only mutation is InsertEntry, and the uq_ledger_org_seq unique
// constraint serializes concurrent appends per organization.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
	"github.com/google/uuid"
)

// LedgerRepository handles database operations for ledger entries
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// LedgerFilters contains optional filters for listing ledger entries
type LedgerFilters struct {
	EventName  string
	TargetType string
	TargetID   string
	Limit      int
	Offset     int
}

// GetChainTail returns the highest-sequence entry for an organization, or
// nil if the chain is empty (genesis case)
func (r *LedgerRepository) GetChainTail(ctx context.Context, orgID string) (*models.LedgerEntry, error) {
	query := `
		SELECT id, organization_id, ledger_seq, actor_id, event_name, target_type,
		       target_id, metadata, prev_hash, hash, created_at
		FROM ledger_entries
		WHERE organization_id = $1
		ORDER BY ledger_seq DESC
		LIMIT 1
	`

	entry, err := r.scanEntry(r.db.QueryRowContext(ctx, query, orgID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Empty chain
		}
		return nil, fmt.Errorf("failed to get chain tail: %w", err)
	}

	return entry, nil
}

// InsertEntry persists a fully computed ledger entry. The caller (the ledger
// writer) has already assigned ledger_seq, prev_hash, and hash; a concurrent
// append claiming the same sequence surfaces as a unique violation, which is
// returned unwrapped so the writer can retry from a fresh tail.
func (r *LedgerRepository) InsertEntry(ctx context.Context, entry *models.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal ledger metadata: %w", err)
	}

	query := `
		INSERT INTO ledger_entries (id, organization_id, ledger_seq, actor_id, event_name,
		                            target_type, target_id, metadata, prev_hash, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.db.ExecContext(ctx, query,
		entry.ID,
		entry.OrganizationID,
		entry.LedgerSeq,
		entry.ActorID,
		entry.EventName,
		entry.TargetType,
		entry.TargetID,
		metadataJSON,
		entry.PrevHash,
		entry.Hash,
		entry.CreatedAt,
	)

	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// GetEntry retrieves a ledger entry by id, scoped to the organization
func (r *LedgerRepository) GetEntry(ctx context.Context, orgID, id string) (*models.LedgerEntry, error) {
	query := `
		SELECT id, organization_id, ledger_seq, actor_id, event_name, target_type,
		       target_id, metadata, prev_hash, hash, created_at
		FROM ledger_entries
		WHERE id = $1 AND organization_id = $2
	`

	entry, err := r.scanEntry(r.db.QueryRowContext(ctx, query, id, orgID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return entry, nil
}

// GetEntryBySeq retrieves the entry holding a specific sequence number in an
// organization's chain. Used by the verifier when walking prev links.
func (r *LedgerRepository) GetEntryBySeq(ctx context.Context, orgID string, seq int64) (*models.LedgerEntry, error) {
	query := `
		SELECT id, organization_id, ledger_seq, actor_id, event_name, target_type,
		       target_id, metadata, prev_hash, hash, created_at
		FROM ledger_entries
		WHERE organization_id = $1 AND ledger_seq = $2
	`

	entry, err := r.scanEntry(r.db.QueryRowContext(ctx, query, orgID, seq))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Gap in the chain
		}
		return nil, fmt.Errorf("failed to get ledger entry by seq: %w", err)
	}

	return entry, nil
}

// ListEntries returns entries for an organization in descending sequence
// order, applying any optional filters
func (r *LedgerRepository) ListEntries(ctx context.Context, orgID string, filters LedgerFilters) ([]*models.LedgerEntry, error) {
	query := `
		SELECT id, organization_id, ledger_seq, actor_id, event_name, target_type,
		       target_id, metadata, prev_hash, hash, created_at
		FROM ledger_entries
		WHERE organization_id = $1
	`

	args := []interface{}{orgID}
	argIdx := 2

	if filters.EventName != "" {
		query += fmt.Sprintf(" AND event_name = $%d", argIdx)
		args = append(args, filters.EventName)
		argIdx++
	}
	if filters.TargetType != "" {
		query += fmt.Sprintf(" AND target_type = $%d", argIdx)
		args = append(args, filters.TargetType)
		argIdx++
	}
	if filters.TargetID != "" {
		query += fmt.Sprintf(" AND target_id = $%d", argIdx)
		args = append(args, filters.TargetID)
		argIdx++
	}

	query += " ORDER BY ledger_seq DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*models.LedgerEntry, 0)
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}

	return entries, nil
}

// FindExportCompletedEntry locates the ledger entry recording the completion
// of a given export, used by manifest verification to cross-check the
// manifest hash captured at export time
func (r *LedgerRepository) FindExportCompletedEntry(ctx context.Context, orgID, exportID string) (*models.LedgerEntry, error) {
	query := `
		SELECT id, organization_id, ledger_seq, actor_id, event_name, target_type,
		       target_id, metadata, prev_hash, hash, created_at
		FROM ledger_entries
		WHERE organization_id = $1 AND event_name = 'export.completed'
		  AND target_type = 'export' AND target_id = $2
		ORDER BY ledger_seq DESC
		LIMIT 1
	`

	entry, err := r.scanEntry(r.db.QueryRowContext(ctx, query, orgID, exportID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No completion event recorded
		}
		return nil, fmt.Errorf("failed to find export completion entry: %w", err)
	}

	return entry, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *LedgerRepository) scanEntry(row rowScanner) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	var metadataJSON []byte

	err := row.Scan(
		&entry.ID,
		&entry.OrganizationID,
		&entry.LedgerSeq,
		&entry.ActorID,
		&entry.EventName,
		&entry.TargetType,
		&entry.TargetID,
		&metadataJSON,
		&entry.PrevHash,
		&entry.Hash,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ledger metadata: %w", err)
		}
	}

	return entry, nil
}
