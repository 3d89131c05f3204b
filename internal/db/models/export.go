// Package models - export.go defines the ExportRecord model. Exports are
// produced by the report-generation collaborator; the sync core only reads
// them to verify that an exported manifest matches its recorded hash.
package models

import "time"

// Export states as written by the report-generation collaborator.
const (
	ExportStatePending   = "pending"
	ExportStateCompleted = "completed"
	ExportStateFailed    = "failed"
)

// ExportRecord represents a completed (or in-flight) manifest export
type ExportRecord struct {
	ID             string    `db:"id"`
	OrganizationID string    `db:"organization_id"`
	State          string    `db:"state"`
	ManifestHash   *string   `db:"manifest_hash"`
	CreatedAt      time.Time `db:"created_at"`
}
