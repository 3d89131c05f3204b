// Package models - mitigation_item.go defines the MitigationItem model backing
// both hazards and controls, plus the sidecar deletion tombstone.
//
// Hazards and controls share one table; the HazardID self-reference
// distinguishes them. A row with HazardID = nil is a hazard; a row with it set
// is a control belonging to that hazard. Deletions are recorded in a separate
// append-only tombstone table rather than a soft-delete flag so that
// watermark-based pull clients can learn about deletions after the row itself
// is gone.
package models

import "time"

// MitigationItem represents a hazard (HazardID nil) or a control (HazardID set)
type MitigationItem struct {
	ID             string     `db:"id" json:"id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	JobID          string     `db:"job_id" json:"job_id"`
	HazardID       *string    `db:"hazard_id" json:"hazard_id,omitempty"`
	Title          string     `db:"title" json:"title"`
	Description    *string    `db:"description" json:"description,omitempty"`
	Done           bool       `db:"done" json:"done"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// IsHazard reports whether the item is a hazard (as opposed to a control)
func (m *MitigationItem) IsHazard() bool {
	return m.HazardID == nil
}

// MitigationTombstone records the deletion of a mitigation item. The row keeps
// the parent references so pull clients can evict the item from the right
// local collection without ever seeing the deleted row again.
type MitigationTombstone struct {
	ID             string    `db:"id" json:"id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	JobID          string    `db:"job_id" json:"job_id"`
	HazardID       *string   `db:"hazard_id" json:"hazard_id,omitempty"`
	DeletedAt      time.Time `db:"deleted_at" json:"deleted_at"`
}
