// Package models - job.go defines the Job model, the tenant-scoped work record
// that offline clients create and mutate through the sync batch processor.
package models

import "time"

// Job statuses. A job may only be tombstoned while still in draft;
// deleting a job in any other status is a sync conflict, not an error.
const (
	JobStatusDraft      = "draft"
	JobStatusInProgress = "in-progress"
	JobStatusCompleted  = "completed"
	JobStatusCancelled  = "cancelled"
)

// Job represents a field-operations work record
type Job struct {
	ID             string     `db:"id" json:"id"`
	OrganizationID string     `db:"organization_id" json:"organization_id"`
	ClientName     string     `db:"client_name" json:"client_name"`
	JobType        string     `db:"job_type" json:"job_type"`
	Location       string     `db:"location" json:"location"`
	Status         string     `db:"status" json:"status"`
	Notes          *string    `db:"notes" json:"notes,omitempty"`
	CreatedBy      *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt      *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}
