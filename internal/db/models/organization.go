// Package models - organization.go defines the Organization model, the tenant
// boundary every job, mitigation item, and ledger entry is scoped to.
package models

import "time"

// Organization represents a tenant in the multi-tenant deployment
type Organization struct {
	ID          string
	Name        string
	DisplayName string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
