// Package models - user.go defines the User model. Users are created and
// authenticated by the external identity collaborator; the sync core only
// needs enough of the row to scope ownership checks and attribute ledger entries.
package models

import "time"

// User represents an authenticated actor
type User struct {
	ID             string
	OrganizationID string
	Email          string
	DisplayName    *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
