// Package models - ledger_entry.go defines the LedgerEntry model, the
// append-only hash-chained audit row used to prove non-repudiation of
// recorded events.
//
// For every organization the entries ordered by LedgerSeq form a hash chain:
// each entry's PrevHash equals the immediately preceding entry's Hash, and
// Hash is a deterministic function of the entry's own canonical fields plus
// PrevHash. Entries are immutable once written; there is no update or delete
// path anywhere in the codebase.
package models

import "time"

// LedgerEntry represents one immutable audit event in an organization's chain
type LedgerEntry struct {
	ID             string                 `db:"id"`
	OrganizationID string                 `db:"organization_id"`
	LedgerSeq      int64                  `db:"ledger_seq"`
	ActorID        *string                `db:"actor_id"` // nil for system-generated events
	EventName      string                 `db:"event_name"` // dot-namespaced: "job.created", "sync.conflict_resolved"
	TargetType     string                 `db:"target_type"`
	TargetID       *string                `db:"target_id"`
	Metadata       map[string]interface{} // JSONB: additional context
	PrevHash       string                 `db:"prev_hash"` // empty for the first entry of a chain
	Hash           string                 `db:"hash"`
	CreatedAt      time.Time              `db:"created_at"`
}
