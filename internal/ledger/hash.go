// Package ledger implements the append-only hash-chained audit ledger: a pure
// hash engine, a writer that serializes appends per organization, and a
// verifier that proves entries have not been altered after the fact.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldtrace/fieldtrace/pkg/checksum"
)

// canonicalTimeFormat is the serialization of created_at inside the canonical
// object. Writer and verifier both format the stored timestamp through this,
// so the bytes hashed at write time and at verify time are identical.
const canonicalTimeFormat = time.RFC3339Nano

// HashInput carries the fields of one ledger entry that participate in its
// hash. Pointer fields model nullable columns; nil is coerced to "" in the
// canonical object, never omitted.
type HashInput struct {
	Seq        int64
	OrgID      string
	ActorID    *string
	EventName  string
	TargetType string
	TargetID   *string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

// canonicalEntry fixes the key order of the serialized object. encoding/json
// emits struct fields in declaration order, which makes the serialization
// byte-stable across calls; the order is part of the persisted hash contract
// and must never change.
type canonicalEntry struct {
	Seq        int64                  `json:"seq"`
	OrgID      string                 `json:"org_id"`
	ActorID    string                 `json:"actor_id"`
	Event      string                 `json:"event"`
	TargetType string                 `json:"target_type"`
	TargetID   string                 `json:"target_id"`
	CreatedAt  string                 `json:"created_at"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// ComputeHash deterministically hashes one ledger entry. The canonical object
// is serialized as 2-space-indented JSON; the digest input is the serialized
// text, then the previous entry's hash (empty for the first entry of a
// chain), then the secret salt; the digest is hex-encoded SHA-256.
//
// Identical inputs always yield the identical hash: there is no randomness
// and no clock read beyond the passed CreatedAt. Map keys inside metadata are
// emitted in sorted order by encoding/json, so metadata content alone
// determines its serialization.
func ComputeHash(prevHash string, in HashInput, salt string) (string, error) {
	entry := canonicalEntry{
		Seq:        in.Seq,
		OrgID:      in.OrgID,
		ActorID:    derefOrEmpty(in.ActorID),
		Event:      in.EventName,
		TargetType: in.TargetType,
		TargetID:   derefOrEmpty(in.TargetID),
		CreatedAt:  in.CreatedAt.UTC().Format(canonicalTimeFormat),
		Metadata:   in.Metadata,
	}

	serialized, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize canonical entry: %w", err)
	}

	input := string(serialized) + prevHash + salt
	return checksum.SumSHA256([]byte(input)), nil
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
