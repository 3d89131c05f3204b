package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/telemetry"
)

// Writer appends hash-chained entries to an organization's ledger.
//
// Appends race on "read tail, insert tail+1". Rather than an in-process mutex
// (wrong under horizontal scaling), the writer relies on the unique constraint
// on (organization_id, ledger_seq): the loser of a race gets a unique
// violation, re-reads the fresh tail, and retries. maxRetries bounds the loop
// so a pathological hot chain surfaces an error instead of spinning.
type Writer struct {
	repo       *repositories.LedgerRepository
	salt       string
	maxRetries int
}

// NewWriter creates a ledger writer. maxRetries values below 1 are clamped to 1.
func NewWriter(repo *repositories.LedgerRepository, salt string, maxRetries int) *Writer {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Writer{repo: repo, salt: salt, maxRetries: maxRetries}
}

// Append writes one entry to the organization's chain and returns it with its
// assigned sequence and computed hash. Failure never skips a sequence: either
// the row is inserted with a valid link to the previous tail, or an error is
// returned and the chain is untouched.
func (w *Writer) Append(ctx context.Context, orgID string, actorID *string, eventName, targetType string, targetID *string, metadata map[string]interface{}) (*models.LedgerEntry, error) {
	var lastErr error

	for attempt := 0; attempt < w.maxRetries; attempt++ {
		tail, err := w.repo.GetChainTail(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain tail: %w", err)
		}

		var seq int64 = 1
		prevHash := ""
		if tail != nil {
			seq = tail.LedgerSeq + 1
			prevHash = tail.Hash
		}

		// timestamptz stores microseconds; hashing anything finer would make
		// the stored hash unrecomputable from the row a verifier reads back.
		createdAt := time.Now().UTC().Truncate(time.Microsecond)
		hash, err := ComputeHash(prevHash, HashInput{
			Seq:        seq,
			OrgID:      orgID,
			ActorID:    actorID,
			EventName:  eventName,
			TargetType: targetType,
			TargetID:   targetID,
			Metadata:   metadata,
			CreatedAt:  createdAt,
		}, w.salt)
		if err != nil {
			return nil, fmt.Errorf("failed to compute entry hash: %w", err)
		}

		entry := &models.LedgerEntry{
			OrganizationID: orgID,
			LedgerSeq:      seq,
			ActorID:        actorID,
			EventName:      eventName,
			TargetType:     targetType,
			TargetID:       targetID,
			Metadata:       metadata,
			PrevHash:       prevHash,
			Hash:           hash,
			CreatedAt:      createdAt,
		}

		err = w.repo.InsertEntry(ctx, entry)
		if err == nil {
			telemetry.LedgerAppendsTotal.WithLabelValues(eventNamespace(eventName)).Inc()
			return entry, nil
		}

		if repositories.IsUniqueViolation(err) {
			// Lost the race for this sequence number; re-read the tail and retry
			telemetry.LedgerAppendRetriesTotal.Inc()
			slog.Debug("ledger sequence collision, retrying append",
				"organization_id", orgID, "seq", seq, "attempt", attempt+1)
			lastErr = err
			continue
		}

		telemetry.LedgerAppendFailuresTotal.Inc()
		return nil, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	telemetry.LedgerAppendFailuresTotal.Inc()
	return nil, fmt.Errorf("ledger append exhausted %d retries for organization %s: %w", w.maxRetries, orgID, lastErr)
}

// eventNamespace returns the part of a dot-namespaced event name before the
// first dot ("job.created" -> "job"), keeping metric label cardinality bounded.
func eventNamespace(eventName string) string {
	if idx := strings.IndexByte(eventName, '.'); idx > 0 {
		return eventName[:idx]
	}
	return eventName
}
