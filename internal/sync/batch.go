package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/ledger"
	"github.com/fieldtrace/fieldtrace/internal/telemetry"
)

// Processor applies batched mutation operations. Each operation is processed
// independently: one operation's failure or conflict never aborts or rolls
// back the others, and the batch as a whole is not transactional — a caller
// that times out mid-batch must retry idempotently by client operation id.
type Processor struct {
	jobs         *repositories.JobRepository
	mitigations  *repositories.MitigationRepository
	ledger       *ledger.Writer
	maxBatchSize int
}

// NewProcessor creates a batch processor
func NewProcessor(jobs *repositories.JobRepository, mitigations *repositories.MitigationRepository, ledgerWriter *ledger.Writer, maxBatchSize int) *Processor {
	return &Processor{
		jobs:         jobs,
		mitigations:  mitigations,
		ledger:       ledgerWriter,
		maxBatchSize: maxBatchSize,
	}
}

// ApplyBatch processes a batch of operations and returns exactly one result
// per operation. It fails wholesale only on malformed input (empty batch or
// over the size cap) before any operation is attempted.
func (p *Processor) ApplyBatch(ctx context.Context, orgID, actorID string, ops []MutationOperation) ([]OperationResult, error) {
	if len(ops) == 0 {
		return nil, &ValidationError{Field: "operations", Message: "batch must contain at least one operation"}
	}
	if len(ops) > p.maxBatchSize {
		return nil, &ValidationError{
			Field:   "operations",
			Message: fmt.Sprintf("batch size %d exceeds maximum %d", len(ops), p.maxBatchSize),
		}
	}

	results := make([]OperationResult, 0, len(ops))
	for _, op := range ops {
		result := p.applyOperation(ctx, orgID, actorID, op)
		telemetry.SyncOperationsTotal.WithLabelValues(op.Type, result.Status).Inc()
		results = append(results, result)
	}

	return results, nil
}

func (p *Processor) applyOperation(ctx context.Context, orgID, actorID string, op MutationOperation) OperationResult {
	result := OperationResult{OperationID: op.ID}

	switch op.Type {
	case OpCreateJob:
		p.applyCreateJob(ctx, orgID, actorID, op, &result)
	case OpUpdateJob:
		p.applyUpdateJob(ctx, orgID, actorID, op, &result)
	case OpDeleteJob:
		p.applyDeleteJob(ctx, orgID, actorID, op, &result)
	case OpCreateHazard:
		p.applyCreateMitigation(ctx, orgID, actorID, op, &result, false)
	case OpCreateControl:
		p.applyCreateMitigation(ctx, orgID, actorID, op, &result, true)
	case OpUpdateHazard, OpUpdateControl:
		p.applyUpdateMitigation(ctx, orgID, actorID, op, &result)
	case OpDeleteHazard, OpDeleteControl:
		p.applyDeleteMitigation(ctx, orgID, actorID, op, &result)
	default:
		result.Status = StatusError
		result.Error = fmt.Sprintf("unknown operation type: %s", op.Type)
	}

	return result
}

// ---------------------------------------------------------------------------
// Jobs
// ---------------------------------------------------------------------------

func (p *Processor) applyCreateJob(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult) {
	clientName, _ := stringField(op.Payload, jobFieldAliases, "client_name")
	jobType, _ := stringField(op.Payload, jobFieldAliases, "job_type")
	location, _ := stringField(op.Payload, jobFieldAliases, "location")

	for field, value := range map[string]string{"client_name": clientName, "job_type": jobType, "location": location} {
		if value == "" {
			result.Status = StatusError
			result.Error = (&ValidationError{Field: field, Message: "required for create_job"}).Error()
			return
		}
	}

	job := &models.Job{
		OrganizationID: orgID,
		ClientName:     clientName,
		JobType:        jobType,
		Location:       location,
		CreatedBy:      &actorID,
	}
	if id, ok := stringField(op.Payload, jobFieldAliases, "id"); ok {
		job.ID = id
	}
	if status, ok := stringField(op.Payload, jobFieldAliases, "status"); ok {
		job.Status = status
	}
	if notes, ok := stringPtrField(op.Payload, jobFieldAliases, "notes"); ok {
		job.Notes = notes
	}

	if err := p.jobs.Create(ctx, job); err != nil {
		if repositories.IsUniqueViolation(err) {
			result.Status = StatusConflict
			result.Conflict = &Conflict{
				EntityType: "job",
				EntityID:   job.ID,
				Field:      "id",
				LocalValue: job.ID,
			}
			return
		}
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "create_job", Err: err}).Error()
		return
	}

	result.Status = StatusSuccess
	result.ServerID = job.ID
	p.audit(ctx, orgID, actorID, "job.created", "job", job.ID, op.ID, nil)
}

func (p *Processor) applyUpdateJob(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult) {
	id, ok := stringField(op.Payload, jobFieldAliases, "id")
	if !ok || id == "" {
		result.Status = StatusError
		result.Error = (&ValidationError{Field: "id", Message: "required for update_job"}).Error()
		return
	}

	job, err := p.jobs.GetByID(ctx, orgID, id)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "update_job", Err: err}).Error()
		return
	}
	if job == nil {
		result.Status = StatusError
		result.Error = (&NotFoundError{EntityType: "job", EntityID: id}).Error()
		return
	}

	// Optimistic concurrency: a stale last-known updated_at is a conflict,
	// never a silent overwrite
	if clientUpdatedAt, ok := timeField(op.Payload, jobFieldAliases, "updated_at"); ok {
		if !sameInstant(clientUpdatedAt, job.UpdatedAt) {
			result.Status = StatusConflict
			result.Conflict = &Conflict{
				EntityType:  "job",
				EntityID:    job.ID,
				Field:       "updated_at",
				ServerValue: job.UpdatedAt,
				LocalValue:  clientUpdatedAt,
			}
			return
		}
	}

	// Partial update: only fields present in the payload are touched
	if v, ok := stringField(op.Payload, jobFieldAliases, "client_name"); ok {
		job.ClientName = v
	}
	if v, ok := stringField(op.Payload, jobFieldAliases, "job_type"); ok {
		job.JobType = v
	}
	if v, ok := stringField(op.Payload, jobFieldAliases, "location"); ok {
		job.Location = v
	}
	if v, ok := stringField(op.Payload, jobFieldAliases, "status"); ok {
		job.Status = v
	}
	if v, ok := stringPtrField(op.Payload, jobFieldAliases, "notes"); ok {
		job.Notes = v
	}

	if err := p.jobs.Update(ctx, job); err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "update_job", Err: err}).Error()
		return
	}

	result.Status = StatusSuccess
	result.ServerID = job.ID
	p.audit(ctx, orgID, actorID, "job.updated", "job", job.ID, op.ID, nil)
}

func (p *Processor) applyDeleteJob(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult) {
	id, ok := stringField(op.Payload, jobFieldAliases, "id")
	if !ok || id == "" {
		result.Status = StatusError
		result.Error = (&ValidationError{Field: "id", Message: "required for delete_job"}).Error()
		return
	}

	job, err := p.jobs.GetByID(ctx, orgID, id)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "delete_job", Err: err}).Error()
		return
	}
	if job == nil {
		result.Status = StatusError
		result.Error = (&NotFoundError{EntityType: "job", EntityID: id}).Error()
		return
	}

	// Jobs may only be tombstoned from draft; anything else is a conflict
	if job.Status != models.JobStatusDraft {
		result.Status = StatusConflict
		result.Conflict = &Conflict{
			EntityType:  "job",
			EntityID:    job.ID,
			Field:       "status",
			ServerValue: job.Status,
			LocalValue:  models.JobStatusDraft,
		}
		return
	}

	deletedAt, err := p.jobs.SoftDelete(ctx, orgID, id)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "delete_job", Err: err}).Error()
		return
	}
	if deletedAt == nil {
		// Status changed between the read and the delete
		result.Status = StatusConflict
		result.Conflict = &Conflict{
			EntityType: "job",
			EntityID:   job.ID,
			Field:      "status",
			LocalValue: models.JobStatusDraft,
		}
		return
	}

	result.Status = StatusSuccess
	result.ServerID = job.ID
	p.audit(ctx, orgID, actorID, "job.deleted", "job", job.ID, op.ID, nil)
}

// ---------------------------------------------------------------------------
// Hazards and controls
// ---------------------------------------------------------------------------

func (p *Processor) applyCreateMitigation(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult, isControl bool) {
	kind := "hazard"
	if isControl {
		kind = "control"
	}

	title, _ := stringField(op.Payload, mitigationFieldAliases, "title")
	jobID, _ := stringField(op.Payload, mitigationFieldAliases, "job_id")
	if title == "" || jobID == "" {
		result.Status = StatusError
		result.Error = (&ValidationError{Message: "title and job_id are required for create_" + kind}).Error()
		return
	}

	// The parent job must exist within the caller's organization
	job, err := p.jobs.GetByID(ctx, orgID, jobID)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "create_" + kind, Err: err}).Error()
		return
	}
	if job == nil {
		result.Status = StatusError
		result.Error = (&NotFoundError{EntityType: "job", EntityID: jobID}).Error()
		return
	}

	item := &models.MitigationItem{
		OrganizationID: orgID,
		JobID:          jobID,
		Title:          title,
	}
	if id, ok := stringField(op.Payload, mitigationFieldAliases, "id"); ok {
		item.ID = id
	}
	if desc, ok := stringPtrField(op.Payload, mitigationFieldAliases, "description"); ok {
		item.Description = desc
	}
	if done, ok := boolField(op.Payload, mitigationFieldAliases, "done"); ok {
		item.Done = done
		if done {
			now := time.Now().UTC()
			item.CompletedAt = &now
		}
	}

	if isControl {
		hazardID, ok := stringField(op.Payload, mitigationFieldAliases, "hazard_id")
		if !ok || hazardID == "" {
			result.Status = StatusError
			result.Error = (&ValidationError{Field: "hazard_id", Message: "required for create_control"}).Error()
			return
		}

		// The parent hazard must exist, belong to the organization, and be a
		// hazard on the same job
		hazard, err := p.mitigations.GetByID(ctx, orgID, hazardID)
		if err != nil {
			result.Status = StatusError
			result.Error = (&PersistenceError{Op: "create_control", Err: err}).Error()
			return
		}
		if hazard == nil || !hazard.IsHazard() || hazard.JobID != jobID {
			result.Status = StatusError
			result.Error = (&NotFoundError{EntityType: "hazard", EntityID: hazardID}).Error()
			return
		}
		item.HazardID = &hazardID
	}

	if err := p.mitigations.Create(ctx, item); err != nil {
		if repositories.IsUniqueViolation(err) {
			result.Status = StatusConflict
			result.Conflict = &Conflict{
				EntityType: kind,
				EntityID:   item.ID,
				Field:      "id",
				LocalValue: item.ID,
			}
			return
		}
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: "create_" + kind, Err: err}).Error()
		return
	}

	result.Status = StatusSuccess
	result.ServerID = item.ID
	p.audit(ctx, orgID, actorID, kind+".created", "mitigation_item", item.ID, op.ID, nil)
}

func (p *Processor) applyUpdateMitigation(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult) {
	id, ok := stringField(op.Payload, mitigationFieldAliases, "id")
	if !ok || id == "" {
		result.Status = StatusError
		result.Error = (&ValidationError{Field: "id", Message: "required for " + op.Type}).Error()
		return
	}

	item, err := p.mitigations.GetByID(ctx, orgID, id)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: op.Type, Err: err}).Error()
		return
	}
	if item == nil {
		result.Status = StatusError
		result.Error = (&NotFoundError{EntityType: "mitigation_item", EntityID: id}).Error()
		return
	}

	kind := "hazard"
	if !item.IsHazard() {
		kind = "control"
	}

	if clientUpdatedAt, ok := timeField(op.Payload, mitigationFieldAliases, "updated_at"); ok {
		if !sameInstant(clientUpdatedAt, item.UpdatedAt) {
			result.Status = StatusConflict
			result.Conflict = &Conflict{
				EntityType:  kind,
				EntityID:    item.ID,
				Field:       "updated_at",
				ServerValue: item.UpdatedAt,
				LocalValue:  clientUpdatedAt,
			}
			return
		}
	}

	if v, ok := stringField(op.Payload, mitigationFieldAliases, "title"); ok {
		item.Title = v
	}
	if v, ok := stringPtrField(op.Payload, mitigationFieldAliases, "description"); ok {
		item.Description = v
	}
	if done, ok := boolField(op.Payload, mitigationFieldAliases, "done"); ok {
		// completed_at records the first completion and survives later
		// toggles back to not-done
		if done && !item.Done && item.CompletedAt == nil {
			now := time.Now().UTC()
			item.CompletedAt = &now
		}
		item.Done = done
	}

	if err := p.mitigations.Update(ctx, item); err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: op.Type, Err: err}).Error()
		return
	}

	result.Status = StatusSuccess
	result.ServerID = item.ID
	p.audit(ctx, orgID, actorID, kind+".updated", "mitigation_item", item.ID, op.ID, nil)
}

func (p *Processor) applyDeleteMitigation(ctx context.Context, orgID, actorID string, op MutationOperation, result *OperationResult) {
	id, ok := stringField(op.Payload, mitigationFieldAliases, "id")
	if !ok || id == "" {
		result.Status = StatusError
		result.Error = (&ValidationError{Field: "id", Message: "required for " + op.Type}).Error()
		return
	}

	kind := "hazard"
	if op.Type == OpDeleteControl {
		kind = "control"
	}

	tombstone := &models.MitigationTombstone{ID: id, OrganizationID: orgID}

	// Prefer the live row's parent refs; fall back to the payload when the
	// row is already gone so a retried delete still records a full tombstone
	item, err := p.mitigations.GetByID(ctx, orgID, id)
	if err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: op.Type, Err: err}).Error()
		return
	}
	if item != nil {
		tombstone.JobID = item.JobID
		tombstone.HazardID = item.HazardID
	} else {
		tombstone.JobID, _ = stringField(op.Payload, mitigationFieldAliases, "job_id")
		if hazardID, ok := stringField(op.Payload, mitigationFieldAliases, "hazard_id"); ok && hazardID != "" {
			tombstone.HazardID = &hazardID
		}
	}

	// Idempotent: deleting an absent row still succeeds and (re-)records the
	// tombstone; duplicate tombstones are swallowed by ON CONFLICT
	if err := p.mitigations.DeleteWithTombstone(ctx, tombstone); err != nil {
		result.Status = StatusError
		result.Error = (&PersistenceError{Op: op.Type, Err: err}).Error()
		return
	}

	result.Status = StatusSuccess
	result.ServerID = id
	p.audit(ctx, orgID, actorID, kind+".deleted", "mitigation_item", id, op.ID, nil)
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// audit records a ledger entry for an applied mutation. A failed audit write
// is logged but does not fail or roll back the mutation; the chosen trade-off
// favors completing the user's intended change over dual-write atomicity.
func (p *Processor) audit(ctx context.Context, orgID, actorID, eventName, targetType, targetID, operationID string, extra map[string]interface{}) {
	metadata := map[string]interface{}{"operation_id": operationID, "source": "sync"}
	for k, v := range extra {
		metadata[k] = v
	}

	actor := &actorID
	if actorID == "" {
		actor = nil
	}

	if _, err := p.ledger.Append(ctx, orgID, actor, eventName, targetType, &targetID, metadata); err != nil {
		slog.Error("audit write failed after successful mutation",
			"organization_id", orgID,
			"event", eventName,
			"target_id", targetID,
			"operation_id", operationID,
			"error", err)
	}
}

// sameInstant compares two timestamps at millisecond granularity, tolerating
// precision lost in client-side serialization round trips
func sameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Millisecond).Equal(b.UTC().Truncate(time.Millisecond))
}
