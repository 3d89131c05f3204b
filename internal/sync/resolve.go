package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/ledger"
	"github.com/fieldtrace/fieldtrace/internal/telemetry"
)

// ResolveRequest carries one conflict resolution. EntityType, EntityID,
// OperationType, and ResolvedValue are required for local_wins and merge;
// server_wins needs only the entity reference.
type ResolveRequest struct {
	OperationID   string                 `json:"operation_id" binding:"required"`
	Strategy      string                 `json:"strategy" binding:"required"`
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	OperationType string                 `json:"operation_type"`
	ResolvedValue map[string]interface{} `json:"resolved_value"`
}

// Resolver applies explicit conflict resolutions. Resolution is a single
// synchronous transition from detected to resolved; there is no intermediate
// state, and every resolution (including server_wins, which mutates nothing)
// is recorded in the ledger because choosing a winner is itself an auditable
// decision.
type Resolver struct {
	jobs        *repositories.JobRepository
	mitigations *repositories.MitigationRepository
	processor   *Processor
	ledger      *ledger.Writer
}

// NewResolver creates a conflict resolver
func NewResolver(jobs *repositories.JobRepository, mitigations *repositories.MitigationRepository, processor *Processor, ledgerWriter *ledger.Writer) *Resolver {
	return &Resolver{
		jobs:        jobs,
		mitigations: mitigations,
		processor:   processor,
		ledger:      ledgerWriter,
	}
}

// ResolveConflict applies the requested strategy and returns the resulting
// authoritative row
func (r *Resolver) ResolveConflict(ctx context.Context, orgID, actorID string, req ResolveRequest) (*ResolutionResult, error) {
	if !ValidStrategy(req.Strategy) {
		return nil, &ValidationError{Field: "strategy", Message: fmt.Sprintf("must be one of server_wins, local_wins, merge; got %q", req.Strategy)}
	}
	if req.EntityType == "" || req.EntityID == "" {
		return nil, &ValidationError{Message: "entity_type and entity_id are required"}
	}

	result := &ResolutionResult{
		OperationID: req.OperationID,
		Strategy:    req.Strategy,
	}

	reconciled := false
	if req.Strategy == StrategyServerWins {
		// The server's row is already authoritative; no mutation
		if err := r.attachCurrentRow(ctx, orgID, req, result); err != nil {
			return nil, err
		}
	} else {
		if req.ResolvedValue == nil {
			return nil, &ValidationError{Field: "resolved_value", Message: "required for " + req.Strategy}
		}

		var err error
		reconciled, err = r.applyResolvedValue(ctx, orgID, actorID, req)
		if err != nil {
			return nil, err
		}
		if err := r.attachCurrentRow(ctx, orgID, req, result); err != nil {
			return nil, err
		}
	}

	result.OK = true
	telemetry.SyncConflictsResolvedTotal.WithLabelValues(req.Strategy).Inc()
	r.auditResolution(ctx, orgID, actorID, req, reconciled)

	return result, nil
}

// applyResolvedValue re-runs the batch apply logic with the resolved payload.
// Create-type resolutions first check whether the target row already exists
// (the server may have created it independently); if so the resolution
// reconciles by updating that row instead of inserting a duplicate. The
// reported bool is true when such a reconciliation happened.
func (r *Resolver) applyResolvedValue(ctx context.Context, orgID, actorID string, req ResolveRequest) (bool, error) {
	opType := req.OperationType
	if opType == "" {
		// Derivable for update flows: resolving a divergence on an existing
		// row is an update of that row's entity kind
		kind := req.EntityType
		if kind == "mitigation_item" {
			kind = "hazard" // the update handler reads the real kind off the row
		}
		opType = "update_" + kind
	}

	payload := make(map[string]interface{}, len(req.ResolvedValue)+1)
	for k, v := range req.ResolvedValue {
		payload[k] = v
	}
	payload["id"] = req.EntityID
	// The resolved payload is the explicit winner; the optimistic updated_at
	// check must not re-detect the conflict being resolved
	delete(payload, "updated_at")
	delete(payload, "updatedAt")

	reconciled := false
	if strings.HasPrefix(opType, "create_") {
		exists, err := r.entityExists(ctx, orgID, req.EntityType, req.EntityID)
		if err != nil {
			return false, err
		}
		if exists {
			opType = "update_" + strings.TrimPrefix(opType, "create_")
			reconciled = true
		}
	}

	op := MutationOperation{ID: req.OperationID, Type: opType, Payload: payload}
	applied := r.processor.applyOperation(ctx, orgID, actorID, op)
	if applied.Status == StatusError {
		return false, &PersistenceError{Op: "resolve_" + req.Strategy, Err: fmt.Errorf("%s", applied.Error)}
	}
	if applied.Status == StatusConflict {
		return false, &ValidationError{Message: fmt.Sprintf("resolution re-apply conflicted on %s", applied.Conflict.Field)}
	}

	return reconciled, nil
}

func (r *Resolver) entityExists(ctx context.Context, orgID, entityType, entityID string) (bool, error) {
	switch entityType {
	case "job":
		job, err := r.jobs.GetByID(ctx, orgID, entityID)
		if err != nil {
			return false, &PersistenceError{Op: "resolve", Err: err}
		}
		return job != nil, nil
	default:
		item, err := r.mitigations.GetByID(ctx, orgID, entityID)
		if err != nil {
			return false, &PersistenceError{Op: "resolve", Err: err}
		}
		return item != nil, nil
	}
}

// attachCurrentRow loads the authoritative row into the result
func (r *Resolver) attachCurrentRow(ctx context.Context, orgID string, req ResolveRequest, result *ResolutionResult) error {
	switch req.EntityType {
	case "job":
		job, err := r.jobs.GetByID(ctx, orgID, req.EntityID)
		if err != nil {
			return &PersistenceError{Op: "resolve", Err: err}
		}
		if job == nil {
			return &NotFoundError{EntityType: "job", EntityID: req.EntityID}
		}
		result.UpdatedJob = toJobView(job)
	case "hazard", "control", "mitigation_item":
		item, err := r.mitigations.GetByID(ctx, orgID, req.EntityID)
		if err != nil {
			return &PersistenceError{Op: "resolve", Err: err}
		}
		if item == nil {
			return &NotFoundError{EntityType: req.EntityType, EntityID: req.EntityID}
		}
		result.UpdatedMitigationItem = NormalizeItem(item)
	default:
		return &ValidationError{Field: "entity_type", Message: fmt.Sprintf("unknown entity type %q", req.EntityType)}
	}
	return nil
}

func (r *Resolver) auditResolution(ctx context.Context, orgID, actorID string, req ResolveRequest, reconciled bool) {
	metadata := map[string]interface{}{
		"operation_id": req.OperationID,
		"strategy":     req.Strategy,
		"entity_type":  req.EntityType,
	}
	if reconciled {
		metadata["reconciled"] = true
	}

	actor := &actorID
	if actorID == "" {
		actor = nil
	}

	entityID := req.EntityID
	if _, err := r.ledger.Append(ctx, orgID, actor, "sync.conflict_resolved", req.EntityType, &entityID, metadata); err != nil {
		slog.Error("audit write failed for conflict resolution",
			"organization_id", orgID,
			"operation_id", req.OperationID,
			"strategy", req.Strategy,
			"error", err)
	}
}
