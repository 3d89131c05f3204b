package sync

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/ledger"
	"github.com/jmoiron/sqlx"
)

var ledgerCols = []string{
	"id", "organization_id", "ledger_seq", "actor_id", "event_name",
	"target_type", "target_id", "metadata", "prev_hash", "hash", "created_at",
}

var jobCols = []string{
	"id", "organization_id", "client_name", "job_type", "location", "status",
	"notes", "created_by", "created_at", "updated_at", "deleted_at",
}

var mitigationCols = []string{
	"id", "organization_id", "job_id", "hazard_id", "title", "description",
	"done", "completed_at", "created_at", "updated_at",
}

func newProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	jobs := repositories.NewJobRepository(sqlxDB)
	mitigations := repositories.NewMitigationRepository(sqlxDB)
	writer := ledger.NewWriter(repositories.NewLedgerRepository(db), "test-salt", 3)

	return NewProcessor(jobs, mitigations, writer, 200), mock
}

// expectAudit queues the tail read and insert the ledger writer performs
// after a successful mutation
func expectAudit(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT.*FROM ledger_entries.*ORDER BY ledger_seq DESC").
		WillReturnRows(sqlmock.NewRows(ledgerCols))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// ---------------------------------------------------------------------------
// Batch-level validation
// ---------------------------------------------------------------------------

func TestApplyBatch_EmptyBatchRejected(t *testing.T) {
	processor, _ := newProcessor(t)
	_, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", nil)
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestApplyBatch_OverSizeLimitRejected(t *testing.T) {
	processor, _ := newProcessor(t)
	ops := make([]MutationOperation, 201)
	for i := range ops {
		ops[i] = MutationOperation{ID: "op", Type: OpCreateJob}
	}

	_, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", ops)
	if err == nil {
		t.Fatal("expected error for oversized batch")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("expected ValidationError, got %T", err)
	}
}

// ---------------------------------------------------------------------------
// create_job
// ---------------------------------------------------------------------------

func TestCreateJob_Success(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("INSERT INTO jobs").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:   "op-1",
		Type: OpCreateJob,
		Payload: map[string]interface{}{
			"client_name": "Acme",
			"job_type":    "roofing",
			"location":    "123 Main St",
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("status = %s (%s), want success", results[0].Status, results[0].Error)
	}
	if results[0].ServerID == "" {
		t.Error("expected server_id in result")
	}
}

func TestCreateJob_CamelCaseAliases(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("INSERT INTO jobs").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
			AddRow(time.Now(), time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:   "op-1",
		Type: OpCreateJob,
		Payload: map[string]interface{}{
			"clientName": "Acme",
			"jobType":    "roofing",
			"location":   "123 Main St",
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status = %s, want success with camelCase keys", results[0].Status)
	}
}

func TestCreateJob_MissingRequiredField(t *testing.T) {
	processor, _ := newProcessor(t)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpCreateJob,
		Payload: map[string]interface{}{"client_name": "Acme"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusError {
		t.Errorf("status = %s, want error for missing fields", results[0].Status)
	}
}

// ---------------------------------------------------------------------------
// Batch isolation
// ---------------------------------------------------------------------------

func TestApplyBatch_InvalidMiddleOperationDoesNotAbortOthers(t *testing.T) {
	processor, mock := newProcessor(t)

	// op 1 and op 3 each insert and audit; op 2 fails validation before any
	// database touch
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("INSERT INTO jobs").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).
				AddRow(time.Now(), time.Now()))
		expectAudit(mock)
	}

	valid := map[string]interface{}{"client_name": "Acme", "job_type": "roofing", "location": "123 Main St"}
	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{
		{ID: "op-1", Type: OpCreateJob, Payload: valid},
		{ID: "op-2", Type: OpCreateJob, Payload: map[string]interface{}{}},
		{ID: "op-3", Type: OpCreateJob, Payload: valid},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	if results[0].Status != StatusSuccess || results[2].Status != StatusSuccess {
		t.Errorf("ops 1 and 3 = %s/%s, want success/success", results[0].Status, results[2].Status)
	}
	if results[1].Status != StatusError {
		t.Errorf("op 2 = %s, want error", results[1].Status)
	}
}

// ---------------------------------------------------------------------------
// update_job
// ---------------------------------------------------------------------------

func TestUpdateJob_StaleWriteRejected(t *testing.T) {
	processor, mock := newProcessor(t)
	serverUpdatedAt := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "org-1", "Acme", "roofing", "123 Main St", "in-progress",
				nil, nil, time.Now(), serverUpdatedAt, nil))
	// No UPDATE and no audit: the stale write must not touch the row

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:   "op-1",
		Type: OpUpdateJob,
		Payload: map[string]interface{}{
			"id":         "job-1",
			"status":     "completed",
			"updated_at": serverUpdatedAt.Add(-time.Minute).Format(time.RFC3339Nano),
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusConflict {
		t.Fatalf("status = %s, want conflict", results[0].Status)
	}
	if results[0].Conflict.Field != "updated_at" {
		t.Errorf("conflict field = %s, want updated_at", results[0].Conflict.Field)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("row must be unchanged: %v", err)
	}
}

func TestUpdateJob_MatchingWatermarkApplies(t *testing.T) {
	processor, mock := newProcessor(t)
	serverUpdatedAt := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "org-1", "Acme", "roofing", "123 Main St", "in-progress",
				nil, nil, time.Now(), serverUpdatedAt, nil))
	mock.ExpectQuery("UPDATE jobs").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:   "op-1",
		Type: OpUpdateJob,
		Payload: map[string]interface{}{
			"id":         "job-1",
			"status":     "completed",
			"updated_at": serverUpdatedAt.Format(time.RFC3339Nano),
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status = %s (%s), want success", results[0].Status, results[0].Error)
	}
}

func TestUpdateJob_NotFound(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols))

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpUpdateJob,
		Payload: map[string]interface{}{"id": "missing", "status": "completed"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusError {
		t.Errorf("status = %s, want error", results[0].Status)
	}
}

// ---------------------------------------------------------------------------
// delete_job
// ---------------------------------------------------------------------------

func TestDeleteJob_NonDraftIsConflict(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "org-1", "Acme", "roofing", "123 Main St", "in-progress",
				nil, nil, time.Now(), time.Now(), nil))

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpDeleteJob,
		Payload: map[string]interface{}{"id": "job-1"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusConflict {
		t.Fatalf("status = %s, want conflict", results[0].Status)
	}
	if results[0].Conflict.Field != "status" {
		t.Errorf("conflict field = %s, want status", results[0].Conflict.Field)
	}
	if results[0].Conflict.ServerValue != "in-progress" {
		t.Errorf("server value = %v, want in-progress", results[0].Conflict.ServerValue)
	}
}

func TestDeleteJob_DraftSucceeds(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "org-1", "Acme", "roofing", "123 Main St", "draft",
				nil, nil, time.Now(), time.Now(), nil))
	mock.ExpectQuery("UPDATE jobs.*SET deleted_at").
		WillReturnRows(sqlmock.NewRows([]string{"deleted_at"}).AddRow(time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpDeleteJob,
		Payload: map[string]interface{}{"id": "job-1"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status = %s (%s), want success", results[0].Status, results[0].Error)
	}
}

// ---------------------------------------------------------------------------
// Hazards and controls
// ---------------------------------------------------------------------------

func TestCreateHazard_ValidatesParentJob(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols))

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpCreateHazard,
		Payload: map[string]interface{}{"title": "Exposed wiring", "job_id": "missing-job"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusError {
		t.Errorf("status = %s, want error for missing parent", results[0].Status)
	}
}

func TestCreateControl_ValidatesParentHazard(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM jobs.*WHERE id").
		WillReturnRows(sqlmock.NewRows(jobCols).
			AddRow("job-1", "org-1", "Acme", "roofing", "123 Main St", "in-progress",
				nil, nil, time.Now(), time.Now(), nil))
	// Parent "hazard" is actually a control (hazard_id set), so not a valid parent
	mock.ExpectQuery("SELECT.*FROM mitigation_items.*WHERE id").
		WillReturnRows(sqlmock.NewRows(mitigationCols).
			AddRow("haz-1", "org-1", "job-1", "haz-0", "Wrong kind", nil,
				false, nil, time.Now(), time.Now()))

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:   "op-1",
		Type: OpCreateControl,
		Payload: map[string]interface{}{
			"title":     "Isolate supply",
			"job_id":    "job-1",
			"hazard_id": "haz-1",
		},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusError {
		t.Errorf("status = %s, want error for non-hazard parent", results[0].Status)
	}
}

func TestUpdateHazard_CompletedAtSetOnceOnTransitionToDone(t *testing.T) {
	processor, mock := newProcessor(t)
	mock.ExpectQuery("SELECT.*FROM mitigation_items.*WHERE id").
		WillReturnRows(sqlmock.NewRows(mitigationCols).
			AddRow("haz-1", "org-1", "job-1", nil, "Exposed wiring", nil,
				false, nil, time.Now(), time.Now()))
	mock.ExpectQuery("UPDATE mitigation_items").
		WithArgs("Exposed wiring", nil, true, sqlmock.AnyArg(), "haz-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpUpdateHazard,
		Payload: map[string]interface{}{"id": "haz-1", "done": true},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("status = %s (%s), want success", results[0].Status, results[0].Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected completed_at to be stamped: %v", err)
	}
}

func TestUpdateHazard_CompletedAtSurvivesToggleBack(t *testing.T) {
	processor, mock := newProcessor(t)
	firstCompleted := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT.*FROM mitigation_items.*WHERE id").
		WillReturnRows(sqlmock.NewRows(mitigationCols).
			AddRow("haz-1", "org-1", "job-1", nil, "Exposed wiring", nil,
				true, firstCompleted, time.Now(), time.Now()))
	// Toggling back to not-done must keep the original completed_at
	mock.ExpectQuery("UPDATE mitigation_items").
		WithArgs("Exposed wiring", nil, false, firstCompleted, "haz-1", "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now()))
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpUpdateHazard,
		Payload: map[string]interface{}{"id": "haz-1", "done": false},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Fatalf("status = %s (%s), want success", results[0].Status, results[0].Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("completed_at must be preserved: %v", err)
	}
}

func TestDeleteHazard_IdempotentWhenAlreadyGone(t *testing.T) {
	processor, mock := newProcessor(t)
	// Row already deleted: lookup empty, tombstone still (re-)recorded
	mock.ExpectQuery("SELECT.*FROM mitigation_items.*WHERE id").
		WillReturnRows(sqlmock.NewRows(mitigationCols))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM mitigation_items").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO mitigation_deletions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	expectAudit(mock)

	results, err := processor.ApplyBatch(context.Background(), "org-1", "user-1", []MutationOperation{{
		ID:      "op-1",
		Type:    OpDeleteHazard,
		Payload: map[string]interface{}{"id": "haz-1", "job_id": "job-1"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Status != StatusSuccess {
		t.Errorf("status = %s (%s), want success for repeated delete", results[0].Status, results[0].Error)
	}
}
