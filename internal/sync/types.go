// Package sync implements the offline-first synchronization core: batched
// mutation apply with per-operation conflict detection, watermark-based change
// pulling with per-entity pagination, and explicit conflict resolution.
package sync

import "time"

// Operation types accepted in a sync batch
const (
	OpCreateJob     = "create_job"
	OpUpdateJob     = "update_job"
	OpDeleteJob     = "delete_job"
	OpCreateHazard  = "create_hazard"
	OpUpdateHazard  = "update_hazard"
	OpDeleteHazard  = "delete_hazard"
	OpCreateControl = "create_control"
	OpUpdateControl = "update_control"
	OpDeleteControl = "delete_control"
)

// Per-operation outcomes. A conflict is a distinct outcome requiring caller
// action, not a failure.
const (
	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Resolution strategies. Exactly these three: an "ask user" strategy is
// deliberately excluded because it does not resolve anything.
const (
	StrategyServerWins = "server_wins"
	StrategyLocalWins  = "local_wins"
	StrategyMerge      = "merge"
)

// MutationOperation is one client-submitted mutation within a batch. ID is
// the client-generated operation id, echoed back in the result and recorded
// in ledger metadata for traceability.
type MutationOperation struct {
	ID      string                 `json:"id" binding:"required"`
	Type    string                 `json:"type" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// Conflict describes a detected divergence between a client's intended write
// and the server's current state
type Conflict struct {
	EntityType  string      `json:"entity_type"`
	EntityID    string      `json:"entity_id"`
	Field       string      `json:"field"`
	ServerValue interface{} `json:"server_value"`
	LocalValue  interface{} `json:"local_value"`
	ServerActor *string     `json:"server_actor,omitempty"`
	LocalActor  *string     `json:"local_actor,omitempty"`
}

// OperationResult is the outcome of one batch operation
type OperationResult struct {
	OperationID string    `json:"operation_id"`
	Status      string    `json:"status"`
	ServerID    string    `json:"server_id,omitempty"`
	Conflict    *Conflict `json:"conflict,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// NormalizedItem is the client-facing shape of a mitigation item: the done
// boolean is projected onto a status vocabulary (hazards use open/resolved,
// controls use Pending/Completed) and a short code is derived from the title
// when one is present.
type NormalizedItem struct {
	ID          string     `json:"id"`
	JobID       string     `json:"job_id"`
	HazardID    *string    `json:"hazard_id,omitempty"`
	Kind        string     `json:"kind"` // "hazard" or "control"
	Title       string     `json:"title"`
	Description *string    `json:"description,omitempty"`
	Code        string     `json:"code,omitempty"`
	Done        bool       `json:"done"`
	IsCompleted bool       `json:"is_completed"`
	Status      string     `json:"status"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EntityPagination carries one entity kind's paging state in a pull response
type EntityPagination struct {
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	Returned   int  `json:"returned"`
	HasMore    bool `json:"has_more"`
	NextOffset int  `json:"next_offset"`
}

// PullRequest are the parsed parameters of a change-pull call
type PullRequest struct {
	Since            time.Time
	Entity           string // "all", "jobs", or "mitigation_items"
	Limit            int
	JobsOffset       int
	MitigationOffset int
}

// PullResponse is the change-pull result: rows changed since the watermark,
// deletion tombstones, and independent per-entity pagination
type PullResponse struct {
	Jobs                 []*JobView                   `json:"data"`
	MitigationItems      []*NormalizedItem            `json:"mitigation_items"`
	DeletedJobIDs        []string                     `json:"deleted_job_ids"`
	DeletedMitigationIDs []string                     `json:"deleted_mitigation_ids"`
	Pagination           map[string]*EntityPagination `json:"pagination"`
}

// JobView is the client-facing shape of a job row
type JobView struct {
	ID         string     `json:"id"`
	ClientName string     `json:"client_name"`
	JobType    string     `json:"job_type"`
	Location   string     `json:"location"`
	Status     string     `json:"status"`
	Notes      *string    `json:"notes,omitempty"`
	CreatedBy  *string    `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// ResolutionResult is the outcome of a conflict-resolution call
type ResolutionResult struct {
	OK                    bool            `json:"ok"`
	OperationID           string          `json:"operation_id"`
	Strategy              string          `json:"strategy"`
	UpdatedJob            *JobView        `json:"updated_job,omitempty"`
	UpdatedMitigationItem *NormalizedItem `json:"updated_mitigation_item,omitempty"`
}

// ValidStrategy reports whether s is one of the three supported strategies
func ValidStrategy(s string) bool {
	return s == StrategyServerWins || s == StrategyLocalWins || s == StrategyMerge
}
