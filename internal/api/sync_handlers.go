package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldtrace/fieldtrace/internal/middleware"
	"github.com/fieldtrace/fieldtrace/internal/sync"
)

// BatchRequest is the body of a sync batch call
type BatchRequest struct {
	Operations []sync.MutationOperation `json:"operations" binding:"required"`
}

// SyncHandler serves the offline sync endpoints: batched mutation apply,
// watermark-based change pull, and explicit conflict resolution.
type SyncHandler struct {
	processor *sync.Processor
	puller    *sync.Puller
	resolver  *sync.Resolver
}

// NewSyncHandler creates the sync endpoint handler
func NewSyncHandler(processor *sync.Processor, puller *sync.Puller, resolver *sync.Resolver) *SyncHandler {
	return &SyncHandler{
		processor: processor,
		puller:    puller,
		resolver:  resolver,
	}
}

// ApplyBatch handles POST /api/v1/sync/batch.
// Operations are applied independently; one failing operation never aborts
// the others, so the response always carries one result per operation.
func (h *SyncHandler) ApplyBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	orgID := middleware.OrganizationID(c)
	actorID := middleware.UserID(c)

	results, err := h.processor.ApplyBatch(c.Request.Context(), orgID, actorID, req.Operations)
	if err != nil {
		var verr *sync.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"results":   results,
		"processed": len(results),
	})
}

// PullChanges handles GET /api/v1/sync/changes.
//
// Query parameters:
//
//	since              required, RFC3339 watermark
//	entity             all | jobs | mitigation_items (default all)
//	limit              per-entity page size, clamped to the configured maximum
//	jobs_offset        paging offset for the jobs stream
//	mitigation_offset  paging offset for the mitigation items stream
//	offset             fallback applied to both streams when the per-entity
//	                   parameters are absent
func (h *SyncHandler) PullChanges(c *gin.Context) {
	sinceParam := c.Query("since")
	if sinceParam == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing required query parameter: since",
		})
		return
	}
	since, err := time.Parse(time.RFC3339, sinceParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid since parameter: must be an RFC3339 timestamp",
		})
		return
	}

	entity := c.DefaultQuery("entity", sync.EntityAll)
	switch entity {
	case sync.EntityAll, sync.EntityJobs, sync.EntityMitigationItems:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid entity parameter: must be all, jobs, or mitigation_items",
		})
		return
	}

	limit := h.puller.ClampLimit(intQuery(c, "limit", 0))

	// A bare offset applies to both streams; per-entity offsets override it.
	sharedOffset := intQuery(c, "offset", 0)
	req := sync.PullRequest{
		Since:            since,
		Entity:           entity,
		Limit:            limit,
		JobsOffset:       intQuery(c, "jobs_offset", sharedOffset),
		MitigationOffset: intQuery(c, "mitigation_offset", sharedOffset),
	}

	resp, err := h.puller.PullChanges(c.Request.Context(), middleware.OrganizationID(c), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to pull changes"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Resolve handles POST /api/v1/sync/resolve
func (h *SyncHandler) Resolve(c *gin.Context) {
	var req sync.ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	orgID := middleware.OrganizationID(c)
	actorID := middleware.UserID(c)

	result, err := h.resolver.ResolveConflict(c.Request.Context(), orgID, actorID, req)
	if err != nil {
		var verr *sync.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
			return
		}
		var nferr *sync.NotFoundError
		if errors.As(err, &nferr) {
			c.JSON(http.StatusNotFound, gin.H{"error": nferr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve conflict"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// intQuery parses an optional non-negative integer query parameter
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
