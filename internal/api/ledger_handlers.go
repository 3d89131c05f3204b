package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/ledger"
	"github.com/fieldtrace/fieldtrace/internal/middleware"
)

// Ledger list paging bounds. Ledger reads are an audit surface, not a sync
// stream, so the page sizes are deliberately smaller than the pull limits.
const (
	defaultLedgerPageSize = 50
	maxLedgerPageSize     = 200
)

// ManifestVerifyRequest is the body of a manifest verification call. ExportID
// is optional; when present the manifest is additionally cross-checked against
// the stored export record and its completion ledger entry.
type ManifestVerifyRequest struct {
	Manifest map[string]interface{} `json:"manifest" binding:"required"`
	ExportID string                 `json:"export_id"`
}

// LedgerHandler serves the audit ledger read and verification endpoints
type LedgerHandler struct {
	repo     *repositories.LedgerRepository
	verifier *ledger.Verifier
}

// NewLedgerHandler creates the ledger endpoint handler
func NewLedgerHandler(repo *repositories.LedgerRepository, verifier *ledger.Verifier) *LedgerHandler {
	return &LedgerHandler{repo: repo, verifier: verifier}
}

// ListEntries handles GET /api/v1/ledger/events.
// Entries are returned newest-first and scoped to the caller's organization.
func (h *LedgerHandler) ListEntries(c *gin.Context) {
	limit := intQuery(c, "limit", defaultLedgerPageSize)
	if limit < 1 {
		limit = defaultLedgerPageSize
	}
	if limit > maxLedgerPageSize {
		limit = maxLedgerPageSize
	}

	filters := repositories.LedgerFilters{
		EventName:  c.Query("event"),
		TargetType: c.Query("target_type"),
		TargetID:   c.Query("target_id"),
		Limit:      limit,
		Offset:     intQuery(c, "offset", 0),
	}

	entries, err := h.repo.ListEntries(c.Request.Context(), middleware.OrganizationID(c), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list ledger entries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": entries,
		"count":  len(entries),
		"limit":  limit,
		"offset": filters.Offset,
	})
}

// GetEntry handles GET /api/v1/ledger/events/:id
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	entry, err := h.repo.GetEntry(c.Request.Context(), middleware.OrganizationID(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load ledger entry"})
		return
	}
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ledger entry not found"})
		return
	}

	c.JSON(http.StatusOK, entry)
}

// VerifyEntry handles GET /api/v1/ledger/events/:id/verify.
// The response reports the recomputed hash, the predecessor link check, and
// the bounded backward chain walk. A 200 response with hash_matches=false is
// the tamper signal; HTTP errors are reserved for lookup failures.
func (h *LedgerHandler) VerifyEntry(c *gin.Context) {
	verification, err := h.verifier.VerifyEntry(c.Request.Context(), middleware.OrganizationID(c), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify ledger entry"})
		return
	}
	if verification == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Ledger entry not found"})
		return
	}

	c.JSON(http.StatusOK, verification)
}

// VerifyManifest handles POST /api/v1/verify/manifest
func (h *LedgerHandler) VerifyManifest(c *gin.Context) {
	var req ManifestVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body: " + err.Error(),
		})
		return
	}

	verification, err := h.verifier.VerifyManifest(c.Request.Context(), middleware.OrganizationID(c), req.Manifest, req.ExportID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify manifest"})
		return
	}

	c.JSON(http.StatusOK, verification)
}
