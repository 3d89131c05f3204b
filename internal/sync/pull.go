package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/fieldtrace/fieldtrace/internal/db/models"
	"github.com/fieldtrace/fieldtrace/internal/db/repositories"
	"github.com/fieldtrace/fieldtrace/internal/telemetry"
)

// Entity filter values for a pull request
const (
	EntityAll             = "all"
	EntityJobs            = "jobs"
	EntityMitigationItems = "mitigation_items"
)

// Puller serves watermark-based change feeds. Each entity kind is paginated
// independently (own offset, own has_more) so one kind filling a page never
// causes the caller to skip rows of the other kind. Calls are read-only and
// safe to repeat with the same watermark.
type Puller struct {
	jobs         *repositories.JobRepository
	mitigations  *repositories.MitigationRepository
	defaultLimit int
	maxLimit     int
}

// NewPuller creates a change puller
func NewPuller(jobs *repositories.JobRepository, mitigations *repositories.MitigationRepository, defaultLimit, maxLimit int) *Puller {
	return &Puller{
		jobs:         jobs,
		mitigations:  mitigations,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
	}
}

// ClampLimit normalizes a requested page size to [1, maxLimit], applying the
// default when the request carries none
func (p *Puller) ClampLimit(limit int) int {
	if limit <= 0 {
		return p.defaultLimit
	}
	if limit > p.maxLimit {
		return p.maxLimit
	}
	return limit
}

// PullChanges returns every row whose updated_at >= since for the requested
// entity filter, plus deletion tombstones, ordered by (updated_at, id)
// ascending within each page
func (p *Puller) PullChanges(ctx context.Context, orgID string, req PullRequest) (*PullResponse, error) {
	limit := p.ClampLimit(req.Limit)

	resp := &PullResponse{
		Jobs:                 make([]*JobView, 0),
		MitigationItems:      make([]*NormalizedItem, 0),
		DeletedJobIDs:        make([]string, 0),
		DeletedMitigationIDs: make([]string, 0),
		Pagination:           make(map[string]*EntityPagination),
	}

	wantJobs := req.Entity == EntityAll || req.Entity == EntityJobs
	wantMitigations := req.Entity == EntityAll || req.Entity == EntityMitigationItems

	if wantJobs {
		// limit+1 probes for a further page without a count query
		jobs, err := p.jobs.ListChangedSince(ctx, orgID, req.Since, limit+1, req.JobsOffset)
		if err != nil {
			return nil, fmt.Errorf("failed to pull job changes: %w", err)
		}

		hasMore := len(jobs) > limit
		if hasMore {
			jobs = jobs[:limit]
		}
		for _, job := range jobs {
			resp.Jobs = append(resp.Jobs, toJobView(job))
		}
		resp.Pagination["jobs"] = &EntityPagination{
			Offset:     req.JobsOffset,
			Limit:      limit,
			Returned:   len(jobs),
			HasMore:    hasMore,
			NextOffset: req.JobsOffset + len(jobs),
		}
		telemetry.SyncPullRowsTotal.WithLabelValues("jobs").Add(float64(len(jobs)))

		deletedIDs, err := p.jobs.ListDeletedSince(ctx, orgID, req.Since)
		if err != nil {
			return nil, fmt.Errorf("failed to pull job tombstones: %w", err)
		}
		resp.DeletedJobIDs = deletedIDs
	}

	if wantMitigations {
		items, err := p.mitigations.ListChangedSince(ctx, orgID, req.Since, limit+1, req.MitigationOffset)
		if err != nil {
			return nil, fmt.Errorf("failed to pull mitigation changes: %w", err)
		}

		hasMore := len(items) > limit
		if hasMore {
			items = items[:limit]
		}
		for _, item := range items {
			resp.MitigationItems = append(resp.MitigationItems, NormalizeItem(item))
		}
		resp.Pagination["mitigation_items"] = &EntityPagination{
			Offset:     req.MitigationOffset,
			Limit:      limit,
			Returned:   len(items),
			HasMore:    hasMore,
			NextOffset: req.MitigationOffset + len(items),
		}
		telemetry.SyncPullRowsTotal.WithLabelValues("mitigation_items").Add(float64(len(items)))

		tombstones, err := p.mitigations.ListTombstonesSince(ctx, orgID, req.Since)
		if err != nil {
			return nil, fmt.Errorf("failed to pull mitigation tombstones: %w", err)
		}
		for _, tomb := range tombstones {
			resp.DeletedMitigationIDs = append(resp.DeletedMitigationIDs, tomb.ID)
		}
	}

	return resp, nil
}

// NormalizeItem projects a mitigation row into the client-facing
// hazard/control shape: the done boolean becomes a status string with a
// per-kind vocabulary, and a short code is derived from the title's leading
// token when one is present
func NormalizeItem(item *models.MitigationItem) *NormalizedItem {
	normalized := &NormalizedItem{
		ID:          item.ID,
		JobID:       item.JobID,
		HazardID:    item.HazardID,
		Title:       item.Title,
		Description: item.Description,
		Code:        extractCode(item.Title),
		Done:        item.Done,
		IsCompleted: item.Done,
		CompletedAt: item.CompletedAt,
		CreatedAt:   item.CreatedAt,
		UpdatedAt:   item.UpdatedAt,
	}

	if item.IsHazard() {
		normalized.Kind = "hazard"
		if item.Done {
			normalized.Status = "resolved"
		} else {
			normalized.Status = "open"
		}
	} else {
		normalized.Kind = "control"
		if item.Done {
			normalized.Status = "Completed"
		} else {
			normalized.Status = "Pending"
		}
	}

	return normalized
}

// extractCode returns the title's leading token when it looks like a short
// reference code ("ELEC-02 Exposed wiring" -> "ELEC-02"); otherwise empty
func extractCode(title string) string {
	token, _, _ := strings.Cut(strings.TrimSpace(title), " ")
	if len(token) < 2 || len(token) > 12 {
		return ""
	}
	hasLetter := false
	for _, r := range token {
		switch {
		case r >= 'A' && r <= 'Z':
			hasLetter = true
		case r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return ""
		}
	}
	if !hasLetter {
		return ""
	}
	return token
}

func toJobView(job *models.Job) *JobView {
	return &JobView{
		ID:         job.ID,
		ClientName: job.ClientName,
		JobType:    job.JobType,
		Location:   job.Location,
		Status:     job.Status,
		Notes:      job.Notes,
		CreatedBy:  job.CreatedBy,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
		DeletedAt:  job.DeletedAt,
	}
}
