package usecase

import (
	"fmt"
	"time"

	"github.com/observatory-hq/observatory/internal/domain"
)

// QueryService serves status/result retrieval, cancellation and listing.
type QueryService struct {
	Jobs domain.JobRepository
}

// NewQueryService constructs a QueryService.
func NewQueryService(jobs domain.JobRepository) QueryService {
	return QueryService{Jobs: jobs}
}

// JobView is the response shape for a job. Owners always see their own
// result and error; list views for public tier stay metadata-only.
type JobView struct {
	ID        string                 `json:"id"`
	Status    domain.JobStatus       `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	Result    *domain.AnalysisResult `json:"result,omitempty"`
	Error     *domain.JobError       `json:"error,omitempty"`
}

// Get fetches an owned job and projects fields by tier. Unknown and
// not-owned ids are indistinguishable.
func (s QueryService) Get(ctx domain.Context, caller domain.Identity, id string) (JobView, error) {
	job, err := s.Jobs.GetOwned(ctx, id, caller.Fingerprint)
	if err != nil {
		return JobView{}, err
	}
	return project(job, false), nil
}

// CancelOutcome is the cancel response shape. The status may still be
// pending or running until the dispatcher observes the latch.
type CancelOutcome struct {
	ID     string           `json:"id"`
	Status domain.JobStatus `json:"status"`
}

// Cancel latches cancellation on an owned job. Idempotent: repeat calls
// report the current status.
func (s QueryService) Cancel(ctx domain.Context, caller domain.Identity, id string) (CancelOutcome, error) {
	status, err := s.Jobs.RequestCancel(ctx, id, caller.Fingerprint)
	if err != nil {
		return CancelOutcome{}, err
	}
	return CancelOutcome{ID: id, Status: status}, nil
}

// ListPage is a page of projected views plus the next opaque cursor.
type ListPage struct {
	Jobs       []JobView `json:"jobs"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// List pages the caller's jobs newest first. Anonymous callers cannot list.
func (s QueryService) List(ctx domain.Context, caller domain.Identity, limit int, cursor string) (ListPage, error) {
	if caller.Anonymous {
		return ListPage{}, fmt.Errorf("%w: listing requires an API key", domain.ErrUnauthorized)
	}
	page, err := s.Jobs.ListOwned(ctx, caller.Fingerprint, limit, cursor)
	if err != nil {
		return ListPage{}, err
	}
	out := ListPage{Jobs: make([]JobView, 0, len(page.Jobs)), NextCursor: page.NextCursor}
	for _, j := range page.Jobs {
		out.Jobs = append(out.Jobs, project(j, true))
	}
	return out, nil
}

func project(job domain.Job, metadataOnly bool) JobView {
	v := JobView{
		ID:        job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		ExpiresAt: job.ExpiresAt,
	}
	if metadataOnly {
		return v
	}
	v.Result = job.Result
	v.Error = job.Error
	return v
}
