package harvest

import "time"

// JobView is the wire shape of a job for polling callers and webhooks: the
// result fields are inlined next to job_id and status once the job completes.
type JobView struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	*ScrapeResult
	Error      *JobError      `json:"error,omitempty"`
	Input      *ScrapeRequest `json:"input,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// NewJobView renders job for callers. The request is echoed only when
// withInput is set.
func NewJobView(job Job, withInput bool) JobView {
	view := JobView{
		JobID:        job.ID,
		Status:       job.Status,
		ScrapeResult: job.Result,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if withInput {
		req := job.Request
		view.Input = &req
	}
	return view
}
