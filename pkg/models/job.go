package models

import "time"

// JobStatus is the lifecycle state of a job. A job is terminal once every run
// under it is terminal.
type JobStatus string

const (
	JobStatusSubmitted       JobStatus = "submitted"
	JobStatusExpanding       JobStatus = "expanding"
	JobStatusRunning         JobStatus = "running"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusPartiallyFailed JobStatus = "partially_failed"
	JobStatusFailed          JobStatus = "failed"
	JobStatusCanceled        JobStatus = "canceled"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusPartiallyFailed, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a single model run.
type RunStatus string

const (
	RunStatusQueuedForResources RunStatus = "queued_for_resources"
	RunStatusRunning            RunStatus = "running"
	RunStatusSucceeded          RunStatus = "succeeded"
	RunStatusFailed             RunStatus = "failed"
	RunStatusCanceled           RunStatus = "canceled"
)

// Terminal reports whether the status is an end state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Run is the unit of work pairing one job with one model target.
type Run struct {
	RunID     string    `json:"run_id"`
	JobID     string    `json:"job_id"`
	Model     string    `json:"model"`
	ModelSlug string    `json:"model_slug"`
	RunNumber int       `json:"run_number"`
	Mode      Mode      `json:"mode"`
	Status    RunStatus `json:"status"`

	// Endpoint is the base URL the run's OCR calls go to. For local runs it is
	// assigned once the scheduler has a healthy server.
	Endpoint string `json:"endpoint,omitempty"`

	TotalPages     int `json:"total_pages"`
	CompletedPages int `json:"completed_pages"`
	FailedPages    int `json:"failed_pages"`

	// QueuePosition is the 1-based position in the GPU admission queue while
	// the run is queued_for_resources, 0 otherwise.
	QueuePosition int `json:"queue_position,omitempty"`

	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ETASeconds *float64   `json:"eta_seconds,omitempty"`
}

// RuntimeSeconds returns the run's elapsed wall time so far.
func (r *Run) RuntimeSeconds(now time.Time) float64 {
	if r.StartedAt == nil {
		return 0
	}
	end := now
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	d := end.Sub(*r.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// Job is a submitted OCR job expanded into one run per model target.
type Job struct {
	ID        string    `json:"job_id"`
	Title     string    `json:"title"`
	InputPath string    `json:"input_path"`
	Status    JobStatus `json:"status"`
	Prompt    string    `json:"prompt"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	TotalPages     int `json:"total_pages"`
	CompletedPages int `json:"completed_pages"`

	Runs []*Run `json:"runs"`

	ETASeconds *float64 `json:"eta_seconds,omitempty"`
}

// RuntimeSeconds returns the job's elapsed wall time so far.
func (j *Job) RuntimeSeconds(now time.Time) float64 {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.EndedAt != nil {
		end = *j.EndedAt
	}
	d := end.Sub(*j.StartedAt).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// ProgressRatio returns completed/total clamped to [0, 1].
func (j *Job) ProgressRatio() float64 {
	if j.TotalPages <= 0 {
		return 0
	}
	ratio := float64(j.CompletedPages) / float64(j.TotalPages)
	if ratio > 1 {
		return 1
	}
	return ratio
}
