package client

import "time"

// RawRun is a workflow run as returned by the runs endpoint.
type RawRun struct {
	ID           int64      `json:"id"`
	WorkflowID   int64      `json:"workflow_id"`
	Name         string     `json:"name"`
	HeadBranch   string     `json:"head_branch"`
	Status       string     `json:"status"`
	Conclusion   *string    `json:"conclusion"`
	RunAttempt   int        `json:"run_attempt"`
	CreatedAt    *time.Time `json:"created_at"`
	RunStartedAt *time.Time `json:"run_started_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	Repository   struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// RawJob is a job as returned by the jobs endpoint.
type RawJob struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  *string    `json:"conclusion"`
	CreatedAt   *time.Time `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Steps       []RawStep  `json:"steps"`
}

// RawStep is a step nested in a RawJob.
type RawStep struct {
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  *string    `json:"conclusion"`
	Number      int        `json:"number"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// JobsPage is one page of the jobs endpoint.
type JobsPage struct {
	TotalCount int      `json:"total_count"`
	Jobs       []RawJob `json:"jobs"`
}

// RawUsage is the run timing/billing payload.
type RawUsage struct {
	Billable      map[string]RawBillable `json:"billable"`
	RunDurationMs *int64                 `json:"run_duration_ms"`
}

// RawBillable is one compute label's bucket inside RawUsage.
type RawBillable struct {
	TotalMs int64       `json:"total_ms"`
	Jobs    int         `json:"jobs"`
	JobRuns []RawJobRun `json:"job_runs"`
}

// RawJobRun is a single billed job run.
type RawJobRun struct {
	JobID      int64 `json:"job_id"`
	DurationMs int64 `json:"duration_ms"`
}

// RateLimitResponse is the payload of the rate_limit endpoint.
type RateLimitResponse struct {
	Resources struct {
		Core RateLimitResource `json:"core"`
	} `json:"resources"`
}

// RateLimitResource is one rate budget bucket.
type RateLimitResource struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Used      int   `json:"used"`
}
