package model

import "time"

// UsageData is the billing/timing breakdown of one run.
type UsageData struct {
	// RunDurationMs is nil while the API does not report a run duration.
	RunDurationMs *int64   `json:"run_duration_ms,omitempty"`
	Billable      Billable `json:"billable"`
}

// Billable flattens the per-platform billable buckets of a run.
type Billable struct {
	// Labels maps a compute label (UBUNTU, MACOS, ...) to its duration.
	Labels    map[string]int64 `json:"labels"`
	TotalMs   int64            `json:"total_ms"`
	JobsCount int              `json:"jobs_count"`
	// JobRuns is nil when the list was never fetched.
	JobRuns []JobRunEntry `json:"job_runs"`
}

// JobRunEntry is one job's billed duration, optionally with its detail.
type JobRunEntry struct {
	JobID      int64      `json:"job_id"`
	DurationMs int64      `json:"duration_ms"`
	Job        *JobDetail `json:"job,omitempty"`
}

// JobDetail is the canonical form of a job listed for a run.
type JobDetail struct {
	ID          int64        `json:"id"`
	RunID       int64        `json:"run_id"`
	Name        string       `json:"name"`
	Status      Status       `json:"status"`
	Conclusion  Conclusion   `json:"conclusion,omitempty"`
	CreatedAt   *time.Time   `json:"created_at,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	DurationMs  int64        `json:"duration_ms"`
	Steps       []StepRecord `json:"steps"`
}

// Skipped reports whether the job concluded as skipped.
func (j JobDetail) Skipped() bool {
	return j.Conclusion == ConclusionSkipped
}

// StepRecord is one ordered step of a job.
type StepRecord struct {
	Number      int        `json:"number"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Conclusion  Conclusion `json:"conclusion,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// DurationMs returns the clamped wall-clock duration of the step.
func (s StepRecord) DurationMs() int64 {
	return ElapsedMs(s.StartedAt, s.CompletedAt)
}

// Clone returns a deep copy of u so callers can transform it without
// aliasing the original job-run slice or label map.
func (u UsageData) Clone() UsageData {
	out := u
	if u.RunDurationMs != nil {
		d := *u.RunDurationMs
		out.RunDurationMs = &d
	}
	if u.Billable.Labels != nil {
		out.Billable.Labels = make(map[string]int64, len(u.Billable.Labels))
		for k, v := range u.Billable.Labels {
			out.Billable.Labels[k] = v
		}
	}
	if u.Billable.JobRuns != nil {
		out.Billable.JobRuns = make([]JobRunEntry, len(u.Billable.JobRuns))
		copy(out.Billable.JobRuns, u.Billable.JobRuns)
	}
	return out
}
