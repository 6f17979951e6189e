// Package reconcile turns raw CI API payloads into canonical run records,
// merges fresh usage data into previously stored runs and decides whether
// a run's ingestion is complete.
//
// All transforms are pure: inputs are never mutated, and every function
// returns new values. Corrupted upstream data (unknown status, job run
// counts that disagree with the declared count) is a hard error wrapping
// ErrCorruptData.
package reconcile

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/model"
)

var (
	// ErrCorruptData marks upstream data that needs investigation rather
	// than a retry.
	ErrCorruptData = errors.New("corrupt upstream data")

	// ErrJobCountMismatch is returned when a billable bucket lists a
	// different number of job runs than it declares.
	ErrJobCountMismatch = fmt.Errorf("%w: job run count mismatch", ErrCorruptData)
)

// FormatJob converts a raw job into its canonical detail.
// The duration is clamped to zero when timestamps are missing or skewed.
func FormatJob(raw client.RawJob) (model.JobDetail, error) {
	status, err := model.ParseStatus(raw.Status)
	if err != nil {
		return model.JobDetail{}, fmt.Errorf("%w: job %d: %w", ErrCorruptData, raw.ID, err)
	}

	steps := make([]model.StepRecord, 0, len(raw.Steps))
	for _, s := range raw.Steps {
		stepStatus, err := model.ParseStatus(s.Status)
		if err != nil {
			return model.JobDetail{}, fmt.Errorf("%w: job %d step %d: %w", ErrCorruptData, raw.ID, s.Number, err)
		}
		steps = append(steps, model.StepRecord{
			Number:      s.Number,
			Name:        s.Name,
			Status:      stepStatus,
			Conclusion:  parseConclusion(s.Conclusion),
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Number < steps[j].Number })

	return model.JobDetail{
		ID:          raw.ID,
		RunID:       raw.RunID,
		Name:        raw.Name,
		Status:      status,
		Conclusion:  parseConclusion(raw.Conclusion),
		CreatedAt:   raw.CreatedAt,
		StartedAt:   raw.StartedAt,
		CompletedAt: raw.CompletedAt,
		DurationMs:  model.ElapsedMs(raw.StartedAt, raw.CompletedAt),
		Steps:       steps,
	}, nil
}

// FormatJobs formats a page-ordered job list into a map keyed by job id.
func FormatJobs(raws []client.RawJob) (map[int64]model.JobDetail, error) {
	out := make(map[int64]model.JobDetail, len(raws))
	for _, raw := range raws {
		job, err := FormatJob(raw)
		if err != nil {
			return nil, err
		}
		out[job.ID] = job
	}
	return out, nil
}

// FormatRun converts a raw run into a canonical run without usage data.
// The week bucket is computed here, from the start timestamp, and never again.
func FormatRun(raw client.RawRun) (model.CanonicalRun, error) {
	status, err := model.ParseStatus(raw.Status)
	if err != nil {
		return model.CanonicalRun{}, fmt.Errorf("%w: run %d: %w", ErrCorruptData, raw.ID, err)
	}

	started := raw.RunStartedAt
	if started == nil {
		started = raw.CreatedAt
	}
	if started == nil {
		return model.CanonicalRun{}, fmt.Errorf("%w: run %d has no start timestamp", ErrCorruptData, raw.ID)
	}

	run := model.CanonicalRun{
		RunID:       raw.ID,
		WorkflowID:  raw.WorkflowID,
		Name:        raw.Name,
		Owner:       raw.Repository.Owner.Login,
		Repo:        raw.Repository.Name,
		Branch:      raw.HeadBranch,
		Status:      status,
		Conclusion:  parseConclusion(raw.Conclusion),
		ScheduledAt: raw.CreatedAt,
		StartedAt:   started,
		Attempt:     raw.RunAttempt,
		WeekYear:    model.WeekYear(*started),
	}
	if status == model.StatusCompleted {
		run.CompletedAt = raw.UpdatedAt
	}
	return run, nil
}

// FormatUsage flattens the per-label billable buckets of raw into one
// canonical record. Job runs reported with a zero duration are backfilled
// from the matching job detail's timestamps, and details are attached by
// job id when known.
//
// A bucket without a job run list leaves the flattened list absent (nil).
// A bucket whose list length differs from its declared count fails with
// ErrJobCountMismatch.
func FormatUsage(raw client.RawUsage, details map[int64]model.JobDetail) (model.UsageData, error) {
	labels := make([]string, 0, len(raw.Billable))
	for label := range raw.Billable {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	out := model.UsageData{
		Billable: model.Billable{
			Labels:  make(map[string]int64, len(labels)),
			JobRuns: []model.JobRunEntry{},
		},
	}
	if raw.RunDurationMs != nil {
		d := *raw.RunDurationMs
		out.RunDurationMs = &d
	}

	absent := false
	for _, label := range labels {
		bucket := raw.Billable[label]
		out.Billable.Labels[label] += bucket.TotalMs
		out.Billable.TotalMs += bucket.TotalMs
		out.Billable.JobsCount += bucket.Jobs

		if bucket.JobRuns == nil {
			absent = true
			continue
		}
		if len(bucket.JobRuns) != bucket.Jobs {
			return model.UsageData{}, fmt.Errorf("%w: label %s declares %d jobs, lists %d",
				ErrJobCountMismatch, label, bucket.Jobs, len(bucket.JobRuns))
		}

		for _, jr := range bucket.JobRuns {
			entry := model.JobRunEntry{JobID: jr.JobID, DurationMs: jr.DurationMs}
			if detail, ok := details[jr.JobID]; ok {
				if entry.DurationMs == 0 && detail.StartedAt != nil && detail.CompletedAt != nil {
					entry.DurationMs = model.ElapsedMs(detail.StartedAt, detail.CompletedAt)
				}
				entry.Job = &detail
			}
			out.Billable.JobRuns = append(out.Billable.JobRuns, entry)
		}
	}
	if absent {
		out.Billable.JobRuns = nil
	}

	return out, nil
}

func parseConclusion(raw *string) model.Conclusion {
	if raw == nil {
		return model.ConclusionNone
	}
	return model.ParseConclusion(*raw)
}
