package stats

import (
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/model"
)

// StepStat is one step of a JobStat.
type StepStat struct {
	Number     int    `json:"number"`
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
}

// JobStat is one job of a RunStat with its steps embedded.
type JobStat struct {
	ID         int64            `json:"id"`
	Name       string           `json:"name"`
	Conclusion model.Conclusion `json:"conclusion,omitempty"`
	DurationMs int64            `json:"duration_ms"`
	Steps      []StepStat       `json:"steps"`
}

// RunStat aggregates one run.
type RunStat struct {
	RunID         int64                   `json:"run_id"`
	DurationMs    int64                   `json:"duration_ms"`
	JobDurations  map[int64]int64         `json:"job_durations"`
	StepDurations map[int64]map[int]int64 `json:"step_durations"`
	Jobs          []JobStat               `json:"jobs"`
}

// ComputeRunStat derives a RunStat from the run's usage data. Job runs
// without detail count toward JobDurations only.
func ComputeRunStat(run model.CanonicalRun) RunStat {
	stat := RunStat{
		RunID:         run.RunID,
		DurationMs:    run.DurationMs(),
		JobDurations:  make(map[int64]int64),
		StepDurations: make(map[int64]map[int]int64),
		Jobs:          []JobStat{},
	}
	if run.UsageData == nil {
		return stat
	}

	for _, entry := range run.UsageData.Billable.JobRuns {
		stat.JobDurations[entry.JobID] = entry.DurationMs
		if entry.Job == nil {
			continue
		}

		job := JobStat{
			ID:         entry.JobID,
			Name:       entry.Job.Name,
			Conclusion: entry.Job.Conclusion,
			DurationMs: entry.DurationMs,
			Steps:      make([]StepStat, 0, len(entry.Job.Steps)),
		}
		steps := make(map[int]int64, len(entry.Job.Steps))
		for _, s := range entry.Job.Steps {
			d := s.DurationMs()
			steps[s.Number] = d
			job.Steps = append(job.Steps, StepStat{Number: s.Number, Name: s.Name, DurationMs: d})
		}
		stat.StepDurations[entry.JobID] = steps
		stat.Jobs = append(stat.Jobs, job)
	}
	return stat
}

// IntervalStat summarizes the runs started inside one sub-interval.
type IntervalStat struct {
	Interval       Interval `json:"interval"`
	Runs           int      `json:"runs"`
	MeanDurationMs float64  `json:"mean_duration_ms"`
}

// AggregatedStat summarizes run durations over a period.
type AggregatedStat struct {
	Period            Period         `json:"period"`
	From              time.Time      `json:"from"`
	To                time.Time      `json:"to"`
	Intervals         []IntervalStat `json:"intervals"`
	Count             int            `json:"count"`
	Deciles           []int64        `json:"deciles"`
	StandardDeviation float64        `json:"standard_deviation"`
}

// Aggregate buckets the runs started inside the period around from into
// the period's sub-intervals and computes duration statistics over them.
// Runs without a start timestamp are ignored.
func Aggregate(period Period, from time.Time, runs []model.CanonicalRun) (AggregatedStat, error) {
	bounds, err := PeriodBoundaries(period, from)
	if err != nil {
		return AggregatedStat{}, err
	}
	intervals := DateIntervals(bounds.From, bounds.To, bounds.Resolution)
	if len(intervals) == 0 {
		return AggregatedStat{}, fmt.Errorf("period %s produced no intervals", period)
	}

	perInterval := make([][]int64, len(intervals))
	var durations []int64
	for _, r := range runs {
		if r.StartedAt == nil {
			continue
		}
		started := *r.StartedAt
		if started.Before(bounds.From) || started.After(bounds.To) {
			continue
		}
		idx := int(started.Sub(bounds.From) / bounds.Resolution)
		if idx >= len(intervals) {
			idx = len(intervals) - 1
		}
		d := r.DurationMs()
		perInterval[idx] = append(perInterval[idx], d)
		durations = append(durations, d)
	}

	out := AggregatedStat{
		Period:            period,
		From:              bounds.From,
		To:                bounds.To,
		Intervals:         make([]IntervalStat, len(intervals)),
		Count:             len(durations),
		Deciles:           Deciles(durations),
		StandardDeviation: StandardDeviation(durations),
	}
	for i, iv := range intervals {
		out.Intervals[i] = IntervalStat{
			Interval:       iv,
			Runs:           len(perInterval[i]),
			MeanDurationMs: Mean(perInterval[i]),
		}
	}
	return out, nil
}

// WeekSummary summarizes the runs of one week bucket.
type WeekSummary struct {
	WeekYear          string  `json:"week_year"`
	Runs              int     `json:"runs"`
	P50DurationMs     int64   `json:"p50_duration_ms"`
	P90DurationMs     int64   `json:"p90_duration_ms"`
	StandardDeviation float64 `json:"standard_deviation"`
}

// SummarizeWeeks groups runs by week bucket and returns one summary per
// bucket, newest week first.
func SummarizeWeeks(runs []model.CanonicalRun) []WeekSummary {
	groups := GroupByWeekBucket(runs)
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}

	out := make([]WeekSummary, 0, len(keys))
	for _, k := range SortBucketKeysDescending(keys) {
		durations := make([]int64, len(groups[k]))
		for i, r := range groups[k] {
			durations[i] = r.DurationMs()
		}
		out = append(out, WeekSummary{
			WeekYear:          k,
			Runs:              len(durations),
			P50DurationMs:     Percentile(durations, 50),
			P90DurationMs:     Percentile(durations, 90),
			StandardDeviation: StandardDeviation(durations),
		})
	}
	return out
}
