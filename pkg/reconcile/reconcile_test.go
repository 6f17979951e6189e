package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := base.Add(offset)
	return &t
}

func str(s string) *string { return &s }

func ms(v int64) *int64 { return &v }

func TestFormatJob(t *testing.T) {
	raw := client.RawJob{
		ID:          11,
		RunID:       7,
		Name:        "build",
		Status:      "completed",
		Conclusion:  str("success"),
		StartedAt:   at(0),
		CompletedAt: at(90 * time.Second),
		Steps: []client.RawStep{
			{Number: 2, Name: "test", Status: "completed", Conclusion: str("success")},
			{Number: 1, Name: "checkout", Status: "completed", Conclusion: str("success")},
		},
	}

	job, err := FormatJob(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(90000), job.DurationMs)
	assert.Equal(t, model.StatusCompleted, job.Status)
	assert.Equal(t, model.ConclusionSuccess, job.Conclusion)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, "checkout", job.Steps[0].Name)
}

func TestFormatJob_ClockSkewClampsToZero(t *testing.T) {
	job, err := FormatJob(client.RawJob{
		ID:          1,
		Status:      "completed",
		StartedAt:   at(time.Minute),
		CompletedAt: at(0),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.DurationMs)
}

func TestFormatJob_MissingTimestamps(t *testing.T) {
	job, err := FormatJob(client.RawJob{ID: 1, Status: "queued", StartedAt: at(0)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.DurationMs)
}

func TestFormatJob_UnknownStatusFails(t *testing.T) {
	_, err := FormatJob(client.RawJob{ID: 1, Status: "exploded"})
	assert.ErrorIs(t, err, ErrCorruptData)
	assert.ErrorIs(t, err, model.ErrUnknownStatus)

	_, err = FormatJob(client.RawJob{ID: 1, Status: "completed", Steps: []client.RawStep{{Number: 1, Status: "?"}}})
	assert.ErrorIs(t, err, model.ErrUnknownStatus)
}

func TestFormatJob_UnknownConclusionDegrades(t *testing.T) {
	job, err := FormatJob(client.RawJob{ID: 1, Status: "completed", Conclusion: str("mystery")})
	require.NoError(t, err)
	assert.Equal(t, model.ConclusionNone, job.Conclusion)
	assert.True(t, job.Conclusion.IsNull())
}

func TestFormatRun(t *testing.T) {
	raw := client.RawRun{
		ID:           7,
		WorkflowID:   3,
		Name:         "CI",
		HeadBranch:   "main",
		Status:       "completed",
		Conclusion:   str("failure"),
		RunAttempt:   2,
		CreatedAt:    at(-time.Minute),
		RunStartedAt: at(0),
		UpdatedAt:    at(10 * time.Minute),
	}
	raw.Repository.Name = "api"
	raw.Repository.Owner.Login = "acme"

	run, err := FormatRun(raw)
	require.NoError(t, err)
	assert.Equal(t, "2024_10", run.WeekYear)
	assert.Equal(t, "acme/api/ci/main/7", run.Key().String())
	assert.Equal(t, model.ConclusionFailure, run.Conclusion)
	require.NotNil(t, run.CompletedAt)
	assert.Nil(t, run.UsageData)
}

func TestFormatRun_NoTimestamps(t *testing.T) {
	_, err := FormatRun(client.RawRun{ID: 1, Status: "queued"})
	assert.ErrorIs(t, err, ErrCorruptData)
}

func TestFormatUsage(t *testing.T) {
	details := map[int64]model.JobDetail{
		1: {ID: 1, StartedAt: at(0), CompletedAt: at(30 * time.Second), Steps: []model.StepRecord{{Number: 1}}},
		2: {ID: 2, Steps: []model.StepRecord{{Number: 1}}},
	}
	raw := client.RawUsage{
		RunDurationMs: ms(100000),
		Billable: map[string]client.RawBillable{
			"UBUNTU": {TotalMs: 60000, Jobs: 2, JobRuns: []client.RawJobRun{
				{JobID: 1, DurationMs: 0},
				{JobID: 2, DurationMs: 0},
			}},
			"MACOS": {TotalMs: 40000, Jobs: 1, JobRuns: []client.RawJobRun{{JobID: 3, DurationMs: 40000}}},
		},
	}

	u, err := FormatUsage(raw, details)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"UBUNTU": 60000, "MACOS": 40000}, u.Billable.Labels)
	assert.Equal(t, int64(100000), u.Billable.TotalMs)
	assert.Equal(t, 3, u.Billable.JobsCount)
	require.Len(t, u.Billable.JobRuns, 3)

	// Labels are flattened in sorted order: MACOS first.
	assert.Equal(t, int64(3), u.Billable.JobRuns[0].JobID)
	assert.Nil(t, u.Billable.JobRuns[0].Job)

	backfilled := u.Billable.JobRuns[1]
	assert.Equal(t, int64(30000), backfilled.DurationMs)
	require.NotNil(t, backfilled.Job)
	assert.Equal(t, int64(1), backfilled.Job.ID)

	// No timestamps on the detail: the zero is kept.
	assert.Equal(t, int64(0), u.Billable.JobRuns[2].DurationMs)
}

func TestFormatUsage_CountMismatchIsCorruption(t *testing.T) {
	raw := client.RawUsage{
		RunDurationMs: ms(1),
		Billable: map[string]client.RawBillable{
			"UBUNTU": {TotalMs: 1, Jobs: 2, JobRuns: []client.RawJobRun{{JobID: 1, DurationMs: 1}}},
		},
	}

	_, err := FormatUsage(raw, nil)
	assert.ErrorIs(t, err, ErrJobCountMismatch)
	assert.ErrorIs(t, err, ErrCorruptData)
}

func TestFormatUsage_AbsentJobRunList(t *testing.T) {
	raw := client.RawUsage{
		Billable: map[string]client.RawBillable{"UBUNTU": {TotalMs: 5, Jobs: 1}},
	}

	u, err := FormatUsage(raw, nil)
	require.NoError(t, err)
	assert.Nil(t, u.Billable.JobRuns)
	assert.Nil(t, u.RunDurationMs)
	assert.True(t, HasMissingData([]model.UsageData{u}))
}

func completeUsage() model.UsageData {
	return model.UsageData{
		RunDurationMs: ms(1000),
		Billable: model.Billable{
			Labels:    map[string]int64{"UBUNTU": 1000},
			TotalMs:   1000,
			JobsCount: 2,
			JobRuns: []model.JobRunEntry{
				{JobID: 1, DurationMs: 1000, Job: &model.JobDetail{ID: 1, Steps: []model.StepRecord{{Number: 1}}}},
				{JobID: 2, DurationMs: 0, Job: &model.JobDetail{ID: 2, Conclusion: model.ConclusionSkipped}},
			},
		},
	}
}

func TestHasMissingData(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.UsageData)
		want   bool
	}{
		{name: "complete", want: false},
		{name: "no run duration", mutate: func(u *model.UsageData) { u.RunDurationMs = nil }, want: true},
		{name: "absent job run list", mutate: func(u *model.UsageData) { u.Billable.JobRuns = nil }, want: true},
		{name: "count mismatch", mutate: func(u *model.UsageData) { u.Billable.JobRuns = u.Billable.JobRuns[:1] }, want: true},
		{name: "missing detail", mutate: func(u *model.UsageData) { u.Billable.JobRuns[1].Job = nil }, want: true},
		{
			name:   "non-skipped job without steps",
			mutate: func(u *model.UsageData) { u.Billable.JobRuns[0].Job.Steps = nil },
			want:   true,
		},
		{
			name: "skipped job with duration but no steps",
			mutate: func(u *model.UsageData) {
				u.Billable.JobRuns[1].DurationMs = 500
			},
			want: false,
		},
		{
			name: "zero duration job without steps",
			mutate: func(u *model.UsageData) {
				u.Billable.JobRuns[0].DurationMs = 0
				u.Billable.JobRuns[0].Job.Steps = nil
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := completeUsage()
			if tt.mutate != nil {
				tt.mutate(&u)
			}
			assert.Equal(t, tt.want, HasMissingData([]model.UsageData{u}), MissingDataReason(u))
		})
	}
}

func TestHasMissingData_AnyRecord(t *testing.T) {
	incomplete := completeUsage()
	incomplete.Billable.JobsCount = 3

	assert.False(t, HasMissingData(nil))
	assert.True(t, HasMissingData([]model.UsageData{completeUsage(), incomplete}))
}

func TestMatchRunsWithUsage(t *testing.T) {
	prior := completeUsage()
	runs := []model.CanonicalRun{
		{RunID: 1, UsageData: &prior},
		{RunID: 2, UsageData: &prior},
		{RunID: 3},
	}

	canonical := completeUsage()
	canonical.Billable.TotalMs = 42
	usage := map[int64]UsagePayload{
		2: RawUsagePayload(client.RawUsage{
			RunDurationMs: ms(7),
			Billable:      map[string]client.RawBillable{"UBUNTU": {TotalMs: 7, Jobs: 0, JobRuns: []client.RawJobRun{}}},
		}),
		3: CanonicalUsagePayload(canonical),
	}

	out, err := MatchRunsWithUsage(runs, usage, nil)
	require.NoError(t, err)
	require.Len(t, out, 3)

	// Absent: untouched.
	assert.Same(t, &prior, out[0].UsageData)

	// Raw: replaced wholesale.
	require.NotNil(t, out[1].UsageData)
	assert.Equal(t, int64(7), out[1].UsageData.Billable.TotalMs)
	assert.Equal(t, map[string]int64{"UBUNTU": 7}, out[1].UsageData.Billable.Labels)
	assert.Equal(t, int64(1000), prior.Billable.TotalMs, "prior usage must not be mutated")

	// Canonical: attached as is, without aliasing the payload.
	require.NotNil(t, out[2].UsageData)
	assert.Equal(t, int64(42), out[2].UsageData.Billable.TotalMs)
	out[2].UsageData.Billable.Labels["UBUNTU"] = 0
	assert.Equal(t, int64(1000), canonical.Billable.Labels["UBUNTU"])

	// The input slice is unchanged.
	assert.Nil(t, runs[2].UsageData)
}

func TestMatchRunsWithUsage_PropagatesCorruption(t *testing.T) {
	runs := []model.CanonicalRun{{RunID: 1}}
	usage := map[int64]UsagePayload{
		1: RawUsagePayload(client.RawUsage{
			Billable: map[string]client.RawBillable{"UBUNTU": {Jobs: 3, JobRuns: []client.RawJobRun{}}},
		}),
	}

	_, err := MatchRunsWithUsage(runs, usage, nil)
	assert.ErrorIs(t, err, ErrJobCountMismatch)
}

func TestIsCanonicalUsage(t *testing.T) {
	assert.False(t, IsCanonicalUsage(RawUsagePayload(client.RawUsage{})))
	assert.True(t, IsCanonicalUsage(CanonicalUsagePayload(model.UsageData{})))
	assert.Equal(t, UsageCanonical, CanonicalUsagePayload(model.UsageData{}).Kind())
}

func TestBackfillJobDetails_IsPure(t *testing.T) {
	u := model.UsageData{
		RunDurationMs: ms(10),
		Billable: model.Billable{
			JobsCount: 2,
			JobRuns: []model.JobRunEntry{
				{JobID: 1, DurationMs: 5},
				{JobID: 2, DurationMs: 5, Job: &model.JobDetail{ID: 2, Name: "old"}},
			},
		},
	}
	details := map[int64]model.JobDetail{1: {ID: 1, Name: "build"}}

	out := BackfillJobDetails(u, details)

	require.NotNil(t, out.Billable.JobRuns[0].Job)
	assert.Equal(t, "build", out.Billable.JobRuns[0].Job.Name)
	assert.Equal(t, "old", out.Billable.JobRuns[1].Job.Name)
	assert.Nil(t, u.Billable.JobRuns[0].Job, "input must not be mutated")

	again := BackfillJobDetails(out, details)
	assert.Equal(t, out, again)
}

type blockingFetcher struct {
	release  chan struct{}
	jobCalls atomic.Int32
	jobs     []client.RawJob
	usage    client.RawUsage
	usageErr error
}

func (f *blockingFetcher) FetchAll(ctx context.Context, owner, repo string, runID int64) ([]client.RawJob, error) {
	f.jobCalls.Add(1)
	if f.release != nil {
		<-f.release
	}
	return f.jobs, nil
}

func (f *blockingFetcher) GetUsage(ctx context.Context, owner, repo string, runID int64) (*client.RawUsage, error) {
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	u := f.usage
	return &u, nil
}

func TestReconciler_DeduplicatesInFlightFetches(t *testing.T) {
	f := &blockingFetcher{
		release: make(chan struct{}),
		jobs:    []client.RawJob{{ID: 1, Status: "completed"}},
		usage:   client.RawUsage{Billable: map[string]client.RawBillable{}},
	}
	r := NewReconciler(f, f)

	var wg sync.WaitGroup
	results := make([]*RunData, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := r.FetchRunData(context.Background(), "acme", "api", 7)
			assert.NoError(t, err)
			results[i] = data
		}(i)
	}

	// Give every goroutine time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(f.release)
	wg.Wait()

	assert.Equal(t, int32(1), f.jobCalls.Load())
	for _, data := range results {
		require.NotNil(t, data)
		assert.Contains(t, data.Jobs, int64(1))
	}
}

func TestReconciler_Reconcile(t *testing.T) {
	f := &blockingFetcher{
		jobs: []client.RawJob{{ID: 1, Status: "completed", StartedAt: at(0), CompletedAt: at(time.Second),
			Steps: []client.RawStep{{Number: 1, Status: "completed"}}}},
		usage: client.RawUsage{
			RunDurationMs: ms(1000),
			Billable: map[string]client.RawBillable{
				"UBUNTU": {TotalMs: 1000, Jobs: 1, JobRuns: []client.RawJobRun{{JobID: 1}}},
			},
		},
	}
	r := NewReconciler(f, f)

	run, err := r.Reconcile(context.Background(), model.CanonicalRun{Owner: "acme", Repo: "api", RunID: 7})
	require.NoError(t, err)
	require.NotNil(t, run.UsageData)
	assert.Equal(t, int64(1000), run.UsageData.Billable.JobRuns[0].DurationMs)
	assert.False(t, HasMissingData([]model.UsageData{*run.UsageData}))
}

func TestReconciler_CancelledBeforeFetch(t *testing.T) {
	f := &blockingFetcher{}
	r := NewReconciler(f, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.FetchRunData(ctx, "acme", "api", 7)
	var cancelled *outcome.CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, int32(0), f.jobCalls.Load())
}

func TestReconciler_UsageErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	f := &blockingFetcher{usageErr: boom}
	r := NewReconciler(f, f)

	_, err := r.FetchRunData(context.Background(), "acme", "api", 7)
	assert.ErrorIs(t, err, boom)
}

// cancellableFetcher blocks its first FetchAll until ctx is done and
// answers every later call at once.
type cancellableFetcher struct {
	blockingFetcher
	started chan struct{}
}

func (f *cancellableFetcher) FetchAll(ctx context.Context, owner, repo string, runID int64) ([]client.RawJob, error) {
	if f.jobCalls.Add(1) == 1 {
		close(f.started)
		<-ctx.Done()
		return nil, outcome.Cancel(ctx)
	}
	return f.jobs, nil
}

func TestReconciler_CancelledCallerDoesNotCancelOthers(t *testing.T) {
	f := &cancellableFetcher{
		blockingFetcher: blockingFetcher{
			jobs:  []client.RawJob{{ID: 1, Status: "completed"}},
			usage: client.RawUsage{Billable: map[string]client.RawBillable{}},
		},
		started: make(chan struct{}),
	}
	r := NewReconciler(f, f)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := r.FetchRunData(leaderCtx, "acme", "api", 7)
		leaderErr <- err
	}()
	<-f.started

	type result struct {
		data *RunData
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		data, err := r.FetchRunData(context.Background(), "acme", "api", 7)
		joined <- result{data, err}
	}()

	// Let the second caller join the in-flight fetch.
	time.Sleep(50 * time.Millisecond)
	cancelLeader()

	var cancelled *outcome.CancelledError
	require.ErrorAs(t, <-leaderErr, &cancelled)

	select {
	case res := <-joined:
		require.NoError(t, res.err)
		require.NotNil(t, res.data)
		assert.Contains(t, res.data.Jobs, int64(1))
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller did not return")
	}
	assert.Equal(t, int32(2), f.jobCalls.Load())
}

func TestReconciler_JoinedCallerCancelledWhileWaiting(t *testing.T) {
	f := &blockingFetcher{
		release: make(chan struct{}),
		usage:   client.RawUsage{Billable: map[string]client.RawBillable{}},
	}
	defer close(f.release)
	r := NewReconciler(f, f)

	go func() { _, _ = r.FetchRunData(context.Background(), "acme", "api", 7) }()
	require.Eventually(t, func() bool { return f.jobCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(outcome.ErrShutdown)

	_, err := r.FetchRunData(ctx, "acme", "api", 7)
	var cancelled *outcome.CancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, outcome.ReasonShutdown, cancelled.Reason)
}
