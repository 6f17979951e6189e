package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/ci-insights/internal/queue"
	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
	"github.com/Sternrassler/ci-insights/pkg/reconcile"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
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

func rawRun() *client.RawRun {
	raw := &client.RawRun{
		ID:           7,
		WorkflowID:   3,
		Name:         "CI",
		HeadBranch:   "main",
		Status:       "completed",
		Conclusion:   str("success"),
		RunAttempt:   1,
		CreatedAt:    at(-time.Minute),
		RunStartedAt: at(0),
		UpdatedAt:    at(2 * time.Minute),
	}
	raw.Repository.Name = "api"
	raw.Repository.Owner.Login = "acme"
	return raw
}

func rawJobs() []client.RawJob {
	return []client.RawJob{{
		ID:          11,
		RunID:       7,
		Name:        "build",
		Status:      "completed",
		Conclusion:  str("success"),
		StartedAt:   at(0),
		CompletedAt: at(time.Minute),
		Steps: []client.RawStep{
			{Number: 1, Name: "checkout", Status: "completed", Conclusion: str("success"), StartedAt: at(0), CompletedAt: at(time.Second)},
		},
	}}
}

func completeUsage() *client.RawUsage {
	return &client.RawUsage{
		RunDurationMs: ms(120000),
		Billable: map[string]client.RawBillable{
			"UBUNTU": {TotalMs: 60000, Jobs: 1, JobRuns: []client.RawJobRun{{JobID: 11, DurationMs: 60000}}},
		},
	}
}

type fakeSource struct {
	run   *client.RawRun
	err   error
	calls atomic.Int32
}

func (f *fakeSource) GetRun(ctx context.Context, owner, repo string, runID int64) (*client.RawRun, error) {
	f.calls.Add(1)
	return f.run, f.err
}

type fakeJobs struct {
	jobs []client.RawJob
	err  error
}

func (f *fakeJobs) FetchAll(ctx context.Context, owner, repo string, runID int64) ([]client.RawJob, error) {
	return f.jobs, f.err
}

type fakeUsage struct {
	usage *client.RawUsage
	err   error
}

func (f *fakeUsage) GetUsage(ctx context.Context, owner, repo string, runID int64) (*client.RawUsage, error) {
	return f.usage, f.err
}

type fakeBudget struct {
	exceeded bool
	err      error
}

func (f fakeBudget) WouldExceed(ctx context.Context, cost int) (bool, error) {
	return f.exceeded, f.err
}

type handlerFixture struct {
	handler *Handler
	runs    *store.Runs
	source  *fakeSource
	jobs    *fakeJobs
	usage   *fakeUsage
	redis   *redis.Client
}

func newHandlerFixture(t *testing.T, budget BudgetChecker) *handlerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })

	f := &handlerFixture{
		runs:   store.NewRuns(store.NewRedisStore(rc, 0)),
		source: &fakeSource{run: rawRun()},
		jobs:   &fakeJobs{jobs: rawJobs()},
		usage:  &fakeUsage{usage: completeUsage()},
		redis:  rc,
	}
	cfg := HandlerConfig{DataRetryDelay: 45 * time.Second, MaxDataWaitAttempts: 2, RequestCost: 3}
	f.handler = NewHandler(f.runs, f.source, reconcile.NewReconciler(f.jobs, f.usage), budget, cfg)
	return f
}

func execFor(t *testing.T, p FetchPayload, reschedules int) *queue.Execution {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return &queue.Execution{
		Token: "job-1/lease-1",
		Job: queue.PendingFetchJob{
			ID:          "job-1",
			Method:      MethodFetchRunUsage,
			Payload:     data,
			Reschedules: reschedules,
		},
	}
}

var runPayload = FetchPayload{Owner: "acme", Repo: "api", RunID: 7}

func TestFetchRunUsage_Success(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	success, ok := o.(outcome.Success)
	require.True(t, ok, "got %s", o)
	require.Len(t, success.Runs, 1)

	run := success.Runs[0]
	assert.Equal(t, int64(7), run.RunID)
	assert.Equal(t, "acme", run.Owner)
	assert.Equal(t, "2024_10", run.WeekYear)
	require.NotNil(t, run.UsageData)
	assert.Equal(t, int64(120000), *run.UsageData.RunDurationMs)
	require.Len(t, run.UsageData.Billable.JobRuns, 1)
	assert.NotNil(t, run.UsageData.Billable.JobRuns[0].Job)
	assert.Equal(t, int32(1), f.source.calls.Load())
}

func TestFetchRunUsage_LoadsStoredRun(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	ctx := context.Background()

	stored, err := reconcile.FormatRun(*rawRun())
	require.NoError(t, err)
	stored.Attempt = 4
	require.NoError(t, f.runs.PutAll(ctx, []model.CanonicalRun{stored}))

	o := f.handler.Handle(ctx, execFor(t, PayloadFor(stored), 0))

	success, ok := o.(outcome.Success)
	require.True(t, ok, "got %s", o)
	assert.Equal(t, 4, success.Runs[0].Attempt)
	assert.Equal(t, int32(0), f.source.calls.Load(), "stored run must not be fetched again")
}

func TestFetchRunUsage_IncompleteDataRetriesAfterDelay(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	f.usage.usage.RunDurationMs = nil

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 1))

	retry, ok := o.(outcome.RetryAfter)
	require.True(t, ok, "got %s", o)
	assert.Equal(t, 45*time.Second, retry.Delay)
	assert.Equal(t, outcome.Token("job-1/lease-1"), retry.Token)
	assert.False(t, outcome.CountsAsFailure(o))
}

func TestFetchRunUsage_IncompleteDataStoredAfterMaxAttempts(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	f.usage.usage.RunDurationMs = nil

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 2))

	success, ok := o.(outcome.Success)
	require.True(t, ok, "got %s", o)
	assert.Nil(t, success.Runs[0].UsageData.RunDurationMs)
	assert.True(t, success.Runs[0].DataWaitExhausted)
	assert.False(t, NeedsFetch(success.Runs[0]), "the sweep must not fetch it again")
}

func TestFetchRunUsage_CompleteDataClearsExhausted(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	f.usage.usage.RunDurationMs = nil

	first := f.handler.Handle(context.Background(), execFor(t, runPayload, 2))
	success, ok := first.(outcome.Success)
	require.True(t, ok, "got %s", first)
	require.NoError(t, f.runs.PutAll(context.Background(), success.Runs))

	f.usage.usage.RunDurationMs = ms(1800000)
	second := f.handler.Handle(context.Background(), execFor(t, PayloadFor(success.Runs[0]), 0))

	success, ok = second.(outcome.Success)
	require.True(t, ok, "got %s", second)
	assert.False(t, success.Runs[0].DataWaitExhausted)
	assert.Equal(t, int32(1), f.source.calls.Load(), "second fetch starts from the stored run")
}

func TestFetchRunUsage_BudgetExceededRequeues(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{exceeded: true})

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	assert.Equal(t, outcome.RequeueToWait{Token: "job-1/lease-1"}, o)
	assert.Equal(t, int32(0), f.source.calls.Load())
}

func TestFetchRunUsage_RateLimitedAPIRequeues(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	f.usage.err = &client.APIError{
		StatusCode: http.StatusForbidden,
		ErrorClass: client.ErrorClassRateLimit,
		Message:    "API rate limit exceeded",
		Err:        ratelimit.ErrBudgetExceeded,
	}

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	assert.Equal(t, outcome.KindRequeueToWait, o.Kind())
}

func TestFetchRunUsage_Shutdown(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(outcome.ErrShutdown)

	o := f.handler.Handle(ctx, execFor(t, runPayload, 0))

	cancelled, ok := o.(outcome.Cancelled)
	require.True(t, ok, "got %s", o)
	assert.Equal(t, outcome.ReasonShutdown, cancelled.Reason)
	assert.ErrorIs(t, cancelled.Cause, outcome.ErrShutdown)
	assert.Equal(t, int32(0), f.source.calls.Load())
}

func TestFetchRunUsage_Aborted(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := f.handler.Handle(ctx, execFor(t, runPayload, 0))

	cancelled, ok := o.(outcome.Cancelled)
	require.True(t, ok, "got %s", o)
	assert.Equal(t, outcome.ReasonAborted, cancelled.Reason)
}

func TestFetchRunUsage_CorruptDataIsFatal(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	f.jobs.jobs[0].Status = "exploded"

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	fatal, ok := o.(outcome.Fatal)
	require.True(t, ok, "got %s", o)
	assert.ErrorIs(t, fatal.Cause, reconcile.ErrCorruptData)
}

func TestFetchRunUsage_JobCountMismatchIsFatal(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})
	bucket := f.usage.usage.Billable["UBUNTU"]
	bucket.Jobs = 2
	f.usage.usage.Billable["UBUNTU"] = bucket

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	fatal, ok := o.(outcome.Fatal)
	require.True(t, ok, "got %s", o)
	assert.ErrorIs(t, fatal.Cause, reconcile.ErrJobCountMismatch)
}

func TestFetchRunUsage_BudgetCheckErrorIsFatal(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{err: errors.New("redis down")})

	o := f.handler.Handle(context.Background(), execFor(t, runPayload, 0))

	assert.Equal(t, outcome.KindFatal, o.Kind())
}

func TestHandle_RejectsBadJobs(t *testing.T) {
	f := newHandlerFixture(t, fakeBudget{})

	tests := []struct {
		name string
		exec *queue.Execution
	}{
		{
			name: "unknown method",
			exec: &queue.Execution{Token: "a/b", Job: queue.PendingFetchJob{Method: "mystery", Payload: []byte(`{}`)}},
		},
		{
			name: "malformed payload",
			exec: &queue.Execution{Token: "a/b", Job: queue.PendingFetchJob{Method: MethodFetchRunUsage, Payload: []byte(`[`)}},
		},
		{
			name: "missing run id",
			exec: execFor(t, FetchPayload{Owner: "acme", Repo: "api"}, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := f.handler.Handle(context.Background(), tt.exec)
			assert.Equal(t, outcome.KindFatal, o.Kind())
		})
	}
}

func TestFetchPayload_Group(t *testing.T) {
	p := FetchPayload{Owner: "Acme", Repo: "API", WorkflowName: "Build and Test", RunID: 9}
	assert.Equal(t, "acme/api/9", p.Group())
	assert.Equal(t, "acme/api/build_and_test/9", p.Key().String())
}
