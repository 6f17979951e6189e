package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var ciReconcileSharedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ci_reconcile_shared_fetches_total",
	Help: "Total number of run fetches answered by an in-flight fetch of the same run",
})

// JobFetcher returns every job of a run.
type JobFetcher interface {
	FetchAll(ctx context.Context, owner, repo string, runID int64) ([]client.RawJob, error)
}

// UsageFetcher returns the usage payload of a run.
type UsageFetcher interface {
	GetUsage(ctx context.Context, owner, repo string, runID int64) (*client.RawUsage, error)
}

// RunData is everything fetched for one run. It is shared between
// concurrent callers and must be treated as read-only.
type RunData struct {
	Jobs  map[int64]model.JobDetail
	Usage client.RawUsage
}

// Reconciler fetches and reconciles runs. Concurrent fetches of the same
// run are collapsed into one for as long as the Reconciler lives.
type Reconciler struct {
	jobs   JobFetcher
	usage  UsageFetcher
	group  singleflight.Group
	logger zerolog.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(jobs JobFetcher, usage UsageFetcher) *Reconciler {
	return &Reconciler{
		jobs:   jobs,
		usage:  usage,
		logger: log.With().Str("component", "reconciler").Logger(),
	}
}

// FetchRunData fetches and formats the jobs and usage of a run.
// The context is checked before each step. A caller joining an in-flight
// fetch only ever fails with its own cancellation: if the fetch it joined
// was cancelled by another caller, it fetches again.
func (r *Reconciler) FetchRunData(ctx context.Context, owner, repo string, runID int64) (*RunData, error) {
	key := fmt.Sprintf("%s/%s/%d", owner, repo, runID)

	for {
		if ctx.Err() != nil {
			return nil, outcome.Cancel(ctx)
		}

		var own bool
		ch := r.group.DoChan(key, func() (any, error) {
			own = true
			return r.fetch(ctx, owner, repo, runID)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return nil, outcome.Cancel(ctx)
		case res = <-ch:
		}

		if res.Shared {
			ciReconcileSharedTotal.Inc()
			r.logger.Debug().Str("key", key).Msg("Shared in-flight run fetch")
		}
		if res.Err != nil {
			if !own && ctx.Err() == nil && isCancellation(res.Err) {
				r.logger.Debug().Str("key", key).Msg("Joined fetch was cancelled by its caller - fetching again")
				continue
			}
			return nil, res.Err
		}
		return res.Val.(*RunData), nil
	}
}

func isCancellation(err error) bool {
	var cancelled *outcome.CancelledError
	return errors.As(err, &cancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (r *Reconciler) fetch(ctx context.Context, owner, repo string, runID int64) (*RunData, error) {
	if ctx.Err() != nil {
		return nil, outcome.Cancel(ctx)
	}
	rawJobs, err := r.jobs.FetchAll(ctx, owner, repo, runID)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, outcome.Cancel(ctx)
	}
	details, err := FormatJobs(rawJobs)
	if err != nil {
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, outcome.Cancel(ctx)
	}
	usage, err := r.usage.GetUsage(ctx, owner, repo, runID)
	if err != nil {
		return nil, err
	}

	return &RunData{Jobs: details, Usage: *usage}, nil
}

// Reconcile fetches fresh data for run and returns a copy with its usage
// data replaced.
func (r *Reconciler) Reconcile(ctx context.Context, run model.CanonicalRun) (model.CanonicalRun, error) {
	data, err := r.FetchRunData(ctx, run.Owner, run.Repo, run.RunID)
	if err != nil {
		return model.CanonicalRun{}, err
	}

	if ctx.Err() != nil {
		return model.CanonicalRun{}, outcome.Cancel(ctx)
	}
	merged, err := MatchRunsWithUsage(
		[]model.CanonicalRun{run},
		map[int64]UsagePayload{run.RunID: RawUsagePayload(data.Usage)},
		data.Jobs,
	)
	if err != nil {
		return model.CanonicalRun{}, err
	}
	return merged[0], nil
}
