package pagination

import (
	"context"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// PageSize is the number of jobs requested per page.
const PageSize = 100

var ciPagesFetchedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ci_pages_fetched_total",
	Help: "Total number of job pages fetched from the CI API",
})

// PageLister is the single-page call the CI client must implement.
type PageLister interface {
	ListJobs(ctx context.Context, owner, repo string, runID int64, page, perPage int) (*client.JobsPage, error)
}

// Config holds paginator configuration.
type Config struct {
	// PagesPerSecond paces page requests. Zero disables pacing.
	PagesPerSecond float64
}

// DefaultConfig returns the default configuration (5 pages/s).
func DefaultConfig() Config {
	return Config{PagesPerSecond: 5}
}

// JobPaginator fetches all jobs of a run sequentially.
type JobPaginator struct {
	lister  PageLister
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewJobPaginator creates a new paginator.
func NewJobPaginator(lister PageLister, cfg Config) *JobPaginator {
	var limiter *rate.Limiter
	if cfg.PagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PagesPerSecond), 1)
	}
	return &JobPaginator{
		lister:  lister,
		limiter: limiter,
		logger:  log.With().Str("component", "paginator").Logger(),
	}
}

// FetchAll returns every job of the run's latest attempt in page order.
func (p *JobPaginator) FetchAll(ctx context.Context, owner, repo string, runID int64) ([]client.RawJob, error) {
	start := time.Now()
	var jobs []client.RawJob

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			return nil, outcome.Cancel(ctx)
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, outcome.Cancel(ctx)
				}
				// Wait fails early when the deadline would pass before a token frees up.
				return nil, &outcome.CancelledError{Reason: outcome.ReasonDeadline, Cause: err}
			}
		}

		resp, err := p.lister.ListJobs(ctx, owner, repo, runID, page, PageSize)
		if err != nil {
			return nil, err
		}
		ciPagesFetchedTotal.Inc()

		jobs = append(jobs, resp.Jobs...)

		p.logger.Debug().
			Str("owner", owner).
			Str("repo", repo).
			Int64("run_id", runID).
			Int("page", page).
			Int("fetched", len(jobs)).
			Int("total_count", resp.TotalCount).
			Msg("Fetched job page")

		if len(resp.Jobs) == 0 || len(jobs) >= resp.TotalCount {
			break
		}
	}

	p.logger.Debug().
		Int64("run_id", runID).
		Int("jobs", len(jobs)).
		Dur("duration", time.Since(start)).
		Msg("Job fetch complete")

	return jobs, nil
}
