package ingest

import (
	"context"
	"fmt"

	"github.com/Sternrassler/ci-insights/pkg/logging"
	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/Sternrassler/ci-insights/pkg/reconcile"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var ciSweepEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ci_sweep_enqueued_total",
	Help: "Total fetch jobs enqueued by the incomplete-run sweep",
})

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, method, group string, payload any) (string, error)
}

// Sweeper re-queues stored runs whose usage data is incomplete.
type Sweeper struct {
	runs   *store.Runs
	queue  Enqueuer
	prefix string
	logger zerolog.Logger
}

// NewSweeper creates a sweeper over the runs under prefix ("" for all).
func NewSweeper(runs *store.Runs, q Enqueuer, prefix string) *Sweeper {
	return &Sweeper{
		runs:   runs,
		queue:  q,
		prefix: prefix,
		logger: logging.NewLogger("sweeper"),
	}
}

// NeedsFetch reports whether the sweep should fetch run again. Runs stored
// after their data wait budget ran out are left alone.
func NeedsFetch(run model.CanonicalRun) bool {
	if run.DataWaitExhausted {
		return false
	}
	if run.UsageData == nil {
		return true
	}
	return reconcile.HasMissingData([]model.UsageData{*run.UsageData})
}

// Sweep enqueues a fetch job for every incomplete run and returns how many
// were enqueued. Runs that already have a live job are not duplicated.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	runs, err := s.runs.List(ctx, s.prefix)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}

	enqueued := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			return enqueued, ctx.Err()
		}
		if !NeedsFetch(run) {
			continue
		}
		p := PayloadFor(run)
		if _, err := s.queue.Enqueue(ctx, MethodFetchRunUsage, p.Group(), p); err != nil {
			return enqueued, fmt.Errorf("sweep: enqueue run %d: %w", run.RunID, err)
		}
		enqueued++
	}

	ciSweepEnqueuedTotal.Add(float64(enqueued))
	s.logger.Info().Int("scanned", len(runs)).Int("enqueued", enqueued).Msg("Sweep finished")
	return enqueued, nil
}

// Run sweeps on schedule until ctx is done, then waits for a running sweep
// to finish.
func (s *Sweeper) Run(ctx context.Context, schedule cron.Schedule) error {
	c := cron.New()
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Sweep failed")
		}
	}))

	c.Start()
	s.logger.Info().Str("prefix", s.prefix).Msg("Sweeper started")

	<-ctx.Done()
	<-c.Stop().Done()

	s.logger.Info().Msg("Sweeper stopped")
	return nil
}
