package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/internal/queue"
	"github.com/Sternrassler/ci-insights/pkg/logging"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Queue is the part of the job queue the worker drives.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Execution, error)
	Reclaim(ctx context.Context) (int, error)
	Apply(ctx context.Context, exec *queue.Execution, o outcome.Outcome) error
}

// JobHandler executes one leased job.
type JobHandler interface {
	Handle(ctx context.Context, exec *queue.Execution) outcome.Outcome
}

// WorkerConfig holds worker configuration.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration

	// JobTimeout bounds a single execution. Zero disables the bound.
	JobTimeout time.Duration
}

// Worker pulls jobs from the queue and settles them.
type Worker struct {
	queue   Queue
	handler JobHandler
	runs    *store.Runs
	config  WorkerConfig
	logger  zerolog.Logger
}

// NewWorker creates a new worker.
func NewWorker(q Queue, handler JobHandler, runs *store.Runs, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		queue:   q,
		handler: handler,
		runs:    runs,
		config:  cfg,
		logger:  logging.NewLogger("worker"),
	}
}

// Run starts Concurrency loops and blocks until ctx is done. Cancel ctx
// with outcome.ErrShutdown as cause so interrupted jobs are reported as
// shut down rather than aborted.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Int("concurrency", w.config.Concurrency).Msg("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.config.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return w.loop(gctx, id)
		})
	}
	err := g.Wait()

	w.logger.Info().AnErr("cause", context.Cause(ctx)).Msg("Worker stopped")
	return err
}

func (w *Worker) loop(ctx context.Context, id int) error {
	logger := w.logger.With().Int("loop", id).Logger()
	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Process job")
		}
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessOne runs at most one job to completion. It reports false when no
// job was ready.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	exec, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if exec == nil {
		if _, err := w.queue.Reclaim(ctx); err != nil {
			return false, err
		}
		return false, nil
	}

	o := w.execute(ctx, exec)

	// Settle even when ctx is already done.
	settleCtx := context.WithoutCancel(ctx)
	if s, ok := o.(outcome.Success); ok {
		if err := w.runs.PutAll(settleCtx, s.Runs); err != nil {
			o = outcome.Fatal{Cause: fmt.Errorf("persist runs: %w", err)}
		}
	}

	if err := w.queue.Apply(settleCtx, exec, o); err != nil {
		if errors.Is(err, queue.ErrStaleToken) {
			w.logger.Warn().Str("job_id", exec.Job.ID).Msg("Lease lost before the job settled")
		}
		return true, fmt.Errorf("apply %s to job %s: %w", o.Kind(), exec.Job.ID, err)
	}
	return true, nil
}

func (w *Worker) execute(ctx context.Context, exec *queue.Execution) (o outcome.Outcome) {
	jobCtx, cancel := ctx, context.CancelFunc(func() {})
	if w.config.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, w.config.JobTimeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o = outcome.Fatal{Cause: fmt.Errorf("job %s panicked: %v", exec.Job.ID, r)}
		}
	}()
	return w.handler.Handle(jobCtx, exec)
}
