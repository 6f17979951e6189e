package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/ci-insights/internal/config"
	"github.com/Sternrassler/ci-insights/internal/ingest"
	"github.com/Sternrassler/ci-insights/internal/queue"
	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/metrics"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/Sternrassler/ci-insights/pkg/pagination"
	"github.com/Sternrassler/ci-insights/pkg/reconcile"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func workerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run ingestion workers, the incomplete-run sweep and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWorker(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.Int("concurrency", 0, "number of concurrent worker loops")
	flags.String("metrics-addr", "", "address of the /metrics and /health endpoint")
	flags.String("sweep-schedule", "", "cron schedule of the incomplete-run sweep")
	mustBind(a.viper, "worker.concurrency", flags.Lookup("concurrency"))
	mustBind(a.viper, "metrics.addr", flags.Lookup("metrics-addr"))
	mustBind(a.viper, "worker.sweep_schedule", flags.Lookup("sweep-schedule"))
	return cmd
}

func (a *app) runWorker(parent context.Context) error {
	cfg := a.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}
	schedule, err := config.ScheduleParser.Parse(cfg.Worker.SweepSchedule)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)
		select {
		case s := <-sigs:
			log.Info().Str("signal", s.String()).Msg("Shutting down")
			cancel(outcome.ErrShutdown)
		case <-ctx.Done():
		}
	}()

	if err := a.ping(ctx); err != nil {
		return err
	}

	clientCfg := client.DefaultConfig(a.redis, cfg.API.Token, cfg.API.UserAgent)
	clientCfg.BaseURL = cfg.API.BaseURL
	clientCfg.Thresholds = cfg.Thresholds()
	ciClient, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer ciClient.Close()

	if budget, err := ciClient.GetRateLimit(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not refresh rate budget")
	} else {
		log.Info().Int("remaining", budget.Remaining).Int("limit", budget.Limit).Time("reset_at", budget.ResetAt).Msg("Rate budget refreshed")
	}

	runs := store.NewRuns(store.NewRedisStore(a.redis, 0))
	q := queue.New(a.redis, queue.DefaultConfig())
	paginator := pagination.NewJobPaginator(ciClient, pagination.Config{PagesPerSecond: cfg.RateLimit.PagesPerSecond})

	handler := ingest.NewHandler(runs, ciClient, reconcile.NewReconciler(paginator, ciClient), ciClient.RateLimiter(), ingest.HandlerConfig{
		DataRetryDelay:      cfg.Worker.DataRetryDelay,
		MaxDataWaitAttempts: cfg.Worker.MaxDataWaitAttempts,
		RequestCost:         ingest.DefaultHandlerConfig().RequestCost,
	})
	worker := ingest.NewWorker(q, handler, runs, ingest.WorkerConfig{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
	})
	sweeper := ingest.NewSweeper(runs, q, "")

	if depth, err := q.Depth(ctx); err == nil {
		log.Info().Str("queue", depth.String()).Msg("Queue state")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx, schedule)
	})
	g.Go(func() error {
		return metrics.ListenAndServe(gctx, cfg.Metrics.Addr, metrics.NewMux(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}))
	})
	return g.Wait()
}
