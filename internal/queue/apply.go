package queue

import (
	"context"
	"fmt"

	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ciQueueOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ci_queue_outcomes_total",
	Help: "Total job outcomes by kind",
}, []string{"kind"})

// Apply settles an execution according to the outcome it produced.
//
//   - Success: the job is completed (the caller has already persisted the runs)
//   - Cancelled: the job is discarded and never retried automatically
//   - RequeueToWait: back to waiting, retry budget untouched
//   - RetryAfter: rescheduled after the delay, not counted as a failure
//   - Fatal: recorded and retried within the retry budget, then dead-lettered
func (q *Queue) Apply(ctx context.Context, exec *Execution, o outcome.Outcome) error {
	ciQueueOutcomesTotal.WithLabelValues(string(o.Kind())).Inc()

	logger := q.logger.With().
		Str("job_id", exec.Job.ID).
		Str("method", exec.Job.Method).
		Str("outcome", string(o.Kind())).
		Logger()

	switch v := o.(type) {
	case outcome.Success:
		logger.Debug().Int("runs", len(v.Runs)).Msg("Job succeeded")
		return q.Complete(ctx, exec.Token)
	case outcome.Cancelled:
		logger.Warn().Str("reason", string(v.Reason)).AnErr("cause", v.Cause).Msg("Job cancelled")
		return q.Discard(ctx, exec.Token)
	case outcome.RequeueToWait:
		logger.Warn().Msg("Job requeued until the rate budget recovers")
		return q.RequeueToWait(ctx, v.Token)
	case outcome.RetryAfter:
		logger.Warn().Dur("delay", v.Delay).Msg("Job data not ready - rescheduling")
		return q.RescheduleAfter(ctx, v.Token, v.Delay)
	case outcome.Fatal:
		logger.Error().Err(v.Cause).Msg("Job failed")
		return q.Fail(ctx, exec.Token, v.Cause)
	default:
		return fmt.Errorf("unhandled outcome %T", o)
	}
}
