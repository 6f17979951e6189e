// Package ingest runs the background ingestion of workflow runs: queued
// fetch jobs are executed by a pool of workers, and a scheduled sweep
// re-queues stored runs whose usage data is still incomplete.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/internal/queue"
	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/logging"
	"github.com/Sternrassler/ci-insights/pkg/model"
	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
	"github.com/Sternrassler/ci-insights/pkg/reconcile"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/rs/zerolog"
)

// MethodFetchRunUsage is the queue method of run fetch jobs.
const MethodFetchRunUsage = "fetch_run_usage"

// ErrDataNotReady is wrapped in the delay error returned while a run's
// usage data is still incomplete.
var ErrDataNotReady = errors.New("usage data not ready")

// FetchPayload identifies the run a fetch job works on. WorkflowName and
// Branch are optional; when WorkflowName is known the stored run is loaded
// instead of fetched.
type FetchPayload struct {
	Owner        string `json:"owner"`
	Repo         string `json:"repo"`
	WorkflowName string `json:"workflow_name,omitempty"`
	Branch       string `json:"branch,omitempty"`
	RunID        int64  `json:"run_id"`
}

// PayloadFor returns the fetch payload of a stored run.
func PayloadFor(run model.CanonicalRun) FetchPayload {
	return FetchPayload{
		Owner:        run.Owner,
		Repo:         run.Repo,
		WorkflowName: run.Name,
		Branch:       run.Branch,
		RunID:        run.RunID,
	}
}

// Key returns the store key of the run.
func (p FetchPayload) Key() model.RunKey {
	return model.RunKey{
		Owner:        p.Owner,
		Repo:         p.Repo,
		WorkflowName: p.WorkflowName,
		Branch:       p.Branch,
		RunID:        p.RunID,
	}
}

// Group is the queue group: at most one live fetch job per run.
func (p FetchPayload) Group() string {
	return model.NormalizeKey(fmt.Sprintf("%s/%s/%d", p.Owner, p.Repo, p.RunID))
}

// Validate rejects payloads that cannot address a run.
func (p FetchPayload) Validate() error {
	if p.Owner == "" || p.Repo == "" {
		return errors.New("owner and repo are required")
	}
	if p.RunID <= 0 {
		return fmt.Errorf("invalid run id %d", p.RunID)
	}
	return nil
}

// RunSource fetches a single run from the API.
type RunSource interface {
	GetRun(ctx context.Context, owner, repo string, runID int64) (*client.RawRun, error)
}

// BudgetChecker reports whether spending cost requests would dig into the
// reserved rate budget.
type BudgetChecker interface {
	WouldExceed(ctx context.Context, cost int) (bool, error)
}

// HandlerConfig holds handler configuration.
type HandlerConfig struct {
	// DataRetryDelay before an incomplete run is fetched again.
	DataRetryDelay time.Duration

	// MaxDataWaitAttempts bounds the number of data retries. After that the
	// run is stored with the data that is available.
	MaxDataWaitAttempts int

	// RequestCost is the number of requests one fetch is expected to spend.
	RequestCost int
}

// DefaultHandlerConfig returns the default handler configuration.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		DataRetryDelay:      2 * time.Minute,
		MaxDataWaitAttempts: 5,
		RequestCost:         3,
	}
}

// Handler executes fetch jobs.
type Handler struct {
	runs       *store.Runs
	source     RunSource
	reconciler *reconcile.Reconciler
	budget     BudgetChecker
	config     HandlerConfig
	logger     zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(runs *store.Runs, source RunSource, reconciler *reconcile.Reconciler, budget BudgetChecker, cfg HandlerConfig) *Handler {
	return &Handler{
		runs:       runs,
		source:     source,
		reconciler: reconciler,
		budget:     budget,
		config:     cfg,
		logger:     logging.NewLogger("ingest"),
	}
}

// Handle dispatches exec by method.
func (h *Handler) Handle(ctx context.Context, exec *queue.Execution) outcome.Outcome {
	switch exec.Job.Method {
	case MethodFetchRunUsage:
		return h.FetchRunUsage(ctx, exec)
	default:
		return outcome.Fatal{Cause: fmt.Errorf("unknown job method %q", exec.Job.Method)}
	}
}

// FetchRunUsage fetches the jobs and usage of the run named by the job's
// payload and merges them into the run. Success carries the merged run;
// persisting it is left to the caller.
func (h *Handler) FetchRunUsage(ctx context.Context, exec *queue.Execution) outcome.Outcome {
	var p FetchPayload
	if err := json.Unmarshal(exec.Job.Payload, &p); err != nil {
		return outcome.Fatal{Cause: fmt.Errorf("decode payload: %w", err)}
	}
	if err := p.Validate(); err != nil {
		return outcome.Fatal{Cause: fmt.Errorf("payload: %w", err)}
	}

	logger := logging.WithRun(h.logger, p.Owner, p.Repo, p.RunID).With().
		Str("token", string(exec.Token)).
		Logger()

	run, err := h.fetchRunUsage(ctx, logger, p, exec.Job.Reschedules)
	if err != nil {
		var cancelled *outcome.CancelledError
		if ctx.Err() != nil && !errors.As(err, &cancelled) {
			err = outcome.Cancel(ctx)
		}
		return outcome.Classify(exec.Token, err)
	}

	logger.Info().Str("week_year", run.WeekYear).Msg("Run ingested")
	return outcome.Success{Runs: []model.CanonicalRun{run}}
}

func (h *Handler) fetchRunUsage(ctx context.Context, logger zerolog.Logger, p FetchPayload, reschedules int) (model.CanonicalRun, error) {
	if ctx.Err() != nil {
		return model.CanonicalRun{}, outcome.Cancel(ctx)
	}
	exceeded, err := h.budget.WouldExceed(ctx, h.config.RequestCost)
	if err != nil {
		return model.CanonicalRun{}, fmt.Errorf("check rate budget: %w", err)
	}
	if exceeded {
		return model.CanonicalRun{}, fmt.Errorf("fetch run %d: %w", p.RunID, ratelimit.ErrBudgetExceeded)
	}

	if ctx.Err() != nil {
		return model.CanonicalRun{}, outcome.Cancel(ctx)
	}
	run, err := h.loadRun(ctx, p)
	if err != nil {
		return model.CanonicalRun{}, err
	}

	if ctx.Err() != nil {
		return model.CanonicalRun{}, outcome.Cancel(ctx)
	}
	merged, err := h.reconciler.Reconcile(ctx, run)
	if err != nil {
		return model.CanonicalRun{}, err
	}

	reason := "usage data absent"
	if merged.UsageData != nil {
		reason = reconcile.MissingDataReason(*merged.UsageData)
	}
	if reason == "" {
		merged.DataWaitExhausted = false
		return merged, nil
	}
	if reschedules < h.config.MaxDataWaitAttempts {
		logger.Debug().Str("reason", reason).Int("attempt", reschedules+1).Msg("Usage data incomplete")
		return model.CanonicalRun{}, &outcome.DelayError{
			Delay: h.config.DataRetryDelay,
			Err:   fmt.Errorf("%w: %s", ErrDataNotReady, reason),
		}
	}
	logger.Warn().Str("reason", reason).Int("attempts", reschedules).Msg("Usage data still incomplete - storing what is available")
	merged.DataWaitExhausted = true
	return merged, nil
}

// loadRun returns the stored run, or fetches and formats it when it was
// never stored.
func (h *Handler) loadRun(ctx context.Context, p FetchPayload) (model.CanonicalRun, error) {
	if p.WorkflowName != "" {
		run, found, err := h.runs.Get(ctx, p.Key())
		if err != nil {
			return model.CanonicalRun{}, fmt.Errorf("load run: %w", err)
		}
		if found {
			return run, nil
		}
	}

	raw, err := h.source.GetRun(ctx, p.Owner, p.Repo, p.RunID)
	if err != nil {
		return model.CanonicalRun{}, err
	}
	return reconcile.FormatRun(*raw)
}
