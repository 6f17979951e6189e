// Package queue is the Redis-backed job queue the ingestion workers pull
// from. Jobs wait in a sorted set scored by the time they become ready.
// Dequeue leases one job to one execution token; every later transition
// (complete, reschedule, requeue, fail) must present that token, so at most
// one execution per job is ever active.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/outcome"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	keyJobPrefix = "ci:queue:job:"
	keyWaiting   = "ci:queue:waiting"
	keyActive    = "ci:queue:active"
	keyDead      = "ci:queue:dead"
	keyLeases    = "ci:queue:leases"
	keyGroups    = "ci:queue:groups"
)

var (
	// ErrStaleToken is returned when a token no longer owns its job.
	ErrStaleToken = errors.New("execution token is not active")

	// ErrJobNotFound is returned when a leased job has no stored document.
	ErrJobNotFound = errors.New("job not found")
)

var (
	ciQueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_queue_enqueued_total",
		Help: "Total jobs enqueued by method",
	}, []string{"method"})

	ciQueueTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ci_queue_transitions_total",
		Help: "Total execution transitions by kind",
	}, []string{"transition"})
)

// PendingFetchJob is one queued unit of work.
type PendingFetchJob struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
	Group   string          `json:"group"`

	// RetriesLeft is the remaining budget for failed executions.
	RetriesLeft int `json:"retries_left"`

	// Reschedules counts RetryAfter round trips; they do not consume RetriesLeft.
	Reschedules int       `json:"reschedules"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	LastError   string    `json:"last_error,omitempty"`
}

// Execution is a leased job and the token that owns it.
type Execution struct {
	Token outcome.Token
	Job   PendingFetchJob
}

// Config holds queue configuration.
type Config struct {
	// LeaseTimeout after which an unfinished execution can be reclaimed.
	LeaseTimeout time.Duration

	// RequeueDelay before a job sent back to waiting is ready again.
	RequeueDelay time.Duration

	// MaxRetries for failed executions before a job is dead-lettered.
	MaxRetries int

	// RetryBackoff is the base delay after a failure, doubled per failure.
	RetryBackoff time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		LeaseTimeout: 10 * time.Minute,
		RequeueDelay: 30 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 10 * time.Second,
	}
}

// Queue is the Redis job queue.
type Queue struct {
	redis  *redis.Client
	config Config
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a queue.
func New(redisClient *redis.Client, cfg Config) *Queue {
	if redisClient == nil {
		panic("queue: redis client is required")
	}
	return &Queue{
		redis:  redisClient,
		config: cfg,
		logger: log.With().Str("component", "queue").Logger(),
		now:    time.Now,
	}
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Enqueue stores a job and makes it ready now. A job with the same method
// and group that is still queued is returned instead of a duplicate. The
// check and the insert run as one script.
func (q *Queue) Enqueue(ctx context.Context, method, group string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	now := q.now()
	job := PendingFetchJob{
		ID:          uuid.NewString(),
		Method:      method,
		Payload:     data,
		Group:       group,
		RetriesLeft: q.config.MaxRetries,
		EnqueuedAt:  now,
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}

	var groupField string
	if group != "" {
		groupField = method + "|" + group
	}
	id, err := enqueueScript.Run(ctx, q.redis,
		[]string{keyGroups, keyWaiting, keyActive, keyJobPrefix + job.ID},
		groupField, job.ID, score(now), string(doc),
	).Text()
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", method, err)
	}
	if id != job.ID {
		q.logger.Debug().Str("group", group).Str("job_id", id).Msg("Job already queued")
		return id, nil
	}

	ciQueueEnqueuedTotal.WithLabelValues(method).Inc()
	q.logger.Debug().Str("method", method).Str("group", group).Str("job_id", job.ID).Msg("Job enqueued")
	return job.ID, nil
}

// Dequeue leases the oldest ready job. It returns nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Execution, error) {
	now := q.now()
	token := uuid.NewString()

	id, err := leaseScript.Run(ctx, q.redis,
		[]string{keyWaiting, keyActive, keyLeases},
		score(now), score(now.Add(q.config.LeaseTimeout)), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}

	job, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}

	ciQueueTransitionsTotal.WithLabelValues("leased").Inc()
	return &Execution{Token: makeToken(id, token), Job: *job}, nil
}

// RescheduleAfter returns the job to waiting, ready after delay. It counts
// as a reschedule, not a failure.
func (q *Queue) RescheduleAfter(ctx context.Context, token outcome.Token, delay time.Duration) error {
	return q.settle(ctx, token, "rescheduled", keyWaiting, q.now().Add(delay), func(job *PendingFetchJob) {
		job.Reschedules++
	})
}

// RequeueToWait returns the job to waiting without touching its retry budget.
func (q *Queue) RequeueToWait(ctx context.Context, token outcome.Token) error {
	return q.settle(ctx, token, "requeued", keyWaiting, q.now().Add(q.config.RequeueDelay), nil)
}

// Complete removes a finished job.
func (q *Queue) Complete(ctx context.Context, token outcome.Token) error {
	return q.release(ctx, token, "completed")
}

// Discard removes a job that must not run again automatically.
func (q *Queue) Discard(ctx context.Context, token outcome.Token) error {
	return q.release(ctx, token, "discarded")
}

// Fail records cause and retries the job with exponential backoff while
// its budget lasts. Once exhausted the job is dead-lettered.
func (q *Queue) Fail(ctx context.Context, token outcome.Token, cause error) error {
	id, _, err := parseToken(token)
	if err != nil {
		return err
	}
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}

	if job.RetriesLeft <= 0 {
		q.logger.Error().Err(cause).Str("job_id", id).Str("method", job.Method).Msg("Retry budget exhausted - dead-lettering job")
		return q.settle(ctx, token, "dead_lettered", keyDead, q.now(), func(j *PendingFetchJob) {
			j.LastError = errString(cause)
		})
	}

	used := q.config.MaxRetries - job.RetriesLeft
	backoff := q.config.RetryBackoff << max(used, 0)
	q.logger.Warn().Err(cause).Str("job_id", id).Int("retries_left", job.RetriesLeft-1).Dur("backoff", backoff).Msg("Job failed - retrying")
	return q.settle(ctx, token, "failed", keyWaiting, q.now().Add(backoff), func(j *PendingFetchJob) {
		j.RetriesLeft--
		j.LastError = errString(cause)
	})
}

// Reclaim returns executions whose lease expired to waiting. Their tokens
// become stale.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	now := q.now()
	n, err := reclaimScript.Run(ctx, q.redis,
		[]string{keyActive, keyWaiting, keyLeases},
		score(now),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim leases: %w", err)
	}
	if n > 0 {
		ciQueueTransitionsTotal.WithLabelValues("reclaimed").Add(float64(n))
		q.logger.Warn().Int("count", n).Msg("Reclaimed expired executions")
	}
	return n, nil
}

// Depth is a snapshot of the queue sizes.
type Depth struct {
	Waiting int64
	Active  int64
	Dead    int64
}

// Depth returns the current queue sizes.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.redis.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	active := pipe.ZCard(ctx, keyActive)
	dead := pipe.ZCard(ctx, keyDead)
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("queue depth: %w", err)
	}
	return Depth{Waiting: waiting.Val(), Active: active.Val(), Dead: dead.Val()}, nil
}

// Get returns the stored job.
func (q *Queue) Get(ctx context.Context, id string) (*PendingFetchJob, error) {
	return q.load(ctx, id)
}

func (q *Queue) load(ctx context.Context, id string) (*PendingFetchJob, error) {
	data, err := q.redis.Get(ctx, keyJobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job PendingFetchJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// settle moves the execution's job from active to target at readyAt,
// applying update to the stored document first.
func (q *Queue) settle(ctx context.Context, token outcome.Token, transition, target string, readyAt time.Time, update func(*PendingFetchJob)) error {
	id, lease, err := parseToken(token)
	if err != nil {
		return err
	}

	var doc []byte
	if update != nil {
		job, err := q.load(ctx, id)
		if err != nil {
			return err
		}
		update(job)
		if doc, err = json.Marshal(job); err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
	}

	moved, err := moveScript.Run(ctx, q.redis,
		[]string{keyLeases, keyActive, target, keyJobPrefix + id},
		id, lease, score(readyAt), string(doc),
	).Int()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", transition, id, err)
	}
	if moved == 0 {
		return fmt.Errorf("%w: %s", ErrStaleToken, token)
	}

	ciQueueTransitionsTotal.WithLabelValues(transition).Inc()
	return nil
}

func (q *Queue) release(ctx context.Context, token outcome.Token, transition string) error {
	id, lease, err := parseToken(token)
	if err != nil {
		return err
	}
	job, err := q.load(ctx, id)
	if err != nil {
		return err
	}

	released, err := releaseScript.Run(ctx, q.redis,
		[]string{keyLeases, keyActive, keyJobPrefix + id, keyGroups},
		id, lease, job.Method+"|"+job.Group,
	).Int()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", transition, id, err)
	}
	if released == 0 {
		return fmt.Errorf("%w: %s", ErrStaleToken, token)
	}

	ciQueueTransitionsTotal.WithLabelValues(transition).Inc()
	return nil
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func makeToken(id, lease string) outcome.Token {
	return outcome.Token(id + "/" + lease)
}

func parseToken(token outcome.Token) (id, lease string, err error) {
	id, lease, ok := strings.Cut(string(token), "/")
	if !ok || id == "" || lease == "" {
		return "", "", fmt.Errorf("malformed execution token %q", token)
	}
	return id, lease, nil
}

// String renders d for logs and the CLI.
func (d Depth) String() string {
	return "waiting=" + strconv.FormatInt(d.Waiting, 10) +
		" active=" + strconv.FormatInt(d.Active, 10) +
		" dead=" + strconv.FormatInt(d.Dead, 10)
}
