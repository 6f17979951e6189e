// Package outcome defines the closed set of results a background fetch or
// format attempt can produce. Components return ordinary Go errors
// internally; at the job boundary those errors are folded into exactly one
// Outcome, which the scheduler pattern-matches to decide whether to
// persist, drop, requeue, delay or retry the job.
//
// Outcomes are one-shot: an invocation yields a single Outcome and outcomes
// are never combined. Sequencing across retries belongs to the scheduler.
package outcome

import (
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/model"
)

// Kind tags an Outcome variant.
type Kind string

const (
	KindSuccess       Kind = "success"
	KindCancelled     Kind = "cancelled"
	KindRequeueToWait Kind = "requeue_to_wait"
	KindRetryAfter    Kind = "retry_after"
	KindFatal         Kind = "fatal"
)

// Token identifies one execution of a dequeued job.
type Token string

// Outcome is implemented only by the variants in this package.
type Outcome interface {
	Kind() Kind
	String() string
	sealed()
}

// Success carries canonical runs that are fully formatted and ready to persist.
type Success struct {
	Runs []model.CanonicalRun
}

// Cancelled means a cancellation signal fired. The scheduler must not
// retry the job automatically. Cause is the context.Cause of the fired
// signal and stands in for the cancellation token.
type Cancelled struct {
	Reason Reason
	Cause  error
}

// RequeueToWait means the job would exceed the external rate budget. The
// execution goes back to waiting without consuming retry budget.
type RequeueToWait struct {
	Token Token
}

// RetryAfter means upstream data is not available yet. The job runs again
// after Delay and is not counted as a failure.
type RetryAfter struct {
	Token Token
	Delay time.Duration
}

// Fatal is any other error. The scheduler records it and applies its own
// bounded retry policy.
type Fatal struct {
	Cause error
}

func (Success) Kind() Kind       { return KindSuccess }
func (Cancelled) Kind() Kind     { return KindCancelled }
func (RequeueToWait) Kind() Kind { return KindRequeueToWait }
func (RetryAfter) Kind() Kind    { return KindRetryAfter }
func (Fatal) Kind() Kind         { return KindFatal }

func (Success) sealed()       {}
func (Cancelled) sealed()     {}
func (RequeueToWait) sealed() {}
func (RetryAfter) sealed()    {}
func (Fatal) sealed()         {}

func (o Success) String() string {
	return fmt.Sprintf("success(%d runs)", len(o.Runs))
}

func (o Cancelled) String() string {
	return fmt.Sprintf("cancelled(%s: %v)", o.Reason, o.Cause)
}

func (o RequeueToWait) String() string {
	return fmt.Sprintf("requeue_to_wait(%s)", o.Token)
}

func (o RetryAfter) String() string {
	return fmt.Sprintf("retry_after(%s, %s)", o.Token, o.Delay)
}

func (o Fatal) String() string {
	return fmt.Sprintf("fatal(%v)", o.Cause)
}

// CountsAsFailure reports whether the scheduler should record the outcome
// as a failure for alerting and retry-budget purposes.
func CountsAsFailure(o Outcome) bool {
	_, ok := o.(Fatal)
	return ok
}

// Redispatch reports whether the job will run again without the
// scheduler's failure policy being involved.
func Redispatch(o Outcome) bool {
	switch o.(type) {
	case RequeueToWait, RetryAfter:
		return true
	default:
		return false
	}
}
