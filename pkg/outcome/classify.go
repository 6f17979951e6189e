package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
)

// ErrShutdown is the cancellation cause used when the process is stopping.
var ErrShutdown = errors.New("shutdown")

// ErrRequeue marks an error that should send the job back to waiting.
// ratelimit.ErrBudgetExceeded is treated the same way.
var ErrRequeue = errors.New("requeue to wait")

// Reason explains why work was cancelled.
type Reason string

const (
	ReasonAborted  Reason = "aborted"
	ReasonShutdown Reason = "shutdown"
	ReasonDeadline Reason = "deadline"
)

// ReasonFor derives the reason code from a cancellation cause.
func ReasonFor(cause error) Reason {
	switch {
	case errors.Is(cause, ErrShutdown):
		return ReasonShutdown
	case errors.Is(cause, context.DeadlineExceeded):
		return ReasonDeadline
	default:
		return ReasonAborted
	}
}

// CancelledError is returned by components that stopped at a cancellation
// checkpoint.
type CancelledError struct {
	Reason Reason
	Cause  error
}

// Cancel builds a CancelledError from a context that is done.
func Cancel(ctx context.Context) *CancelledError {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return &CancelledError{Reason: ReasonFor(cause), Cause: cause}
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled (%s): %v", e.Reason, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

// DelayError asks for the job to run again after Delay.
type DelayError struct {
	Delay time.Duration
	Err   error
}

func (e *DelayError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *DelayError) Unwrap() error {
	return e.Err
}

// Classify folds the error of one attempt into exactly one non-success
// Outcome. err must be non-nil; success is constructed explicitly.
//
// Checked in order: cancellation, requeue, delay, then Fatal.
func Classify(token Token, err error) Outcome {
	if err == nil {
		return Fatal{Cause: errors.New("classify called without an error")}
	}

	var cancelled *CancelledError
	if errors.As(err, &cancelled) {
		return Cancelled{Reason: cancelled.Reason, Cause: cancelled.Cause}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrShutdown) {
		return Cancelled{Reason: ReasonFor(err), Cause: err}
	}

	if errors.Is(err, ErrRequeue) || errors.Is(err, ratelimit.ErrBudgetExceeded) {
		return RequeueToWait{Token: token}
	}

	var delay *DelayError
	if errors.As(err, &delay) {
		return RetryAfter{Token: token, Delay: delay.Delay}
	}

	return Fatal{Cause: err}
}
