package outcome

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonFor(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  Reason
	}{
		{"shutdown", ErrShutdown, ReasonShutdown},
		{"wrapped shutdown", fmt.Errorf("worker: %w", ErrShutdown), ReasonShutdown},
		{"deadline", context.DeadlineExceeded, ReasonDeadline},
		{"plain cancel", context.Canceled, ReasonAborted},
		{"custom cause", errors.New("operator abort"), ReasonAborted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonFor(tt.cause))
		})
	}
}

func TestCancel_UsesContextCause(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrShutdown)

	err := Cancel(ctx)
	assert.Equal(t, ReasonShutdown, err.Reason)
	assert.ErrorIs(t, err, ErrShutdown)

	ctx, stop := context.WithTimeout(context.Background(), time.Nanosecond)
	defer stop()
	<-ctx.Done()
	assert.Equal(t, ReasonDeadline, Cancel(ctx).Reason)
}

func TestClassify(t *testing.T) {
	const token Token = "exec-1"

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{
			name: "cancelled error keeps reason",
			err:  fmt.Errorf("page 3: %w", &CancelledError{Reason: ReasonShutdown, Cause: ErrShutdown}),
			want: Cancelled{Reason: ReasonShutdown, Cause: ErrShutdown},
		},
		{
			name: "bare context deadline",
			err:  fmt.Errorf("list jobs: %w", context.DeadlineExceeded),
			want: Cancelled{Reason: ReasonDeadline, Cause: fmt.Errorf("list jobs: %w", context.DeadlineExceeded)},
		},
		{
			name: "requeue sentinel",
			err:  ErrRequeue,
			want: RequeueToWait{Token: token},
		},
		{
			name: "rate budget exhausted",
			err:  fmt.Errorf("get usage: %w", ratelimit.ErrBudgetExceeded),
			want: RequeueToWait{Token: token},
		},
		{
			name: "data not ready",
			err:  &DelayError{Delay: 30 * time.Second, Err: errors.New("usage incomplete")},
			want: RetryAfter{Token: token, Delay: 30 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(token, tt.err)
			assert.Equal(t, tt.want.Kind(), got.Kind())
			switch want := tt.want.(type) {
			case Cancelled:
				assert.Equal(t, want.Reason, got.(Cancelled).Reason)
			default:
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestClassify_EverythingElseIsFatal(t *testing.T) {
	cause := errors.New("unknown status \"exploded\"")
	got := Classify("t", cause)

	fatal, ok := got.(Fatal)
	require.True(t, ok, "got %s", got)
	assert.Same(t, cause, fatal.Cause)
	assert.True(t, CountsAsFailure(got))
	assert.False(t, Redispatch(got))
}

func TestClassify_NilErrorIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, Classify("t", nil).Kind())
}

func TestHelpers(t *testing.T) {
	tests := []struct {
		o          Outcome
		failure    bool
		redispatch bool
	}{
		{Success{}, false, false},
		{Cancelled{Reason: ReasonAborted}, false, false},
		{RequeueToWait{Token: "a"}, false, true},
		{RetryAfter{Token: "a", Delay: time.Second}, false, true},
		{Fatal{Cause: errors.New("x")}, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.o.Kind()), func(t *testing.T) {
			assert.Equal(t, tt.failure, CountsAsFailure(tt.o))
			assert.Equal(t, tt.redispatch, Redispatch(tt.o))
			assert.NotEmpty(t, tt.o.String())
		})
	}
}

func TestClassify_CancelledCarriesSignalCause(t *testing.T) {
	signal := errors.New("operator abort")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(signal)

	got := Classify("job-1/lease-1", Cancel(ctx))

	cancelled, ok := got.(Cancelled)
	require.True(t, ok, "got %s", got)
	assert.Equal(t, ReasonAborted, cancelled.Reason)
	assert.ErrorIs(t, cancelled.Cause, signal)
}
