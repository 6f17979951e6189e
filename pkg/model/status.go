// Package model defines the canonical run, job, step and usage records
// produced by reconciliation and consumed by the statistics engine.
package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned when a status value does not map to a known Status.
var ErrUnknownStatus = errors.New("unknown status")

// Status is the lifecycle state of a run, job or step.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusWaiting    Status = "waiting"
	StatusRequested  Status = "requested"
	StatusPending    Status = "pending"
)

// ParseStatus maps a raw API value to a Status.
// Unlike conclusions, an unknown status is an error.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusQueued, StatusInProgress, StatusCompleted,
		StatusWaiting, StatusRequested, StatusPending:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// Conclusion is the final result of a completed run, job or step.
// ConclusionNone is the null value.
type Conclusion string

const (
	ConclusionNone           Conclusion = ""
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionNeutral        Conclusion = "neutral"
	ConclusionCancelled      Conclusion = "cancelled"
	ConclusionSkipped        Conclusion = "skipped"
	ConclusionTimedOut       Conclusion = "timed_out"
	ConclusionActionRequired Conclusion = "action_required"
	ConclusionStale          Conclusion = "stale"
	ConclusionStartupFailure Conclusion = "startup_failure"
)

// ParseConclusion maps a raw API value to a Conclusion.
// Unknown or empty values degrade to ConclusionNone.
func ParseConclusion(raw string) Conclusion {
	switch c := Conclusion(strings.ToLower(strings.TrimSpace(raw))); c {
	case ConclusionSuccess, ConclusionFailure, ConclusionNeutral, ConclusionCancelled,
		ConclusionSkipped, ConclusionTimedOut, ConclusionActionRequired,
		ConclusionStale, ConclusionStartupFailure:
		return c
	default:
		return ConclusionNone
	}
}

// IsNull reports whether the conclusion is absent.
func (c Conclusion) IsNull() bool {
	return c == ConclusionNone
}
