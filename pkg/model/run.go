package model

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CanonicalRun is the stored record of one workflow run.
type CanonicalRun struct {
	RunID       int64      `json:"run_id"`
	WorkflowID  int64      `json:"workflow_id"`
	Name        string     `json:"name"`
	Owner       string     `json:"owner"`
	Repo        string     `json:"repo"`
	Branch      string     `json:"branch,omitempty"`
	Status      Status     `json:"status"`
	Conclusion  Conclusion `json:"conclusion,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`

	// WeekYear is computed once when the run is formatted and never
	// recomputed from stored fields.
	WeekYear string `json:"week_year"`

	// UsageData stays nil until the first successful usage fetch.
	UsageData *UsageData `json:"usage_data,omitempty"`

	// DataWaitExhausted is set when the run was stored with incomplete
	// usage after the data wait budget ran out. The sweep skips such runs;
	// an explicit fetch still refreshes them and clears the flag once the
	// usage is complete.
	DataWaitExhausted bool `json:"data_wait_exhausted,omitempty"`
}

// Key returns the document key for the run.
func (r CanonicalRun) Key() RunKey {
	return RunKey{
		Owner:        r.Owner,
		Repo:         r.Repo,
		WorkflowName: r.Name,
		Branch:       r.Branch,
		RunID:        r.RunID,
	}
}

// DurationMs returns the run duration reported by usage data, falling back
// to the wall clock between start and completion. Zero when unknown.
func (r CanonicalRun) DurationMs() int64 {
	if r.UsageData != nil && r.UsageData.RunDurationMs != nil {
		return *r.UsageData.RunDurationMs
	}
	return ElapsedMs(r.StartedAt, r.CompletedAt)
}

// ElapsedMs returns max(0, end-start) in milliseconds, or 0 when either
// timestamp is missing.
func ElapsedMs(start, end *time.Time) int64 {
	if start == nil || end == nil || start.IsZero() || end.IsZero() {
		return 0
	}
	d := end.Sub(*start).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// WeekYear returns the bucket key "<isoYear>_<isoWeek>" for t, the week
// zero-padded to two digits so keys order numerically.
func WeekYear(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d_%02d", year, week)
}

// RunKey addresses a run document in the store.
type RunKey struct {
	Owner        string
	Repo         string
	WorkflowName string
	Branch       string // optional
	RunID        int64
}

// String builds "{owner}/{repo}/{workflow}[/{branch}]/{runId}", lower-cased
// with whitespace replaced by underscores.
func (k RunKey) String() string {
	parts := []string{k.Owner, k.Repo, k.WorkflowName}
	if k.Branch != "" {
		parts = append(parts, k.Branch)
	}
	parts = append(parts, fmt.Sprintf("%d", k.RunID))
	return NormalizeKey(strings.Join(parts, "/"))
}

// Prefix returns the key prefix shared by all runs of the workflow
// (and branch, when set).
func (k RunKey) Prefix() string {
	parts := []string{k.Owner, k.Repo}
	if k.WorkflowName != "" {
		parts = append(parts, k.WorkflowName)
		if k.Branch != "" {
			parts = append(parts, k.Branch)
		}
	}
	return NormalizeKey(strings.Join(parts, "/")) + "/"
}

// NormalizeKey lower-cases s and replaces every whitespace rune with '_'.
func NormalizeKey(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return unicode.ToLower(r)
	}, s)
}
