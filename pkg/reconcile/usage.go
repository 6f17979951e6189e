package reconcile

import (
	"fmt"

	"github.com/Sternrassler/ci-insights/pkg/client"
	"github.com/Sternrassler/ci-insights/pkg/model"
)

// UsageKind tags the form a UsagePayload is in.
type UsageKind int

const (
	UsageRaw UsageKind = iota
	UsageCanonical
)

// UsagePayload is usage data as handed to MatchRunsWithUsage: either the
// raw API shape or an already canonical record. The tag is set at
// construction so canonical data is never normalized twice.
type UsagePayload struct {
	kind      UsageKind
	raw       client.RawUsage
	canonical model.UsageData
}

// RawUsagePayload wraps an API response.
func RawUsagePayload(raw client.RawUsage) UsagePayload {
	return UsagePayload{kind: UsageRaw, raw: raw}
}

// CanonicalUsagePayload wraps a record that is already canonical.
func CanonicalUsagePayload(u model.UsageData) UsagePayload {
	return UsagePayload{kind: UsageCanonical, canonical: u}
}

// Kind returns the payload tag.
func (p UsagePayload) Kind() UsageKind {
	return p.kind
}

// IsCanonicalUsage reports whether p already holds a canonical record.
// It says nothing about whether that record is complete.
func IsCanonicalUsage(p UsagePayload) bool {
	return p.kind == UsageCanonical
}

// Normalize returns the canonical form of p. Canonical payloads are
// deep-copied; raw payloads go through FormatUsage.
func (p UsagePayload) Normalize(details map[int64]model.JobDetail) (model.UsageData, error) {
	if IsCanonicalUsage(p) {
		return p.canonical.Clone(), nil
	}
	return FormatUsage(p.raw, details)
}

// MatchRunsWithUsage returns a copy of runs in which every run with an
// entry in usage has its usage data replaced wholesale by the normalized
// entry. Runs without an entry keep their stored usage data untouched.
func MatchRunsWithUsage(runs []model.CanonicalRun, usage map[int64]UsagePayload, details map[int64]model.JobDetail) ([]model.CanonicalRun, error) {
	out := make([]model.CanonicalRun, len(runs))
	for i, run := range runs {
		out[i] = run

		payload, ok := usage[run.RunID]
		if !ok {
			continue
		}
		u, err := payload.Normalize(details)
		if err != nil {
			return nil, fmt.Errorf("normalize usage for run %d: %w", run.RunID, err)
		}
		out[i].UsageData = &u
	}
	return out, nil
}

// BackfillJobDetails returns a copy of u in which every job run with a
// matching entry in details carries that detail. Unmatched entries keep
// whatever detail they had. u is not modified.
func BackfillJobDetails(u model.UsageData, details map[int64]model.JobDetail) model.UsageData {
	out := u.Clone()
	for i, entry := range out.Billable.JobRuns {
		if detail, ok := details[entry.JobID]; ok {
			out.Billable.JobRuns[i].Job = &detail
		}
	}
	return out
}

// MissingDataReason explains why u is incomplete, or returns "" when it is
// complete.
func MissingDataReason(u model.UsageData) string {
	if u.RunDurationMs == nil {
		return "run duration not reported"
	}
	if u.Billable.JobRuns == nil {
		return "job run list absent"
	}
	if len(u.Billable.JobRuns) != u.Billable.JobsCount {
		return fmt.Sprintf("job run count %d does not match declared %d", len(u.Billable.JobRuns), u.Billable.JobsCount)
	}
	for _, entry := range u.Billable.JobRuns {
		if entry.Job == nil {
			return fmt.Sprintf("job %d has no detail", entry.JobID)
		}
		if !entry.Job.Skipped() && entry.DurationMs > 0 && len(entry.Job.Steps) == 0 {
			return fmt.Sprintf("job %d has no steps", entry.JobID)
		}
	}
	return ""
}

// HasMissingData reports whether any record is incomplete and the run
// should be fetched again.
func HasMissingData(records []model.UsageData) bool {
	for _, u := range records {
		if MissingDataReason(u) != "" {
			return true
		}
	}
	return false
}
