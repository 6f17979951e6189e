// Package pagination fetches every job of a workflow run from the CI API.
//
// The jobs endpoint is paged and reports a total_count with every page.
// Pages are requested strictly one after another, filtered to the latest
// run attempt, so the shared rate budget is spent predictably and a
// cancelled context is noticed between pages.
//
// Example usage:
//
//	p := pagination.NewJobPaginator(apiClient, pagination.DefaultConfig())
//	jobs, err := p.FetchAll(ctx, "acme", "api", runID)
//
// The paginator:
//   - Requests pages of 100 starting at page 1
//   - Stops once the accumulated count reaches total_count or a page is empty
//   - Checks the context before each page and fails with *outcome.CancelledError
//   - Returns API errors unwrapped so the caller can classify them
//
// Records are not deduplicated. If total_count changes while paging,
// duplicates or gaps are possible.
package pagination
