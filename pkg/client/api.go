package client

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/ratelimit"
)

// JobFilterLatest restricts job listings to the latest run attempt.
const JobFilterLatest = "latest"

func runPath(owner, repo string, runID int64) string {
	return fmt.Sprintf("/repos/%s/%s/actions/runs/%d", url.PathEscape(owner), url.PathEscape(repo), runID)
}

// ListJobs fetches one page of the jobs of a run, latest attempt only.
func (c *Client) ListJobs(ctx context.Context, owner, repo string, runID int64, page, perPage int) (*JobsPage, error) {
	q := url.Values{}
	q.Set("filter", JobFilterLatest)
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))

	var out JobsPage
	if err := c.getJSON(ctx, runPath(owner, repo, runID)+"/jobs?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUsage fetches the billable timing breakdown of a run.
func (c *Client) GetUsage(ctx context.Context, owner, repo string, runID int64) (*RawUsage, error) {
	var out RawUsage
	if err := c.getJSON(ctx, runPath(owner, repo, runID)+"/timing", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches a single workflow run.
func (c *Client) GetRun(ctx context.Context, owner, repo string, runID int64) (*RawRun, error) {
	var out RawRun
	if err := c.getJSON(ctx, runPath(owner, repo, runID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRateLimit fetches the current core budget and stores it in the tracker.
func (c *Client) GetRateLimit(ctx context.Context) (ratelimit.Budget, error) {
	var out RateLimitResponse
	if err := c.getJSON(ctx, "/rate_limit", &out); err != nil {
		return ratelimit.Budget{}, err
	}

	core := out.Resources.Core
	budget := ratelimit.Budget{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		ResetAt:   time.Unix(core.Reset, 0),
	}
	if err := c.rateLimiter.Refresh(ctx, budget); err != nil {
		return budget, fmt.Errorf("refresh rate budget: %w", err)
	}
	return budget, nil
}
