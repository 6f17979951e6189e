package main

import (
	"fmt"

	"github.com/Sternrassler/ci-insights/internal/ingest"
	"github.com/Sternrassler/ci-insights/internal/queue"
	"github.com/spf13/cobra"
)

func enqueueCmd(a *app) *cobra.Command {
	var p ingest.FetchPayload

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a workflow run for usage ingestion",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := p.Validate(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.ping(ctx); err != nil {
				return err
			}

			id, err := queue.New(a.redis, queue.DefaultConfig()).Enqueue(ctx, ingest.MethodFetchRunUsage, p.Group(), p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&p.Owner, "owner", "", "repository owner (required)")
	flags.StringVar(&p.Repo, "repo", "", "repository name (required)")
	flags.Int64Var(&p.RunID, "run-id", 0, "workflow run id (required)")
	flags.StringVar(&p.WorkflowName, "workflow", "", "workflow name, when the run is already stored")
	flags.StringVar(&p.Branch, "branch", "", "head branch, when the run is already stored")
	return cmd
}

func statusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.ping(ctx); err != nil {
				return err
			}
			depth, err := queue.New(a.redis, queue.DefaultConfig()).Depth(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), depth.String())
			return nil
		},
	}
}
