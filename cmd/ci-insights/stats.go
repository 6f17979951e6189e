package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/ci-insights/pkg/stats"
	"github.com/Sternrassler/ci-insights/pkg/store"
	"github.com/spf13/cobra"
)

// statsReport is the JSON document printed by the stats command.
type statsReport struct {
	Prefix    string               `json:"prefix"`
	Aggregate stats.AggregatedStat `json:"aggregate"`
	Weeks     []stats.WeekSummary  `json:"weeks"`
}

func statsCmd(a *app) *cobra.Command {
	var (
		prefix string
		period string
		from   string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print duration statistics of the stored runs under a key prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := stats.ParsePeriod(period)
			if err != nil {
				return err
			}
			at, err := parseFrom(from)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := a.ping(ctx); err != nil {
				return err
			}
			runs, err := store.NewRuns(store.NewRedisStore(a.redis, 0)).List(ctx, prefix)
			if err != nil {
				return err
			}

			agg, err := stats.Aggregate(p, at, runs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(statsReport{
				Prefix:    prefix,
				Aggregate: agg,
				Weeks:     stats.SummarizeWeeks(runs),
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&prefix, "prefix", "", "run key prefix, e.g. owner/repo/workflow (required)")
	flags.StringVar(&period, "period", string(stats.PeriodWeek), "day, week, month, last_7_days, last_30_days or last_90_days")
	flags.StringVar(&from, "from", "", "reference time (RFC 3339 or YYYY-MM-DD, default now)")
	cobra.CheckErr(cmd.MarkFlagRequired("prefix"))
	return cmd
}

func parseFrom(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --from %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}
