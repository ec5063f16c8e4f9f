package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"opsledger/internal/analytics"
	"opsledger/internal/app"
	"opsledger/internal/tenant"
)

type AnalyticsOptions struct {
	*RootOptions
	Tenant string
	From   string
	To     string
}

func NewAnalyticsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AnalyticsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Analytics summaries",
	}
	run := &cobra.Command{
		Use:   "run",
		Short: "Summarize a window for one tenant or every active tenant",
		Long: `Summarize [from, to) and store the result. Without --tenant every active
tenant is summarized. --from and --to accept RFC3339 timestamps or dates.
Without them the previous UTC day is used.

Examples:
  ledgerctl analytics run --tenant tenant-a --from 2025-01-01 --to 2025-02-01
  ledgerctl analytics run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalytics(opts, cmd)
		},
	}
	run.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant id (default: all active tenants)")
	run.Flags().StringVar(&opts.From, "from", "", "window start, inclusive")
	run.Flags().StringVar(&opts.To, "to", "", "window end, exclusive")
	cmd.AddCommand(run)
	return cmd
}

func parseWhen(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", s)
	}
	return t.UTC(), nil
}

func (o *AnalyticsOptions) window(now time.Time) (time.Time, time.Time, error) {
	if o.From == "" && o.To == "" {
		from, to := analytics.PreviousDay(now)
		return from, to, nil
	}
	if o.From == "" || o.To == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("--from and --to must be given together")
	}
	from, err := parseWhen(o.From)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseWhen(o.To)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func runAnalytics(opts *AnalyticsOptions, cmd *cobra.Command) error {
	return opts.withApp(cmd.Context(), func(a *app.App) error {
		from, to, err := opts.window(a.Clock.Now())
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if opts.Tenant != "" {
			scope, err := tenant.NewScope(opts.Tenant, "ledgerctl", tenant.RoleOperator)
			if err != nil {
				return err
			}
			summary, err := a.Analytics.Run(ctx, scope, from, to)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				return opts.printJSON(cmd, summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s..%s total=%d peak_hour=%d\n",
				summary.TenantID, from.Format(time.RFC3339), to.Format(time.RFC3339), summary.Total, summary.PeakHour)
			return nil
		}

		report, err := a.Analytics.RunAll(ctx, from, to)
		if err != nil {
			return err
		}
		if opts.Format == "json" {
			if err := opts.printJSON(cmd, report); err != nil {
				return err
			}
		} else {
			out := cmd.OutOrStdout()
			for _, id := range report.Succeeded {
				fmt.Fprintf(out, "ok      %s\n", id)
			}
			for id, msg := range report.Failed {
				fmt.Fprintf(out, "FAILED  %s: %s\n", id, msg)
			}
		}
		if len(report.Failed) > 0 {
			return fmt.Errorf("%d tenants failed", len(report.Failed))
		}
		return nil
	})
}
