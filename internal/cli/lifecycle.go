package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"opsledger/internal/app"
	"opsledger/internal/lifecycle"
)

func NewLifecycleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lifecycle",
		Short: "Partition lifecycle operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Create future partitions, archive and drop expired ones",
		Long: `Run one lifecycle pass. It is safe to repeat: partitions already in
their target state are left alone. Exits non-zero when any transition failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Lifecycle.Run(cmd.Context())
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					if err := rootOpts.printJSON(cmd, report); err != nil {
						return err
					}
				} else {
					printReport(cmd, report)
				}
				if !report.OK() {
					return fmt.Errorf("%d lifecycle transitions failed", len(report.Failures))
				}
				return nil
			})
		},
	})
	return cmd
}

func printReport(cmd *cobra.Command, r *lifecycle.Report) {
	out := cmd.OutOrStdout()
	if r.Skipped {
		fmt.Fprintln(out, "Skipped: another lifecycle run holds the lock.")
		return
	}
	for _, line := range []struct {
		label string
		names []string
	}{
		{"created", r.Created},
		{"activated", r.Activated},
		{"archived", r.Archived},
		{"dropped", r.Dropped},
	} {
		if len(line.names) == 0 {
			continue
		}
		fmt.Fprintf(out, "%-10s %s\n", line.label+":", strings.Join(line.names, ", "))
	}
	for _, f := range r.Failures {
		fmt.Fprintf(out, "FAILED     %s %s: %s (consecutive %d)\n", f.Partition, f.Step, f.Error, f.Consecutive)
	}
	fmt.Fprintf(out, "finished in %s\n", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
}

func NewPartitionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Inspect ledger partitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every partition with its state and row count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				parts, err := a.Lifecycle.Partitions(cmd.Context())
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					return rootOpts.printJSON(cmd, map[string]interface{}{"partitions": parts})
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSTART\tEND\tSTATE\tROWS\tCOLD KEY")
				for _, p := range parts {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
						p.Name, p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"), p.State, p.RowCount, p.ColdKey)
				}
				return w.Flush()
			})
		},
	})
	return cmd
}
