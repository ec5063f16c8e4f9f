package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"opsledger/internal/app"
	"opsledger/pkg/outbox"
)

var errNoOutbox = errors.New("outbox requires ledger.driver postgres")

func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the notification outbox",
	}

	var id int64
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Publish one outbox event now, whatever its status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if a.Replay == nil {
					return errors.New("outbox replay requires ledger.driver postgres and mq.url")
				}
				if err := a.Replay.ReplayEvent(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed outbox event %d\n", id)
				return nil
			})
		},
	}
	replay.Flags().Int64Var(&id, "id", 0, "outbox event id (required)")
	_ = replay.MarkFlagRequired("id")

	var requeueID int64
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Reset one outbox event to pending for the dispatcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if a.Outbox == nil {
					return errNoOutbox
				}
				if _, err := a.Outbox.GetEventByID(cmd.Context(), requeueID); err != nil {
					return err
				}
				if err := a.Outbox.ReplayEvent(cmd.Context(), requeueID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued outbox event %d\n", requeueID)
				return nil
			})
		},
	}
	requeue.Flags().Int64Var(&requeueID, "id", 0, "outbox event id (required)")
	_ = requeue.MarkFlagRequired("id")

	var limit int
	replayFailed := &cobra.Command{
		Use:   "replay-failed",
		Short: "Publish up to --limit failed outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if a.Replay == nil {
					return errors.New("outbox replay requires ledger.driver postgres and mq.url")
				}
				n, err := a.Replay.ReplayFailedEvents(cmd.Context(), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "replayed %d failed outbox events\n", n)
				return nil
			})
		},
	}
	replayFailed.Flags().IntVar(&limit, "limit", 100, "maximum events to replay")

	var listLimit int
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List failed outbox events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd.Context(), func(a *app.App) error {
				if a.Outbox == nil {
					return errNoOutbox
				}
				events, err := a.Outbox.GetFailedEvents(cmd.Context(), listLimit)
				if err != nil {
					return err
				}
				if rootOpts.Format == "json" {
					if events == nil {
						events = []*outbox.Event{}
					}
					return rootOpts.printJSON(cmd, map[string]interface{}{"events": events})
				}
				out := cmd.OutOrStdout()
				for _, e := range events {
					fmt.Fprintf(out, "%d\t%s\t%s\tretries=%d\n", e.ID, e.TenantID, e.RoutingKey, e.RetryCount)
				}
				return nil
			})
		},
	}
	failed.Flags().IntVar(&listLimit, "limit", 50, "maximum events to list")

	cmd.AddCommand(replay, requeue, replayFailed, failed)
	return cmd
}
