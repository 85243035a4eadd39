package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"roomsync/internal/report"
)

func newQueueCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued reservations",
	}
	cmd.AddCommand(newQueueListCmd(opts))
	cmd.AddCommand(newQueueCancelCmd(opts))
	cmd.AddCommand(newQueueRetryCmd(opts))
	cmd.AddCommand(newQueuePurgeCmd(opts))
	cmd.AddCommand(newQueueExportCmd(opts))
	return cmd
}

func newQueueListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued reservations in creation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			intents, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(intents)
			}
			if len(intents) == 0 {
				fmt.Fprintln(out, "no queued reservations")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tROOM\tDATE\tTIME\tSTATUS\tERROR")
			for i := range intents {
				it := &intents[i]
				status := string(it.Status)
				if it.CancelRequested {
					status += " (cancelling)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s-%s\t%s\t%s\n",
					it.ID, it.DisplayRoom(), it.Date, it.StartTime, it.EndTime, status, it.LastError)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newQueueCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <intent-id>",
		Short: "Cancel a queued reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.intake.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Deferred {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is being sent; it will be dropped when the call returns\n", res.IntentID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s cancelled\n", res.IntentID)
			return nil
		},
	}
}

func newQueueRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <intent-id>",
		Short: "Replay one queued reservation now, whatever its last error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.probe(ctx)
			rep, err := a.engine.RetryIntent(ctx, args[0])
			if err != nil {
				return err
			}
			if rep.Synced > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s synced\n", args[0])
				return nil
			}
			it, err := a.store.Get(ctx, args[0])
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s no longer queued\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s failed: %s\n", it.ID, it.LastError)
			return nil
		},
	}
}

func newQueuePurgeCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete queued reservations older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			age := olderThan
			if age <= 0 {
				age = a.cfg.PurgeAfter()
			}
			if age <= 0 {
				return fmt.Errorf("set --older-than or queue.purge_after_days")
			}
			n, err := a.purge(ctx, age)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d reservation(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff, e.g. 720h")
	return cmd
}

func newQueueExportCmd(opts *rootOptions) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the queue to an XLSX workbook",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			intents, err := a.store.List(ctx)
			if err != nil {
				return err
			}
			st, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}

			now := time.Now()
			if path == "" {
				path = report.Filename(now)
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			if err := report.WriteQueue(f, intents, st, now); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d reservation(s) to %s\n", len(intents), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "out", "o", "", "output file (default roomsync_queue_<timestamp>.xlsx)")
	return cmd
}
