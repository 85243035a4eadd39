package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newSyncCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the booking service and replay queued reservations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.probe(ctx)

			rep, err := a.engine.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, synced %d, failed %d, cancelled %d\n",
				rep.Attempted, rep.Synced, rep.Failed, rep.Cancelled)
			if rep.Orphaned > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %d cancelled reservation(s) were created remotely anyway\n", rep.Orphaned)
			}
			return nil
		},
	}
}

type statusOutput struct {
	Online       bool   `json:"online"`
	TotalPending int    `json:"total_pending"`
	LastSync     string `json:"last_sync,omitempty"`
	SignedInAs   int64  `json:"user_id,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var probe bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.load(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if probe {
				a.probe(ctx)
			}
			st, err := a.engine.Status(ctx)
			if err != nil {
				return err
			}

			out := statusOutput{
				Online:       a.monitor.Online(),
				TotalPending: st.TotalPending,
				SignedInAs:   a.session.UserID(),
			}
			if st.LastSync != nil {
				out.LastSync = st.LastSync.Local().Format("2006-01-02 15:04:05")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&probe, "probe", true, "check reachability of the booking service")
	return cmd
}
