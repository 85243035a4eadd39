// Package cli is the roomsync command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"roomsync/internal/config"
	"roomsync/internal/queue"
	"roomsync/internal/reconcile"
)

type rootOptions struct {
	configPath string
}

func NewRoot() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Offline-first classroom reservation agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (default $ROOMSYNC_CONFIG or "+config.DefaultPath+")")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newSyncCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newQueueCmd(opts))
	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newLogoutCmd(opts))
	return cmd
}

// load builds the app for a one-shot command. Metrics stay unexported.
func (o *rootOptions) load(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	return newApp(ctx, cfg, prometheus.NewRegistry(), logger)
}

// Execute runs the command tree with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stderr io.Writer) int {
	root := NewRoot()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "error:", exitMessage(err))
		return 1
	}
	return 0
}

func exitMessage(err error) string {
	switch {
	case errors.Is(err, reconcile.ErrOffline):
		return "booking service unreachable; reservations stay queued"
	case errors.Is(err, reconcile.ErrPassInProgress):
		return "another sync is running"
	case errors.Is(err, queue.ErrNotFound):
		return "no such queued reservation"
	}
	return err.Error()
}
