package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"roomsync/internal/api"
	"roomsync/internal/config"
	"roomsync/internal/database"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent and the local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}
			logger := newLogger(cfg, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var reg prometheus.Registerer = prometheus.NewRegistry()
			if cfg.Monitoring.PrometheusEnabled {
				reg = prometheus.DefaultRegisterer
			}
			a, err := newApp(ctx, cfg, reg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.recover(ctx); err != nil {
				return err
			}
			if age := cfg.PurgeAfter(); age > 0 {
				if _, err := a.purge(ctx, age); err != nil {
					logger.Error().Err(err).Msg("Startup purge failed")
				}
			}

			a.probe(ctx)
			go a.relayConnectivity(ctx)
			if a.prober != nil {
				go a.prober.Run(ctx)
			}
			go a.engine.Watch(ctx)

			backup := database.NewBackupService(a.store, cfg.Backup, cfg.BackupInterval(), &logger)
			go backup.Start(ctx)

			srv := api.NewHTTPServer(api.Deps{
				Intake:        a.intake,
				Engine:        a.engine,
				Queue:         a.store,
				Catalog:       a.catalog,
				Account:       a.session,
				History:       a.client,
				Connectivity:  a.monitor,
				Bus:           a.bus,
				Redis:         a.redis,
				Metrics:       a.metrics,
				ExposeMetrics: cfg.Monitoring.PrometheusEnabled,
			}, &logger)

			logger.Info().
				Bool("online", a.monitor.Online()).
				Str("database", cfg.Database.Path).
				Msg("roomsync started")
			err = srv.ListenAndServe(ctx, cfg.Server.Address)
			logger.Info().Msg("roomsync stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address")
	return cmd
}
