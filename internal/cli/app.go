package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"roomsync/internal/account"
	"roomsync/internal/catalog"
	"roomsync/internal/config"
	"roomsync/internal/connectivity"
	"roomsync/internal/events"
	"roomsync/internal/intake"
	"roomsync/internal/metrics"
	"roomsync/internal/queue"
	"roomsync/internal/reconcile"
	"roomsync/internal/remote"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *queue.Store
	client  *remote.Client
	redis   *redis.Client
	metrics *metrics.Metrics
	bus     *events.EventBus
	monitor *connectivity.Monitor
	prober  *connectivity.Prober // nil when forced offline
	session *account.Session
	catalog *catalog.Service
	intake  *intake.Service
	engine  *reconcile.Engine
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.ConsoleLogging() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func newApp(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger zerolog.Logger) (*app, error) {
	store, err := queue.Open(cfg.Database.Path, &logger)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		metrics: metrics.New(reg),
		bus:     events.NewEventBus(),
	}

	a.client = remote.NewClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.APITimeout())
	a.client.UseMetrics(a.metrics)
	if cfg.API.RatePerSecond > 0 {
		a.client.UseRateLimit(cfg.API.RatePerSecond, cfg.API.Burst)
	}
	if cfg.Redis.Address != "" && cfg.CacheTTL() > 0 {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		a.client.UseRedisCache(a.redis, cfg.CacheTTL())
	}

	a.monitor = connectivity.NewMonitor(false, logger)
	if !cfg.Connectivity.ForceOffline {
		a.prober = connectivity.NewProber(a.client, a.monitor, connectivity.ProberConfig{
			Interval: cfg.ProbeInterval(),
			Timeout:  cfg.ProbeTimeout(),
		}, a.metrics.SetOnline, logger)
	}

	a.session, err = account.NewSession(ctx, store, a.client, a.bus, cfg.User.ID, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog = catalog.NewService(a.client, store, a.monitor, logger)
	a.intake = intake.NewService(store, a.client, a.monitor, a.catalog, a.session, a.bus, a.metrics, logger)
	a.engine = reconcile.NewEngine(store, a.client, a.session, a.monitor, a.bus, a.metrics, reconcile.Config{
		RetryConflicts: cfg.Sync.RetryConflicts,
		PassTimeout:    cfg.PassTimeout(),
		SyncOnStartup:  cfg.SyncOnStartup(),
		LeaseTTL:       cfg.LeaseTTL(),
	}, logger)
	return a, nil
}

// probe sets the initial connectivity state. It is a no-op when forced offline.
func (a *app) probe(ctx context.Context) bool {
	if a.prober == nil {
		a.logger.Info().Msg("Connectivity forced offline")
		return false
	}
	return a.prober.ProbeOnce(ctx)
}

// recover resets intents left in flight by a process that died mid-pass.
// It is skipped while another process owns the queue.
func (a *app) recover(ctx context.Context) error {
	err := a.engine.Recover(ctx)
	if errors.Is(err, reconcile.ErrPassInProgress) {
		a.logger.Info().Msg("Queue owned by another process, skipping recovery")
		return nil
	}
	if err != nil {
		return fmt.Errorf("recover interrupted intents: %w", err)
	}
	return nil
}

// relayConnectivity publishes monitor transitions on the event bus.
func (a *app) relayConnectivity(ctx context.Context) {
	ch, cancel := a.monitor.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			a.metrics.SetOnline(online)
			if err := a.bus.PublishJSON(events.TypeConnectivityChanged, map[string]bool{"online": online}); err != nil {
				a.logger.Error().Err(err).Msg("Publish connectivity event failed")
			}
		}
	}
}

// purge drops intents not in flight and cached availability older than olderThan.
func (a *app) purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	n, err := a.store.Purge(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if _, err := a.store.PruneAvailability(ctx, cutoff); err != nil {
		return n, err
	}
	return n, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Close queue database failed")
	}
}
