package connectivity

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is implemented by the remote booking client.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ProberConfig controls how often reachability is probed.
type ProberConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Prober turns periodic health checks into the monitor's environment signal.
type Prober struct {
	checker  HealthChecker
	monitor  *Monitor
	config   ProberConfig
	onResult func(online bool)
	logger   zerolog.Logger
}

// NewProber builds a prober. onResult, when non-nil, is called after every probe.
func NewProber(checker HealthChecker, monitor *Monitor, cfg ProberConfig, onResult func(bool), logger zerolog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Prober{
		checker:  checker,
		monitor:  monitor,
		config:   cfg,
		onResult: onResult,
		logger:   logger.With().Str("component", "prober").Logger(),
	}
}

// ProbeOnce runs a single health check and records the result.
func (p *Prober) ProbeOnce(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	err := p.checker.HealthCheck(ctx)
	online := err == nil
	if err != nil {
		p.logger.Debug().Err(err).Msg("health probe failed")
	}
	p.monitor.Set(online)
	if p.onResult != nil {
		p.onResult(online)
	}
	return online
}

// Run probes on every interval tick until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.logger.Info().Dur("interval", p.config.Interval).Msg("connectivity prober started")

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("connectivity prober stopped")
			return
		case <-ticker.C:
			p.ProbeOnce(ctx)
		}
	}
}
