// Package service assembles the adjudication engine from configuration.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hugo-lorenzo-mato/verdict/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/verdict/internal/config"
	"github.com/hugo-lorenzo-mato/verdict/internal/core"
	"github.com/hugo-lorenzo-mato/verdict/internal/events"
	"github.com/hugo-lorenzo-mato/verdict/internal/ledger"
	"github.com/hugo-lorenzo-mato/verdict/internal/logging"
	"github.com/hugo-lorenzo-mato/verdict/internal/metrics"
	"github.com/hugo-lorenzo-mato/verdict/internal/panel"
	"github.com/hugo-lorenzo-mato/verdict/internal/roster"
	"github.com/hugo-lorenzo-mato/verdict/internal/scheduler"
	"github.com/hugo-lorenzo-mato/verdict/internal/session"
	"github.com/hugo-lorenzo-mato/verdict/internal/vote"
)

// Engine is a fully wired adjudication engine.
type Engine struct {
	Config    *config.Config
	Store     core.Store
	Roster    *roster.Registry
	Ledger    *ledger.Ledger
	Sessions  *session.Manager
	Votes     *vote.Collector
	Panel     *panel.Panel
	Scheduler *scheduler.Scheduler
	Bus       *events.EventBus
	Metrics   *metrics.Metrics
	Clock     core.Clock
	Logger    *logging.Logger

	rule      core.ConsensusRule
	stopWatch context.CancelFunc
}

// Option customizes engine construction.
type Option func(*options)

type options struct {
	clock     core.Clock
	store     core.Store
	logger    *logging.Logger
	providers []panel.Provider
}

// WithClock replaces the wall clock.
func WithClock(c core.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithStore uses an already opened store instead of cfg.State.
func WithStore(s core.Store) Option {
	return func(o *options) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProviders replaces the panel's vote providers. By default the panel has
// a single random provider configured from cfg.Panel.
func WithProviders(p ...panel.Provider) Option {
	return func(o *options) { o.providers = p }
}

// New builds an engine. The engine does nothing until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	o := options{clock: core.SystemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	}

	rule, err := cfg.Consensus.Rule()
	if err != nil {
		return nil, err
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("default consensus rule: %w", err)
	}

	store := o.store
	if store == nil {
		store, err = state.Open(ctx, state.Options{
			Backend: cfg.State.Backend,
			Path:    cfg.State.Path,
			DSN:     cfg.State.DSN,
		})
		if err != nil {
			return nil, fmt.Errorf("opening state: %w", err)
		}
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m, err = metrics.New(ctx, cfg.Metrics.ServiceName)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("initializing metrics: %w", err)
		}
	}

	log := o.logger.Slog()
	bus := events.New(cfg.Events.BufferSize)
	reg := roster.New(store, o.clock, log)
	led := ledger.New(store, o.clock, log)
	mgr := session.NewManager(session.Options{
		Store:   store,
		Roster:  reg,
		Ledger:  led,
		Bus:     bus,
		Metrics: m,
		Clock:   o.clock,
		Logger:  log,
	})
	sched := scheduler.New(scheduler.Config{
		SweepInterval: config.Duration(cfg.Scheduler.SweepInterval, scheduler.DefaultConfig().SweepInterval),
		ExpireTimeout: config.Duration(cfg.Scheduler.ExpireTimeout, scheduler.DefaultConfig().ExpireTimeout),
	}, mgr, o.clock, log)
	mgr.SetScheduler(sched)
	collector := vote.NewCollector(mgr, store, bus, m, log)

	providers := o.providers
	if providers == nil {
		providers = []panel.Provider{panel.NewRandom(panel.RandomConfig{
			Seed:        cfg.Panel.Seed,
			ApproveBias: 0.4,
			FailureRate: cfg.Panel.FailureRate,
			MinLatency:  50 * time.Millisecond,
			MaxLatency:  400 * time.Millisecond,
		})}
	}
	retry := panel.DefaultRetryPolicy()
	if cfg.Panel.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Panel.MaxAttempts
	}
	pnl := panel.New(panel.Config{
		Concurrency: cfg.Panel.Concurrency,
		Timeout:     config.Duration(cfg.Panel.Timeout, 30*time.Second),
		Retry:       retry,
		Limits: panel.RateLimiterConfig{
			MaxTokens:  float64(cfg.Panel.Burst),
			RefillRate: cfg.Panel.RatePerSecond,
		},
	}, providers, reg, mgr, collector, bus, m, log)

	return &Engine{
		Config:    cfg,
		Store:     store,
		Roster:    reg,
		Ledger:    led,
		Sessions:  mgr,
		Votes:     collector,
		Panel:     pnl,
		Scheduler: sched,
		Bus:       bus,
		Metrics:   m,
		Clock:     o.clock,
		Logger:    o.logger,
		rule:      rule,
	}, nil
}

// DefaultRule returns the configured rule for new sessions.
func (e *Engine) DefaultRule() core.ConsensusRule {
	return e.rule.Clone()
}

// Start hydrates the roster, applies the roster file, rehydrates deadlines
// and, if configured, begins watching the roster file.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Roster.Load(ctx); err != nil {
		return fmt.Errorf("loading roster: %w", err)
	}

	if path := e.Config.Roster.File; path != "" {
		res, err := e.Roster.SyncFile(ctx, path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			e.Logger.Debug("no roster file", "path", path)
		case err != nil:
			return fmt.Errorf("applying roster file: %w", err)
		case res.Changed():
			e.Logger.Info("roster file applied",
				"added", len(res.Added), "updated", len(res.Updated), "deactivated", len(res.Deactivated))
		}
	}

	if err := e.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	if e.Config.Roster.Watch && e.Config.Roster.File != "" {
		if _, err := os.Stat(e.Config.Roster.File); err == nil {
			watchCtx, cancel := context.WithCancel(context.Background())
			if err := e.Roster.Watch(watchCtx, e.Config.Roster.File, func(res roster.SyncResult) {
				e.Logger.Info("roster file reloaded",
					"added", len(res.Added), "updated", len(res.Updated), "deactivated", len(res.Deactivated))
			}); err != nil {
				cancel()
				e.Logger.Warn("roster watch unavailable", "error", err)
			} else {
				e.stopWatch = cancel
			}
		}
	}
	return nil
}

// Close stops background work and releases storage.
func (e *Engine) Close(ctx context.Context) error {
	if e.stopWatch != nil {
		e.stopWatch()
	}
	e.Scheduler.Stop()
	e.Bus.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var errs []error
	if err := e.Metrics.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := e.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
