package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/warp/promo-engine/api"
	"github.com/warp/promo-engine/config"
	"github.com/warp/promo-engine/notify"
	"github.com/warp/promo-engine/promo"
	"github.com/warp/promo-engine/store/sqlstore"
	"github.com/warp/promo-engine/telegram"
	"github.com/warp/promo-engine/woocommerce"
)

// app holds the wired components. Nothing here is a package-level
// singleton; every command builds its own.
type app struct {
	log      *zap.Logger
	cfg      config.Config
	store    *sqlstore.Store
	registry *prometheus.Registry

	settings *promo.Settings
	ledger   *promo.Ledger
	service  *promo.Service
	remote   *woocommerce.Client // nil when disabled

	sweeper   *notify.Sweeper   // nil when notifications are off
	scheduler *notify.Scheduler // nil when notifications are off
}

// newApp opens the store and wires the engine. The transport and the
// notification loop are built only when notifications is true and enabled.
func newApp(ctx context.Context, cfg config.Config, notifications bool) (*app, error) {
	log, err := config.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := sqlstore.Open(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	log.Info("database ready", zap.Stringer("dialect", store.Dialect()))

	a := &app{
		log:      log,
		cfg:      cfg,
		store:    store,
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.settings = promo.NewSettings(log, store, cfg.Promo.Defaults())
	if err := a.settings.SeedDefaults(ctx); err != nil {
		a.Close()
		return nil, err
	}

	generator := promo.NewUUIDGenerator()
	generator.Prefix = cfg.Promo.CodePrefix
	a.ledger = promo.NewLedger(log, store, generator)

	var gateway promo.Gateway = promo.DisabledGateway{}
	if cfg.WooCommerce.Enabled {
		a.remote = woocommerce.NewClient(log, cfg.WooCommerce.Client())
		gateway = a.remote
		log.Info("woocommerce enabled", zap.String("url", cfg.WooCommerce.URL))
	} else {
		log.Info("woocommerce disabled, running on local state")
	}
	a.service = promo.NewService(log, a.ledger, gateway, a.settings)

	if notifications && cfg.Notifications.Enabled {
		transport, err := telegram.New(log, cfg.Telegram.Transport())
		if err != nil {
			a.Close()
			return nil, err
		}
		log.Info("telegram transport ready", zap.String("bot", transport.Username()))

		metrics := notify.NewMetrics(a.registry)
		a.sweeper = notify.NewSweeper(log, a.ledger, a.service.Reconciler(), store, transport, metrics, cfg.Notifications.CallDelay)
		a.scheduler = notify.NewScheduler(log, a.sweeper, store, metrics, cfg.Notifications.Scheduler())
	}

	return a, nil
}

// apiDependencies collects what the HTTP API needs. Optional components
// are left as nil interfaces when absent.
func (a *app) apiDependencies() api.Dependencies {
	deps := api.Dependencies{
		Service:  a.service,
		Settings: a.settings,
		Users:    a.store,
		Runs:     a.store,
		Interval: a.cfg.Notifications.Interval,
	}
	if a.scheduler != nil {
		deps.Scheduler = a.scheduler
		deps.Sender = a.sweeper
	}
	if a.remote != nil {
		deps.Remote = a.remote
	}
	return deps
}

// Close releases the store and flushes the logger.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("closing database failed", zap.Error(err))
	}
	_ = a.log.Sync()
}
