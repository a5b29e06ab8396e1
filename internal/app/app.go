// Package app wires the service together: config, logging, storage, the
// Discord gateway, the relay engine, the scheduler, and operator alerts.
package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pinrelay/internal/alert"
	"pinrelay/internal/config"
	"pinrelay/internal/eventbus"
	"pinrelay/internal/extract"
	"pinrelay/internal/ingest"
	"pinrelay/internal/observability/pprof"
	"pinrelay/internal/platform"
	"pinrelay/internal/platform/discord"
	"pinrelay/internal/relay"
	"pinrelay/internal/sched"
	"pinrelay/internal/store"
	logx "pinrelay/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	bus     eventbus.Bus
	store   store.Store
	gateway *discord.Gateway
	sched   *sched.Service
	engine  *relay.Engine
	alerts  *alert.Service
	profile *pprof.Service

	// handler is installed after the gateway opens (it needs the bot's own
	// id), so gateway callbacks load it atomically.
	handler atomic.Pointer[ingest.Handler]

	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New loads and validates the config and prepares logging. Nothing touches
// the network until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, logx.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	mgr.SetLogger(log.With(logx.String("svc", "config")))
	return &App{cfgMgr: mgr, logSvc: logSvc, log: log.With(logx.String("svc", "app"))}, nil
}

func (a *App) Start(ctx context.Context) (err error) {
	cfg := a.cfgMgr.Get()
	a.bus = eventbus.New()

	// Everything wired before a failure is torn down here, so a half-started
	// app never leaks an open gateway or store.
	gatewayOpen := false
	defer func() {
		if err == nil {
			return
		}
		if gatewayOpen {
			_ = a.gateway.Close()
		}
		if a.store != nil {
			_ = a.store.Close()
			a.store = nil
		}
	}()

	st, err := store.Open(storeConfig(cfg), a.logSvc.Logger().With(logx.String("svc", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st

	gw, err := discord.NewGateway(cfg.Discord.Token, a, a.logSvc.Logger().With(logx.String("svc", "gateway")))
	if err != nil {
		return err
	}
	a.gateway = gw

	client := discord.NewClient(gw.Session(), a.logSvc.Logger().With(logx.String("svc", "discord")))
	deliverer := discord.NewWebhookDeliverer(gw.Session(), a.logSvc.Logger().With(logx.String("svc", "webhook")))

	relayCfg, err := relayConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = relay.NewEngine(relayCfg, st, deliverer, a.bus, a.logSvc.Logger().With(logx.String("svc", "relay")))

	schedCfg, err := schedConfig(cfg)
	if err != nil {
		return err
	}
	exec := sched.NewExecutor(client, schedCfg.ActionTimeout, a.logSvc.Logger().With(logx.String("svc", "executor")))
	a.sched = sched.New(schedCfg, st, exec, a.bus, a.logSvc.Logger().With(logx.String("svc", "sched")))

	alerts, err := alert.New(alertConfig(cfg), a.bus, a.logSvc.Logger().With(logx.String("svc", "alert")))
	if err != nil {
		return err
	}
	a.alerts = alerts

	if err := gw.Open(ctx); err != nil {
		return err
	}
	gatewayOpen = true

	planner := sched.NewPlanner(a.logSvc.Logger().With(logx.String("svc", "planner")))
	a.handler.Store(ingest.NewHandler(client, planner, a.sched, a.engine, a.ruleFor, gw.SelfID(), a.logSvc.Logger().With(logx.String("svc", "ingest"))))

	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	a.alerts.Start(ctx)

	a.profile = pprof.New(pprofConfig(cfg), a.logSvc.Logger().With(logx.String("svc", "pprof")))
	if err := a.profile.Start(ctx); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go a.watchConfig(wctx)

	notifyReady(a.log)
	go watchdogLoop(wctx, a.log)

	a.log.Info("started", logx.Int("tenants", len(cfg.Tenants)))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	notifyStopping(a.log)
	if a.watchCancel != nil {
		a.watchCancel()
		select {
		case <-a.watchDone:
		case <-ctx.Done():
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Close(); err != nil {
			a.log.Warn("gateway close failed", logx.Err(err))
		}
	}
	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.alerts != nil {
		a.alerts.Stop(ctx)
	}
	if a.profile != nil {
		a.profile.Stop(ctx)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}

// HandleContent implements discord.Sink. Events arriving before the handler
// exists (a short window during Start) are dropped; the catch-up sweep and
// relay idempotency make that safe.
func (a *App) HandleContent(ctx context.Context, ev platform.ContentEvent) {
	if h := a.handler.Load(); h != nil {
		h.HandleContent(ctx, ev)
	}
}

func (a *App) HandleEdit(ctx context.Context, ev platform.EditEvent) {
	if h := a.handler.Load(); h != nil {
		h.HandleEdit(ctx, ev)
	}
}

// ruleFor maps the current config snapshot to a tenant's ingestion rule, so
// reloads take effect on the next event.
func (a *App) ruleFor(tenantID string) (ingest.Rule, bool) {
	cfg := a.cfgMgr.Get()
	if cfg == nil {
		return ingest.Rule{}, false
	}
	t, ok := cfg.Tenants[tenantID]
	if !ok {
		return ingest.Rule{}, false
	}

	dialects := make(map[string]extract.Dialect, len(t.Sources))
	for author, d := range t.Sources {
		dialects[author] = extract.Dialect(d)
	}
	endpoints := make([]relay.Endpoint, 0, len(t.Endpoints))
	for _, ep := range t.Endpoints {
		endpoints = append(endpoints, relay.Endpoint{ID: ep.ID, URL: ep.URL})
	}

	return ingest.Rule{
		Policy: sched.TenantPolicy{
			TriggerLabels:   t.TriggerLabels,
			Dialects:        dialects,
			UnpinDelayMin:   t.UnpinAfterMin,
			ThreadDeleteMin: t.ThreadDeleteAfterMin,
			UseEventTime:    t.UseEventTime,
		},
		Channels:    t.Channels,
		Endpoints:   endpoints,
		MaxPins:     t.MaxPins,
		ForceThread: t.ForceThread,
	}, true
}

// watchConfig runs the file watcher and applies reloadable sections. Only
// logging takes effect in place; tenant rules are read per event anyway, and
// everything else needs a restart.
func (a *App) watchConfig(ctx context.Context) {
	defer close(a.watchDone)

	updates := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(updates)

	go func() {
		_ = a.cfgMgr.Watch(ctx)
	}()

	prev := a.cfgMgr.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			changed, attrs := config.SummarizeChange(prev, cfg)
			a.log.Info("config changed", append(attrs, logx.Any("sections", changed))...)
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			prev = cfg
		}
	}
}

func storeConfig(cfg *config.Config) store.Config {
	out := store.Config{Driver: "file", Path: "./pinrelay_store"}
	if cfg.Storage == nil {
		return out
	}
	if cfg.Storage.Driver != "" {
		out.Driver = cfg.Storage.Driver
	}
	if cfg.Storage.Path != "" {
		out.Path = cfg.Storage.Path
	}
	if d, err := config.Duration("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err == nil {
		out.BusyTimeout = d
	}
	if d, err := config.Duration("storage.relay_ttl", cfg.Storage.RelayTTL, store.DefaultRelayTTL); err == nil {
		out.RelayTTL = d
	}
	return out
}

func schedConfig(cfg *config.Config) (sched.Config, error) {
	interval, err := config.Duration("scheduler.sweep_interval", cfg.Scheduler.SweepInterval, time.Minute)
	if err != nil {
		return sched.Config{}, err
	}
	timeout, err := config.Duration("scheduler.action_timeout", cfg.Scheduler.ActionTimeout, 15*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Enabled:       cfg.Scheduler.Enabled,
		SweepInterval: interval,
		ActionTimeout: timeout,
		RetryMax:      cfg.Scheduler.RetryMax,
	}, nil
}

func relayConfig(cfg *config.Config) (relay.Config, error) {
	out := relay.Config{}
	if cfg.Relay == nil {
		return out, nil
	}
	timeout, err := config.Duration("relay.deliver_timeout", cfg.Relay.DeliverTimeout, 10*time.Second)
	if err != nil {
		return relay.Config{}, err
	}
	out.DeliverTimeout = timeout
	out.RatePerSecond = cfg.Relay.RatePerSec
	out.Burst = cfg.Relay.Burst
	return out, nil
}

func pprofConfig(cfg *config.Config) pprof.Config {
	if cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
	}
}

func alertConfig(cfg *config.Config) alert.Config {
	if cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		Token:      cfg.Alerts.Token,
		ChatID:     cfg.Alerts.ChatID,
		RatePerMin: cfg.Alerts.RatePerMin,
	}
}
