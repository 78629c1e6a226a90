package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/eventbus"
	"castbot/internal/health"
	"castbot/internal/maintenance"
	"castbot/internal/notifier"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	kit "castbot/internal/transport"
	telegram "castbot/internal/transport/telegram/adapter"
	"castbot/internal/transport/telegram/router"
	"castbot/internal/userclient"
	logx "castbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	pool    *userclient.Pool
	sched   *broadcast.Scheduler
	notif   *notifier.Service
	health  *health.Service
	maint   *maintenance.Service
	surface *surface

	cmdm *router.CommandManager
	serv *router.Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       botToken(cfg),
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), ad)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// Everything below is pure construction; only the store needs closing on error.
	a, err := build(cfgPath, cfgm, cfg, ad, logSvc, log, bus, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfgPath string, cfgm *config.ConfigManager, cfg *Config, ad kit.Adapter, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	ucfg, loginTimeout, err := mapUserClientConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool := userclient.NewPool(ucfg, log.With(logx.String("comp", "userclient")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")), bus, store)

	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := broadcast.NewScheduler(bcfg, broadcast.Deps{
		Store:     store,
		Connector: &poolConnector{pool: pool, store: store, notify: notif, log: log.With(logx.String("comp", "connector"))},
		Notifier:  notif,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "broadcast")),
	})

	ttl, err := conversationTTL(cfg)
	if err != nil {
		return nil, err
	}
	surf := newSurface(log.With(logx.String("comp", "surface")), store, sched, pool, ttl, loginTimeout)
	surf.notices = notif

	serv := &router.Services{RuntimeSupervisors: supervisor.NewRegistry()}
	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, serv, cfg.Telegram.OwnerUserIDs,
		router.WithFloodLimit(operatorRate(cfg)))
	cmdm.SetRegistry(surf.commands(), surf.callbacks())
	cmdm.SetTextHandler(surf.onText)

	hcfg, err := mapHealthConfig(cfg)
	if err != nil {
		return nil, err
	}
	hs := health.New(hcfg, sched, serv.RuntimeSupervisors, log.With(logx.String("comp", "health")))

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	maint := maintenance.New(mcfg, log.With(logx.String("comp", "maintenance")), bus)
	if err := maint.Register(maint.DefaultJobs(store, surf.conv)...); err != nil {
		return nil, err
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		pool:    pool,
		sched:   sched,
		notif:   notif,
		health:  hs,
		maint:   maint,
		surface: surf,
		cmdm:    cmdm,
		serv:    serv,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done closes once the app stops, by Stop or by a fatal supervisor error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the error that ended the app, nil after a clean Stop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup

	// reloads are validated before anyone sees them
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		return validateConfig(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		if sup := sp.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
		}
	}

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.registerNotifier()
	}

	// Loops never survive a restart; close whatever the last process left open.
	rctx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	n, err := a.sched.ReconcileOnStartup(rctx)
	cancel()
	if err != nil {
		a.log.Warn("run state reconcile incomplete", logx.Int("reset", n), logx.Err(err))
	}
	a.serv.RuntimeSupervisors.Set("broadcast", a.sched.Supervisor())

	if a.health.Enabled() {
		a.health.Start(a.sup.Context())
		a.registerHealth()
	}
	a.maint.Start(a.sup.Context())
	a.registerMaintenance()

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Cycle events are frequent; keep this at debug.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// only the newest pending config matters
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				a.applyConfig(c, lastApplied, newCfg, sections)
				lastApplied = newCfg
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into every live component.
func (a *App) applyConfig(c context.Context, prev, cfg *Config, sections []string) {
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if strings.TrimSpace(cfg.Telegram.Token) != strings.TrimSpace(prev.Telegram.Token) {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(cfg))
	a.cmdm.SetOwners(cfg.Telegram.OwnerUserIDs)
	a.cmdm.SetFloodLimit(operatorRate(cfg))

	if bcfg, err := mapBroadcastConfig(cfg); err != nil {
		a.log.Warn("invalid broadcast config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(bcfg)
	}

	if ucfg, loginTimeout, err := mapUserClientConfig(cfg); err != nil {
		a.log.Warn("invalid userclient config; keeping previous", logx.Err(err))
	} else {
		a.pool.Apply(ucfg)
		ttl, _ := conversationTTL(cfg)
		a.surface.apply(ttl, loginTimeout)
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.serv.RuntimeSupervisors.Delete("notifier")
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
			a.registerNotifier()
		}
	}

	if hcfg, err := mapHealthConfig(cfg); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	} else {
		a.health.Reconfigure(c, hcfg)
		a.registerHealth()
	}

	if mcfg, err := mapMaintenanceConfig(cfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else {
		a.maint.Apply(mcfg)
		a.registerMaintenance()
	}
}

func (a *App) registerNotifier() {
	if sup := a.notif.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("notifier", sup)
	}
}

func (a *App) registerHealth() {
	if sup := a.health.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("health", sup)
		return
	}
	a.serv.RuntimeSupervisors.Delete("health")
}

func (a *App) registerMaintenance() {
	if sup := a.maint.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("maintenance", sup)
		return
	}
	a.serv.RuntimeSupervisors.Delete("maintenance")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Loops start unwinding now; the steps below bound how long each one gets.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		a.stopStep(ctx, name, limit, fn)
	}

	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	// Loops write their stopped records before the store closes.
	step("broadcast", 10*time.Second, func(c context.Context) error { return a.sched.ShutdownAll(c) })
	step("health", 1*time.Second, func(c context.Context) error { a.health.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Remaining app goroutines: dispatch, config watch and reload.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// stopStep runs fn bounded by limit and by ctx, whichever ends first. A step
// that overruns is left to finish in the background and the stop moves on.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
		limit = time.Until(dl)
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			a.log.Warn("stop step failed", logx.String("name", name), logx.Duration("took", took), logx.Err(err))
		case took >= 500*time.Millisecond:
			a.log.Info("stop step done", logx.String("name", name), logx.Duration("took", took))
		default:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step overran, continuing", logx.String("name", name), logx.Duration("limit", limit))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("late stop step failed", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
