// Package app wires configuration, storage, the device client, the
// per-user schedulers and the Telegram front end into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"shockclock/internal/config"
	"shockclock/internal/control"
	"shockclock/internal/device"
	"shockclock/internal/eventbus"
	"shockclock/internal/observability/pprof"
	"shockclock/internal/runtime/supervisor"
	"shockclock/internal/scheduler"
	"shockclock/internal/storage"
	"shockclock/internal/systemd"
	"shockclock/internal/transport"
	"shockclock/internal/transport/telegram"
	"shockclock/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	root  logx.Logger // unscoped; components add their own comp field
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	dev   *device.Client
	sd    *systemd.Notifier

	reg   *scheduler.Registry
	maint *scheduler.Maintenance
	ctl   *control.Service
	debug *pprof.Service

	adapter *telegram.Adapter
	router  *telegram.Router
	updates chan transport.Message
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// The operator sink needs the adapter, which needs a logger: start with
	// the sink off, attach the adapter, then apply the real config.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Operator.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)

	var ad *telegram.Adapter
	if cfg.Telegram.Enabled {
		poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ad, err = telegram.NewAdapter(telegram.AdapterConfig{Token: cfg.Telegram.Token, PollTimeout: poll}, log)
		if err != nil {
			return nil, err
		}
		logSvc.SetSender(ad)
	}
	chatID, _ := operatorChat(cfg)
	logSvc.SetOperatorChat(chatID, cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)
	appLog := log.With(logx.String("comp", "app"))

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	dc, _ := mapDeviceConfig(cfg)

	return &App{
		cfgm:    cfgm,
		root:    log,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		store:   store,
		dev:     device.New(dc, log),
		sd:      systemd.New(cfg.Systemd.Notify, cfg.Systemd.Watchdog, log),
		adapter: ad,
		updates: make(chan transport.Message, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	settings, _ := mapSchedulerSettings(cfg)
	a.reg = scheduler.NewRegistry(a.sup, scheduler.Deps{
		Store:  a.store,
		Sender: a.dev,
		Bus:    a.bus,
		Log:    a.root,
	}, a.store, settings)
	a.ctl = control.New(a.store, a.reg, a.dev, a.root,
		control.WithLocation(func() *time.Location { return a.reg.Settings().Location }))

	n, err := a.reg.StartAllKnownUsers(runCtx)
	if err != nil {
		return fmt.Errorf("start schedulers: %w", err)
	}
	a.log.Info("schedulers started", logx.Int("count", n))

	mc, _ := mapMaintenanceConfig(cfg)
	a.maint = scheduler.NewMaintenance(mc, a.reg, a.store, a.root)
	if err := a.maint.Start(runCtx); err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.startTelegram(runCtx, cfg); err != nil {
			return err
		}
	}

	a.debug = pprof.New(mapDebugConfig(cfg), a.status, a.root)
	a.debug.Start(runCtx)

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.applyLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := a.sd.Watchdog(c); err != nil {
			a.log.Warn("watchdog keepalive unavailable", logx.Err(err))
		}
	})

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("%d schedulers running", n))
	a.log.Info("app started")
	return nil
}

func (a *App) startTelegram(ctx context.Context, cfg *config.Config) error {
	chatID, _ := operatorChat(cfg)
	a.router = telegram.NewRouter(telegram.RouterConfig{
		AllowedUsers: cfg.Telegram.AllowedUsers,
		OperatorChat: chatID,
	}, a.ctl, a.adapter, a.reg, a.root)

	if err := a.adapter.Start(ctx, a.updates); err != nil {
		return err
	}
	a.sup.Go("telegram.router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.sup.Go("telegram.notify", func(c context.Context) error {
		return a.router.NotifyEvents(c, a.bus)
	})
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 15*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.router.MenuCommands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})
	return nil
}

// statusDoc is served at the debug endpoint's /status.
type statusDoc struct {
	Time       time.Time            `json:"time"`
	Schedulers []scheduler.LoopInfo `json:"schedulers"`
	Supervisor supervisor.Snapshot  `json:"supervisor"`
}

func (a *App) status() any {
	return statusDoc{
		Time:       time.Now(),
		Schedulers: a.reg.Snapshot(),
		Supervisor: a.sup.Snapshot(),
	}
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			// Debug level: triggers are frequent on busy installs.
			a.log.Debug("event", logx.String("type", e.Type), logx.User(e.User), logx.Time("time", e.Time))
		}
	}
}

// applyLoop applies hot-reloaded config to the live components.
func (a *App) applyLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
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
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(oldCfg, newCfg); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	chatID, _ := operatorChat(newCfg)
	a.logs.SetOperatorChat(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLoggingConfig(newCfg))

	// The validator already ran these mappers; errors here mean a bug.
	if dc, err := mapDeviceConfig(newCfg); err != nil {
		a.log.Warn("invalid device config; keeping previous", logx.Err(err))
	} else {
		a.dev.Apply(dc)
	}
	if st, err := mapSchedulerSettings(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.reg.Apply(st)
	}
	if mc, err := mapMaintenanceConfig(newCfg); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	} else if err := a.maint.Apply(mc); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}

	if err := a.debug.Reconfigure(a.sup.Context(), mapDebugConfig(newCfg)); err != nil {
		a.log.Warn("debug server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint == nil {
			return nil
		}
		return a.maint.Stop(c)
	})
	// Registry before the supervisor wait: it refuses new loops once stopped.
	step("schedulers", 3*time.Second, func(c context.Context) error {
		if a.reg == nil {
			return nil
		}
		return a.reg.Stop(c)
	})
	step("adapter", 3*time.Second, func(c context.Context) error {
		if a.adapter == nil {
			return nil
		}
		return a.adapter.Stop(c)
	})
	step("debug", time.Second, func(c context.Context) error {
		if a.debug == nil {
			return nil
		}
		return a.debug.Stop(c)
	})
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
