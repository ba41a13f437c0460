package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"crowdbot/internal/backend"
	"crowdbot/internal/config"
	"crowdbot/internal/delivery"
	"crowdbot/internal/eventbus"
	"crowdbot/internal/observability/ops"
	rtsup "crowdbot/internal/runtime/supervisor"
	"crowdbot/internal/storage"
	"crowdbot/internal/task/engine"
	"crowdbot/internal/task/scheduler"
	kit "crowdbot/internal/transport"
	telegram "crowdbot/internal/transport/telegram/adapter"
	"crowdbot/internal/transport/telegram/router"
	logx "crowdbot/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ledgerRecipients bounds how many recipients keep a dedup partition.
const ledgerRecipients = 100_000

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter
	client  *backend.Client

	dispatcher *delivery.Dispatcher
	engine     *engine.Service
	sched      *scheduler.Service
	ops        *ops.Service

	cmdm *router.CommandManager
	serv *router.Services

	// dispatch is the last applied dispatch section.
	dispatch config.DispatchSettings

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// The target is set before the Telegram sink is enabled so Apply does
	// not warn about a missing chat.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(logTarget(cfg))
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	bc, err := mapBackendConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := backend.New(bc, root.With(logx.String("comp", "backend")))

	ds, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ledger := delivery.NewLedgerSize(ds.LedgerCapacity, ledgerRecipients)
	deps := delivery.Deps{
		Content:   client,
		Directory: client,
		Transport: delivery.NewChatTransport(ad),
		Fetcher:   backend.NewMediaFetcher(ds.FetchTimeout),
		Ledger:    ledger,
		Log:       root.With(logx.String("comp", "dispatch")),
		Bus:       bus,
		Metrics:   delivery.NewMetrics(reg),
	}
	if store != nil {
		deps.Audit = store
	}
	dispatcher := delivery.NewDispatcher(deps, dispatchOptions(ds))

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	eng := engine.New(engCfg, root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(mapSchedulerConfig(cfg), eng, root.With(logx.String("comp", "scheduler")))

	serv := &router.Services{
		Users:              client,
		Ledger:             ledger,
		Dispatch:           dispatcher,
		Scheduler:          sched,
		Engine:             eng,
		DispatchJob:        dispatchJob,
		RuntimeSupervisors: router.NewSupervisorRegistry(),
	}
	if store != nil {
		serv.Deliveries = store
	}

	cmdm := router.NewCommandManager(root.With(logx.String("comp", "router")), ad, serv, router.Options{
		Owners: cfg.Telegram.OwnerUserIDs,
	})
	cmdm.SetRegistry(router.NewBot(serv, router.BotOptions{}).Registry())

	a := &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		adapter:    ad,
		client:     client,
		dispatcher: dispatcher,
		engine:     eng,
		sched:      sched,
		cmdm:       cmdm,
		serv:       serv,
		dispatch:   ds,
		updates:    make(chan kit.Update, 256),
	}

	if err := a.scheduleDispatch(ds); err != nil {
		return nil, err
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(oc, reg, a.health, root)
	return a, nil
}

// Done is closed when the app context is canceled by a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunDispatch executes one cycle as the scheduled job does.
func (a *App) RunDispatch(ctx context.Context) error {
	_, err := a.dispatcher.Run(ctx)
	if errors.Is(err, delivery.ErrCycleInProgress) {
		return engine.NoRetry(err)
	}
	return err
}

// scheduleDispatch registers or removes the periodic dispatch job.
func (a *App) scheduleDispatch(ds config.DispatchSettings) error {
	if !ds.Enabled {
		if a.sched.Remove(dispatchJob) {
			a.log.Info("dispatch schedule removed")
		}
		return nil
	}
	opt := scheduler.TaskOptions{Overlap: scheduler.OverlapSkipIfRunning}
	if err := a.sched.AddScheduleOpt(dispatchJob, ds.Schedule, ds.StartDelay, 0, opt, a.RunDispatch); err != nil {
		return fmt.Errorf("dispatch schedule: %w", err)
	}
	a.log.Info("dispatch scheduled",
		logx.String("schedule", ds.Schedule),
		logx.Duration("start_delay", ds.StartDelay),
	)
	return nil
}

func (a *App) health(context.Context) (any, bool) {
	body := map[string]any{
		"dispatch_state": a.dispatcher.State().String(),
		"ledger":         a.dispatcher.Ledger().Len(),
		"engine_enabled": a.engine.Enabled(),
	}
	if rep, ok := a.dispatcher.LastReport(); ok {
		body["last_cycle"] = rep
	}
	ok := a.sup != nil && a.sup.Context().Err() == nil
	return body, ok
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapTaskEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		_, err := mapStorageConfig(cfg)
		return err
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.serv.RuntimeSupervisors.Set("telegram.adapter", a.adapter.Supervisor())

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
		a.serv.RuntimeSupervisors.Set("task.engine", a.engine.Supervisor())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	a.ops.Start(a.sup.Context())
	a.serv.RuntimeSupervisors.Set("ops", a.ops.Supervisor())

	a.sup.Go("router.dispatch", func(c context.Context) error {
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts; only the newest config is applied.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// reload applies a validated config. Sections that cannot change live are
// only reported.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.log.Debug("config change summary", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.SetTelegramTarget(logTarget(next))
	a.logs.Apply(mapLoggingConfig(next))
	a.cmdm.SetOwners(next.Telegram.OwnerUserIDs)

	if ds, err := mapDispatchConfig(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.applyDispatch(ds)
	}

	prevSched := a.sched.Enabled()
	if ec, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ec)
		a.serv.RuntimeSupervisors.Set("task.engine", a.engine.Supervisor())
	}
	sc := mapSchedulerConfig(next)
	a.sched.Apply(sc)
	switch {
	case prevSched && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
		a.serv.RuntimeSupervisors.Set("ops", a.ops.Supervisor())
	}

	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
}

func (a *App) applyDispatch(ds config.DispatchSettings) {
	prev := a.dispatch
	a.dispatch = ds
	a.dispatcher.Apply(dispatchOptions(ds))
	if ds.LedgerCapacity != prev.LedgerCapacity {
		a.log.Warn("dispatch.ledger_capacity changed; restart required",
			logx.Int("current", prev.LedgerCapacity),
			logx.Int("configured", ds.LedgerCapacity),
		)
	}
	if ds.FetchTimeout != prev.FetchTimeout {
		a.log.Warn("dispatch.media.fetch_timeout changed; restart required")
	}
	if ds.Enabled != prev.Enabled || ds.Schedule != prev.Schedule || ds.StartDelay != prev.StartDelay {
		if err := a.scheduleDispatch(ds); err != nil {
			a.log.Warn("dispatch reschedule failed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Each step gets its own bound so one component cannot stall shutdown.
	// The caller's deadline is never extended.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, max(time.Until(dl), 0))
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Triggers stop first so no new cycle starts while the rest unwinds.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
