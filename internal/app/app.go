// Package app wires configuration, storage, the deferred-action scheduler,
// maintenance jobs and the Telegram transport into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"modbot/internal/actions"
	"modbot/internal/config"
	"modbot/internal/eventbus"
	"modbot/internal/runtime/supervisor"
	"modbot/internal/storage"
	"modbot/internal/task/deferred"
	"modbot/internal/task/scheduler"
	kit "modbot/internal/transport"
	telegram "modbot/internal/transport/telegram/adapter"
	logx "modbot/pkg/logx"
)

const routerWorkers = 4

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	adapter *telegram.Adapter
	maint   *scheduler.Service
	router  *Router
	sd      notifier

	ladders atomic.Pointer[ladderSet]

	// Set by Start.
	sup    *supervisor.Supervisor
	sched  *deferred.Scheduler
	report deferred.RecoveryReport

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log)

	adCfg, err := mapAdapterConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(adCfg, log)
	if err != nil {
		return nil, err
	}
	logs.SetSender(ad)

	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if scfg.Driver == "memory" {
		log.Warn("storage is in-memory; scheduled actions will not survive a restart")
	}

	plan, err := mapMaintenance(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ladders, err := mapLadders(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     eventbus.New(),
		store:   store,
		adapter: ad,
		maint:   scheduler.New(plan.cfg, log),
		router:  NewRouter(log.With(logx.String("comp", "router")), ad, cfg.Telegram.OwnerUserIDs),
		sd:      notifier{enabled: cfg.Systemd.Notify, log: log.With(logx.String("comp", "systemd"))},
		updates: make(chan kit.Update, 256),
	}
	a.ladders.Store(&ladders)
	if err := a.addMaintenanceJobs(plan); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) lookupLadder(name string) (actions.Ladder, bool) {
	return a.ladders.Load().lookup(name)
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start recovers persisted actions before accepting any command, then
// starts polling.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	dcfg, err := mapDeferredConfig(cfg)
	if err != nil {
		return err
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sched = deferred.New(dcfg, a.store, a.sup, a.log, a.bus, deferred.WithAuditor(a.store))
	a.sched.RegisterExecutor(actions.KindReminder, actions.NewReminder(a.adapter))
	// A vote announced twice is worse than a vote never announced.
	a.sched.RegisterExecutor(actions.KindVote, actions.NewVote(a.adapter, a.adapter, a.lookupLadder), deferred.RetireFirst())
	a.sched.RegisterExecutor(actions.KindPunishment, actions.NewPunishment(a.adapter, a.adapter))

	h := &handlers{
		sched:   a.sched,
		store:   a.store,
		chat:    a.adapter,
		ladders: a.lookupLadder,
		router:  a.router,
		status:  a.statusText,
		log:     a.log.With(logx.String("comp", "commands")),
	}
	a.router.Register(h.commands()...)
	a.router.OnPoll = h.onPoll

	rep, err := deferred.NewRecovery(a.sched).Recover(ctx)
	if err != nil {
		a.sup.Cancel()
		return fmt.Errorf("recover actions: %w", err)
	}
	a.report = rep

	a.sup.Go0("events.log", a.logEvents)
	a.maint.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		a.sup.Cancel()
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.sup, a.updates, routerWorkers)
	})
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.sd.ready()
	a.sd.status(fmt.Sprintf("%d actions recovered", rep.Loaded))
	if cfg.Systemd.Watchdog {
		a.sup.Go0("systemd.watchdog", a.sd.watchdog)
	}
	a.log.Info("app started", logx.Int("recovered", rep.Loaded), logx.Int("overdue", rep.Dormant))
	return nil
}

func (a *App) addMaintenanceJobs(p maintenancePlan) error {
	if err := a.maint.AddSchedule(jobCompact, p.compactEvery, 5*time.Minute, compactJob(a.store)); err != nil {
		return err
	}
	return a.maint.AddSchedule(jobAudit, p.auditEvery, time.Minute, func(ctx context.Context) error {
		if a.sched == nil {
			return nil
		}
		return auditJob(a.sched, a.store, a.log.With(logx.String("job", jobAudit)))(ctx)
	})
}

func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes the hot-reloadable sections of next into the running
// components. Sections that need a restart are only reported.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	changed, fields := config.SummarizeChange(prev, next)
	if len(changed) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(next))
	a.router.SetOwners(next.Telegram.OwnerUserIDs)

	if dcfg, err := mapDeferredConfig(next); err == nil {
		a.sched.Apply(dcfg)
	}
	if ladders, err := mapLadders(next); err == nil {
		a.ladders.Store(&ladders)
	}
	if plan, err := mapMaintenance(next); err == nil {
		if err := a.addMaintenanceJobs(plan); err != nil {
			a.log.Warn("maintenance jobs not updated", logx.Err(err))
		}
		a.maint.Apply(ctx, plan.cfg)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: changed})
	a.log.Info("config reloaded", append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, fields...)...)
}

func (a *App) statusText() string {
	ds := a.sched.Snapshot()
	ms := a.maint.Snapshot()
	sc := a.sup.Counters()
	var b strings.Builder
	fmt.Fprintf(&b, "Deferred: %d live timers, kinds %s\n", ds.Active, strings.Join(ds.Kinds, ","))
	fmt.Fprintf(&b, "Recovered at start: %d (%d overdue, %d failed) in %s\n",
		a.report.Loaded, a.report.Dormant, a.report.Failed, a.report.Took.Round(time.Millisecond))
	fmt.Fprintf(&b, "Goroutines: %d active, %d started\n", sc.Active, sc.Started)
	if !ms.Running {
		b.WriteString("Maintenance: off")
		return b.String()
	}
	fmt.Fprintf(&b, "Maintenance (%s):", ms.Timezone)
	for _, j := range ms.Jobs {
		fmt.Fprintf(&b, "\n  %s next %s, %d runs, %d failed", j.Name, j.Next.Format(dueLayout), j.Runs, j.Failed)
		if j.LastErr != "" {
			fmt.Fprintf(&b, " (last: %s)", j.LastErr)
		}
	}
	return b.String()
}

// Stop shuts components down in reverse dependency order. Each step is
// bounded so one stuck component can't stall the rest.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping")
	a.sd.stopping()

	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "adapter", 3*time.Second, a.adapter.Stop)
	a.sup.Cancel()
	a.step(ctx, "deferred", 3*time.Second, a.sched.Stop)
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()
	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-c.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
