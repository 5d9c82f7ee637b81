// Package app wires configuration, storage, the ledger, the lane engine, the
// scheduler, dispatch and the ops API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"sitepulse/internal/config"
	"sitepulse/internal/coordinator"
	"sitepulse/internal/dispatch"
	"sitepulse/internal/eventbus"
	"sitepulse/internal/hours"
	"sitepulse/internal/ledger"
	"sitepulse/internal/operation"
	"sitepulse/internal/opsapi"
	"sitepulse/internal/priority"
	"sitepulse/internal/runtime/supervisor"
	"sitepulse/internal/sites"
	"sitepulse/internal/storage"
	"sitepulse/internal/task/engine"
	"sitepulse/internal/task/scheduler"
	logx "sitepulse/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger // comp=app
	base logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	siteDB *gorm.DB

	ledger     *ledger.Ledger
	remediator *ledger.Remediator
	engine     *engine.Service
	sched      *scheduler.Service
	router     *priority.Router
	registry   *operation.Registry
	runner     *operation.Runner
	dispatcher *dispatch.Dispatcher
	coord      *coordinator.Coordinator
	ops        *opsapi.Server

	sites    sites.Source
	cfgSites *sites.ConfigSource // nil when sites come from the database

	recMu     sync.Mutex
	recurring map[string]bool
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:      cfgm,
		log:       log.Component("app"),
		base:      log,
		logs:      logSvc,
		bus:       eventbus.New(),
		recurring: map[string]bool{},
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	if err := a.openSites(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	lopt, _ := mapLedgerOptions(cfg)
	a.ledger = ledger.New(store, lopt, log, a.bus, time.Now)
	a.remediator = ledger.NewRemediator(a.ledger, log)

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log, a.bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, a.engine, log, a.bus)

	pcfg, _ := mapPriorityConfig(cfg)
	a.router = priority.New(pcfg, log)

	a.registry = operation.NewRegistry()
	a.registerOperations(cfg)
	a.runner = operation.NewRunner(a.ledger, a.router, a.engine, a.registry, log)
	a.sched.SetFireFunc(a.runner.Fire)

	a.dispatcher = dispatch.New(a.ledger, a.sched, mapDispatchConfig(cfg), log, a.bus)

	dopt, _ := mapDecisionOptions(cfg)
	a.coord = coordinator.New(a.sites, a.ledger, a.runner, a.dispatcher, dopt, log, a.bus, time.Now)

	a.ops = opsapi.NewServer(a.opsHandler(cfg), log)
	return a, nil
}

func (a *App) openSites(cfg *config.Config) error {
	switch strings.ToLower(strings.TrimSpace(cfg.Sites.Source)) {
	case "postgres":
		dsn := strings.TrimSpace(cfg.Sites.DSN)
		if dsn == "" {
			dsn = strings.TrimSpace(cfg.Storage.DSN)
		}
		db, err := sites.OpenGorm(dsn)
		if err != nil {
			return fmt.Errorf("open sites database: %w", err)
		}
		src := sites.NewGormSource(db)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := src.Migrate(ctx); err != nil {
			closeGorm(db)
			return fmt.Errorf("migrate sites tables: %w", err)
		}
		a.siteDB, a.sites = db, src
		a.log.Info("sites source ready", logx.String("source", "postgres"))
	default:
		list, err := mapSites(cfg)
		if err != nil {
			return err
		}
		a.cfgSites = sites.NewConfigSource(list)
		a.sites = a.cfgSites
		a.log.Info("sites source ready", logx.String("source", "config"), logx.Int("sites", len(list)))
	}
	return nil
}

func closeGorm(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *App) opsHandler(cfg *config.Config) http.Handler {
	return opsapi.NewRouter(opsapi.Deps{
		Store:    a.store,
		Ledger:   a.ledger,
		Passes:   a.coord,
		Ops:      a.runner,
		Triggers: a.dispatcher,
		Status:   func() any { return a.Status() },
		Token:    strings.TrimSpace(cfg.OpsAPI.Token),
		Pprof:    cfg.OpsAPI.Pprof,
		Log:      a.base.Component("opsapi"),
	})
}

// registerOperations installs a handler for every known operation: the
// default routing table, configured operations and evaluated operations.
func (a *App) registerOperations(cfg *config.Config) {
	names := map[string]bool{}
	for name := range priority.DefaultTable {
		names[name] = true
	}
	for name := range cfg.Operations {
		names[name] = true
	}
	for _, name := range cfg.Evaluation.Operations {
		names[strings.TrimSpace(name)] = true
	}
	opLog := a.base.Component("operation")
	for name := range names {
		if name == "" {
			continue
		}
		h := operation.LogHandler(opLog)
		if oc, ok := cfg.Operations[name]; ok && strings.TrimSpace(oc.Webhook) != "" {
			timeout, _ := config.ParseDurationOrDefault("operations."+name+".timeout", oc.Timeout, 30*time.Second)
			h = operation.Webhook{
				URL:     strings.TrimSpace(oc.Webhook),
				Headers: oc.Headers,
				Client:  &http.Client{Timeout: timeout},
			}.Handler()
		}
		if err := a.registry.Register(name, h); err != nil {
			a.log.Warn("operation not registered", logx.String("op", name), logx.Err(err))
		}
	}
}

// applyRecurring registers the configured evaluation and remediation entries
// and removes entries that are no longer configured.
func (a *App) applyRecurring(cfg *config.Config) error {
	entries, err := mapRecurring(cfg)
	if err != nil {
		return err
	}
	a.recMu.Lock()
	defer a.recMu.Unlock()

	want := make(map[string]bool, len(entries))
	var errs []error
	for _, e := range entries {
		want[e.name] = true
		if err := a.sched.AddSchedule(e.name, e.schedule, e.lane, passTimeout, a.recurringJob(e)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	for name := range a.recurring {
		if !want[name] {
			a.sched.Remove(name)
		}
	}
	a.recurring = want
	return errors.Join(errs...)
}

func (a *App) recurringJob(e recurringEntry) func(context.Context) error {
	if e.operation == "" {
		return a.remediate
	}
	op := e.operation
	return func(ctx context.Context) error {
		_, err := a.coord.Pass(ctx, op, hours.EvalOptions{})
		return err
	}
}

func (a *App) remediate(ctx context.Context) error {
	rep, err := a.remediator.Run(ctx)
	if err != nil {
		return err
	}
	if rep.Found > 0 {
		a.log.Info("remediation pass",
			logx.Int("found", rep.Found),
			logx.Int("reset", len(rep.Reset)),
			logx.Int("skipped", rep.Skipped),
			logx.Int("errors", len(rep.Errors)),
		)
	}
	return nil
}

// Status is served by the ops API.
func (a *App) Status() map[string]any {
	out := map[string]any{
		"engine":    a.engine.Snapshot(),
		"scheduler": a.sched.Snapshot(),
		"ops_addr":  a.ops.Addr(),
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Counters()
	}
	ops := a.registry.Names()
	sort.Strings(ops)
	out["operations"] = ops
	return out
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
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.base.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if err := a.applyRecurring(cfg); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}

	// Deferred work from a previous run.
	n, err := a.dispatcher.Rearm(runCtx)
	if err != nil {
		a.log.Error("re-arm pending triggers failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("pending triggers re-armed", logx.Int("count", n))
	}

	if err := a.ops.Apply(runCtx, mapOpsAPIConfig(cfg)); err != nil {
		return fmt.Errorf("ops api: %w", err)
	}

	events, unsub := a.bus.Subscribe(256)
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
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.String("ops_addr", a.ops.Addr()),
	)
	return nil
}

// applyConfig applies a validated config. Storage and sites source changes
// only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if prev != nil && (prev.OpsAPI.Token != next.OpsAPI.Token || prev.OpsAPI.Pprof != next.OpsAPI.Pprof) {
		a.log.Warn("ops_api routes changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	if opt, err := mapLedgerOptions(next); err == nil {
		a.ledger.Apply(opt)
	}
	if opt, err := mapDecisionOptions(next); err == nil {
		a.coord.Apply(opt)
	}
	a.dispatcher.Apply(mapDispatchConfig(next))
	if pc, err := mapPriorityConfig(next); err == nil {
		a.router.Apply(pc)
	}
	if a.cfgSites != nil {
		if list, err := mapSites(next); err == nil {
			a.cfgSites.Apply(list)
		}
	}
	a.registerOperations(next)

	prevSched, prevEng := a.sched.Enabled(), a.engine.Enabled()
	engCfg, err := mapTaskEngineConfig(next)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg = a.engine.Config()
	} else {
		a.engine.Apply(ctx, engCfg)
	}
	if schedCfg, err := mapSchedulerConfig(next); err == nil {
		a.sched.Apply(schedCfg)
	}

	// Scheduler first on shutdown, engine first on startup.
	if prevSched && !next.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && next.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}

	if err := a.applyRecurring(next); err != nil {
		a.log.Warn("recurring entries not fully applied", logx.Err(err))
	}
	if err := a.ops.Apply(ctx, mapOpsAPIConfig(next)); err != nil {
		a.log.Warn("ops api not applied", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "ops_api", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "sites", time.Second, func(context.Context) error { return closeGorm(a.siteDB) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by the caller's deadline.
// fn must honor its context; a step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
			err := <-done
			fields := []logx.Field{logx.String("name", name), logx.Duration("took", time.Since(start))}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			a.log.Warn("stop step finished after deadline", fields...)
		}()
	}
}
