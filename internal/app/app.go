package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"kiwi/internal/config"
	"kiwi/internal/engine"
	"kiwi/internal/eventbus"
	"kiwi/internal/observability/pprof"
	"kiwi/internal/runtime/supervisor"
	"kiwi/internal/scheduler"
	"kiwi/internal/storage"
	"kiwi/pkg/logx"
)

// App wires config, logging, history storage, the task engine and the
// scheduler together.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Scheduler
	pprof  *pprof.Service

	// cacheMu guards cache; reloads may swap it for a resized one.
	cacheMu sync.Mutex
	cache   *specCache

	firedOnce sync.Map // timer name -> struct{}

	applied *config.Config // last config applied by the reload loop
}

type options struct {
	clock clockwork.Clock
}

type Option func(*options)

// WithClock drives the scheduler from c instead of the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.NewService(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		applied: cfg,
	}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorage(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		a.store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	engCfg, err := mapEngine(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "engine")), a.bus)

	schedCfg, err := mapScheduler(cfg)
	if err != nil {
		return fail(err)
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(root.With(logx.String("comp", "scheduler"))),
		scheduler.WithBus(a.bus),
	}
	if o.clock != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.clock))
	}
	a.sched = scheduler.New(schedCfg, a.fire, schedOpts...)

	if a.cache, err = newSpecCache(specCacheSize(cfg)); err != nil {
		return fail(err)
	}
	entries, err := buildTimers(cfg, a.cache, root.With(logx.String("comp", "action")))
	if err != nil {
		return fail(err)
	}
	a.installTimers(entries, nil)

	a.pprof = pprof.New(mapPprof(cfg), root.With(logx.String("comp", "pprof")), map[string]http.Handler{
		"/status": a.statusHandler(),
	})

	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	cfgm.SetValidator(a.validate)

	log.Info("app configured", logx.String("config", cfgPath), logx.Int("timers", a.sched.Len()), logx.String("tz", a.sched.Location().String()))
	return a, nil
}

// validate rejects a reload that could not be applied. Decode and
// config.Validate have already passed.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if _, _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapEngine(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	_, err := buildTimers(cfg, nil, logx.Nop())
	return err
}

// Config returns the last committed config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
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

// Start launches the engine, the scheduler loop, the history recorder and
// the config watcher.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.engine.Start(c)

	// Subscribe before the scheduler runs so the first sweep is recorded.
	events, unsub := a.bus.Subscribe(256, recordedEvents...)
	a.sup.Go("history.recorder", func(c context.Context) error {
		defer unsub()
		return a.recordLoop(c, events)
	})

	a.sup.Go("scheduler", a.sched.Run)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.pprof.Start(c)

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
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
			a.applyConfig(ctx, next)
		}
	}
}

// applyConfig reconciles the running components with next. Storage and
// timezone changes only take effect after a restart.
func (a *App) applyConfig(ctx context.Context, next *config.Config) {
	prev := a.applied
	change := config.SummarizeChange(prev, next)
	a.applied = next
	if change.Empty() {
		a.log.Info("config reloaded (no changes)")
		return
	}
	has := func(s string) bool { return slices.Contains(change.Sections, s) }

	if has("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if has("scheduler") && strings.TrimSpace(prev.Scheduler.Timezone) != strings.TrimSpace(next.Scheduler.Timezone) {
		a.log.Warn("scheduler timezone changed; restart required for changes to take effect",
			logx.String("current", a.sched.Location().String()))
	}
	if has("logging") {
		a.logs.Apply(mapLogging(next))
	}
	if has("engine") {
		if ec, err := mapEngine(next); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}
	if has("pprof") {
		a.pprof.Reconfigure(ctx, mapPprof(next))
	}
	if has("cache") {
		if sc, err := newSpecCache(specCacheSize(next)); err == nil {
			a.cacheMu.Lock()
			a.cache = sc
			a.cacheMu.Unlock()
		}
	}
	if has("timers") || has("cache") {
		a.cacheMu.Lock()
		cache := a.cache
		a.cacheMu.Unlock()
		entries, err := buildTimers(next, cache, a.log.With(logx.String("comp", "action")))
		if err != nil {
			a.log.Warn("invalid timers; keeping previous", logx.Err(err))
		} else {
			changed := append(slices.Clone(change.Added), change.Changed...)
			a.installTimers(entries, func(name string) bool { return slices.Contains(changed, name) })
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(change.Sections, ","))}, change.Attrs...)
	if change.TimersChanged() {
		fields = append(fields,
			logx.Any("timers_added", change.Added),
			logx.Any("timers_removed", change.Removed),
			logx.Any("timers_changed", change.Changed),
		)
	}
	a.log.Info("config reloaded", fields...)
}

// RecentFires reads the fire history, newest first.
func (a *App) RecentFires(ctx context.Context, timer string, limit int) ([]storage.FireRecord, error) {
	if a.store == nil {
		return nil, storage.ErrDisabled
	}
	return a.store.RecentFires(ctx, timer, limit)
}

// Stop shuts everything down in dependency order. Each step is bounded so
// one component can't stall the whole stop.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so the scheduler loop and watchers start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Uint64("timers_fired", a.sched.Snapshot().Fired))
	return a.logs.Close()
}
