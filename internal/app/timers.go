package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"kiwi/internal/actions"
	"kiwi/internal/config"
	"kiwi/internal/engine"
	"kiwi/pkg/logx"
	"kiwi/pkg/lru"
	"kiwi/pkg/timespec"
)

// timerEntry is the scheduler payload for one configured timer.
type timerEntry struct {
	name    string
	expr    string
	spec    *timespec.TimeSpec
	once    bool
	timeout time.Duration
	overlap engine.OverlapPolicy
	action  actions.Action
}

// specCache memoizes parsed cron expressions. Timers that share an
// expression share one parse; the scheduler copies specs on add.
type specCache struct {
	mu     sync.Mutex
	c      *lru.Cache[string, *timespec.TimeSpec]
	hits   uint64
	misses uint64
	evicts uint64
}

func newSpecCache(size int) (*specCache, error) {
	sc := &specCache{}
	c, err := lru.New[string, *timespec.TimeSpec](size, func(*timespec.TimeSpec) { sc.evicts++ })
	if err != nil {
		return nil, err
	}
	sc.c = c
	return sc, nil
}

func (sc *specCache) parse(expr string) (*timespec.TimeSpec, error) {
	expr = strings.TrimSpace(expr)
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if spec, ok := sc.c.Get(expr); ok {
		sc.hits++
		return spec, nil
	}
	sc.misses++
	spec, err := timespec.Parse(expr)
	if err != nil {
		return nil, err
	}
	sc.c.Put(expr, spec)
	return spec, nil
}

// CacheStats describes the spec cache.
type CacheStats struct {
	Len, MaxSize          int
	Hits, Misses, Evicted uint64
}

func (sc *specCache) stats() CacheStats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return CacheStats{Len: sc.c.Len(), MaxSize: sc.c.MaxSize(), Hits: sc.hits, Misses: sc.misses, Evicted: sc.evicts}
}

// timerSpec returns the spec and its display form for t. A nil cache parses
// directly.
func timerSpec(t config.TimerConfig, cache *specCache) (*timespec.TimeSpec, string, error) {
	if expr := strings.TrimSpace(t.Spec); expr != "" {
		var (
			spec *timespec.TimeSpec
			err  error
		)
		if cache != nil {
			spec, err = cache.parse(expr)
		} else {
			spec, err = timespec.Parse(expr)
		}
		return spec, expr, err
	}
	spec, err := config.TimerSpec(t)
	if err != nil {
		return nil, "", err
	}
	return spec, spec.String(), nil
}

// buildTimers turns the timers section into scheduler payloads, in config order.
func buildTimers(cfg *config.Config, cache *specCache, log logx.Logger) ([]*timerEntry, error) {
	out := make([]*timerEntry, 0, len(cfg.Timers))
	for _, t := range cfg.Timers {
		name := strings.TrimSpace(t.Name)
		spec, expr, err := timerSpec(t, cache)
		if err != nil {
			return nil, fmt.Errorf("timer %s: %w", name, err)
		}
		timeout, err := config.ParseDurationField("timers["+name+"].timeout", t.Timeout)
		if err != nil {
			return nil, err
		}
		act, err := actions.Build(t.Action, log.With(logx.String("timer", name)))
		if err != nil {
			return nil, fmt.Errorf("timer %s: %w", name, err)
		}
		overlap := engine.OverlapSkipIfRunning
		if t.AllowOverlap {
			overlap = engine.OverlapAllow
		}
		out = append(out, &timerEntry{
			name:    name,
			expr:    expr,
			spec:    spec,
			once:    t.Once,
			timeout: timeout,
			overlap: overlap,
			action:  act,
		})
	}
	return out, nil
}

// fire hands a matched timer to the engine. It runs under the scheduler
// lock, so it only enqueues.
func (a *App) fire(_ context.Context, id int, payload any) error {
	te, ok := payload.(*timerEntry)
	if !ok {
		return fmt.Errorf("timer %d: unexpected payload %T", id, payload)
	}
	if te.once {
		a.firedOnce.Store(te.name, struct{}{})
	}
	err := a.engine.Enqueue(engine.Task{
		Name:    te.name,
		Timeout: te.timeout,
		Opt:     engine.TaskOptions{Overlap: te.overlap},
		Run:     te.action.Run,
	})
	if errors.Is(err, engine.ErrOverlapSkip) {
		// The previous run is still going; the engine already reported the skip.
		return nil
	}
	return err
}

// installTimers replaces every registered timer with entries. Fire-once
// timers that already fired stay gone unless keep says otherwise.
func (a *App) installTimers(entries []*timerEntry, keep func(name string) bool) {
	a.sched.RemoveAllTimers()
	for _, te := range entries {
		if te.once {
			if _, done := a.firedOnce.Load(te.name); done && (keep == nil || !keep(te.name)) {
				a.log.Debug("fire-once timer already fired; not re-adding", logx.String("timer", te.name))
				continue
			}
			a.firedOnce.Delete(te.name)
		}
		id := a.sched.AddTimer(te.spec, !te.once, te)
		a.log.Debug("timer registered",
			logx.Int("id", id),
			logx.String("timer", te.name),
			logx.String("spec", te.expr),
			logx.String("action", te.action.Kind()),
			logx.Bool("once", te.once),
		)
	}
}

// TimerPlan lists the next firings of one timer.
type TimerPlan struct {
	Name string
	Spec string
	Once bool
	Next []time.Time
}

// Plan computes up to n upcoming firings per timer after from, in the
// configured timezone. Fire-once timers get at most one.
func Plan(cfg *config.Config, from time.Time, n int) ([]TimerPlan, error) {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone: %w", err)
		}
		loc = l
	}
	from = from.In(loc)

	out := make([]TimerPlan, 0, len(cfg.Timers))
	for _, t := range cfg.Timers {
		spec, expr, err := timerSpec(t, nil)
		if err != nil {
			return nil, fmt.Errorf("timer %s: %w", t.Name, err)
		}
		k := n
		if t.Once {
			k = min(n, 1)
		}
		out = append(out, TimerPlan{Name: t.Name, Spec: expr, Once: t.Once, Next: spec.NextN(from, k)})
	}
	return out, nil
}
