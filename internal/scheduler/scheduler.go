package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"kiwi/internal/eventbus"
	"kiwi/pkg/logx"
	"kiwi/pkg/timespec"
)

type Scheduler struct {
	// mu guards timers, nextID, lastSweep and warn. It is held for the whole
	// of every add/remove/sweep, including FireFunc calls.
	mu        sync.Mutex
	timers    []*timerDef
	nextID    int
	lastSweep time.Time
	warn      map[int]*rate.Limiter

	fire  FireFunc
	cfg   Config
	loc   *time.Location
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock

	state  atomic.Int32
	fired  atomic.Uint64
	failed atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	// Start/Stop bookkeeping.
	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler that reports matches to fire.
func New(cfg Config, fire FireFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:   cfg.withDefaults(),
		fire:  fire,
		clock: clockwork.NewRealClock(),
		warn:  map[int]*rate.Limiter{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.loc = s.loadLocation()
	return s
}

func (s *Scheduler) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

// Location is the zone timers are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }

func (s *Scheduler) now() time.Time { return s.clock.Now().In(s.loc) }

// AddTimer registers spec and returns its ID. The spec is copied, so later
// changes by the caller have no effect. A nil spec never matches.
func (s *Scheduler) AddTimer(spec *timespec.TimeSpec, repeating bool, payload any) int {
	if spec == nil {
		spec = timespec.NewEmpty()
	} else {
		spec = spec.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.timers = append(s.timers, &timerDef{
		id:        id,
		spec:      spec,
		repeating: repeating,
		payload:   payload,
		added:     s.clock.Now(),
	})
	s.log.Debug("timer added", logx.Int("id", id), logx.String("spec", spec.String()), logx.Bool("repeating", repeating))
	s.publish(eventbus.TimerAdded, TimerEvent{ID: id, Spec: spec.String(), Payload: payload})
	return id
}

// RemoveTimer unregisters the timer with the given ID. It fails with
// ErrNoSuchTimer if no such timer is registered (including fire-once timers
// that already fired).
func (s *Scheduler) RemoveTimer(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.timers {
		if t.id != id {
			continue
		}
		s.timers = slices.Delete(s.timers, i, i+1)
		delete(s.warn, id)
		s.log.Debug("timer removed", logx.Int("id", id))
		s.publish(eventbus.TimerRemoved, TimerEvent{ID: id, Spec: t.spec.String(), Payload: t.payload})
		return nil
	}
	return fmt.Errorf("%w: %d", ErrNoSuchTimer, id)
}

// RemoveAllTimers drops every timer. IDs keep counting from where they were.
func (s *Scheduler) RemoveAllTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.timers)
	for _, t := range s.timers {
		s.publish(eventbus.TimerRemoved, TimerEvent{ID: t.id, Spec: t.spec.String(), Payload: t.payload})
	}
	clear(s.timers)
	s.timers = s.timers[:0]
	clear(s.warn)
	if n > 0 {
		s.log.Debug("all timers removed", logx.Int("count", n))
	}
}

// Len returns the number of registered timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Run executes the sweep-and-sleep loop until ctx is cancelled, then returns
// nil. A Scheduler runs at most once; afterwards it is Interrupted.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		if s.State() == StateRunning {
			return ErrAlreadyRunning
		}
		return ErrInterrupted
	}
	defer s.state.Store(int32(StateInterrupted))

	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("timers", s.Len()))
	for ctx.Err() == nil {
		s.sweep(ctx, s.now())

		select {
		case <-ctx.Done():
		case <-s.clock.After(untilNextMinute(s.now())):
		}
	}
	s.log.Info("scheduler stopped")
	return nil
}

// untilNextMinute is 60 minus the current second, so the next sweep lands in
// the first second of the following minute.
func untilNextMinute(t time.Time) time.Duration {
	return time.Duration(60-t.Second()) * time.Second
}

// Start runs the loop on its own goroutine. Stop cancels it and waits.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.State() == StateInterrupted {
		return ErrInterrupted
	}
	if s.done != nil {
		return ErrAlreadyRunning
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		_ = s.Run(rctx)
	}()
	return nil
}

func (s *Scheduler) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// sweep fires every timer matching now, in insertion order, and drops
// fire-once timers that fired. It skips a minute that was already swept.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSweep.IsZero() && minute.Equal(s.lastSweep) {
		s.log.Debug("sweep skipped (minute already swept)", logx.Time("minute", minute))
		return
	}
	s.lastSweep = minute

	kept := s.timers[:0]
	for _, t := range s.timers {
		if !t.spec.Match(now) {
			kept = append(kept, t)
			continue
		}

		start := s.clock.Now()
		err := s.invoke(ctx, t)
		took := s.clock.Since(start)

		t.fired++
		t.lastFired = now
		if t.repeating {
			kept = append(kept, t)
		} else {
			delete(s.warn, t.id)
		}
		s.record(t, now, took, err)
	}
	// Drop references held by the tail of the old backing array.
	clear(s.timers[len(kept):])
	s.timers = kept
}

func (s *Scheduler) invoke(ctx context.Context, t *timerDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
			s.log.Error("timer callback panic", logx.Int("id", t.id), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if s.fire == nil {
		return nil
	}
	return s.fire(ctx, t.id, t.payload)
}

// record updates counters, history and events for one firing. Called with s.mu held.
func (s *Scheduler) record(t *timerDef, at time.Time, took time.Duration, err error) {
	item := HistoryItem{ID: t.id, At: at, Took: took, Removed: !t.repeating}
	ev := FireEvent{ID: t.id, Repeating: t.repeating, Payload: t.payload, At: at, Took: took}

	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error

		lim := s.warn[t.id]
		if lim == nil && t.repeating {
			lim = rate.NewLimiter(rate.Every(s.cfg.FailureWarnEvery), 1)
			s.warn[t.id] = lim
		}
		if lim == nil || lim.AllowN(at, 1) {
			s.log.Warn("timer callback failed", logx.Int("id", t.id), logx.Err(err), logx.Duration("took", took))
		} else {
			s.log.Debug("timer callback failed (throttled)", logx.Int("id", t.id), logx.Err(err))
		}
		s.publish(eventbus.TimerFailed, ev)
	} else {
		s.fired.Add(1)
		s.log.Debug("timer fired", logx.Int("id", t.id), logx.Duration("took", took), logx.Bool("once", !t.repeating))
		s.publish(eventbus.TimerFired, ev)
	}
	if !t.repeating {
		s.publish(eventbus.TimerRemoved, TimerEvent{ID: t.id, Spec: t.spec.String(), Payload: t.payload})
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: data})
}
