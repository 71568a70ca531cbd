package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/goleak"

	"kiwi/internal/eventbus"
	"kiwi/pkg/timespec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type firing struct {
	id      int
	payload any
}

// recorder is a FireFunc that remembers every call.
type recorder struct {
	mu    sync.Mutex
	calls []firing
	ch    chan firing
	fail  map[int]error
	panic map[int]bool
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan firing, 64), fail: map[int]error{}, panic: map[int]bool{}}
}

func (r *recorder) fire(_ context.Context, id int, payload any) error {
	r.mu.Lock()
	r.calls = append(r.calls, firing{id: id, payload: payload})
	err := r.fail[id]
	p := r.panic[id]
	r.mu.Unlock()
	r.ch <- firing{id: id, payload: payload}
	if p {
		panic("boom")
	}
	return err
}

func (r *recorder) ids() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.id)
	}
	return out
}

func utc(h, m, sec int) time.Time {
	return time.Date(2024, time.March, 11, h, m, sec, 0, time.UTC)
}

func newTestScheduler(t *testing.T, start time.Time, fire FireFunc, opts ...Option) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(start)
	opts = append([]Option{WithClock(fc)}, opts...)
	return New(Config{Timezone: "UTC"}, fire, opts...), fc
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAddTimerIDsStrictlyIncrease(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, utc(9, 0, 0), nil)

	prev := 0
	for i := 0; i < 20; i++ {
		id := s.AddTimer(timespec.New(), true, nil)
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		if i == 0 && id != 1 {
			t.Fatalf("first id = %d, want 1", id)
		}
		if i%3 == 0 {
			if err := s.RemoveTimer(id); err != nil {
				t.Fatalf("RemoveTimer(%d): %v", id, err)
			}
		}
		if i == 10 {
			s.RemoveAllTimers()
		}
		prev = id
	}
}

func TestRemoveTimerUnknownID(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, utc(9, 0, 0), nil)
	id := s.AddTimer(timespec.New(), true, nil)

	err := s.RemoveTimer(id + 1)
	if !errors.Is(err, ErrNoSuchTimer) {
		t.Fatalf("RemoveTimer unknown err = %v, want ErrNoSuchTimer", err)
	}
	if err := s.RemoveTimer(id); err != nil {
		t.Fatalf("RemoveTimer(%d): %v", id, err)
	}
	if err := s.RemoveTimer(id); !errors.Is(err, ErrNoSuchTimer) {
		t.Fatalf("second RemoveTimer err = %v, want ErrNoSuchTimer", err)
	}
}

func TestSweepFiresMatchesInInsertionOrder(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s, _ := newTestScheduler(t, utc(9, 0, 0), rec.fire)

	at10, _ := timespec.At(10, 0)
	at11, _ := timespec.At(11, 0)
	a := s.AddTimer(at10, true, "a")
	s.AddTimer(at11, true, "b")
	c := s.AddTimer(timespec.New(), true, "c")

	s.sweep(context.Background(), utc(10, 0, 1))

	if got, want := rec.ids(), []int{a, c}; !equalInts(got, want) {
		t.Fatalf("fired %v, want %v", got, want)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (repeating timers stay)", s.Len())
	}
}

func TestSweepRemovesFireOnceTimers(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s, _ := newTestScheduler(t, utc(9, 0, 0), rec.fire)

	at10, _ := timespec.At(10, 0)
	once := s.AddTimer(at10, false, "once")
	keep := s.AddTimer(at10, true, "keep")

	s.sweep(context.Background(), utc(9, 59, 0))
	if len(rec.ids()) != 0 {
		t.Fatalf("nothing should fire at 09:59, got %v", rec.ids())
	}

	s.sweep(context.Background(), utc(10, 0, 0))
	if got := rec.ids(); !equalInts(got, []int{once, keep}) {
		t.Fatalf("fired %v, want [%d %d]", got, once, keep)
	}
	if err := s.RemoveTimer(once); !errors.Is(err, ErrNoSuchTimer) {
		t.Fatalf("fire-once timer still registered: err = %v", err)
	}
	if err := s.RemoveTimer(keep); err != nil {
		t.Fatalf("repeating timer should remain: %v", err)
	}
}

func TestSweepSkipsSameMinute(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s, _ := newTestScheduler(t, utc(9, 0, 0), rec.fire)
	s.AddTimer(timespec.New(), true, nil)

	s.sweep(context.Background(), utc(10, 0, 0))
	s.sweep(context.Background(), utc(10, 0, 59))
	s.sweep(context.Background(), utc(10, 1, 0))

	if got := len(rec.ids()); got != 2 {
		t.Fatalf("fired %d times, want 2", got)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	bus := eventbus.New()
	failed, unsub := bus.Subscribe(8, eventbus.TimerFailed)
	defer unsub()

	s, _ := newTestScheduler(t, utc(9, 0, 0), rec.fire, WithBus(bus))
	bad := s.AddTimer(timespec.New(), true, nil)
	boom := s.AddTimer(timespec.New(), true, nil)
	good := s.AddTimer(timespec.New(), true, nil)
	rec.fail[bad] = errors.New("bad")
	rec.panic[boom] = true

	s.sweep(context.Background(), utc(10, 0, 0))

	if got := rec.ids(); !equalInts(got, []int{bad, boom, good}) {
		t.Fatalf("fired %v, want all three", got)
	}
	snap := s.Snapshot()
	if snap.Fired != 1 || snap.Failed != 2 {
		t.Fatalf("Fired/Failed = %d/%d, want 1/2", snap.Fired, snap.Failed)
	}
	if len(snap.History) != 3 || snap.History[0].Error != "bad" {
		t.Fatalf("unexpected history %+v", snap.History)
	}

	var ids []int
	for i := 0; i < 2; i++ {
		select {
		case e := <-failed:
			ev := e.Data.(FireEvent)
			ids = append(ids, ev.ID)
			if ev.ID == boom && !strings.HasPrefix(ev.Error, ErrCallbackPanic.Error()) {
				t.Fatalf("panic event error = %q", ev.Error)
			}
		default:
			t.Fatalf("missing timer.failed event %d", i)
		}
	}
	if !equalInts(ids, []int{bad, boom}) {
		t.Fatalf("failed events %v, want [%d %d]", ids, bad, boom)
	}
}

func TestAddTimerCopiesSpec(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s, _ := newTestScheduler(t, utc(9, 0, 0), rec.fire)

	spec := timespec.New()
	s.AddTimer(spec, true, nil)
	spec.ClearAllHours()

	s.sweep(context.Background(), utc(10, 0, 0))
	if len(rec.ids()) != 1 {
		t.Fatal("mutating the caller's spec must not affect the registered timer")
	}
}

func TestTimersSnapshot(t *testing.T) {
	t.Parallel()
	s, _ := newTestScheduler(t, utc(9, 0, 0), nil)
	spec := timespec.MustParse("30 9 * * *")
	id := s.AddTimer(spec, false, "p")

	list := s.Timers()
	if len(list) != 1 {
		t.Fatalf("Timers len = %d", len(list))
	}
	got := list[0]
	if got.ID != id || got.Repeating || got.Payload != "p" || got.Spec != "30 9 * * *" {
		t.Fatalf("unexpected info %+v", got)
	}
	if !got.Next.Equal(utc(9, 30, 0)) {
		t.Fatalf("Next = %v, want 09:30", got.Next)
	}
}

func TestRunFiresOnMinuteBoundaryAndStops(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	s, fc := newTestScheduler(t, utc(9, 59, 30), rec.fire)

	at10, _ := timespec.At(10, 0)
	id := s.AddTimer(at10, true, "ten")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()

	// First sweep at 09:59:30 matches nothing; then the loop waits 30s.
	if err := fc.BlockUntilContext(wctx, 1); err != nil {
		t.Fatalf("loop never slept: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("State = %v, want running", s.State())
	}
	fc.Advance(30 * time.Second)

	select {
	case f := <-rec.ch:
		if f.id != id || f.payload != "ten" {
			t.Fatalf("unexpected firing %+v", f)
		}
	case <-wctx.Done():
		t.Fatal("timer did not fire at 10:00")
	}

	// Next wait is a full minute.
	if err := fc.BlockUntilContext(wctx, 1); err != nil {
		t.Fatalf("loop never slept again: %v", err)
	}
	fc.Advance(time.Minute)
	if err := fc.BlockUntilContext(wctx, 1); err != nil {
		t.Fatalf("loop never slept a third time: %v", err)
	}
	select {
	case f := <-rec.ch:
		t.Fatalf("unexpected firing at 10:01: %+v", f)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancel", err)
		}
	case <-wctx.Done():
		t.Fatal("Run did not return after cancel")
	}
	if s.State() != StateInterrupted {
		t.Fatalf("State = %v, want interrupted", s.State())
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("second Run err = %v, want ErrInterrupted", err)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, fc := newTestScheduler(t, utc(9, 0, 0), nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start err = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("loop never slept: %v", err)
	}

	s.Stop()
	s.Stop()
	if s.State() != StateInterrupted {
		t.Fatalf("State = %v, want interrupted", s.State())
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Start after Stop err = %v, want ErrInterrupted", err)
	}
}

func TestAddRemoveWhileRunning(t *testing.T) {
	t.Parallel()
	var steady atomic.Int64
	fire := func(_ context.Context, _ int, payload any) error {
		if payload == "steady" {
			steady.Add(1)
		}
		return nil
	}
	s, fc := newTestScheduler(t, utc(9, 0, 0), fire)
	s.AddTimer(timespec.New(), true, "steady")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	const workers, rounds = 4, 50
	var (
		wg    sync.WaitGroup
		idsMu sync.Mutex
		seen  = map[int]bool{}
		errs  = make(chan error, 3*workers*rounds)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for range rounds {
				id := s.AddTimer(timespec.New(), true, "churn")
				if id <= last {
					errs <- fmt.Errorf("id %d not above %d", id, last)
				}
				last = id
				idsMu.Lock()
				if seen[id] {
					errs <- fmt.Errorf("id %d handed out twice", id)
				}
				seen[id] = true
				idsMu.Unlock()
				if err := s.RemoveTimer(id); err != nil {
					errs <- err
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const sweeps = 10
	for range sweeps {
		if err := fc.BlockUntilContext(ctx, 1); err != nil {
			t.Fatalf("loop never slept: %v", err)
		}
		fc.Advance(time.Minute)
	}
	if err := fc.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("loop never slept: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if got := steady.Load(); got != sweeps+1 {
		t.Fatalf("steady timer fired %d times, want %d", got, sweeps+1)
	}
	if s.Len() != 1 || len(seen) != workers*rounds {
		t.Fatalf("Len = %d, ids = %d", s.Len(), len(seen))
	}
}

func TestUntilNextMinute(t *testing.T) {
	t.Parallel()
	tests := []struct {
		at   time.Time
		want time.Duration
	}{
		{utc(10, 0, 0), 60 * time.Second},
		{utc(10, 0, 1), 59 * time.Second},
		{utc(10, 0, 59), 1 * time.Second},
	}
	for _, tt := range tests {
		if got := untilNextMinute(tt.at); got != tt.want {
			t.Fatalf("untilNextMinute(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
}

func TestTimezone(t *testing.T) {
	t.Parallel()
	rec := newRecorder()
	fc := clockwork.NewFakeClockAt(utc(9, 0, 0))
	s := New(Config{Timezone: "Asia/Tokyo"}, rec.fire, WithClock(fc))
	if s.Location().String() != "Asia/Tokyo" {
		t.Skip("tzdata for Asia/Tokyo not available")
	}

	// 18:00 in Tokyo is 09:00 UTC.
	at18, _ := timespec.At(18, 0)
	s.AddTimer(at18, true, nil)
	s.sweep(context.Background(), s.now())
	if len(rec.ids()) != 1 {
		t.Fatal("timer should match in the configured zone")
	}

	bad := New(Config{Timezone: "Not/AZone"}, nil, WithClock(fc))
	if bad.Location() != time.Local {
		t.Fatalf("invalid tz should fall back to Local, got %v", bad.Location())
	}
}
