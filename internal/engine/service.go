// Package engine executes timer actions on a bounded worker pool so the
// scheduler's fire callback only has to enqueue.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"kiwi/internal/eventbus"
	rtsup "kiwi/internal/runtime/supervisor"
	"kiwi/pkg/logx"
	"kiwi/pkg/refset"
)

type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	// sendMu is read-held by enqueue from the state snapshot through the
	// send; Stop takes it once to wait out senders before draining q.
	sendMu sync.RWMutex

	// inflight holds one reference per queued or running task, keyed by name.
	gateMu   sync.Mutex
	inflight refset.Set[string]

	hmu     sync.Mutex
	history []HistoryItem

	idSeq          atomic.Uint64
	droppedFull    atomic.Uint64
	droppedStale   atomic.Uint64
	skippedOverlap atomic.Uint64

	// dropWarn throttles queue-full / stale warnings.
	dropWarn *rate.Limiter
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		dropWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}
}

// Apply swaps the configuration. Worker and queue changes restart the pool.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		s.log.Info("engine pool resized; restarting workers", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)

	queue, stopCh := s.q, s.stopCh
	for i := range cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue, i)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops the workers and waits for running tasks until ctx is done.
// Tasks still queued are discarded.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup, q := s.sup, s.q
	s.mu.Unlock()

	// Senders that saw the old state finish before the drain below; blocked
	// Submits wake on the closed stopCh.
	s.sendMu.Lock()
	s.sendMu.Unlock()

	sup.Cancel()
	err := sup.Wait(ctx)

	// Release gates held by tasks that never ran.
	for drained := false; !drained; {
		select {
		case qt := <-q:
			s.release(qt)
		default:
			drained = true
		}
	}

	s.mu.Lock()
	s.q, s.stopCh, s.sup, s.stopping = nil, nil, nil, false
	s.mu.Unlock()

	if ctx.Err() != nil {
		s.log.Warn("engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("engine stopped")
}

// Enqueue adds a task without blocking. A full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until the task is queued, ctx is done or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("%w: Run is nil", ErrInvalidTask)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("%w: Name is required", ErrInvalidTask)
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	s.mu.Lock()
	cfg, q, stopCh, stopping := s.cfg, s.q, s.stopCh, s.stopping
	s.mu.Unlock()
	switch {
	case stopping:
		return ErrStopping
	case q == nil:
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	if !s.acquire(t.Name, qt.opt.Overlap == OverlapSkipIfRunning) {
		s.skippedOverlap.Add(1)
		s.publish(eventbus.TaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
		return ErrOverlapSkip
	}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			s.release(qt)
			s.droppedFull.Add(1)
			s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})
			if s.dropWarn.Allow() {
				s.log.Warn("task dropped: queue full", logx.String("task", t.Name), logx.Int("queue_cap", cap(q)), logx.Uint64("dropped_full", s.droppedFull.Load()))
			}
			return ErrQueueFull
		}
	}

	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		s.release(qt)
		return ctx.Err()
	case <-stopCh:
		s.release(qt)
		return ErrStopping
	}
}

// acquire takes a reference on name. With exclusive set it refuses when name
// already has one.
func (s *Service) acquire(name string, exclusive bool) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if exclusive && s.inflight.Contains(name) {
		return false
	}
	s.inflight.Insert(name)
	return true
}

func (s *Service) release(qt queuedTask) {
	s.gateMu.Lock()
	s.inflight.Remove(qt.task.Name)
	s.gateMu.Unlock()
}

// Running reports whether the workers are started.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && !s.stopping
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	running := s.stopCh != nil && !s.stopping
	s.mu.Unlock()

	snap := Snapshot{
		Running:        running,
		Workers:        cfg.Workers,
		DroppedFull:    s.droppedFull.Load(),
		DroppedStale:   s.droppedStale.Load(),
		SkippedOverlap: s.skippedOverlap.Load(),
	}
	snap.Dropped = snap.DroppedFull + snap.DroppedStale
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}

	s.gateMu.Lock()
	snap.InFlight = s.inflight.Keys()
	s.gateMu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}
