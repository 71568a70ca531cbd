package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"

	"kiwi/internal/eventbus"
	"kiwi/pkg/logx"
	"kiwi/pkg/timespec"
)

var (
	// ErrNoSuchTimer is returned (wrapped with the ID) by RemoveTimer for an unknown ID.
	ErrNoSuchTimer = errors.New("scheduler: no such timer")

	ErrAlreadyRunning = errors.New("scheduler: already running")
	ErrInterrupted    = errors.New("scheduler: interrupted")
	ErrCallbackPanic  = errors.New("scheduler: fire callback panicked")
)

// FireFunc is invoked for every timer matching the current minute. ctx is the
// Run context. It runs with the scheduler lock held; see the package docs.
type FireFunc func(ctx context.Context, id int, payload any) error

// State of the engine loop. Stopped -> Running -> Interrupted.
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateInterrupted
)

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Config controls the scheduler.
//
// Defaults (when zero):
//   - Timezone: local time
//   - HistorySize: 100
//   - FailureWarnEvery: 1m (per timer; extra failures log at debug)
type Config struct {
	Timezone         string // IANA TZ, e.g. "Europe/Berlin"
	HistorySize      int
	FailureWarnEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
	if c.FailureWarnEvery <= 0 {
		c.FailureWarnEvery = time.Minute
	}
	return c
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock replaces the wall clock. Tests pass a clockwork.FakeClock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

type timerDef struct {
	id        int
	spec      *timespec.TimeSpec
	repeating bool
	payload   any

	added     time.Time
	fired     int
	lastFired time.Time
}

// TimerInfo is a read-only view of a registered timer.
type TimerInfo struct {
	ID        int       `json:"id"`
	Spec      string    `json:"spec"`
	Repeating bool      `json:"repeating"`
	Payload   any       `json:"-"`
	Added     time.Time `json:"added"`
	Fired     int       `json:"fired"`
	LastFired time.Time `json:"last_fired"`
	Next      time.Time `json:"next"`
}

// HistoryItem records one callback invocation.
type HistoryItem struct {
	ID      int
	At      time.Time
	Took    time.Duration
	Removed bool // fire-once timer dropped after this firing
	Error   string
}

// FireEvent is the payload of timer.fired and timer.failed events.
type FireEvent struct {
	ID        int           `json:"id"`
	Repeating bool          `json:"repeating"`
	Payload   any           `json:"-"`
	At        time.Time     `json:"at"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

// TimerEvent is the payload of timer.added and timer.removed events.
type TimerEvent struct {
	ID      int    `json:"id"`
	Spec    string `json:"spec,omitempty"`
	Payload any    `json:"-"`
}

type Snapshot struct {
	State    State
	Timezone string
	Fired    uint64
	Failed   uint64
	Timers   []TimerInfo
	History  []HistoryItem
}
