package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Retain bounds how many records are kept (default 10000). Older records
// are pruned in the background of appends.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Retain      int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return 10000
	}
	return c.Retain
}

// FireRecord is one entry of the fire history. Event is the bus event type
// that produced it (timer.fired, timer.failed, task.finished, ...).
type FireRecord struct {
	At       time.Time     `json:"at"`
	Event    string        `json:"event"`
	Timer    string        `json:"timer"`
	TimerID  int           `json:"timer_id,omitempty"`
	Took     time.Duration `json:"took"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Store is the persistence API used by the app.
type Store interface {
	AppendFire(ctx context.Context, r FireRecord) error
	// RecentFires returns up to limit records, newest first. An empty timer
	// matches every timer.
	RecentFires(ctx context.Context, timer string, limit int) ([]FireRecord, error)
	Close() error
}
