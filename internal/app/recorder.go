package app

import (
	"context"
	"time"

	"kiwi/internal/engine"
	"kiwi/internal/eventbus"
	"kiwi/internal/scheduler"
	"kiwi/internal/storage"
	"kiwi/pkg/logx"
)

var recordedEvents = []string{
	eventbus.TimerFired,
	eventbus.TimerFailed,
	eventbus.TaskFinished,
	eventbus.TaskFailed,
	eventbus.TaskSkipped,
	eventbus.TaskDropped,
}

// recordLoop persists fire and task events until ctx is done. Store errors
// are logged and the event is lost.
func (a *App) recordLoop(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			if a.store == nil {
				continue
			}
			r, ok := fireRecord(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := a.store.AppendFire(wctx, r)
			cancel()
			if err != nil {
				a.log.Warn("history append failed", logx.String("event", e.Type), logx.String("timer", r.Timer), logx.Err(err))
			}
		}
	}
}

// fireRecord converts a scheduler or engine event into a history record.
func fireRecord(e eventbus.Event) (storage.FireRecord, bool) {
	switch ev := e.Data.(type) {
	case scheduler.FireEvent:
		r := storage.FireRecord{At: ev.At, Event: e.Type, TimerID: ev.ID, Took: ev.Took, Error: ev.Error}
		if te, ok := ev.Payload.(*timerEntry); ok {
			r.Timer = te.name
		}
		return r, true
	case engine.TaskEvent:
		at := ev.Started
		if at.IsZero() {
			at = e.Time
		}
		return storage.FireRecord{At: at, Event: e.Type, Timer: ev.Name, Took: ev.Duration, Attempts: ev.Attempts, Error: ev.Error}, true
	default:
		return storage.FireRecord{}, false
	}
}
