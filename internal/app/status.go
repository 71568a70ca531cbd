package app

import (
	"encoding/json"
	"net/http"

	"kiwi/internal/engine"
	"kiwi/internal/runtime/supervisor"
	"kiwi/internal/scheduler"
)

// Status is a point-in-time view of the running app.
type Status struct {
	Scheduler   scheduler.Snapshot `json:"scheduler"`
	Engine      engine.Snapshot    `json:"engine"`
	Goroutines  []supervisor.Stats `json:"goroutines"`
	SpecCache   CacheStats         `json:"spec_cache"`
	BusDropped  uint64             `json:"bus_dropped"`
	HistoryOn   bool               `json:"history_enabled"`
	LastFatal   string             `json:"last_fatal,omitempty"`
	ConfigPath  string             `json:"config_path"`
	TimersInCfg int                `json:"timers_configured"`
}

func (a *App) Status() Status {
	a.cacheMu.Lock()
	cache := a.cache
	a.cacheMu.Unlock()

	st := Status{
		Scheduler:  a.sched.Snapshot(),
		Engine:     a.engine.Snapshot(),
		SpecCache:  cache.stats(),
		BusDropped: a.bus.Dropped(),
		HistoryOn:  a.store != nil,
		ConfigPath: a.cfgm.Path(),
	}
	if cfg := a.cfgm.Get(); cfg != nil {
		st.TimersInCfg = len(cfg.Timers)
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
		if err := a.sup.Err(); err != nil {
			st.LastFatal = err.Error()
		}
	}
	return st
}

// statusHandler serves Status as JSON on the debug server.
func (a *App) statusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(a.Status())
	})
}
