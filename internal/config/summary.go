package config

import (
	"reflect"
	"sort"
	"strings"

	"kiwi/pkg/logx"
)

// Change is what a reload altered.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Timers added, removed or changed, by name, each sorted.
	Added, Removed, Changed []string
	// Attrs are safe structured fields for the reload log line.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// TimersChanged reports whether the timer set differs in any way.
func (c Change) TimersChanged() bool {
	return len(c.Added)+len(c.Removed)+len(c.Changed) > 0
}

// SummarizeChange compares two configs section by section. Exec arguments and
// environment are never copied into Attrs.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var c Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		c.Sections = append(c.Sections, "logging")
		c.Attrs = append(c.Attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		c.Sections = append(c.Sections, "scheduler")
		c.Attrs = append(c.Attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		c.Sections = append(c.Sections, "engine")
		c.Attrs = append(c.Attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
		)
	}
	if !reflect.DeepEqual(derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)) {
		c.Sections = append(c.Sections, "storage")
		n := derefStorage(newCfg.Storage)
		c.Attrs = append(c.Attrs,
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
		)
	}
	if oldCfg.Cache != newCfg.Cache {
		c.Sections = append(c.Sections, "cache")
		c.Attrs = append(c.Attrs, logx.Int("cache.spec_cache_size", newCfg.Cache.SpecCacheSize))
	}

	if oldCfg.Pprof != newCfg.Pprof {
		c.Sections = append(c.Sections, "pprof")
		c.Attrs = append(c.Attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	c.Added, c.Removed, c.Changed = diffTimers(oldCfg.Timers, newCfg.Timers)
	if c.TimersChanged() || !sameOrder(oldCfg.Timers, newCfg.Timers) {
		c.Sections = append(c.Sections, "timers")
		c.Attrs = append(c.Attrs,
			logx.Int("timers.count", len(newCfg.Timers)),
			logx.Any("timers.added", c.Added),
			logx.Any("timers.removed", c.Removed),
			logx.Any("timers.changed", c.Changed),
		)
	}

	sort.Strings(c.Sections)
	return c
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func diffTimers(oldT, newT []TimerConfig) (added, removed, changed []string) {
	byName := func(ts []TimerConfig) map[string]TimerConfig {
		m := make(map[string]TimerConfig, len(ts))
		for _, t := range ts {
			m[strings.TrimSpace(t.Name)] = t
		}
		return m
	}
	o, n := byName(oldT), byName(newT)
	for name, nt := range n {
		ot, ok := o[name]
		switch {
		case !ok:
			added = append(added, name)
		case !reflect.DeepEqual(ot, nt):
			changed = append(changed, name)
		}
	}
	for name := range o {
		if _, ok := n[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	sort.Strings(changed)
	return added, removed, changed
}

// sameOrder reports whether both lists name the same timers in the same
// order. Firing order follows config order, so a reorder is a change.
func sameOrder(a, b []TimerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if strings.TrimSpace(a[i].Name) != strings.TrimSpace(b[i].Name) {
			return false
		}
	}
	return true
}
