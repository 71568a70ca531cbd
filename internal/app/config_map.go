package app

import (
	"fmt"
	"strings"
	"time"

	"kiwi/internal/config"
	"kiwi/internal/engine"
	"kiwi/internal/observability/pprof"
	"kiwi/internal/scheduler"
	"kiwi/internal/storage"
	"kiwi/pkg/logx"
)

const defaultSpecCacheSize = 128

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:   l.File.Enabled,
			Path:      l.File.Path,
			MaxSizeKB: l.File.MaxSizeKB,
			MaxRolls:  l.File.MaxRolls,
			Compress:  l.File.Compress,
		},
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	warnEvery, err := config.ParseDurationField("scheduler.failure_warn_every", cfg.Scheduler.FailureWarnEvery)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:         strings.TrimSpace(cfg.Scheduler.Timezone),
		HistorySize:      cfg.Scheduler.HistorySize,
		FailureWarnEvery: warnEvery,
	}, nil
}

func mapEngine(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine
	defTimeout, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("engine.max_queue_delay", e.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        e.Workers,
		QueueSize:      e.QueueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxDelay,
		HistorySize:    e.HistorySize,
		RetryMax:       e.RetryMax,
	}, nil
}

// mapStorage reports enabled=false when no history store is configured.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPprof(cfg *config.Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Prefix:        p.Prefix,
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
	}
}

func specCacheSize(cfg *config.Config) int {
	if cfg.Cache.SpecCacheSize > 0 {
		return cfg.Cache.SpecCacheSize
	}
	return defaultSpecCacheSize
}
