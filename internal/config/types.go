package config

// Config is the kiwid configuration file (JSON or YAML).
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Cache     CacheConfig     `json:"cache"`
	Pprof     PprofConfig     `json:"pprof"`
	Timers    []TimerConfig   `json:"timers"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the rotating JSON log file.
type LoggingFile struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	MaxSizeKB int64  `json:"max_size_kb,omitempty"`
	MaxRolls  int    `json:"max_rolls,omitempty"`
	Compress  bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the timer engine.
//
// FailureWarnEvery is a Go duration string; it limits how often a failing
// repeating timer logs at warn level.
type SchedulerConfig struct {
	Timezone         string `json:"timezone,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	FailureWarnEvery string `json:"failure_warn_every,omitempty"`
}

// EngineConfig controls the worker pool that runs timer actions.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 2 (negative disables retries)
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// StorageConfig controls fire-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./kiwi.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type CacheConfig struct {
	// SpecCacheSize bounds the parsed-expression cache. Default 128.
	SpecCacheSize int `json:"spec_cache_size,omitempty"`
}

// PprofConfig controls the debug HTTP server (pprof, /healthz, /status).
// A non-loopback Addr needs Token unless AllowInsecure is set.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Prefix        string `json:"prefix,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// TimerConfig declares one timer. Exactly one of Spec or At is set.
//
//	{ "name": "standup", "at": "09:30", "weekdays": [1,2,3,4,5],
//	  "action": { "type": "log", "message": "standup" } }
type TimerConfig struct {
	Name string `json:"name"`

	// Spec is a five-field cron expression or descriptor ("@daily").
	Spec string `json:"spec,omitempty"`
	// At is "HH:MM". Weekdays (0-7, Sunday is 0 or 7) narrows it.
	At       string `json:"at,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"`

	// Once removes the timer after its first firing.
	Once bool `json:"once,omitempty"`

	Timeout string `json:"timeout,omitempty"`
	// AllowOverlap lets a new run start while the previous one is in flight.
	AllowOverlap bool `json:"allow_overlap,omitempty"`

	Action ActionConfig `json:"action"`
}

// ActionConfig describes what a timer does when it fires.
type ActionConfig struct {
	Type string `json:"type"` // "log" | "exec" | "systemd"

	// log
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"`

	// exec
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`

	// systemd; Op is start, stop, restart (default) or reload.
	Unit string `json:"unit,omitempty"`
	Op   string `json:"op,omitempty"`
}
