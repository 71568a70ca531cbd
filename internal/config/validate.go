package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"kiwi/pkg/systemdmanager"
	"kiwi/pkg/timespec"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks everything that can be checked without side effects:
// durations, storage driver, and each timer's schedule and action.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	_, err := ParseDurationField("scheduler.failure_warn_every", cfg.Scheduler.FailureWarnEvery)
	add(err)
	_, err = ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("engine.max_queue_delay", cfg.Engine.MaxQueueDelay)
	add(err)
	if cfg.Cache.SpecCacheSize < 0 {
		add(errors.New("cache.spec_cache_size: must be >= 0"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	if p := cfg.Pprof; p.Enabled && p.Addr != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(p.Addr)); err != nil {
			add(fmt.Errorf("pprof.addr: %w", err))
		}
	}

	seen := make(map[string]struct{}, len(cfg.Timers))
	for i, t := range cfg.Timers {
		path := fmt.Sprintf("timers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
		} else {
			path = fmt.Sprintf("timers[%s]", name)
			if _, dup := seen[name]; dup {
				add(fmt.Errorf("%s: duplicate name", path))
			}
			seen[name] = struct{}{}
		}
		add(validateTimer(path, t))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func validateTimer(path string, t TimerConfig) error {
	var errs []error
	spec, at := strings.TrimSpace(t.Spec), strings.TrimSpace(t.At)
	switch {
	case spec == "" && at == "":
		errs = append(errs, fmt.Errorf("%s: one of spec or at is required", path))
	case spec != "" && at != "":
		errs = append(errs, fmt.Errorf("%s: spec and at are mutually exclusive", path))
	case spec != "":
		if len(t.Weekdays) > 0 {
			errs = append(errs, fmt.Errorf("%s.weekdays: only valid with at", path))
		}
		if _, err := timespec.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s.spec: %w", path, err))
		}
	default:
		if _, err := TimerSpec(t); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}

	if _, err := ParseDurationField(path+".timeout", t.Timeout); err != nil {
		errs = append(errs, err)
	}

	a := t.Action
	switch strings.ToLower(strings.TrimSpace(a.Type)) {
	case "log":
		if strings.TrimSpace(a.Message) == "" {
			errs = append(errs, fmt.Errorf("%s.action.message: required for log", path))
		}
	case "exec":
		if strings.TrimSpace(a.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.action.command: required for exec", path))
		}
	case "systemd":
		if strings.TrimSpace(a.Unit) == "" {
			errs = append(errs, fmt.Errorf("%s.action.unit: required for systemd", path))
		}
		if _, err := systemdmanager.ParseOp(a.Op); err != nil {
			errs = append(errs, fmt.Errorf("%s.action.op: %w", path, err))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.action.type: want log, exec or systemd, got %q", path, a.Type))
	}
	return errors.Join(errs...)
}

// TimerSpec builds the TimeSpec for an "at" timer. Spec-expression timers
// are parsed by the caller, which may cache them.
func TimerSpec(t TimerConfig) (*timespec.TimeSpec, error) {
	h, m, err := ParseClock("at", t.At)
	if err != nil {
		return nil, err
	}
	return timespec.FromValues(timespec.Values{
		Hours:    []int{h},
		Minutes:  []int{m},
		Weekdays: t.Weekdays,
	})
}
