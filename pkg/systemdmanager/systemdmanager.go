// Package systemdmanager starts, stops and inspects systemd units over
// D-Bus. It is only functional on Linux; elsewhere New returns
// ErrUnsupported.
package systemdmanager

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnsupported = errors.New("systemdmanager: unsupported OS (linux only)")
	ErrClosed      = errors.New("systemdmanager: connection closed")
	ErrInvalidOp   = errors.New("systemdmanager: invalid operation")
)

// Op is a unit job.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpReload  Op = "reload"
)

// ParseOp accepts start, stop, restart or reload. Empty means restart.
func ParseOp(s string) (Op, error) {
	switch op := Op(strings.ToLower(strings.TrimSpace(s))); op {
	case "":
		return OpRestart, nil
	case OpStart, OpStop, OpRestart, OpReload:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOp, s)
	}
}

// UnitName appends ".service" unless name already carries a unit suffix.
func UnitName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		switch name[i+1:] {
		case "service", "timer", "socket", "target", "mount", "path", "slice", "scope":
			return name
		}
	}
	return name + ".service"
}

// UnitStatus is the core state of a unit.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	ActiveSince time.Time
	StateChange time.Time
}

// parseTimestamp reads a systemd microsecond timestamp property.
func parseTimestamp(props map[string]any, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
