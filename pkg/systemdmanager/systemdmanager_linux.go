//go:build linux

package systemdmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system bus connection.
type Manager struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// New connects to the system bus.
func New(ctx context.Context) (*Manager, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Manager{conn: conn}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

// Do queues op for unit in "replace" mode and waits for the job result.
func (m *Manager) Do(ctx context.Context, op Op, unit string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return ErrClosed
	}
	name := UnitName(unit)
	done := make(chan string, 1)

	var err error
	switch op {
	case OpStart:
		_, err = m.conn.StartUnitContext(ctx, name, "replace", done)
	case OpStop:
		_, err = m.conn.StopUnitContext(ctx, name, "replace", done)
	case OpRestart:
		_, err = m.conn.RestartUnitContext(ctx, name, "replace", done)
	case OpReload:
		_, err = m.conn.ReloadUnitContext(ctx, name, "replace", done)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOp, op)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, name, err)
	}

	select {
	case res := <-done:
		if res != "done" {
			return fmt.Errorf("%s %s: job %s", op, name, res)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reads the unit's core properties. A missing unit is reported with
// LoadState "not-found" rather than an error.
func (m *Manager) Status(ctx context.Context, unit string) (*UnitStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.conn == nil {
		return nil, ErrClosed
	}
	name := UnitName(unit)
	props, err := m.conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return &UnitStatus{Name: name, Active: "unknown", SubState: "not-found", LoadState: "not-found"}, nil
		}
		return nil, fmt.Errorf("failed to get status for %s: %w", name, err)
	}
	return &UnitStatus{
		Name:        name,
		Active:      stringProp(props, "ActiveState"),
		SubState:    stringProp(props, "SubState"),
		LoadState:   stringProp(props, "LoadState"),
		Description: stringProp(props, "Description"),
		ActiveSince: parseTimestamp(props, "ActiveEnterTimestamp"),
		StateChange: parseTimestamp(props, "StateChangeTimestamp"),
	}, nil
}
