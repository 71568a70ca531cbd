package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kiwi/internal/engine"
	"kiwi/pkg/logx"
	"kiwi/pkg/systemdmanager"
)

// UnitController runs unit jobs. *systemdmanager.Manager implements it.
type UnitController interface {
	Do(ctx context.Context, op systemdmanager.Op, unit string) error
	Status(ctx context.Context, unit string) (*systemdmanager.UnitStatus, error)
	Close() error
}

// Systemd starts, stops, restarts or reloads a unit. Each run opens its own
// bus connection.
type Systemd struct {
	Unit    string
	Op      systemdmanager.Op
	Logger  logx.Logger
	Connect func(ctx context.Context) (UnitController, error)
}

func (a *Systemd) Kind() string { return "systemd" }

func (a *Systemd) Run(ctx context.Context) error {
	connect := a.Connect
	if connect == nil {
		connect = dialSystemd
	}
	start := time.Now()
	c, err := connect(ctx)
	if err != nil {
		if errors.Is(err, systemdmanager.ErrUnsupported) {
			return engine.NoRetry(err)
		}
		return fmt.Errorf("systemd %s %s: %w", a.Op, a.Unit, err)
	}
	defer c.Close()

	if err := c.Do(ctx, a.Op, a.Unit); err != nil {
		return err
	}
	fields := []logx.Field{
		logx.String("action", "systemd"),
		logx.String("unit", systemdmanager.UnitName(a.Unit)),
		logx.String("op", string(a.Op)),
		logx.Duration("took", time.Since(start)),
	}
	st, err := c.Status(ctx, a.Unit)
	if err != nil {
		a.Logger.Debug("unit status unavailable", append(fields, logx.Err(err))...)
		return nil
	}
	fields = append(fields, logx.String("active", st.Active), logx.String("sub", st.SubState))
	// A stop leaves the unit inactive; anything else should end up active.
	if a.Op != systemdmanager.OpStop && st.Active == "failed" {
		return fmt.Errorf("systemd %s %s: unit failed (%s)", a.Op, st.Name, st.SubState)
	}
	a.Logger.Debug("unit job done", fields...)
	return nil
}

func dialSystemd(ctx context.Context) (UnitController, error) {
	m, err := systemdmanager.New(ctx)
	if err != nil {
		return nil, err
	}
	return m, nil
}
