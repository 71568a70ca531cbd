// Package actions builds the work a timer performs when it fires.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"kiwi/internal/config"
	"kiwi/internal/engine"
	"kiwi/pkg/logx"
	"kiwi/pkg/systemdmanager"
)

var ErrUnknownAction = errors.New("actions: unknown action type")

// maxOutput caps how much command output is kept for logging.
const maxOutput = 4 << 10

// Action is the payload attached to a scheduler timer.
type Action interface {
	// Kind is "log", "exec" or "systemd".
	Kind() string
	Run(ctx context.Context) error
}

// Build turns an action config into an Action. Log actions write to log.
func Build(cfg config.ActionConfig, log logx.Logger) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "log":
		return &Log{
			Message: cfg.Message,
			Level:   logx.ParseLevel(cfg.Level, logx.LevelInfo),
			Logger:  log,
		}, nil
	case "exec":
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, fmt.Errorf("actions: exec: command is required")
		}
		return &Exec{
			Command: cfg.Command,
			Args:    append([]string(nil), cfg.Args...),
			Dir:     cfg.Dir,
			Env:     append([]string(nil), cfg.Env...),
			Logger:  log,
		}, nil
	case "systemd":
		if strings.TrimSpace(cfg.Unit) == "" {
			return nil, fmt.Errorf("actions: systemd: unit is required")
		}
		op, err := systemdmanager.ParseOp(cfg.Op)
		if err != nil {
			return nil, fmt.Errorf("actions: systemd: %w", err)
		}
		return &Systemd{Unit: strings.TrimSpace(cfg.Unit), Op: op, Logger: log}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, cfg.Type)
	}
}

// Log emits a reminder message.
type Log struct {
	Message string
	Level   logx.Level
	Logger  logx.Logger
}

func (a *Log) Kind() string { return "log" }

func (a *Log) Run(context.Context) error {
	a.Logger.Log(a.Level, a.Message, logx.String("action", "log"))
	return nil
}

// Exec runs a command without a shell. Env entries are appended to the
// current environment. A non-zero exit is an error; a missing binary is not
// retried.
type Exec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  logx.Logger
}

func (a *Exec) Kind() string { return "exec" }

func (a *Exec) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	cmd.Dir = a.Dir
	if len(a.Env) > 0 {
		cmd.Env = append(os.Environ(), a.Env...)
	}
	cmd.WaitDelay = 5 * time.Second

	var out capped
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	fields := []logx.Field{
		logx.String("action", "exec"),
		logx.String("command", a.Command),
		logx.Duration("took", time.Since(start)),
	}
	if s := strings.TrimSpace(out.String()); s != "" {
		fields = append(fields, logx.String("output", s))
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fields = append(fields, logx.Int("exit_code", exitErr.ExitCode()))
		}
		a.Logger.Debug("command failed", append(fields, logx.Err(err))...)
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return engine.NoRetry(fmt.Errorf("exec %s: %w", a.Command, err))
		}
		return fmt.Errorf("exec %s: %w", a.Command, err)
	}
	a.Logger.Debug("command finished", fields...)
	return nil
}

// capped keeps the first maxOutput bytes written to it.
type capped struct {
	buf       bytes.Buffer
	truncated bool
}

func (c *capped) Write(p []byte) (int, error) {
	if room := maxOutput - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
			c.truncated = true
		} else {
			c.buf.Write(p)
		}
	} else if len(p) > 0 {
		c.truncated = true
	}
	return len(p), nil
}

func (c *capped) String() string {
	if c.truncated {
		return c.buf.String() + "…"
	}
	return c.buf.String()
}
