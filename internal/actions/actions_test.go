package actions

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"kiwi/internal/config"
	"kiwi/internal/engine"
	"kiwi/pkg/logx"
	"kiwi/pkg/systemdmanager"
)

func TestBuild(t *testing.T) {
	t.Parallel()
	log := logx.Nop()

	a, err := Build(config.ActionConfig{Type: "log", Message: "hi", Level: "warn"}, log)
	if err != nil {
		t.Fatalf("Build log: %v", err)
	}
	if la, ok := a.(*Log); !ok || la.Level != logx.LevelWarn || a.Kind() != "log" {
		t.Fatalf("unexpected action %#v", a)
	}

	if _, err := Build(config.ActionConfig{Type: "mail"}, log); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("unknown type err = %v", err)
	}
	if _, err := Build(config.ActionConfig{Type: "exec"}, log); err == nil {
		t.Fatal("exec without command accepted")
	}
}

func TestLogWritesMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	a := &Log{Message: "standup in 5", Level: logx.LevelInfo, Logger: logx.New(&buf, "info")}
	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(buf.String(), "standup in 5") {
		t.Fatalf("log output %q", buf.String())
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
}

func TestExec(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ok := &Exec{Command: "sh", Args: []string{"-c", "test \"$KIWI_X\" = 1"}, Env: []string{"KIWI_X=1"}, Logger: logx.Nop()}
	if err := ok.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fail := &Exec{Command: "sh", Args: []string{"-c", "exit 3"}, Logger: logx.Nop()}
	err := fail.Run(context.Background())
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != 3 || engine.IsNoRetry(err) {
		t.Fatalf("exit err = %v", err)
	}
}

func TestExecMissingBinaryIsPermanent(t *testing.T) {
	t.Parallel()
	a := &Exec{Command: "kiwi-definitely-missing-binary", Logger: logx.Nop()}
	if err := a.Run(context.Background()); !engine.IsNoRetry(err) {
		t.Fatalf("err = %v, want NoRetry", err)
	}
}

func TestExecHonoursContext(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a := &Exec{Command: "sh", Args: []string{"-c", "sleep 10"}, Logger: logx.Nop()}
	start := time.Now()
	if err := a.Run(ctx); err == nil {
		t.Fatal("expected error from cancelled command")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("command outlived its context")
	}
}

func TestCappedOutput(t *testing.T) {
	t.Parallel()
	var c capped
	c.Write(bytes.Repeat([]byte("x"), maxOutput+10))
	if c.buf.Len() != maxOutput || !strings.HasSuffix(c.String(), "…") {
		t.Fatalf("len=%d truncated=%v", c.buf.Len(), c.truncated)
	}
}

type fakeUnits struct {
	ops    []string
	err    error
	active string
	closed bool
}

func (f *fakeUnits) Do(_ context.Context, op systemdmanager.Op, unit string) error {
	f.ops = append(f.ops, string(op)+" "+unit)
	return f.err
}

func (f *fakeUnits) Status(_ context.Context, unit string) (*systemdmanager.UnitStatus, error) {
	active := f.active
	if active == "" {
		active = "active"
	}
	return &systemdmanager.UnitStatus{Name: systemdmanager.UnitName(unit), Active: active, SubState: "running"}, nil
}

func (f *fakeUnits) Close() error { f.closed = true; return nil }

func TestSystemd(t *testing.T) {
	t.Parallel()
	a, err := Build(config.ActionConfig{Type: "systemd", Unit: "nginx"}, logx.Nop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	sd := a.(*Systemd)
	if sd.Op != systemdmanager.OpRestart || sd.Kind() != "systemd" {
		t.Fatalf("unexpected action %#v", sd)
	}

	fake := &fakeUnits{}
	sd.Connect = func(context.Context) (UnitController, error) { return fake, nil }
	if err := sd.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(fake.ops) != 1 || fake.ops[0] != "restart nginx" || !fake.closed {
		t.Fatalf("fake saw %v closed=%v", fake.ops, fake.closed)
	}

	fake.active = "failed"
	if err := sd.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "unit failed") {
		t.Fatalf("failed unit err = %v", err)
	}

	sd.Connect = func(context.Context) (UnitController, error) { return nil, systemdmanager.ErrUnsupported }
	if err := sd.Run(context.Background()); !engine.IsNoRetry(err) {
		t.Fatalf("unsupported platform err = %v, want NoRetry", err)
	}

	if _, err := Build(config.ActionConfig{Type: "systemd", Unit: "x", Op: "kill"}, logx.Nop()); !errors.Is(err, systemdmanager.ErrInvalidOp) {
		t.Fatalf("bad op err = %v", err)
	}
}
