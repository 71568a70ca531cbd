package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := createApp()
	cmd.Writer = &buf
	cmd.ErrWriter = &buf
	err := cmd.Run(context.Background(), append([]string{"kiwid"}, args...))
	return buf.String(), err
}

func TestNextCommand(t *testing.T) {
	out, err := runCLI(t, "next", "-n", "3", "--tz", "UTC", "--from", "2024-03-11T09:00:00Z", "30 9 * * 1-5")
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	want := "2024-03-11T09:30:00Z\n2024-03-12T09:30:00Z\n2024-03-13T09:30:00Z\n"
	if out != want {
		t.Fatalf("output:\n%s\nwant:\n%s", out, want)
	}
}

func TestNextCommandUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing expr", []string{"next"}},
		{"out of range", []string{"next", "0 24 * * *"}},
		{"bad count", []string{"next", "-n", "0", "* * * * *"}},
		{"bad tz", []string{"next", "--tz", "Nowhere/Land", "* * * * *"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCLI(t, tt.args...)
			var uerr *usageError
			if !errors.As(err, &uerr) {
				t.Fatalf("err = %v, want usageError", err)
			}
		})
	}
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kiwi.yaml")
	cfg := `
scheduler:
  timezone: UTC
timers:
  - name: standup
    at: "09:30"
    weekdays: [1, 2, 3, 4, 5]
    action: { type: log, message: standup }
  - name: report
    spec: "0 17 * * 5"
    once: true
    action: { type: exec, command: /bin/true }
`
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "-c", path, "check", "-n", "2")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	for _, s := range []string{"standup", "30 9 * * 1-5", "report", "(once)", "config ok: 2 timers"} {
		if !strings.Contains(out, s) {
			t.Fatalf("output missing %q:\n%s", s, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"timers":[{"name":"x","action":{"type":"log","message":"m"}}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "-c", bad, "check"); err == nil {
		t.Fatal("invalid config passed check")
	}
}

func TestHistoryCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kiwi.json")
	body := `{"storage":{"driver":"file","path":"` + filepath.Join(dir, "kiwi.db") + `"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := runCLI(t, "-c", path, "history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.HasPrefix(out, "AT") {
		t.Fatalf("unexpected output %q", out)
	}
}
