package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  timezone: UTC
engine:
  workers: 3
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./kiwi.db
cache:
  spec_cache_size: 16
timers:
  - name: standup
    at: "09:30"
    weekdays: [1, 2, 3, 4, 5]
    action: { type: log, message: "standup in 5" }
  - name: backup
    spec: "0 3 * * *"
    timeout: 10m
    action:
      type: exec
      command: /usr/local/bin/backup
      args: ["--full"]
`

func TestDecodeYAML(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("kiwi.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Engine.Workers != 3 || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.Timers) != 2 || cfg.Timers[0].At != "09:30" || !slices.Equal(cfg.Timers[0].Weekdays, []int{1, 2, 3, 4, 5}) {
		t.Fatalf("unexpected timers %+v", cfg.Timers)
	}
	if got := cfg.Timers[1].Action.Args; !slices.Equal(got, []string{"--full"}) {
		t.Fatalf("args = %v", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown json field", "kiwi.json", `{"bogus": 1}`},
		{"unknown yaml field", "kiwi.yml", "engine:\n  wrokers: 2\n"},
		{"trailing data", "kiwi.json", `{} {}`},
		{"bad yaml", "kiwi.yaml", "timers: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.file, []byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	logAction := ActionConfig{Type: "log", Message: "hi"}
	tests := []struct {
		name    string
		timers  []TimerConfig
		wantErr string
	}{
		{"ok at", []TimerConfig{{Name: "a", At: "07:15", Action: logAction}}, ""},
		{"ok spec", []TimerConfig{{Name: "a", Spec: "@hourly", Action: logAction}}, ""},
		{"missing schedule", []TimerConfig{{Name: "a", Action: logAction}}, "one of spec or at"},
		{"both schedules", []TimerConfig{{Name: "a", Spec: "* * * * *", At: "07:00", Action: logAction}}, "mutually exclusive"},
		{"bad clock", []TimerConfig{{Name: "a", At: "25:00", Action: logAction}}, "HH:MM"},
		{"bad weekday", []TimerConfig{{Name: "a", At: "07:00", Weekdays: []int{8}, Action: logAction}}, "out of range"},
		{"weekdays with spec", []TimerConfig{{Name: "a", Spec: "* * * * *", Weekdays: []int{1}, Action: logAction}}, "only valid with at"},
		{"bad spec", []TimerConfig{{Name: "a", Spec: "61 * * * *", Action: logAction}}, "spec"},
		{"duplicate", []TimerConfig{{Name: "a", At: "07:00", Action: logAction}, {Name: "a", At: "08:00", Action: logAction}}, "duplicate"},
		{"no name", []TimerConfig{{At: "07:00", Action: logAction}}, "name: required"},
		{"unknown action", []TimerConfig{{Name: "a", At: "07:00", Action: ActionConfig{Type: "mail"}}}, "want log, exec or systemd"},
		{"systemd without unit", []TimerConfig{{Name: "a", At: "07:00", Action: ActionConfig{Type: "systemd"}}}, "unit: required"},
		{"systemd bad op", []TimerConfig{{Name: "a", At: "07:00", Action: ActionConfig{Type: "systemd", Unit: "nginx", Op: "kill"}}}, "invalid operation"},
		{"ok systemd", []TimerConfig{{Name: "a", At: "07:00", Action: ActionConfig{Type: "systemd", Unit: "nginx", Op: "reload"}}}, ""},
		{"exec without command", []TimerConfig{{Name: "a", At: "07:00", Action: ActionConfig{Type: "exec"}}}, "command: required"},
		{"bad timeout", []TimerConfig{{Name: "a", At: "07:00", Timeout: "soon", Action: logAction}}, "invalid duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&Config{Timers: tt.timers})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}

	if err := Validate(&Config{Storage: &StorageConfig{Driver: "postgres"}}); err == nil {
		t.Fatal("unknown storage driver accepted")
	}
}

func TestTimerSpec(t *testing.T) {
	t.Parallel()
	spec, err := TimerSpec(TimerConfig{At: "09:30", Weekdays: []int{1}})
	if err != nil {
		t.Fatalf("TimerSpec: %v", err)
	}
	monday := time.Date(2024, time.March, 11, 9, 30, 0, 0, time.UTC)
	if !spec.Match(monday) || spec.Match(monday.AddDate(0, 0, 1)) || spec.Match(monday.Add(time.Minute)) {
		t.Fatalf("spec %s matches wrong times", spec)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	logAction := ActionConfig{Type: "log", Message: "hi"}
	oldCfg := &Config{
		Engine: EngineConfig{Workers: 2},
		Timers: []TimerConfig{
			{Name: "a", At: "07:00", Action: logAction},
			{Name: "b", At: "08:00", Action: logAction},
		},
	}
	newCfg := &Config{
		Engine: EngineConfig{Workers: 4},
		Timers: []TimerConfig{
			{Name: "b", At: "08:30", Action: logAction},
			{Name: "c", Spec: "@daily", Action: logAction},
		},
	}
	c := SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(c.Sections, []string{"engine", "timers"}) {
		t.Fatalf("Sections = %v", c.Sections)
	}
	if !slices.Equal(c.Added, []string{"c"}) || !slices.Equal(c.Removed, []string{"a"}) || !slices.Equal(c.Changed, []string{"b"}) {
		t.Fatalf("added=%v removed=%v changed=%v", c.Added, c.Removed, c.Changed)
	}

	if c := SummarizeChange(oldCfg, oldCfg); !c.Empty() {
		t.Fatalf("identical configs reported %v", c.Sections)
	}

	reordered := &Config{Engine: oldCfg.Engine, Timers: []TimerConfig{oldCfg.Timers[1], oldCfg.Timers[0]}}
	c = SummarizeChange(oldCfg, reordered)
	if c.TimersChanged() || !slices.Equal(c.Sections, []string{"timers"}) {
		t.Fatalf("reorder: %+v", c)
	}
}

func TestManagerWatchPublishesReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiwi.json")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write(`{"engine":{"workers":1}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Engine.Workers > 8 {
			return errors.New("too many workers")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher registers asynchronously, so keep rewriting until a reload lands.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		write(`{"engine":{"workers":` + strconv.Itoa(2+i%5) + `}}`)
		select {
		case cfg := <-ch:
			if cfg.Engine.Workers < 2 {
				t.Fatalf("unexpected workers %d", cfg.Engine.Workers)
			}
			if m.Get() != cfg {
				t.Fatal("published config was not committed")
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no reload published")
		}
	}
}
