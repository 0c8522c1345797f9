package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {
    "max_concurrent": 3,
    "per_flow": {"implement": 2, "review": 1},
    "stale_lock_timeout": "15m",
    "retry": {"base": "10s", "multiplier": 2, "cap": "2m", "jitter": 0.2, "max_attempts": 4}
  },
  "store": {"driver": "file", "path": "./state"},
  "launcher": {"command": ["agent-worker", "--stdin"], "run_dir": "./run"}
}`

func TestParseJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", validJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxConcurrent != 3 {
		t.Fatalf("max_concurrent = %d, want 3", cfg.Scheduler.MaxConcurrent)
	}
	if cfg.Scheduler.PerFlow["implement"] != 2 {
		t.Fatalf("per_flow.implement = %d, want 2", cfg.Scheduler.PerFlow["implement"])
	}
	if j := cfg.Scheduler.Retry.Jitter; j == nil || *j != 0.2 {
		t.Fatalf("retry.jitter = %v, want 0.2", j)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  max_concurrent: 2
  stale_lock_timeout: 10m
store:
  driver: sqlite
  path: ./state.db
launcher:
  command: ["agent-worker"]
  run_dir: ./run
  watchdog_window: 5m
`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Launcher.WatchdogWindow != "5m" {
		t.Fatalf("watchdog_window = %q, want 5m", cfg.Launcher.WatchdogWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", `{"schedular": {}}`))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Launcher: LauncherConfig{Command: []string{"worker"}, RunDir: "./run"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown flow", func(c *Config) { c.Scheduler.PerFlow = map[string]int{"deploy": 1} }},
		{"bad duration", func(c *Config) { c.Scheduler.StaleLockTimeout = "ten minutes" }},
		{"negative duration", func(c *Config) { c.Launcher.StopGrace = "-5s" }},
		{"jitter out of range", func(c *Config) { j := 1.5; c.Scheduler.Retry.Jitter = &j }},
		{"missing command", func(c *Config) { c.Launcher.Command = nil }},
		{"missing run dir", func(c *Config) { c.Launcher.RunDir = " " }},
		{"unknown store driver", func(c *Config) { c.Store.Driver = "redis" }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("baseline config should validate: %v", err)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	if err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be 0, got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration should error")
	}
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Scheduler: SchedulerConfig{MaxConcurrent: 1}}
	newCfg := &Config{
		Scheduler: SchedulerConfig{MaxConcurrent: 4},
		Logging:   LoggingConfig{Level: "debug"},
	}
	sections, _ := SummarizeChange(oldCfg, newCfg)
	want := []string{"logging", "scheduler"}
	if len(sections) != len(want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Fatalf("sections = %v, want %v", sections, want)
		}
	}

	if s, _ := SummarizeChange(newCfg, newCfg); len(s) != 0 {
		t.Fatalf("no-op diff returned %v", s)
	}
}
