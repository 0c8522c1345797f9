package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Launcher  LauncherConfig  `json:"launcher"`

	// Maintenance controls the periodic recovery sweep and store compaction.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`

	// Debug controls the optional diagnostics HTTP server (pprof + scheduler
	// snapshot).
	Debug DebugConfig `json:"debug,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:6061").
//   - A non-loopback bind requires a token or explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls run selection and the retry policy.
//
// All durations are Go duration strings (e.g. "30s", "10m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 1
//   - per_flow: 1 for each flow
//   - stale_lock_timeout: "10m"
//   - history_size: 200
//   - launch_timeout: "10s"
type SchedulerConfig struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`

	// PerFlow caps concurrent runs per flow ("implement", "review",
	// "research"). Unknown flow names are rejected at parse time.
	PerFlow map[string]int `json:"per_flow,omitempty"`

	StaleLockTimeout string `json:"stale_lock_timeout,omitempty"`
	HistorySize      int    `json:"history_size,omitempty"`
	LaunchTimeout    string `json:"launch_timeout,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig shapes the failure backoff schedule.
//
// Defaults: base "30s", multiplier 2, cap "5m", jitter 0.1, max_attempts 5.
// Jitter is a pointer so an explicit 0 (no jitter) is distinct from unset.
type RetryConfig struct {
	Base        string   `json:"base,omitempty"`
	Multiplier  float64  `json:"multiplier,omitempty"`
	Cap         string   `json:"cap,omitempty"`
	Jitter      *float64 `json:"jitter,omitempty"`
	MaxAttempts int      `json:"max_attempts,omitempty"`
}

// StoreConfig controls the persistence layer.
//
// Example:
//
//	"store": { "driver": "file", "path": "./deckhand_store" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LauncherConfig controls how workers are spawned.
type LauncherConfig struct {
	// Command is the worker argv. The run payload is delivered on stdin.
	Command []string `json:"command"`
	WorkDir string   `json:"work_dir,omitempty"`

	// RunDir holds pidfiles used for liveness checks and adoption.
	RunDir string `json:"run_dir"`

	// WatchdogWindow kills a worker that produces no output for this long.
	// "0s" disables the watchdog.
	WatchdogWindow string `json:"watchdog_window,omitempty"`

	// StopGrace is how long a canceled worker gets between SIGTERM and
	// SIGKILL. Default "10s".
	StopGrace string `json:"stop_grace,omitempty"`

	MaxWorkers int `json:"max_workers,omitempty"`
}

// MaintenanceConfig holds cron specs for background upkeep.
//
// Defaults: sweep every minute, compact daily at 03:30.
type MaintenanceConfig struct {
	SweepSpec   string `json:"sweep_spec,omitempty"`
	CompactSpec string `json:"compact_spec,omitempty"`
}

var knownFlows = map[string]struct{}{
	"implement": {},
	"review":    {},
	"research":  {},
}

// Validate checks everything that can be checked without touching the
// filesystem. Called before a reloaded config is committed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	for name := range c.Scheduler.PerFlow {
		if _, ok := knownFlows[strings.ToLower(strings.TrimSpace(name))]; !ok {
			return fmt.Errorf("scheduler.per_flow: unknown flow %q", name)
		}
	}
	for path, raw := range map[string]string{
		"scheduler.stale_lock_timeout": c.Scheduler.StaleLockTimeout,
		"scheduler.launch_timeout":     c.Scheduler.LaunchTimeout,
		"scheduler.retry.base":         c.Scheduler.Retry.Base,
		"scheduler.retry.cap":          c.Scheduler.Retry.Cap,
		"store.busy_timeout":           c.Store.BusyTimeout,
		"launcher.watchdog_window":     c.Launcher.WatchdogWindow,
		"launcher.stop_grace":          c.Launcher.StopGrace,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if j := c.Scheduler.Retry.Jitter; j != nil && (*j < 0 || *j > 1) {
		return errors.New("scheduler.retry.jitter must be in [0, 1]")
	}
	if len(c.Launcher.Command) == 0 {
		return errors.New("launcher.command is required")
	}
	if strings.TrimSpace(c.Launcher.RunDir) == "" {
		return errors.New("launcher.run_dir is required")
	}
	switch d := strings.TrimSpace(c.Store.Driver); d {
	case "", "file", "sqlite":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", d)
	}
	return nil
}
