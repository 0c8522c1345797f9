package config

import (
	"reflect"
	"sort"
	"strings"

	logx "deckhand/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging the reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.max_concurrent", newCfg.Scheduler.MaxConcurrent),
			logx.Int("scheduler.per_flow_entries", len(newCfg.Scheduler.PerFlow)),
			logx.String("scheduler.stale_lock_timeout", strings.TrimSpace(newCfg.Scheduler.StaleLockTimeout)),
			logx.Int("scheduler.retry_max_attempts", newCfg.Scheduler.Retry.MaxAttempts),
		)
	}

	if !reflect.DeepEqual(oldCfg.Store, newCfg.Store) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Launcher, newCfg.Launcher) {
		changed = append(changed, "launcher")
		attrs = append(attrs,
			logx.Int("launcher.command_len", len(newCfg.Launcher.Command)),
			logx.String("launcher.watchdog_window", strings.TrimSpace(newCfg.Launcher.WatchdogWindow)),
			logx.Int("launcher.max_workers", newCfg.Launcher.MaxWorkers),
		)
	}

	// Debug (never log the token itself)
	if !reflect.DeepEqual(oldCfg.Debug, newCfg.Debug) {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.sweep_spec", strings.TrimSpace(newCfg.Maintenance.SweepSpec)),
			logx.String("maintenance.compact_spec", strings.TrimSpace(newCfg.Maintenance.CompactSpec)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
