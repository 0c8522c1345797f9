package app

import (
	"strings"
	"time"

	"deckhand/internal/config"
	"deckhand/internal/diag"
	"deckhand/internal/launcher"
	"deckhand/internal/sched"
	"deckhand/internal/store"
	logx "deckhand/pkg/logx"
)

// Config mapping lives here so both NewApp and the hot-reload path share one
// translation from file config to component config.

func mapSchedConfig(cfg *config.Config) (sched.Config, error) {
	if cfg == nil {
		return sched.Config{}, nil
	}
	sc := cfg.Scheduler

	perFlow := map[sched.Flow]int{}
	for name, n := range sc.PerFlow {
		flow, err := sched.ParseFlow(name)
		if err != nil {
			return sched.Config{}, err
		}
		perFlow[flow] = n
	}

	stale, err := config.ParseDurationOrDefault("scheduler.stale_lock_timeout", sc.StaleLockTimeout, 10*time.Minute)
	if err != nil {
		return sched.Config{}, err
	}
	launchTimeout, err := config.ParseDurationOrDefault("scheduler.launch_timeout", sc.LaunchTimeout, 10*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	retryBase, err := config.ParseDurationField("scheduler.retry.base", sc.Retry.Base)
	if err != nil {
		return sched.Config{}, err
	}
	retryCap, err := config.ParseDurationField("scheduler.retry.cap", sc.Retry.Cap)
	if err != nil {
		return sched.Config{}, err
	}

	// Unset jitter falls back to the policy default; an explicit 0 in the
	// file means a deterministic schedule.
	var jitter float64
	var noJitter bool
	if j := sc.Retry.Jitter; j != nil {
		jitter = *j
		noJitter = *j == 0
	}

	return sched.Config{
		Limits: sched.Limits{
			MaxConcurrent: sc.MaxConcurrent,
			PerFlow:       perFlow,
		},
		StaleLockTimeout: stale,
		HistorySize:      sc.HistorySize,
		LaunchTimeout:    launchTimeout,
		Retry: sched.RetryPolicy{
			Base:        retryBase,
			Multiplier:  sc.Retry.Multiplier,
			Cap:         retryCap,
			Jitter:      jitter,
			NoJitter:    noJitter,
			MaxAttempts: sc.Retry.MaxAttempts,
		},
	}, nil
}

func mapStoreConfig(cfg *config.Config) (store.Config, error) {
	if cfg == nil {
		return store.Config{}, nil
	}
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return store.Config{}, err
	}
	path := strings.TrimSpace(cfg.Store.Path)
	if path == "" {
		path = "./deckhand_store"
	}
	return store.Config{
		Driver:      strings.TrimSpace(cfg.Store.Driver),
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapLauncherConfig(cfg *config.Config) (launcher.ProcConfig, error) {
	if cfg == nil {
		return launcher.ProcConfig{}, nil
	}
	lc := cfg.Launcher
	watchdog, err := config.ParseDurationField("launcher.watchdog_window", lc.WatchdogWindow)
	if err != nil {
		return launcher.ProcConfig{}, err
	}
	grace, err := config.ParseDurationOrDefault("launcher.stop_grace", lc.StopGrace, 10*time.Second)
	if err != nil {
		return launcher.ProcConfig{}, err
	}
	return launcher.ProcConfig{
		Command:        lc.Command,
		WorkDir:        strings.TrimSpace(lc.WorkDir),
		RunDir:         strings.TrimSpace(lc.RunDir),
		WatchdogWindow: watchdog,
		StopGrace:      grace,
		MaxWorkers:     lc.MaxWorkers,
	}, nil
}

func mapDebugConfig(cfg *config.Config) diag.Config {
	if cfg == nil {
		return diag.Config{}
	}
	return diag.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          strings.TrimSpace(cfg.Debug.Addr),
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
